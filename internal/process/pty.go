package process

import (
	"io"

	"github.com/creack/pty"
)

// spawnPty runs ssh on a local pseudo-terminal and copies between it and
// the setup's stdio.
func (p *Process) spawnPty() error {
	f, err := pty.Start(p.cmd)
	if err != nil {
		return err
	}
	p.pty = f

	go func() {
		defer close(p.copyDone)
		out := p.setup.Stdout
		if out == nil {
			out = io.Discard
		}
		_, _ = io.Copy(out, f)
	}()
	if p.setup.Stdin != nil {
		go func() {
			_, _ = io.Copy(f, p.setup.Stdin)
		}()
	}

	p.markStarted()
	return nil
}

// Resize sets the local pty size. No-op without a pty.
func (p *Process) Resize(rows, cols uint16) error {
	if p.pty == nil {
		return nil
	}
	return pty.Setsize(p.pty, &pty.Winsize{Rows: rows, Cols: cols})
}
