package process

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rileyhilliard/rdev/internal/errors"
)

// Signal is a signal the caller can deliver to a running process.
type Signal int

const (
	SignalTerminate Signal = iota
	SignalKill
	SignalInterrupt
	// SignalKickOff resumes a stopped process (SIGCONT).
	SignalKickOff
)

// Number returns the POSIX signal number used on the device.
func (s Signal) Number() int {
	switch s {
	case SignalKill:
		return 9
	case SignalInterrupt:
		return 2
	case SignalKickOff:
		return 18
	default:
		return 15
	}
}

func (s Signal) String() string {
	switch s {
	case SignalKill:
		return "kill"
	case SignalInterrupt:
		return "interrupt"
	case SignalKickOff:
		return "kickoff"
	default:
		return "terminate"
	}
}

// Terminate asks the process to stop.
func (p *Process) Terminate(ctx context.Context) error { return p.Signal(ctx, SignalTerminate) }

// Kill stops the process forcibly. A second Kill is ignored.
func (p *Process) Kill(ctx context.Context) error { return p.Signal(ctx, SignalKill) }

// Interrupt sends SIGINT.
func (p *Process) Interrupt(ctx context.Context) error { return p.Signal(ctx, SignalInterrupt) }

// Signal delivers sig. With a terminal attached the local ssh child is
// signalled. Otherwise the device shell runs kill against the remote
// process group, falling back to the bare PID.
func (p *Process) Signal(ctx context.Context, sig Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if sig == SignalKill {
		p.mu.Lock()
		already := p.killed
		p.killed = true
		p.mu.Unlock()
		if already {
			return nil
		}
	}

	if p.setup.Terminal != TerminalOff {
		err := p.cmd.Process.Signal(localSignal(sig))
		if sig == SignalTerminate {
			p.reap()
		}
		return err
	}

	pid := p.PID()
	if pid == 0 {
		// Never started remotely; stopping ssh is all there is to do.
		return p.cmd.Process.Kill()
	}
	if p.opts.Shell == nil {
		return errors.New(errors.ErrExec,
			fmt.Sprintf("Can't send %s to remote pid %d", sig, pid),
			"The device shell isn't available")
	}
	return RemoteSignal(ctx, p.opts.Shell, pid, sig)
}

// RemoteSignal runs "kill -<sig> -<pid>" on the device to reach the whole
// process group, and "kill -<sig> <pid>" if that failed.
func RemoteSignal(ctx context.Context, runner ShellRunner, pid int, sig Signal) error {
	group := fmt.Sprintf("kill -%d -%d", sig.Number(), pid)
	res, err := runner.RunInShell(ctx, group, nil)
	if err == nil && res.OK() {
		return nil
	}

	single := fmt.Sprintf("kill -%d %d", sig.Number(), pid)
	res, err = runner.RunInShell(ctx, single, nil)
	if err != nil {
		return err
	}
	if !res.OK() {
		return errors.New(errors.ErrExec,
			fmt.Sprintf("Failed to send %s to remote pid %d", sig, pid),
			strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// reap kills the local ssh child if it is still running ReaperTimeout
// after a terminate.
func (p *Process) reap() {
	if p.opts.ReaperTimeout <= 0 {
		return
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(p.opts.ReaperTimeout):
			p.log.Debug("ssh still running %s after terminate, killing it", p.opts.ReaperTimeout)
			_ = p.cmd.Process.Kill()
		}
	}()
}
