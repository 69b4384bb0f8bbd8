package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/logger"
)

// Process is one remote command running as a local ssh child.
type Process struct {
	opts  Options
	setup Setup
	log   logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	pty    *os.File
	lease  Lease
	parser *pidParser

	started     chan struct{}
	startedOnce sync.Once
	done        chan struct{}
	copyDone    chan struct{}

	mu        sync.Mutex
	result    Result
	killed    bool
	stdinShut bool
}

// Start launches setup on the device described by opts. With connection
// sharing on and no jump device it first attaches to the shared master and
// waits until it is connected. Errors before the ssh child is running are
// returned directly; later failures show up in Wait.
func Start(ctx context.Context, opts Options, setup Setup) (*Process, error) {
	if err := setup.validate(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrExec, "Nothing to run", "Pass a command")
	}
	if opts.Log == nil {
		opts.Log = logger.Noop()
	}
	if opts.SSHBinary == "" {
		opts.SSHBinary = "ssh"
	}

	p := &Process{
		opts:     opts,
		setup:    setup,
		log:      opts.Log,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
		copyDone: make(chan struct{}),
	}

	path, err := exec.LookPath(opts.SSHBinary)
	if err != nil {
		return nil, Result{Status: FailedToStart, ExitCode: -1}.
			WithStderr(fmt.Sprintf("ssh binary %q not found.", opts.SSHBinary), nil).
			Err(errors.ErrSSH, "ssh")
	}

	socket := ""
	if p.useSharing() {
		lease, err := opts.Attach(ctx, opts.Params)
		if err != nil {
			return nil, err
		}
		socket, err = lease.Wait(ctx)
		if err != nil {
			lease.Release()
			return nil, err
		}
		p.lease = lease
	}

	args := CommandLine(opts.Params, setup, socket)
	p.cmd = exec.Command(path, args...)
	p.cmd.Env = opts.Params.CommandEnv()
	if d := display(opts.Params, setup); d != "" {
		if p.cmd.Env == nil {
			p.cmd.Env = os.Environ()
		}
		p.cmd.Env = append(p.cmd.Env, "DISPLAY="+d)
	}
	p.log.Debug("starting %s %v", path, args)

	if err := p.spawn(); err != nil {
		p.releaseLease()
		return nil, Classify(err, true).Err(errors.ErrExec, "ssh")
	}

	go p.wait()
	return p, nil
}

func (p *Process) useSharing() bool {
	return p.opts.Sharing && p.opts.Attach != nil && !p.setup.DisableSharing && p.opts.Params.Link == nil
}

func (p *Process) spawn() error {
	switch p.setup.Terminal {
	case TerminalPty:
		return p.spawnPty()

	case TerminalOn:
		p.cmd.Stdin = p.setup.Stdin
		p.cmd.Stdout = p.setup.Stdout
		p.cmd.Stderr = p.setup.Stderr
		if err := p.cmd.Start(); err != nil {
			return err
		}
		close(p.copyDone)
		p.markStarted()
		return nil

	default:
		p.parser = newPIDParser(p.setup.Stdout, p.setup.Stderr, func(pid int) {
			p.log.Debug("remote pid %d", pid)
			p.markStarted()
		})
		p.cmd.Stdout = p.parser.Stdout()
		p.cmd.Stderr = p.parser.Stderr()
		if p.setup.Stdin != nil {
			stdin, err := p.cmd.StdinPipe()
			if err != nil {
				return err
			}
			p.stdin = stdin
		}
		if err := p.cmd.Start(); err != nil {
			return err
		}
		close(p.copyDone)
		if p.stdin != nil {
			go func() {
				_, _ = io.Copy(p.stdin, p.setup.Stdin)
				p.CloseWriteChannel()
			}()
		}
		return nil
	}
}

func (p *Process) markStarted() {
	p.startedOnce.Do(func() { close(p.started) })
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	<-p.copyDone
	if p.pty != nil {
		p.pty.Close()
	}

	res := ClassifySSH(err, false)
	if p.parser != nil {
		if !p.parser.Found() {
			res.Status = FailedToStart
			res = res.WithStderr("Remote process did not start.", p.parser.StderrTail())
		} else if !res.OK() {
			res = res.WithStderr("", p.parser.StderrTail())
		}
	}
	p.releaseLease()

	p.mu.Lock()
	p.result = res
	p.mu.Unlock()
	p.log.Debug("process finished: %s (exit %d)", res.Status, res.ExitCode)
	close(p.done)
}

func (p *Process) releaseLease() {
	if p.lease != nil {
		p.lease.Release()
	}
}

// Started is closed once the remote process is known to run. Without a
// terminal that is when the PID marker arrived; with one, right after ssh
// started.
func (p *Process) Started() <-chan struct{} {
	return p.started
}

// Done is closed when the ssh child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// PID returns the remote PID, or 0 when unknown or running in a terminal.
func (p *Process) PID() int {
	if p.parser == nil {
		return 0
	}
	return p.parser.PID()
}

// LocalPID returns the PID of the local ssh child.
func (p *Process) LocalPID() int {
	return p.cmd.Process.Pid
}

// Wait blocks until the process exited and returns how it ended.
func (p *Process) Wait() Result {
	<-p.done
	return p.Result()
}

// Result returns the final result. Only meaningful after Done.
func (p *Process) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Err waits for the process and turns a failure into a structured error,
// recognising missing commands on the device.
func (p *Process) Err() error {
	res := p.Wait()
	if res.OK() {
		return nil
	}
	if res.Status == Exited && p.parser != nil {
		if err := Diagnose(p.commandName(), string(p.parser.StderrTail()), res.ExitCode); err != nil {
			return err
		}
	}
	return res.Err(errors.ErrExec, fmt.Sprintf("'%s'", p.commandName()))
}

func (p *Process) commandName() string {
	if p.setup.ShellCommand != "" {
		return p.setup.ShellCommand
	}
	return p.setup.Command
}

// CloseWriteChannel closes the command's standard input. It is always
// handled locally.
func (p *Process) CloseWriteChannel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdinShut {
		return
	}
	p.stdinShut = true

	switch {
	case p.pty != nil:
		// ^D at the start of a line is EOF for the remote tty.
		_, _ = p.pty.Write([]byte{4})
	case p.stdin != nil:
		_ = p.stdin.Close()
	}
}
