// Package connection shares ssh transports between the commands run against
// one device, and owns the device's interactive shell session.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/logger"
	"github.com/rileyhilliard/rdev/internal/shell"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// DefaultSharingTimeout is how long an unreferenced master stays up.
const DefaultSharingTimeout = 10 * time.Minute

var (
	// ErrPoolClosed is returned by every call after Close.
	ErrPoolClosed = errors.New(errors.ErrSSH, "Connection pool is closed", "Reconnect the device")

	// ErrNoShell means RunInShell was called before StartShell succeeded.
	ErrNoShell = errors.New(errors.ErrSession, "No shell session for this device", "Connect the device first")
)

// Shell is the interactive session the pool runs batch commands through.
// *shell.Session implements it.
type Shell interface {
	Run(ctx context.Context, command string, stdin []byte) (shell.Result, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// ShellStarter opens a Shell for the given parameters.
type ShellStarter func(ctx context.Context, params sshutil.Parameters) (Shell, error)

// Options configures a Pool.
type Options struct {
	SSHBinary      string
	SharingTimeout time.Duration
	Log            logger.Logger
	// StartShell defaults to shell.Start with SSHBinary.
	StartShell ShellStarter
}

// Pool is the per-device registry of shared connections plus the device's
// shell session. One goroutine owns the connection list and the parameter
// baseline; every call hands it a closure and blocks until it ran.
type Pool struct {
	opts Options
	log  logger.Logger

	reqs      chan func()
	quit      chan struct{}
	closeOnce sync.Once
	lost      chan error

	// Owned by the loop goroutine.
	closed   bool
	baseline *sshutil.Parameters
	conns    []*SharedConnection
	shell    Shell
}

// NewPool creates a pool and starts its goroutine. Call Close when done.
func NewPool(opts Options) *Pool {
	if opts.Log == nil {
		opts.Log = logger.Noop()
	}
	if opts.SSHBinary == "" {
		opts.SSHBinary = "ssh"
	}
	if opts.SharingTimeout == 0 {
		opts.SharingTimeout = DefaultSharingTimeout
	}
	if opts.StartShell == nil {
		bin, log := opts.SSHBinary, opts.Log
		opts.StartShell = func(ctx context.Context, params sshutil.Parameters) (Shell, error) {
			s, err := shell.Start(ctx, shell.Options{SSHBinary: bin, Params: params, Log: log})
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}

	p := &Pool{
		opts: opts,
		log:  opts.Log,
		reqs: make(chan func()),
		quit: make(chan struct{}),
		lost: make(chan error, 1),
	}
	go p.loop()
	return p
}

func (p *Pool) loop() {
	for {
		select {
		case fn := <-p.reqs:
			fn()
		case <-p.quit:
			return
		}
	}
}

// do runs fn on the pool goroutine and waits for it.
func (p *Pool) do(ctx context.Context, fn func()) error {
	var err error
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		if p.closed {
			err = ErrPoolClosed
			return
		}
		fn()
	}

	select {
	case p.reqs <- wrapped:
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return err
}

// Attach finds or creates the shared connection for params and takes a
// reference on it. Parameters differing only in X11 display share one
// connection. A change of the displayless parameters stales every existing
// connection; holders keep theirs, new requests get a fresh one.
//
// The returned lease's SocketPath is ready at once if the master is
// already running; otherwise Wait for it.
func (p *Pool) Attach(ctx context.Context, params sshutil.Parameters) (*Lease, error) {
	var lease *Lease
	err := p.do(ctx, func() {
		key := params.Displayless()
		if p.baseline == nil || !p.baseline.Equal(key) {
			if p.baseline != nil {
				p.log.Debug("parameters changed to %s, staling %d shared connection(s)", key, len(p.conns))
				for _, c := range p.conns {
					c.MakeStale()
				}
			}
			p.baseline = &key
		}
		p.pruneLocked()

		var match *SharedConnection
		for _, c := range p.conns {
			if !c.IsStale() && c.Params().Equal(key) {
				match = c
				break
			}
		}
		if match == nil {
			match = newSharedConnection(key, p.opts.SSHBinary, p.opts.SharingTimeout, p.log)
			p.conns = append(p.conns, match)
			p.log.Debug("new shared connection to %s", key)
		}

		match.Ref()
		match.ConnectToHost()
		lease = &Lease{pool: p, conn: match}
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (p *Pool) pruneLocked() {
	kept := p.conns[:0]
	for _, c := range p.conns {
		if !c.Destroyed() {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(p.conns); i++ {
		p.conns[i] = nil
	}
	p.conns = kept
}

// Connections returns the connections the pool still tracks.
func (p *Pool) Connections(ctx context.Context) ([]*SharedConnection, error) {
	var out []*SharedConnection
	err := p.do(ctx, func() {
		p.pruneLocked()
		out = append(out, p.conns...)
	})
	return out, err
}

// release drops one reference on c from the pool goroutine. After Close it
// is a no-op: the connection is already gone.
func (p *Pool) release(c *SharedConnection) {
	_ = p.do(context.Background(), func() {
		c.Deref()
	})
}

// StartShell (re)creates the shell session, replacing any previous one.
func (p *Pool) StartShell(ctx context.Context, params sshutil.Parameters) error {
	sh, err := p.opts.StartShell(ctx, params)
	if err != nil {
		return err
	}

	var old Shell
	if err := p.do(ctx, func() { old, p.shell = p.shell, sh }); err != nil {
		sh.Close()
		return err
	}
	if old != nil {
		old.Close()
	}
	go p.watchShell(sh)
	return nil
}

// StopShell closes the shell session. This is a requested stop and does
// not fire Lost.
func (p *Pool) StopShell(ctx context.Context) error {
	var sh Shell
	if err := p.do(ctx, func() { sh, p.shell = p.shell, nil }); err != nil {
		return err
	}
	if sh != nil {
		sh.Close()
	}
	return nil
}

func (p *Pool) watchShell(sh Shell) {
	<-sh.Done()
	err := sh.Err()
	if err == nil {
		return
	}

	current := false
	_ = p.do(context.Background(), func() {
		if p.shell == sh {
			p.shell = nil
			current = true
		}
	})
	if !current {
		return
	}
	p.log.Warn("shell session lost: %v", err)
	select {
	case p.lost <- err:
	default:
	}
}

// Lost delivers the error when the shell session dies without being asked
// to. A requested StopShell or Close never sends on it.
func (p *Pool) Lost() <-chan error {
	return p.lost
}

// HasShell reports whether a shell session is active.
func (p *Pool) HasShell(ctx context.Context) bool {
	var ok bool
	_ = p.do(ctx, func() { ok = p.shell != nil })
	return ok
}

// RunInShell runs command through the shell session. Calling it without a
// session is a programming error and returns ErrNoShell.
func (p *Pool) RunInShell(ctx context.Context, command string, stdin []byte) (shell.Result, error) {
	var sh Shell
	if err := p.do(ctx, func() { sh = p.shell }); err != nil {
		return shell.Result{}, err
	}
	if sh == nil {
		p.log.Error("RunInShell(%q) without a shell session", command)
		return shell.Result{}, ErrNoShell
	}
	return sh.Run(ctx, command, stdin)
}

// Close destroys every connection and the shell session. Leases released
// afterwards are no-ops. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		var conns []*SharedConnection
		var sh Shell
		_ = p.do(context.Background(), func() {
			conns, p.conns = p.conns, nil
			sh, p.shell = p.shell, nil
			p.closed = true
		})
		close(p.quit)

		for _, c := range conns {
			c.destroy()
		}
		if sh != nil {
			sh.Close()
		}
	})
}
