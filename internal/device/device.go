// Package device ties one remote Linux target together: its shared ssh
// connections and shell session, file access, processes, signals and
// file transfers.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rileyhilliard/rdev/internal/connection"
	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/fileaccess"
	"github.com/rileyhilliard/rdev/internal/logger"
	"github.com/rileyhilliard/rdev/internal/process"
	"github.com/rileyhilliard/rdev/internal/shell"
	"github.com/rileyhilliard/rdev/internal/transfer"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// Notifier shows connection progress to the user. Every method must be
// safe to call from any goroutine.
type Notifier interface {
	Connecting(device string)
	Connected(device string, fast bool, os string)
	ConnectFailed(device string, err error)
	Lost(device string, err error)
}

// Bridge is the fast file access path. *fileaccess.BridgeAccess
// implements it.
type Bridge interface {
	fileaccess.Access
	Close() error
}

// BridgeDialer opens a Bridge next to the shell session.
type BridgeDialer func(ctx context.Context, params sshutil.Parameters, sh *fileaccess.ShellAccess, log logger.Logger) (Bridge, error)

// Options configures a Device.
type Options struct {
	Name   string
	Params sshutil.Parameters

	// Sharing runs processes and transfers over one ssh master.
	Sharing        bool
	SharingTimeout time.Duration

	SSHBinary   string
	SFTPBinary  string
	RsyncBinary string

	// TransferMethod is the preferred bulk copy method.
	TransferMethod  transfer.Method
	RsyncFlags      []string
	TransferWorkers int

	// SourceProfile makes every process source the login profiles.
	SourceProfile bool
	// ReaperTimeout is the grace period between terminate and kill for
	// terminal-mode ssh children.
	ReaperTimeout time.Duration

	// Bridge enables the SFTP file access fast path after connecting.
	Bridge bool
	// BridgeTimeout bounds the bridge attempt. Defaults to 15s.
	BridgeTimeout time.Duration

	// Peers resolves other devices for device to device transfers.
	Peers func(name string) (*Device, error)

	Notifier Notifier
	Log      logger.Logger

	// StartShell and DialBridge replace the real ssh based
	// implementations.
	StartShell connection.ShellStarter
	DialBridge BridgeDialer
}

// Device is one remote target. Connect it with TryToConnect before using
// the shell, file access or signals. Processes and sftp/rsync transfers
// don't need the shell session.
type Device struct {
	opts    Options
	log     logger.Logger
	notify  Notifier
	tracker *stateTracker
	env     *fileaccess.EnvCache
	shellFS *fileaccess.ShellAccess
	engine  *transfer.Engine

	// connectMu is held for writing while the connection is set up or torn
	// down and for reading while a shell command runs, so a reconnect
	// waits for commands in flight.
	connectMu sync.RWMutex

	mu        sync.Mutex
	pool      *connection.Pool
	bridge    Bridge
	osType    fileaccess.OSType
	gen       int
	stopWatch chan struct{}
	settled   chan struct{}
	caps      transfer.Capabilities
	probed    map[transfer.Method]bool
}

// New returns a disconnected device.
func New(opts Options) *Device {
	if opts.Log == nil {
		opts.Log = logger.Noop()
	}
	if opts.SSHBinary == "" {
		opts.SSHBinary = "ssh"
	}
	if opts.BridgeTimeout == 0 {
		opts.BridgeTimeout = 15 * time.Second
	}
	if opts.DialBridge == nil {
		opts.DialBridge = func(ctx context.Context, p sshutil.Parameters, sh *fileaccess.ShellAccess, log logger.Logger) (Bridge, error) {
			b, err := fileaccess.DialBridge(ctx, p, sh, log)
			if err != nil {
				return nil, err
			}
			return b, nil
		}
	}

	d := &Device{
		opts:    opts,
		log:     opts.Log,
		notify:  opts.Notifier,
		tracker: newStateTracker(),
		probed:  make(map[transfer.Method]bool),
	}
	if d.notify == nil {
		d.notify = silent{}
	}
	d.pool = d.newPool()
	d.env = fileaccess.NewEnvCache(d, d.log)
	d.shellFS = fileaccess.NewShellAccess(opts.Name, d, d.isConnected, d.env, d.log)
	d.engine = transfer.NewEngine(transfer.Options{
		SSHBinary:   opts.SSHBinary,
		SFTPBinary:  opts.SFTPBinary,
		RsyncBinary: opts.RsyncBinary,
		Workers:     opts.TransferWorkers,
		Remotes:     d.remote,
		Log:         d.log,
	})

	settled := make(chan struct{})
	close(settled)
	d.settled = settled
	return d
}

func (d *Device) newPool() *connection.Pool {
	return connection.NewPool(connection.Options{
		SSHBinary:      d.opts.SSHBinary,
		SharingTimeout: d.opts.SharingTimeout,
		Log:            d.log,
		StartShell:     d.opts.StartShell,
	})
}

// Name returns the device name.
func (d *Device) Name() string { return d.opts.Name }

// Parameters returns the connection parameters.
func (d *Device) Parameters() sshutil.Parameters { return d.opts.Params }

// State returns the current connection state.
func (d *Device) State() State { return d.tracker.get() }

// History returns recent state transitions, oldest first.
func (d *Device) History() []Transition { return d.tracker.history() }

// OnStateChange registers l and returns a function that removes it.
func (d *Device) OnStateChange(l StateListener) func() { return d.tracker.subscribe(l) }

// OSType returns the operating system seen at the last connect.
func (d *Device) OSType() fileaccess.OSType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.osType
}

func (d *Device) isConnected() bool {
	return d.State() != Disconnected
}

func (d *Device) currentPool() *connection.Pool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pool
}

// TryToConnect starts the shell session unless the device is already
// connected. It returns once the shell path is usable; the SFTP bridge is
// attempted in the background and Settled reports when that is over.
func (d *Device) TryToConnect(ctx context.Context) error {
	d.connectMu.Lock()
	defer d.connectMu.Unlock()

	if d.State() != Disconnected {
		return nil
	}

	d.notify.Connecting(d.opts.Name)
	d.teardown()

	pool := d.currentPool()
	if err := pool.StartShell(ctx, d.opts.Params); err != nil {
		err = connectError(d.opts.Name, err)
		d.notify.ConnectFailed(d.opts.Name, err)
		return err
	}

	d.tracker.set(d.opts.Name, Connected, "shell session started")

	osType, err := classifyOS(ctx, pool)
	if err != nil {
		d.log.Warn("couldn't classify %s: %v", d.opts.Name, err)
	}

	stop := make(chan struct{})
	settled := make(chan struct{})
	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.osType = osType
	d.stopWatch = stop
	d.settled = settled
	d.mu.Unlock()

	go d.watch(gen, pool, stop)

	if !d.opts.Bridge {
		close(settled)
		d.notify.Connected(d.opts.Name, false, osType.String())
		return nil
	}
	go d.attachBridge(gen, osType, settled)
	return nil
}

// classifyOS asks the fresh shell for its kernel name. It goes to the pool
// directly: RunInShell would wait on the connect lock held by the caller.
func classifyOS(ctx context.Context, pool *connection.Pool) (fileaccess.OSType, error) {
	res, err := pool.RunInShell(ctx, "uname -s", nil)
	if err != nil {
		return fileaccess.OSUnknown, err
	}
	if !res.OK() {
		return fileaccess.OSUnknown, nil
	}
	return fileaccess.ClassifyOS(string(res.Stdout)), nil
}

func connectError(name string, err error) error {
	if _, ok := err.(*errors.Error); ok {
		return err
	}
	return errors.WrapWithCode(err, errors.ErrSSH,
		fmt.Sprintf("Couldn't connect to '%s'", name),
		fmt.Sprintf("Check the device with: rdev test %s", name))
}

// attachBridge tries the SFTP fast path. Failure only leaves the device on
// the shell path.
func (d *Device) attachBridge(gen int, osType fileaccess.OSType, settled chan struct{}) {
	defer close(settled)

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.BridgeTimeout)
	defer cancel()

	b, err := d.opts.DialBridge(ctx, d.opts.Params, d.shellFS, d.log)
	if err != nil {
		d.log.Debug("no sftp bridge to %s, staying on the shell: %v", d.opts.Name, err)
		d.notify.Connected(d.opts.Name, false, osType.String())
		return
	}

	d.mu.Lock()
	if d.gen != gen || d.State() == Disconnected {
		d.mu.Unlock()
		b.Close()
		return
	}
	d.bridge = b
	d.mu.Unlock()

	d.tracker.set(d.opts.Name, ReadyToUse, "sftp bridge attached")
	d.notify.Connected(d.opts.Name, true, osType.String())
}

// Settled is closed once the bridge attempt of the latest connect is
// over, successful or not.
func (d *Device) Settled() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// watch closes the connection when the shell session dies on its own.
func (d *Device) watch(gen int, pool *connection.Pool, stop <-chan struct{}) {
	select {
	case err := <-pool.Lost():
		d.mu.Lock()
		current := d.gen == gen
		d.mu.Unlock()
		if current {
			d.closeConnection(true, err)
		}
	case <-stop:
	}
}

// CloseConnection tears down file access, the shell session and every
// shared connection. With announce set the user is told the connection
// was lost.
func (d *Device) CloseConnection(announce bool) {
	d.closeConnection(announce, nil)
}

func (d *Device) closeConnection(announce bool, cause error) {
	d.connectMu.Lock()
	d.teardown()

	d.mu.Lock()
	old := d.pool
	d.pool = d.newPool()
	d.gen++
	d.mu.Unlock()
	old.Close()

	d.tracker.set(d.opts.Name, Disconnected, "connection closed")
	d.connectMu.Unlock()

	// An environment fetch may hold the cache while it waits for the
	// connect lock; it fails once it sees the device disconnected.
	d.env.Invalidate()
	if announce {
		d.notify.Lost(d.opts.Name, cause)
	}
}

// teardown drops the bridge and the shell session. Callers hold connectMu.
func (d *Device) teardown() {
	d.mu.Lock()
	b := d.bridge
	d.bridge = nil
	if d.stopWatch != nil {
		close(d.stopWatch)
		d.stopWatch = nil
	}
	pool := d.pool
	d.mu.Unlock()

	if b != nil {
		if err := b.Close(); err != nil {
			d.log.Debug("closing sftp bridge: %v", err)
		}
	}
	if err := pool.StopShell(context.Background()); err != nil {
		d.log.Debug("stopping shell: %v", err)
	}
}

// Close disconnects without a notice and stops the pool. The device must
// not be used afterwards.
func (d *Device) Close() {
	d.CloseConnection(false)
	d.currentPool().Close()
}

// RunInShell runs command in the device shell session. A reconnect or
// CloseConnection started meanwhile waits for it to finish.
func (d *Device) RunInShell(ctx context.Context, command string, stdin []byte) (shell.Result, error) {
	d.connectMu.RLock()
	defer d.connectMu.RUnlock()
	if !d.isConnected() {
		return shell.Result{}, errors.Disconnected(d.opts.Name)
	}
	return d.currentPool().RunInShell(ctx, command, stdin)
}

// Environment returns the cached device environment.
func (d *Device) Environment(ctx context.Context) (fileaccess.Environment, error) {
	return d.FileAccess().Environment(ctx)
}

// FileAccess returns the bridge when it is attached and alive, otherwise
// the shell implementation.
func (d *Device) FileAccess() fileaccess.Access {
	d.mu.Lock()
	b := d.bridge
	d.mu.Unlock()
	if b != nil && d.State() == ReadyToUse {
		if a, ok := b.(interface{ Alive() bool }); !ok || a.Alive() {
			return b
		}
		d.log.Debug("sftp bridge to %s is gone, using the shell", d.opts.Name)
	}
	return d.shellFS
}

// NewProcess starts setup on the device.
func (d *Device) NewProcess(ctx context.Context, setup process.Setup) (*process.Process, error) {
	if d.opts.SourceProfile {
		setup.SourceProfile = true
	}
	return process.Start(ctx, process.Options{
		SSHBinary:     d.opts.SSHBinary,
		Params:        d.opts.Params,
		Sharing:       d.opts.Sharing,
		Attach:        d.attach,
		Shell:         d,
		ReaperTimeout: d.opts.ReaperTimeout,
		Log:           d.log,
	}, setup)
}

// attach leases the shared connection from the current pool.
func (d *Device) attach(ctx context.Context, params sshutil.Parameters) (process.Lease, error) {
	lease, err := d.currentPool().Attach(ctx, params)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

type silent struct{}

func (silent) Connecting(string)              {}
func (silent) Connected(string, bool, string) {}
func (silent) ConnectFailed(string, error)    {}
func (silent) Lost(string, error)             {}
