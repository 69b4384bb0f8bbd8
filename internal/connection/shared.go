package connection

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rileyhilliard/rdev/internal/logger"
	"github.com/rileyhilliard/rdev/internal/process"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// State is the lifecycle state of a shared master process.
type State int

const (
	NotStarted State = iota
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return "not started"
	}
}

// SharedConnection owns one ssh master process (ControlMaster) that other
// ssh, sftp and rsync invocations reuse through its control socket.
//
// A connection with references is never torn down, stale or not. When the
// last reference goes away a stale connection is destroyed at once and a
// live one after the idle timeout, unless it is referenced again first.
type SharedConnection struct {
	params    sshutil.Parameters
	sshBinary string
	idle      time.Duration
	log       logger.Logger

	connected    chan struct{}
	disconnected chan struct{}

	mu        sync.Mutex
	state     State
	refs      int
	stale     bool
	destroyed bool
	stopping  bool
	timer     *time.Timer
	timerGen  int
	socketDir string
	socket    string
	cmd       *exec.Cmd
	stderr    bytes.Buffer
	result    process.Result

	// destroyHook runs once when the connection is destroyed.
	destroyHook func()
}

func newSharedConnection(params sshutil.Parameters, sshBinary string, idle time.Duration, log logger.Logger) *SharedConnection {
	if sshBinary == "" {
		sshBinary = "ssh"
	}
	if log == nil {
		log = logger.Noop()
	}
	return &SharedConnection{
		params:       params,
		sshBinary:    sshBinary,
		idle:         idle,
		log:          log,
		connected:    make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

// Params returns the (displayless) parameters the master was started with.
func (c *SharedConnection) Params() sshutil.Parameters {
	return c.params
}

// State returns the current lifecycle state.
func (c *SharedConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Refs returns the current reference count.
func (c *SharedConnection) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// IsStale reports whether the connection is excluded from new lookups.
func (c *SharedConnection) IsStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Destroyed reports whether the connection has been torn down for good.
func (c *SharedConnection) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// SocketPath returns the control socket while the master is running, else "".
func (c *SharedConnection) SocketPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return ""
	}
	return c.socket
}

// Connected is closed once the master has authenticated.
func (c *SharedConnection) Connected() <-chan struct{} {
	return c.connected
}

// Disconnected is closed when the master failed, exited or was torn down.
// Result is valid afterwards.
func (c *SharedConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Result describes why the master went away.
func (c *SharedConnection) Result() process.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// ConnectToHost starts the master process. It returns immediately; watch
// Connected and Disconnected for the outcome. No-op unless NotStarted.
func (c *SharedConnection) ConnectToHost() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != NotStarted || c.destroyed || c.stale {
		return
	}
	c.state = Starting

	path, err := exec.LookPath(c.sshBinary)
	if err != nil {
		c.finishLocked(process.Result{Status: process.FailedToStart, ExitCode: -1}.
			WithStderr("Cannot establish SSH connection: ssh binary \""+c.sshBinary+"\" not found.", nil))
		return
	}

	dir, err := os.MkdirTemp("", "rdev-")
	if err != nil {
		c.finishLocked(process.Classify(err, true).
			WithStderr("Cannot establish SSH connection: failed to create a directory for the control socket.", nil))
		return
	}
	c.socketDir = dir
	c.socket = filepath.Join(dir, "cs")

	cmd := exec.Command(path, sshutil.MasterArgs(c.params, c.socket)...)
	cmd.Env = c.params.CommandEnv()
	cmd.Stderr = &lockedWriter{mu: &c.mu, buf: &c.stderr}
	stdout, err := cmd.StdoutPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		c.finishLocked(process.Classify(err, true).WithStderr("Cannot establish SSH connection.", nil))
		return
	}
	c.cmd = cmd
	c.log.Debug("master for %s started (pid %d, socket %s)", c.params, cmd.Process.Pid, c.socket)

	go c.watch(cmd, stdout)
}

// watch waits for the LocalCommand echo, then for the master to exit.
func (c *SharedConnection) watch(cmd *exec.Cmd, stdout io.Reader) {
	r := bufio.NewReader(stdout)
	if _, err := r.ReadString('\n'); err == nil {
		c.mu.Lock()
		if c.state == Starting {
			c.state = Running
			close(c.connected)
			c.log.Debug("master for %s is up", c.params)
		}
		c.mu.Unlock()
		_, _ = io.Copy(io.Discard, r)
	}

	err := cmd.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	res := process.ClassifySSH(err, false)
	switch {
	case c.stopping:
		res.ErrorString = "SSH connection closed."
	case c.state == Running:
		res = res.WithStderr("SSH connection lost.", c.stderr.Bytes())
	default:
		res = res.WithStderr("Cannot establish SSH connection.", c.stderr.Bytes())
	}
	if !c.stopping {
		c.log.Debug("master for %s went away: %s", c.params, res.ErrorString)
	}
	c.finishLocked(res)
}

// finishLocked records res and closes Disconnected. The connection turns
// stale: a dead or never-started master can't serve anyone new.
func (c *SharedConnection) finishLocked(res process.Result) {
	c.stale = true
	select {
	case <-c.disconnected:
		return
	default:
	}
	c.result = res
	c.state = NotStarted
	if c.socketDir != "" {
		_ = os.RemoveAll(c.socketDir)
	}
	close(c.disconnected)
}

// DisconnectFromHost kills the master and removes its socket directory.
// It waits for the master to be gone.
func (c *SharedConnection) DisconnectFromHost() {
	c.mu.Lock()
	c.stopping = true
	cmd := c.cmd
	if cmd == nil {
		c.finishLocked(process.Result{Status: process.Succeeded, ErrorString: "SSH connection closed."})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	_ = cmd.Process.Kill()
	<-c.disconnected
}

// Ref takes a reference and cancels a pending idle expiry.
func (c *SharedConnection) Ref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
	c.stopTimerLocked()
}

// Deref drops a reference. At zero, a stale connection is destroyed and a
// live one starts its idle timer.
func (c *SharedConnection) Deref() {
	c.mu.Lock()
	if c.refs == 0 {
		c.mu.Unlock()
		c.log.Error("deref of unreferenced connection to %s", c.params)
		return
	}
	c.refs--

	destroy := false
	if c.refs == 0 {
		if c.stale || c.idle <= 0 {
			destroy = c.markDestroyedLocked()
		} else {
			c.startTimerLocked()
		}
	}
	c.mu.Unlock()

	if destroy {
		c.teardown()
	}
}

// MakeStale excludes the connection from future lookups. Without
// references it is destroyed immediately; reports whether that happened.
func (c *SharedConnection) MakeStale() bool {
	c.mu.Lock()
	c.stale = true
	destroy := c.refs == 0 && c.markDestroyedLocked()
	c.mu.Unlock()

	if destroy {
		c.teardown()
	}
	return destroy
}

// destroy tears the connection down regardless of references. Used when
// the whole device disconnects.
func (c *SharedConnection) destroy() {
	c.mu.Lock()
	c.stale = true
	destroy := c.markDestroyedLocked()
	c.mu.Unlock()

	if destroy {
		c.teardown()
	}
}

func (c *SharedConnection) markDestroyedLocked() bool {
	if c.destroyed {
		return false
	}
	c.destroyed = true
	c.stopTimerLocked()
	return true
}

func (c *SharedConnection) teardown() {
	c.DisconnectFromHost()
	if c.destroyHook != nil {
		c.destroyHook()
	}
}

func (c *SharedConnection) startTimerLocked() {
	c.stopTimerLocked()
	gen := c.timerGen
	c.timer = time.AfterFunc(c.idle, func() { c.expire(gen) })
}

func (c *SharedConnection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *SharedConnection) expire(gen int) {
	c.mu.Lock()
	if gen != c.timerGen || c.refs > 0 {
		c.mu.Unlock()
		return
	}
	destroy := c.markDestroyedLocked()
	c.mu.Unlock()

	if destroy {
		c.log.Debug("connection to %s idle for %s, closing", c.params, c.idle)
		c.teardown()
	}
}

// lockedWriter serializes writes into a buffer guarded by another mutex.
type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
