package device

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/rdev/internal/connection"
	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/fileaccess"
	"github.com/rileyhilliard/rdev/internal/logger"
	"github.com/rileyhilliard/rdev/internal/process"
	"github.com/rileyhilliard/rdev/internal/shell"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
	sshtest "github.com/rileyhilliard/rdev/pkg/sshutil/testing"
)

var board = sshutil.Parameters{Host: "board.local", UserName: "root"}

// mockShell is a shell session answered by a MockClient.
type mockShell struct {
	client *sshtest.MockClient
	before func(command string)
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func newMockShell(client *sshtest.MockClient) *mockShell {
	return &mockShell{client: client, done: make(chan struct{})}
}

func (s *mockShell) Run(ctx context.Context, command string, stdin []byte) (shell.Result, error) {
	if s.before != nil {
		s.before(command)
	}
	select {
	case <-s.done:
		return shell.Result{}, errors.New(errors.ErrSession, "shell closed", "")
	default:
	}
	return fileaccess.ClientRunner{Client: s.client}.RunInShell(ctx, command, stdin)
}

func (s *mockShell) Done() <-chan struct{} { return s.done }

func (s *mockShell) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *mockShell) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// die ends the session as if the ssh process exited on its own.
func (s *mockShell) die(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(format string, args ...any) {
	n.mu.Lock()
	n.events = append(n.events, fmt.Sprintf(format, args...))
	n.mu.Unlock()
}

func (n *recordingNotifier) Connecting(device string) { n.add("connecting %s", device) }
func (n *recordingNotifier) Connected(device string, fast bool, os string) {
	path := "shell"
	if fast {
		path = "bridge"
	}
	n.add("connected %s %s %s", device, path, os)
}
func (n *recordingNotifier) ConnectFailed(device string, err error) { n.add("failed %s", device) }
func (n *recordingNotifier) Lost(device string, err error)          { n.add("lost %s", device) }

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type fakeBridge struct {
	*fileaccess.ShellAccess
	closed atomic.Bool
}

func (b *fakeBridge) Close() error {
	b.closed.Store(true)
	return nil
}

type harness struct {
	dev      *Device
	client   *sshtest.MockClient
	notifier *recordingNotifier

	mu       sync.Mutex
	shells   []*mockShell
	startErr error
	// beforeRun, when set before connecting, sees every shell command
	// before it runs.
	beforeRun func(command string)
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{client: sshtest.NewMockClient("board"), notifier: &recordingNotifier{}}
	if opts.Name == "" {
		opts.Name = "board"
	}
	opts.Params = board
	opts.Notifier = h.notifier
	opts.StartShell = func(ctx context.Context, p sshutil.Parameters) (connection.Shell, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.startErr != nil {
			return nil, h.startErr
		}
		s := newMockShell(h.client)
		s.before = h.beforeRun
		h.shells = append(h.shells, s)
		return s, nil
	}
	h.dev = New(opts)
	t.Cleanup(h.dev.Close)
	return h
}

func (h *harness) shell(i int) *mockShell {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shells[i]
}

func (h *harness) started() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.shells)
}

func TestTryToConnect_ShellPath(t *testing.T) {
	h := newHarness(t, Options{})
	var mu sync.Mutex
	var changes []string
	h.dev.OnStateChange(func(device string, from, to State) {
		mu.Lock()
		changes = append(changes, fmt.Sprintf("%s: %s -> %s", device, from, to))
		mu.Unlock()
	})

	require.NoError(t, h.dev.TryToConnect(context.Background()))
	<-h.dev.Settled()

	assert.Equal(t, Connected, h.dev.State())
	assert.Equal(t, fileaccess.OSLinux, h.dev.OSType())
	assert.Contains(t, h.client.History(), "uname -s")
	assert.Equal(t, []string{"connecting board", "connected board shell linux"}, h.notifier.Events())
	mu.Lock()
	assert.Equal(t, []string{"board: disconnected -> connected"}, changes)
	mu.Unlock()
	assert.Same(t, h.dev.shellFS, h.dev.FileAccess())

	require.NoError(t, h.dev.TryToConnect(context.Background()))
	assert.Equal(t, 1, h.started(), "connecting twice is a no-op")
}

func TestTryToConnect_Failure(t *testing.T) {
	h := newHarness(t, Options{})
	h.startErr = fmt.Errorf("Permission denied (publickey)")

	err := h.dev.TryToConnect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrSSH))
	assert.Contains(t, err.Error(), "Couldn't connect to 'board'")
	assert.Equal(t, Disconnected, h.dev.State())
	assert.Equal(t, []string{"connecting board", "failed board"}, h.notifier.Events())
}

func TestTryToConnect_BridgeFastPath(t *testing.T) {
	var bridge *fakeBridge
	h := newHarness(t, Options{
		Bridge: true,
		DialBridge: func(ctx context.Context, p sshutil.Parameters, sh *fileaccess.ShellAccess, log logger.Logger) (Bridge, error) {
			bridge = &fakeBridge{ShellAccess: sh}
			return bridge, nil
		},
	})

	require.NoError(t, h.dev.TryToConnect(context.Background()))
	<-h.dev.Settled()

	assert.Equal(t, ReadyToUse, h.dev.State())
	assert.Same(t, bridge, h.dev.FileAccess())
	assert.Equal(t, []string{"connecting board", "connected board bridge linux"}, h.notifier.Events())

	h.dev.CloseConnection(false)
	assert.True(t, bridge.closed.Load())
	assert.Equal(t, Disconnected, h.dev.State())
	assert.Same(t, h.dev.shellFS, h.dev.FileAccess())

	var states []State
	for _, tr := range h.dev.History() {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{Connected, ReadyToUse, Disconnected}, states)
}

func TestTryToConnect_BridgeFailureKeepsShellPath(t *testing.T) {
	h := newHarness(t, Options{
		Bridge: true,
		DialBridge: func(ctx context.Context, p sshutil.Parameters, sh *fileaccess.ShellAccess, log logger.Logger) (Bridge, error) {
			return nil, stderrors.New("subsystem request failed on channel 0")
		},
	})

	require.NoError(t, h.dev.TryToConnect(context.Background()))
	<-h.dev.Settled()

	assert.Equal(t, Connected, h.dev.State())
	assert.Same(t, h.dev.shellFS, h.dev.FileAccess())
	assert.Equal(t, []string{"connecting board", "connected board shell linux"}, h.notifier.Events())

	ok, err := h.dev.FileAccess().Exists(context.Background(), "/")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDevice_LostShellDisconnects(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.dev.TryToConnect(context.Background()))

	h.shell(0).die(stderrors.New("ssh exited with code 255"))

	assert.Eventually(t, func() bool { return h.dev.State() == Disconnected }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		events := h.notifier.Events()
		return events[len(events)-1] == "lost board"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.dev.TryToConnect(context.Background()))
	assert.Equal(t, Connected, h.dev.State())
	assert.Equal(t, 2, h.started())
}

func TestDevice_RequestedCloseIsNotLost(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.dev.TryToConnect(context.Background()))

	h.dev.CloseConnection(false)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, Disconnected, h.dev.State())
	assert.NotContains(t, h.notifier.Events(), "lost board")

	h.dev.CloseConnection(true)
	assert.Contains(t, h.notifier.Events(), "lost board")
}

func TestDevice_DisconnectedRefusesShellWork(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.dev.RunInShell(ctx, "true", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disconnected")

	_, err = h.dev.FileAccess().Exists(ctx, "/")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrSSH))

	err = h.dev.SignalOperation(ctx, SignalData{Kind: KillByPid, PID: 42})
	require.Error(t, err)
	assert.Empty(t, h.client.History())
}

func TestDevice_ReconnectWaitsForShellCommand(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	h.beforeRun = func(command string) {
		if command == "echo finished" {
			close(started)
			<-release
		}
	}
	require.NoError(t, h.dev.TryToConnect(ctx))

	type outcome struct {
		res shell.Result
		err error
	}
	ran := make(chan outcome, 1)
	go func() {
		res, err := h.dev.RunInShell(ctx, "echo finished", nil)
		ran <- outcome{res, err}
	}()
	<-started

	reconnected := make(chan error, 1)
	go func() {
		h.dev.CloseConnection(false)
		reconnected <- h.dev.TryToConnect(ctx)
	}()

	select {
	case <-reconnected:
		t.Fatal("reconnect did not wait for the running command")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, h.started())

	close(release)
	out := <-ran
	require.NoError(t, out.err)
	assert.Equal(t, "finished\n", string(out.res.Stdout))

	require.NoError(t, <-reconnected)
	assert.Equal(t, Connected, h.dev.State())
	assert.Equal(t, 2, h.started())
}

func TestDevice_SignalWaitsForConnectLock(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.dev.TryToConnect(ctx))

	h.dev.connectMu.Lock()
	sent := make(chan error, 1)
	go func() {
		sent <- h.dev.SignalOperation(ctx, SignalData{Kind: KillByPid, PID: 42})
	}()
	select {
	case <-sent:
		t.Fatal("signal ran while the connection was being set up")
	case <-time.After(50 * time.Millisecond):
	}
	h.dev.connectMu.Unlock()

	require.NoError(t, <-sent)
	history := h.client.History()
	assert.Contains(t, history[len(history)-1], "kill -15 -42 42")
}

func TestDevice_EnvironmentRefreshedOnReconnect(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.client.SetEnv(map[string]string{"BOARD_REV": "a"})

	require.NoError(t, h.dev.TryToConnect(ctx))
	env, err := h.dev.Environment(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", env.Get("BOARD_REV"))

	h.client.SetEnv(map[string]string{"BOARD_REV": "b"})
	env, _ = h.dev.Environment(ctx)
	assert.Equal(t, "a", env.Get("BOARD_REV"), "cached until the shell is re-established")

	h.dev.CloseConnection(false)
	require.NoError(t, h.dev.TryToConnect(ctx))
	env, err = h.dev.Environment(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", env.Get("BOARD_REV"))
}

func TestDevice_ProcessesShareOneConnection(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "ssh.log")
	bin := sshtest.WriteFakeSSH(t, sshtest.FakeSSH{LogFile: logFile})
	dev := New(Options{Name: "board", Params: board, SSHBinary: bin, Sharing: true, SharingTimeout: time.Hour})
	defer dev.Close()
	ctx := context.Background()

	require.NoError(t, dev.TryToConnect(ctx))

	for i := 0; i < 2; i++ {
		var out strings.Builder
		p, err := dev.NewProcess(ctx, process.Setup{ShellCommand: fmt.Sprintf("echo run %d", i), Stdout: &out})
		require.NoError(t, err)
		res := p.Wait()
		require.True(t, res.OK(), res.ErrorString)
		assert.Equal(t, fmt.Sprintf("run %d\n", i), out.String())
	}

	var masters, sockets []string
	for _, line := range sshtest.Invocations(t, logFile) {
		if strings.Contains(line, "-M ") {
			masters = append(masters, line)
			continue
		}
		for _, f := range strings.Fields(line) {
			if strings.HasPrefix(f, "ControlPath=") {
				sockets = append(sockets, f)
			}
		}
	}
	assert.Len(t, masters, 1)
	require.Len(t, sockets, 2)
	assert.Equal(t, sockets[0], sockets[1])
}
