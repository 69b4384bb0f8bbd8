package connection

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/rdev/internal/shell"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
	sshtest "github.com/rileyhilliard/rdev/pkg/sshutil/testing"
)

type fakeShell struct {
	mu     sync.Mutex
	runs   []string
	err    error
	done   chan struct{}
	closed sync.Once
}

func newFakeShell() *fakeShell {
	return &fakeShell{done: make(chan struct{})}
}

func (f *fakeShell) Run(ctx context.Context, command string, stdin []byte) (shell.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, command)
	return shell.Result{Stdout: []byte("ran " + command)}, nil
}

func (f *fakeShell) Done() <-chan struct{} { return f.done }

func (f *fakeShell) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeShell) Close() error {
	f.closed.Do(func() { close(f.done) })
	return nil
}

func (f *fakeShell) die(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.closed.Do(func() { close(f.done) })
}

func newTestPool(t *testing.T) (*Pool, string) {
	t.Helper()
	logFile := filepath.Join(t.TempDir(), "ssh.log")
	bin := sshtest.WriteFakeSSH(t, sshtest.FakeSSH{LogFile: logFile})
	p := NewPool(Options{SSHBinary: bin, SharingTimeout: time.Hour})
	t.Cleanup(p.Close)
	return p, logFile
}

func masterStarts(t *testing.T, logFile string) int {
	n := 0
	for _, line := range sshtest.Invocations(t, logFile) {
		if strings.Contains(line, "-M ") {
			n++
		}
	}
	return n
}

func TestPool_DisplaylessSharing(t *testing.T) {
	p, logFile := newTestPool(t)
	ctx := context.Background()

	withDisplay := boardParams
	withDisplay.X11DisplayName = ":0"
	otherDisplay := boardParams
	otherDisplay.X11DisplayName = ":1"

	a, err := p.Attach(ctx, withDisplay)
	require.NoError(t, err)
	defer a.Release()
	b, err := p.Attach(ctx, otherDisplay)
	require.NoError(t, err)
	defer b.Release()

	assert.Same(t, a.Connection(), b.Connection())
	assert.Equal(t, 2, a.Connection().Refs())
	assert.Empty(t, a.Connection().Params().X11DisplayName)

	sa, err := a.Wait(ctx)
	require.NoError(t, err)
	sb, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
	assert.Equal(t, 1, masterStarts(t, logFile))
}

func TestPool_SocketReadyForRunningMaster(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	first, err := p.Attach(ctx, boardParams)
	require.NoError(t, err)
	defer first.Release()
	_, ok := first.SocketPath()
	assert.False(t, ok, "master still starting")
	socket, err := first.Wait(ctx)
	require.NoError(t, err)

	second, err := p.Attach(ctx, boardParams)
	require.NoError(t, err)
	defer second.Release()
	got, ok := second.SocketPath()
	assert.True(t, ok)
	assert.Equal(t, socket, got)
}

func TestPool_ParameterChangeStales(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	old, err := p.Attach(ctx, boardParams)
	require.NoError(t, err)
	_, err = old.Wait(ctx)
	require.NoError(t, err)

	changed := boardParams
	changed.Port = 2222
	fresh, err := p.Attach(ctx, changed)
	require.NoError(t, err)
	defer fresh.Release()

	assert.NotSame(t, old.Connection(), fresh.Connection())
	assert.True(t, old.Connection().IsStale())
	assert.False(t, old.Connection().Destroyed(), "still referenced")

	conns, err := p.Connections(ctx)
	require.NoError(t, err)
	assert.Len(t, conns, 2)

	old.Release()
	assert.True(t, old.Connection().Destroyed())

	conns, err = p.Connections(ctx)
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	a, err := p.Attach(ctx, boardParams)
	require.NoError(t, err)
	b, err := p.Attach(ctx, boardParams)
	require.NoError(t, err)
	defer b.Release()

	a.Release()
	a.Release()
	assert.Equal(t, 1, b.Connection().Refs())
}

func TestPool_FailedMasterReported(t *testing.T) {
	bin := sshtest.WriteFakeSSH(t, sshtest.FakeSSH{MasterFails: true})
	p := NewPool(Options{SSHBinary: bin})
	defer p.Close()

	lease, err := p.Attach(context.Background(), boardParams)
	require.NoError(t, err)
	defer lease.Release()

	_, err = lease.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
	assert.Contains(t, err.Error(), "Permission denied")
}

func TestPool_StartFailureIsNotCached(t *testing.T) {
	dir := t.TempDir()
	p := NewPool(Options{SSHBinary: filepath.Join(dir, "ssh"), SharingTimeout: time.Hour})
	defer p.Close()
	ctx := context.Background()

	first, err := p.Attach(ctx, boardParams)
	require.NoError(t, err)
	defer first.Release()
	_, err = first.Wait(ctx)
	require.Error(t, err)

	// the binary shows up; the next request must start a fresh master
	require.NoError(t, os.Rename(sshtest.WriteFakeSSH(t, sshtest.FakeSSH{}), filepath.Join(dir, "ssh")))
	second, err := p.Attach(ctx, boardParams)
	require.NoError(t, err)
	defer second.Release()
	assert.NotSame(t, first.Connection(), second.Connection())
	_, err = second.Wait(ctx)
	require.NoError(t, err)
}

func TestPool_Close(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	lease, err := p.Attach(ctx, boardParams)
	require.NoError(t, err)
	_, err = lease.Wait(ctx)
	require.NoError(t, err)

	p.Close()
	assert.True(t, lease.Connection().Destroyed())
	lease.Release()

	_, err = p.Attach(ctx, boardParams)
	assert.ErrorIs(t, err, ErrPoolClosed)
	p.Close()
}

func TestPool_RunInShell(t *testing.T) {
	sh := newFakeShell()
	p := NewPool(Options{StartShell: func(context.Context, sshutil.Parameters) (Shell, error) { return sh, nil }})
	defer p.Close()
	ctx := context.Background()

	_, err := p.RunInShell(ctx, "uname -s", nil)
	assert.ErrorIs(t, err, ErrNoShell)

	require.NoError(t, p.StartShell(ctx, boardParams))
	assert.True(t, p.HasShell(ctx))
	res, err := p.RunInShell(ctx, "uname -s", nil)
	require.NoError(t, err)
	assert.Equal(t, "ran uname -s", string(res.Stdout))
}

func TestPool_StartShellReplacesPrevious(t *testing.T) {
	shells := []*fakeShell{newFakeShell(), newFakeShell()}
	n := 0
	p := NewPool(Options{StartShell: func(context.Context, sshutil.Parameters) (Shell, error) {
		s := shells[n]
		n++
		return s, nil
	}})
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.StartShell(ctx, boardParams))
	require.NoError(t, p.StartShell(ctx, boardParams))

	select {
	case <-shells[0].Done():
	default:
		t.Fatal("previous shell not closed")
	}
	_, err := p.RunInShell(ctx, "true", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"true"}, shells[1].runs)
	assert.Empty(t, shells[0].runs)

	select {
	case err := <-p.Lost():
		t.Fatalf("replacing a shell is not a loss: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPool_ShellLost(t *testing.T) {
	sh := newFakeShell()
	p := NewPool(Options{StartShell: func(context.Context, sshutil.Parameters) (Shell, error) { return sh, nil }})
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.StartShell(ctx, boardParams))
	sh.die(stderrors.New("remote shell exited"))

	select {
	case err := <-p.Lost():
		assert.EqualError(t, err, "remote shell exited")
	case <-time.After(2 * time.Second):
		t.Fatal("loss not reported")
	}
	assert.False(t, p.HasShell(ctx))
}

func TestPool_StopShellIsNotALoss(t *testing.T) {
	sh := newFakeShell()
	p := NewPool(Options{StartShell: func(context.Context, sshutil.Parameters) (Shell, error) { return sh, nil }})
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.StartShell(ctx, boardParams))
	require.NoError(t, p.StopShell(ctx))

	select {
	case err := <-p.Lost():
		t.Fatalf("requested stop reported as loss: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, p.HasShell(ctx))
}

func TestPool_StartShellFailure(t *testing.T) {
	p := NewPool(Options{StartShell: func(context.Context, sshutil.Parameters) (Shell, error) {
		return nil, stderrors.New("no route to host")
	}})
	defer p.Close()

	err := p.StartShell(context.Background(), boardParams)
	assert.EqualError(t, err, "no route to host")
	assert.False(t, p.HasShell(context.Background()))
}
