package transfer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
	sshtest "github.com/rileyhilliard/rdev/pkg/sshutil/testing"
)

func boardParams() sshutil.Parameters {
	return sshutil.Parameters{Host: "board.local", Port: 22, UserName: "root"}
}

func TestSftpScript(t *testing.T) {
	dir := t.TempDir()
	app := filepath.Join(dir, "app")
	lib := filepath.Join(dir, "libfoo.so.1")
	link := filepath.Join(dir, "libfoo.so")
	require.NoError(t, os.WriteFile(app, []byte("bin"), 0644))
	require.NoError(t, os.WriteFile(lib, []byte("lib"), 0644))
	require.NoError(t, os.Symlink(lib, link))

	script, err := SftpScript([]FileToTransfer{
		{Source: Local(app), Target: OnDevice("board", "/opt/app/bin/app"), Permissions: PermissionsForceExecutable},
		{Source: Local(lib), Target: OnDevice("board", "/opt/app/lib/libfoo.so.1")},
		{Source: Local(link), Target: OnDevice("board", "/opt/app/lib/libfoo.so")},
	})
	require.NoError(t, err)

	want := strings.Join([]string{
		`-mkdir "/opt"`,
		`-mkdir "/opt/app"`,
		`-mkdir "/opt/app/bin"`,
		`-mkdir "/opt/app/lib"`,
		`put -R "` + filepath.ToSlash(app) + `" "/opt/app/bin/app"`,
		`chmod 1775 "/opt/app/bin/app"`,
		`put -R "` + filepath.ToSlash(lib) + `" "/opt/app/lib/libfoo.so.1"`,
		`-rm "/opt/app/lib/libfoo.so"`,
		`ln -s "libfoo.so.1" "/opt/app/lib/libfoo.so"`,
	}, "\n") + "\n"
	assert.Equal(t, want, script)
}

func TestSftpScript_HomeRelativeAndQuoting(t *testing.T) {
	src := filepath.Join(t.TempDir(), `say "hi".txt`)
	require.NoError(t, os.WriteFile(src, nil, 0644))

	script, err := SftpScript([]FileToTransfer{{Source: Local(src), Target: OnDevice("b", `~/notes/say "hi".txt`)}})
	require.NoError(t, err)
	assert.Contains(t, script, `-mkdir "notes"`)
	assert.Contains(t, script, `"notes/say \"hi\".txt"`)
	assert.NotContains(t, script, "~")
}

func TestSftpScript_MissingSource(t *testing.T) {
	_, err := SftpScript([]FileToTransfer{{Source: Local("/does/not/exist"), Target: OnDevice("b", "/x")}})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTransfer))
}

func TestSftpArgs(t *testing.T) {
	args := SftpArgs(boardParams(), "/tmp/rdev-1/cs")
	n := len(args)
	assert.Equal(t, []string{"-b", "-", "board.local"}, args[n-3:])
	assert.Contains(t, strings.Join(args, " "), "-o ControlPath=/tmp/rdev-1/cs")

	assert.NotContains(t, strings.Join(SftpArgs(boardParams(), ""), " "), "ControlPath")

	v6 := sshutil.Parameters{Host: "fe80::1", UserName: "root"}
	args = SftpArgs(v6, "")
	assert.Equal(t, "[fe80::1]", args[len(args)-1])
}

func newTestEngine(t *testing.T, opts Options, remote *Remote) *Engine {
	t.Helper()
	opts.Remotes = func(device string) (*Remote, error) {
		if remote != nil && device == remote.Name {
			return remote, nil
		}
		return nil, errors.New(errors.ErrConfig, "unknown device "+device, "")
	}
	return NewEngine(opts)
}

func TestEngine_SftpUsesSharedSocket(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "sftp.log")
	stdinFile := filepath.Join(dir, "sftp.stdin")
	sftpBin := sshtest.WriteFakeTool(t, "sftp", sshtest.FakeTool{LogFile: logFile, StdinFile: stdinFile})

	src := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(src, []byte("hi"), 0644))

	released := false
	remote := &Remote{
		Name:   "board",
		Params: boardParams(),
		Caps:   Capabilities{Sftp: true},
		Attach: func(ctx context.Context) (string, func(), error) {
			return "/tmp/rdev-x/cs", func() { released = true }, nil
		},
	}
	e := newTestEngine(t, Options{SFTPBinary: sftpBin}, remote)

	err := e.Transfer(context.Background(), Setup{
		Files:  []FileToTransfer{{Source: Local(src), Target: OnDevice("board", "/tmp/hello.txt")}},
		Method: MethodSftp,
	})
	require.NoError(t, err)
	assert.True(t, released)

	calls := sshtest.Invocations(t, logFile)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "ControlPath=/tmp/rdev-x/cs")
	assert.True(t, strings.HasSuffix(calls[0], "-b - board.local"))

	script, err := os.ReadFile(stdinFile)
	require.NoError(t, err)
	assert.Equal(t, "-mkdir \"/tmp\"\nput -R \""+filepath.ToSlash(src)+"\" \"/tmp/hello.txt\"\n", string(script))
}

func TestEngine_SftpFailures(t *testing.T) {
	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, nil, 0644))
	setup := Setup{Files: []FileToTransfer{{Source: Local(src), Target: OnDevice("board", "/tmp/f")}}, Method: MethodSftp}
	remote := &Remote{Name: "board", Params: boardParams(), Caps: Capabilities{Sftp: true}}

	tests := []struct {
		name   string
		binary func(t *testing.T) string
		want   string
	}{
		{"failed to start", func(t *testing.T) string { return filepath.Join(t.TempDir(), "no-sftp") }, "sftp to board failed to start"},
		{"crashed", func(t *testing.T) string {
			return sshtest.WriteFakeTool(t, "sftp", sshtest.FakeTool{ExitCode: 255, Stderr: "Connection closed"})
		}, "sftp to board crashed"},
		{"exited", func(t *testing.T) string {
			return sshtest.WriteFakeTool(t, "sftp", sshtest.FakeTool{ExitCode: 1, Stderr: "remote open(\"/tmp/f\"): Permission denied"})
		}, "sftp to board exited with code 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Options{SFTPBinary: tt.binary(t)}, remote)
			err := e.Transfer(context.Background(), setup)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrTransfer))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEngine_ProbeSftp(t *testing.T) {
	dir := t.TempDir()
	stdinFile := filepath.Join(dir, "stdin")
	ok := sshtest.WriteFakeTool(t, "sftp", sshtest.FakeTool{StdinFile: stdinFile})
	remote := &Remote{Name: "board", Params: boardParams()}

	require.NoError(t, newTestEngine(t, Options{SFTPBinary: ok}, remote).ProbeSftp(context.Background(), remote))
	script, _ := os.ReadFile(stdinFile)
	assert.Equal(t, "pwd\n", string(script))

	bad := sshtest.WriteFakeTool(t, "sftp", sshtest.FakeTool{ExitCode: 1, Stderr: "subsystem request failed"})
	err := newTestEngine(t, Options{SFTPBinary: bad}, remote).ProbeSftp(context.Background(), remote)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrProbe))
	assert.Contains(t, err.Error(), "subsystem request failed")
}
