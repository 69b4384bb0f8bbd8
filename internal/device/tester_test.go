package device

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/rdev/internal/transfer"
	sshtest "github.com/rileyhilliard/rdev/pkg/sshutil/testing"
)

func TestTester_RecordsCapabilities(t *testing.T) {
	dir := t.TempDir()
	sftpBin := sshtest.WriteFakeTool(t, "sftp", sshtest.FakeTool{})
	h := newHarness(t, Options{SFTPBinary: sftpBin, RsyncBinary: filepath.Join(dir, "no-rsync")})

	var seen []string
	tester := NewTester(h.dev)
	tester.Progress = func(r CheckResult) { seen = append(seen, r.Name) }
	report := tester.Run(context.Background())

	assert.Equal(t, []string{"connect", "echo", "system", "sftp", "rsync"}, seen)
	assert.True(t, report.Passed(), "probe failures are warnings")
	assert.Equal(t, transfer.Capabilities{Sftp: true}, report.Capabilities)
	assert.Equal(t, report.Capabilities, h.dev.Capabilities())

	byName := map[string]CheckResult{}
	for _, r := range report.Results {
		byName[r.Name] = r
	}
	assert.Equal(t, StatusPass, byName["echo"].Status)
	assert.Equal(t, "Linux 5.15.0-generic aarch64", byName["system"].Message)
	assert.Equal(t, StatusWarn, byName["rsync"].Status)
	assert.Contains(t, byName["rsync"].Message, "generic copying")

	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"warn"`)
}

func TestTester_ConnectFailureStops(t *testing.T) {
	h := newHarness(t, Options{})
	h.startErr = assert.AnError

	report := NewTester(h.dev).Run(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, StatusFail, report.Results[0].Status)
	assert.False(t, report.Passed())
	assert.Equal(t, transfer.Capabilities{}, report.Capabilities)
}

func TestTester_NoisyLoginShell(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Options{SFTPBinary: filepath.Join(dir, "no-sftp"), RsyncBinary: filepath.Join(dir, "no-rsync")})
	h.client.SetCommandResponse(`^echo rdev-echo$`, sshtest.CommandResponse{Stdout: []byte("Welcome!\nrdev-echo\n")})

	report := NewTester(h.dev).Run(context.Background())
	assert.Equal(t, StatusFail, report.Results[1].Status)
	assert.Contains(t, report.Results[1].Suggestion, "Login scripts")
}

func TestTransfer_ProbesPreferredMethodOnce(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "sftp.log")
	stdinFile := filepath.Join(dir, "sftp.stdin")
	sftpBin := sshtest.WriteFakeTool(t, "sftp", sshtest.FakeTool{LogFile: logFile, StdinFile: stdinFile})
	h := newHarness(t, Options{SFTPBinary: sftpBin, TransferMethod: transfer.MethodSftp})

	src := filepath.Join(dir, "app")
	require.NoError(t, os.WriteFile(src, []byte("bin"), 0755))
	files := []transfer.FileToTransfer{{Source: transfer.Local(src), Target: transfer.OnDevice("board", "/opt/app")}}

	ctx := context.Background()
	require.NoError(t, h.dev.Push(ctx, files, nil))
	require.NoError(t, h.dev.Push(ctx, files, nil))

	assert.Len(t, sshtest.Invocations(t, logFile), 3, "one probe, two transfers")
	script, err := os.ReadFile(stdinFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(script), "pwd\n-mkdir \"/opt\"\n"))
	assert.True(t, h.dev.Capabilities().Sftp)
}

func TestTransfer_UnconfirmedMethodFallsBackToShellCopy(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Options{RsyncBinary: filepath.Join(dir, "no-rsync"), TransferMethod: transfer.MethodRsync})
	ctx := context.Background()
	require.NoError(t, h.dev.TryToConnect(ctx))

	src := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0644))

	err := h.dev.Push(ctx, []transfer.FileToTransfer{{
		Source:      transfer.Local(src),
		Target:      transfer.OnDevice("board", "/usr/local/bin/tool"),
		Permissions: transfer.PermissionsForceExecutable,
	}}, nil)
	require.NoError(t, err)

	fs := h.client.GetFS()
	got, err := fs.ReadFile("/usr/local/bin/tool")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(got))
	assert.Equal(t, os.FileMode(0755), fs.Mode("/usr/local/bin/tool"))
	assert.False(t, h.dev.Capabilities().Rsync)
}

func TestTransfer_BetweenDevices(t *testing.T) {
	a := newHarness(t, Options{Name: "a"})
	b := newHarness(t, Options{Name: "b"})
	peers := map[string]*Device{"a": a.dev, "b": b.dev}
	a.dev.opts.Peers = func(name string) (*Device, error) {
		if d, ok := peers[name]; ok {
			return d, nil
		}
		return nil, unknownPeer(name)
	}
	ctx := context.Background()
	require.NoError(t, a.dev.TryToConnect(ctx))
	require.NoError(t, b.dev.TryToConnect(ctx))
	sshtest.WithFiles(a.client, map[string]string{"/etc/hostname": "a\n"})

	require.NoError(t, a.dev.Transfer(ctx, transfer.Setup{Files: []transfer.FileToTransfer{
		{Source: transfer.OnDevice("a", "/etc/hostname"), Target: transfer.OnDevice("b", "/tmp/a-hostname")},
	}}))
	got, err := b.client.GetFS().ReadFile("/tmp/a-hostname")
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(got))

	err = a.dev.Transfer(ctx, transfer.Setup{Files: []transfer.FileToTransfer{
		{Source: transfer.OnDevice("a", "/etc/hostname"), Target: transfer.OnDevice("c", "/tmp/x")},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown device 'c'")
}
