package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.True(t, cfg.ConnectionSharing)
	assert.Equal(t, 10*time.Minute, cfg.SharingTimeout)
	assert.Equal(t, time.Second, cfg.ReaperTimeout)
	assert.Equal(t, "ssh", cfg.SSHBinary)
	assert.Equal(t, "sftp", cfg.SFTPBinary)
	assert.Equal(t, "rsync", cfg.RsyncBinary)
	assert.Equal(t, 4, cfg.TransferWorkers)
	assert.NotNil(t, cfg.Devices)
	assert.Empty(t, cfg.Devices)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
version: 1
default: board
sharing_timeout: 2m
devices:
  board:
    host: 192.168.7.2
    user: root
    auth: key
    key_file: /keys/board
    host_key_checking: allow-no-match
    timeout: 5s
    display: ":0"
    source_profile: true
    transfer_method: rsync
    rsync_flags: ["-avz", "--delete"]
  gateway:
    host: gw.example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "board", cfg.Default)
	assert.Equal(t, 2*time.Minute, cfg.SharingTimeout)
	assert.True(t, cfg.ConnectionSharing, "unset keys keep their defaults")
	assert.Equal(t, "ssh", cfg.SSHBinary)
	require.Len(t, cfg.Devices, 2)

	board := cfg.Devices["board"]
	assert.Equal(t, "192.168.7.2", board.Host)
	assert.Equal(t, "root", board.User)
	assert.Equal(t, 5*time.Second, board.Timeout)
	assert.Equal(t, ":0", board.Display)
	assert.True(t, board.SourceProfile)
	assert.Equal(t, TransferRsync, board.EffectiveTransferMethod())
	assert.Equal(t, []string{"-avz", "--delete"}, board.EffectiveRsyncFlags())

	gw := cfg.Devices["gateway"]
	assert.Equal(t, TransferSFTP, gw.EffectiveTransferMethod())
	assert.Equal(t, DefaultRsyncFlags, gw.EffectiveRsyncFlags())
}

func TestLoad_ExpandsKeyFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, "devices:\n  board:\n    host: b\n    key_file: ~/.ssh/board\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh/board"), cfg.Devices["board"].KeyFile)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "devices: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestFind(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(ConfigEnv, "")

	path, err := Find("")
	require.NoError(t, err)
	assert.Empty(t, path, "nothing exists yet")

	global := filepath.Join(home, GlobalConfigDir, GlobalConfigFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(global), 0755))
	require.NoError(t, os.WriteFile(global, []byte("version: 1\n"), 0644))

	path, err = Find("")
	require.NoError(t, err)
	assert.Equal(t, global, path)

	explicit := writeConfig(t, "version: 1\n")
	t.Setenv(ConfigEnv, explicit)
	path, err = Find("")
	require.NoError(t, err)
	assert.Equal(t, explicit, path, "env var beats the global file")

	_, err = Find("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoadOrDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(ConfigEnv, "")

	cfg, path, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, filepath.Join(home, GlobalConfigDir, GlobalConfigFile), path)
}

func linkedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Devices["bastion"] = DeviceConfig{Host: "bastion.example.com", User: "ops", Display: ":9"}
	cfg.Devices["gateway"] = DeviceConfig{Host: "10.0.0.1", LinkDevice: "bastion"}
	cfg.Devices["board"] = DeviceConfig{
		Host:            "192.168.7.2",
		Port:            2222,
		User:            "root",
		Auth:            "key",
		KeyFile:         "/keys/board",
		HostKeyChecking: "none",
		Display:         ":0",
		LinkDevice:      "gateway",
	}
	return cfg
}

func TestParameters_LinkChain(t *testing.T) {
	p, err := linkedConfig().Parameters("board")
	require.NoError(t, err)

	assert.Equal(t, "192.168.7.2", p.Host)
	assert.Equal(t, 2222, p.Port)
	assert.Equal(t, sshutil.AuthSpecificKey, p.AuthType)
	assert.Equal(t, sshutil.HostKeyNone, p.HostKeyChecking)
	assert.Equal(t, ":0", p.X11DisplayName)

	require.NotNil(t, p.Link)
	assert.Equal(t, "10.0.0.1", p.Link.Host)
	require.NotNil(t, p.Link.Link)
	assert.Equal(t, "bastion.example.com", p.Link.Link.Host)
	assert.Empty(t, p.Link.Link.X11DisplayName, "jump hosts never carry a display")
}

func TestParameters_AskPass(t *testing.T) {
	t.Setenv("SSH_ASKPASS", "/from/env/askpass")
	cfg := linkedConfig()
	gateway := cfg.Devices["gateway"]
	gateway.Auth = "password"
	cfg.Devices["gateway"] = gateway

	p, err := cfg.Parameters("board")
	require.NoError(t, err)
	assert.Empty(t, p.AskPass, "key devices never ask")
	assert.Equal(t, "/from/env/askpass", p.Link.AskPass)

	cfg.SSHAskPass = "/opt/rdev/askpass"
	p, err = cfg.Parameters("gateway")
	require.NoError(t, err)
	assert.Equal(t, "/opt/rdev/askpass", p.AskPass)
	assert.Contains(t, p.CommandEnv(), "SSH_ASKPASS=/opt/rdev/askpass")
}

func TestParameters_Cycle(t *testing.T) {
	cfg := linkedConfig()
	bastion := cfg.Devices["bastion"]
	bastion.LinkDevice = "board"
	cfg.Devices["bastion"] = bastion

	_, err := cfg.Parameters("board")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "links back to itself")
}

func TestParameters_UnknownDeviceSuggests(t *testing.T) {
	_, err := linkedConfig().Parameters("baord")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown device 'baord'")
	assert.Contains(t, err.Error(), "Did you mean board?")
}

func TestResolveDeviceName(t *testing.T) {
	cfg := linkedConfig()

	_, err := cfg.ResolveDeviceName("")
	assert.Error(t, err, "several devices and no default")

	cfg.Default = "gateway"
	name, err := cfg.ResolveDeviceName("")
	require.NoError(t, err)
	assert.Equal(t, "gateway", name)

	name, err = cfg.ResolveDeviceName("board")
	require.NoError(t, err)
	assert.Equal(t, "board", name)

	single := DefaultConfig()
	single.Devices["only"] = DeviceConfig{Host: "h"}
	name, err = single.ResolveDeviceName("")
	require.NoError(t, err)
	assert.Equal(t, "only", name)
}

func TestDeviceNames(t *testing.T) {
	assert.Equal(t, []string{"bastion", "board", "gateway"}, linkedConfig().DeviceNames())
}
