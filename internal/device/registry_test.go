package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/rdev/internal/config"
	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/transfer"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SharingTimeout = 3 * time.Minute
	cfg.Devices["gateway"] = config.DeviceConfig{Host: "gw.example.com", User: "admin"}
	cfg.Devices["board"] = config.DeviceConfig{
		Host:           "10.0.0.7",
		User:           "root",
		LinkDevice:     "gateway",
		TransferMethod: "rsync",
		RsyncFlags:     []string{"-rlt"},
		SourceProfile:  true,
	}
	return cfg
}

func TestOptionsFor(t *testing.T) {
	opts, err := OptionsFor(testConfig(), "board")
	require.NoError(t, err)

	assert.Equal(t, "board", opts.Name)
	assert.Equal(t, "10.0.0.7", opts.Params.Host)
	require.NotNil(t, opts.Params.Link)
	assert.Equal(t, "gw.example.com", opts.Params.Link.Host)
	assert.True(t, opts.Sharing)
	assert.Equal(t, 3*time.Minute, opts.SharingTimeout)
	assert.Equal(t, transfer.MethodRsync, opts.TransferMethod)
	assert.Equal(t, []string{"-rlt"}, opts.RsyncFlags)
	assert.True(t, opts.SourceProfile)
	assert.True(t, opts.Bridge)
	assert.Equal(t, 4, opts.TransferWorkers)

	opts, err = OptionsFor(testConfig(), "gateway")
	require.NoError(t, err)
	assert.Equal(t, transfer.MethodSftp, opts.TransferMethod)
	assert.Equal(t, config.DefaultRsyncFlags, opts.RsyncFlags)
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(testConfig(), nil, nil)
	defer r.Close()

	a, err := r.Get("board")
	require.NoError(t, err)
	b, err := r.Get("board")
	require.NoError(t, err)
	assert.Same(t, a, b)

	peer, err := a.opts.Peers("gateway")
	require.NoError(t, err)
	assert.Equal(t, "gateway", peer.Name())

	_, err = r.Get("bored")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
	assert.Contains(t, err.Error(), "Did you mean")
}
