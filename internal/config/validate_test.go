package config

import (
	"testing"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, Validate(linkedConfig()))
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_Nil(t *testing.T) {
	assert.Error(t, Validate(nil))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"future version", func(c *Config) { c.Version = 99 }, "from the future"},
		{"negative timeout", func(c *Config) { c.SharingTimeout = -1 }, "can't be negative"},
		{"no workers", func(c *Config) { c.TransferWorkers = 0 }, "transfer_workers"},
		{"empty binary", func(c *Config) { c.RsyncBinary = " " }, "rsync_binary"},
		{"missing host", func(c *Config) { c.Devices["x"] = DeviceConfig{} }, "needs a host"},
		{"user in host", func(c *Config) { c.Devices["x"] = DeviceConfig{Host: "root@b"} }, "bare hostname"},
		{"bad port", func(c *Config) { c.Devices["x"] = DeviceConfig{Host: "b", Port: 70000} }, "out of range"},
		{"bad auth", func(c *Config) { c.Devices["x"] = DeviceConfig{Host: "b", Auth: "kerberos"} }, "unknown auth type"},
		{"key without file", func(c *Config) { c.Devices["x"] = DeviceConfig{Host: "b", Auth: "key"} }, "no key_file"},
		{"bad host key mode", func(c *Config) { c.Devices["x"] = DeviceConfig{Host: "b", HostKeyChecking: "maybe"} }, "host key checking"},
		{"bad transfer method", func(c *Config) { c.Devices["x"] = DeviceConfig{Host: "b", TransferMethod: "ftp"} }, "transfer_method"},
		{"self link", func(c *Config) { c.Devices["x"] = DeviceConfig{Host: "b", LinkDevice: "x"} }, "itself"},
		{"unknown link", func(c *Config) { c.Devices["x"] = DeviceConfig{Host: "b", LinkDevice: "nowhere"} }, "Unknown device 'nowhere'"},
		{"missing default", func(c *Config) { c.Default = "ghost" }, "Default device 'ghost'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := linkedConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantMsg)
				assert.True(t, errors.IsCode(err, errors.ErrConfig))
			}
		})
	}
}
