package config

import (
	"fmt"
	"strings"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// Validate checks the config for errors and returns structured error messages.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New(errors.ErrConfig,
			"Config is nil",
			"This is unexpected - try reloading the configuration.")
	}

	if cfg.Version > CurrentConfigVersion {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("This config is from the future (version %d, but rdev only knows up to %d)", cfg.Version, CurrentConfigVersion),
			"Upgrade rdev to read this config")
	}

	if cfg.SharingTimeout < 0 || cfg.ReaperTimeout < 0 {
		return errors.New(errors.ErrConfig,
			"Timeouts can't be negative",
			"Check sharing_timeout and reaper_timeout")
	}
	if cfg.TransferWorkers < 1 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("transfer_workers must be at least 1, got %d", cfg.TransferWorkers),
			"Set transfer_workers to a small positive number like 4")
	}
	for field, bin := range map[string]string{"ssh_binary": cfg.SSHBinary, "sftp_binary": cfg.SFTPBinary, "rsync_binary": cfg.RsyncBinary} {
		if strings.TrimSpace(bin) == "" {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("%s is empty", field),
				fmt.Sprintf("Remove %s to use the default, or point it at an executable", field))
		}
	}

	for _, name := range cfg.DeviceNames() {
		if err := validateDevice(name, cfg.Devices[name]); err != nil {
			return errors.New(errors.ErrConfig, err.Error(),
				fmt.Sprintf("Check the '%s' entry under devices.", name))
		}
		if link := cfg.Devices[name].LinkDevice; link != "" {
			if _, err := cfg.Parameters(name); err != nil {
				return err
			}
		}
	}

	if cfg.Default != "" {
		if _, ok := cfg.Devices[cfg.Default]; !ok {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Default device '%s' doesn't exist", cfg.Default),
				fmt.Sprintf("Did you rename or remove it? Available devices: %s", strings.Join(cfg.DeviceNames(), ", ")))
		}
	}

	return nil
}

// validateDevice checks a single device configuration.
func validateDevice(name string, dev DeviceConfig) error {
	if strings.TrimSpace(dev.Host) == "" {
		return fmt.Errorf("device '%s' needs a host", name)
	}
	if strings.ContainsAny(dev.Host, " \t@") {
		return fmt.Errorf("device '%s' host '%s' should be a bare hostname; put the user in 'user'", name, dev.Host)
	}
	if dev.Port < 0 || dev.Port > 65535 {
		return fmt.Errorf("device '%s' port %d is out of range", name, dev.Port)
	}
	if dev.Timeout < 0 {
		return fmt.Errorf("device '%s' timeout can't be negative", name)
	}

	auth, err := sshutil.ParseAuthType(dev.Auth)
	if err != nil {
		return fmt.Errorf("device '%s': %w", name, err)
	}
	if auth == sshutil.AuthSpecificKey && dev.KeyFile == "" {
		return fmt.Errorf("device '%s' uses key auth but has no key_file", name)
	}
	if _, err := sshutil.ParseHostKeyChecking(dev.HostKeyChecking); err != nil {
		return fmt.Errorf("device '%s': %w", name, err)
	}

	switch dev.TransferMethod {
	case "", TransferSFTP, TransferRsync, TransferGeneric:
	default:
		return fmt.Errorf("device '%s' transfer_method '%s' isn't one of sftp, rsync, generic", name, dev.TransferMethod)
	}

	if dev.LinkDevice == name {
		return fmt.Errorf("device '%s' can't use itself as link_device", name)
	}
	return nil
}
