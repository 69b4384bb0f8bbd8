package config

import (
	"os"
	"path/filepath"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/spf13/viper"
)

const (
	// ConfigEnv overrides the config file location.
	ConfigEnv = "RDEV_CONFIG"
	// GlobalConfigDir is the directory for the config file, relative to home.
	GlobalConfigDir = ".config/rdev"
	// GlobalConfigFile is the config file name.
	GlobalConfigFile = "config.yaml"
)

// Load reads config from the specified path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Config file not found",
				"Add a device with 'rdev devices add', or specify a file with --config")
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to read config file",
			"Check the file exists and is valid YAML")
	}

	return parseConfig(v, path)
}

// Find locates the config file using the search order:
// 1. Explicit path (from --config flag)
// 2. $RDEV_CONFIG
// 3. ~/.config/rdev/config.yaml
//
// Returns the path to the config file, or empty string if not found.
func Find(explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv(ConfigEnv)
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			if os.IsNotExist(err) {
				return "", errors.WrapWithCode(err, errors.ErrConfig,
					"Specified config file not found: "+explicit,
					"Check the path is correct")
			}
			return "", errors.WrapWithCode(err, errors.ErrConfig,
				"Cannot access config file: "+explicit,
				"Check file permissions")
		}
		return explicit, nil
	}

	path := DefaultPath()
	if path == "" {
		return "", nil
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return "", nil
}

// DefaultPath returns ~/.config/rdev/config.yaml, or "" without a home dir.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, GlobalConfigDir, GlobalConfigFile)
}

// LoadOrDefault loads config from the found path, or returns defaults if
// there is none. The returned path is where the config was (or would be)
// read from.
func LoadOrDefault(explicit string) (*Config, string, error) {
	path, err := Find(explicit)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return DefaultConfig(), DefaultPath(), nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// parseConfig converts viper config to our Config struct with defaults merged in.
func parseConfig(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid config format",
			"Check the YAML syntax in "+path)
	}
	if cfg.Devices == nil {
		cfg.Devices = make(map[string]DeviceConfig)
	}

	for name, dev := range cfg.Devices {
		dev.KeyFile = ExpandTilde(dev.KeyFile)
		cfg.Devices[name] = dev
	}

	return cfg, nil
}

// setDefaults registers defaults viper merges under the file's values.
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("version", def.Version)
	v.SetDefault("connection_sharing", def.ConnectionSharing)
	v.SetDefault("sharing_timeout", def.SharingTimeout.String())
	v.SetDefault("reaper_timeout", def.ReaperTimeout.String())
	v.SetDefault("ssh_binary", def.SSHBinary)
	v.SetDefault("sftp_binary", def.SFTPBinary)
	v.SetDefault("rsync_binary", def.RsyncBinary)
	v.SetDefault("transfer_workers", def.TransferWorkers)
	v.SetDefault("sftp_bridge", def.SFTPBridge)
}
