package config

import "time"

// CurrentConfigVersion is the schema version for the config file.
// Increment when making breaking changes to the config structure.
const CurrentConfigVersion = 1

// Transfer methods accepted in DeviceConfig.TransferMethod.
const (
	TransferSFTP    = "sftp"
	TransferRsync   = "rsync"
	TransferGeneric = "generic"
)

// Config represents the complete rdev configuration file.
type Config struct {
	Version int `yaml:"version" mapstructure:"version"`

	// Default is the device used when a command doesn't name one.
	Default string `yaml:"default,omitempty" mapstructure:"default"`

	// ConnectionSharing multiplexes commands over one ssh master per device.
	ConnectionSharing bool `yaml:"connection_sharing" mapstructure:"connection_sharing"`

	// SharingTimeout is how long an unused shared connection stays open.
	SharingTimeout time.Duration `yaml:"sharing_timeout" mapstructure:"sharing_timeout"`

	// ReaperTimeout is the grace period between terminate and kill for
	// local ssh children.
	ReaperTimeout time.Duration `yaml:"reaper_timeout" mapstructure:"reaper_timeout"`

	SSHBinary   string `yaml:"ssh_binary" mapstructure:"ssh_binary"`
	SFTPBinary  string `yaml:"sftp_binary" mapstructure:"sftp_binary"`
	RsyncBinary string `yaml:"rsync_binary" mapstructure:"rsync_binary"`

	// SSHAskPass is the program ssh runs to ask for passwords of devices
	// with auth: password. Defaults to $SSH_ASKPASS, then ssh-askpass.
	SSHAskPass string `yaml:"ssh_askpass,omitempty" mapstructure:"ssh_askpass"`

	// TransferWorkers bounds the generic copy strategy's parallelism.
	TransferWorkers int `yaml:"transfer_workers" mapstructure:"transfer_workers"`

	// SFTPBridge opens an SFTP session next to the shell after connecting
	// and uses it for file access.
	SFTPBridge bool `yaml:"sftp_bridge" mapstructure:"sftp_bridge"`

	Devices map[string]DeviceConfig `yaml:"devices" mapstructure:"devices"`
}

// DeviceConfig describes one remote Linux device.
type DeviceConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port,omitempty" mapstructure:"port"`
	User string `yaml:"user,omitempty" mapstructure:"user"`

	// Auth is "any" (default), "password" or "key".
	Auth    string `yaml:"auth,omitempty" mapstructure:"auth"`
	KeyFile string `yaml:"key_file,omitempty" mapstructure:"key_file"`

	// HostKeyChecking is "strict" (default), "allow-no-match" or "none".
	HostKeyChecking string `yaml:"host_key_checking,omitempty" mapstructure:"host_key_checking"`

	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`

	// Display is the X11 display forwarded to processes, e.g. ":0".
	Display string `yaml:"display,omitempty" mapstructure:"display"`

	// SourceProfile sources /etc/profile and ~/.profile before each command.
	SourceProfile bool `yaml:"source_profile,omitempty" mapstructure:"source_profile"`

	// LinkDevice names another device used as a jump host.
	LinkDevice string `yaml:"link_device,omitempty" mapstructure:"link_device"`

	// TransferMethod is the preferred bulk copy method: sftp, rsync or generic.
	TransferMethod string `yaml:"transfer_method,omitempty" mapstructure:"transfer_method"`

	// RsyncFlags replace the default rsync flags when set.
	RsyncFlags []string `yaml:"rsync_flags,omitempty" mapstructure:"rsync_flags"`
}

// DefaultRsyncFlags are used when a device sets no rsync_flags.
var DefaultRsyncFlags = []string{"-av"}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version:           CurrentConfigVersion,
		ConnectionSharing: true,
		SharingTimeout:    10 * time.Minute,
		ReaperTimeout:     time.Second,
		SSHBinary:         "ssh",
		SFTPBinary:        "sftp",
		RsyncBinary:       "rsync",
		TransferWorkers:   4,
		SFTPBridge:        true,
		Devices:           make(map[string]DeviceConfig),
	}
}

// EffectiveRsyncFlags returns the device's rsync flags or the defaults.
func (d DeviceConfig) EffectiveRsyncFlags() []string {
	if len(d.RsyncFlags) == 0 {
		return append([]string(nil), DefaultRsyncFlags...)
	}
	return append([]string(nil), d.RsyncFlags...)
}

// EffectiveTransferMethod returns the preferred method, defaulting to sftp.
func (d DeviceConfig) EffectiveTransferMethod() string {
	if d.TransferMethod == "" {
		return TransferSFTP
	}
	return d.TransferMethod
}
