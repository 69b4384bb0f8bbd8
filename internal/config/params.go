package config

import (
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/util"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// DeviceNames returns the configured device names in sorted order.
func (c *Config) DeviceNames() []string {
	names := make([]string, 0, len(c.Devices))
	for name := range c.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveDeviceName picks the device to use: the explicit name, else the
// configured default, else the only device when exactly one exists.
func (c *Config) ResolveDeviceName(name string) (string, error) {
	if name == "" {
		name = c.Default
	}
	if name == "" {
		if len(c.Devices) == 1 {
			return c.DeviceNames()[0], nil
		}
		return "", errors.New(errors.ErrConfig,
			"No device selected",
			fmt.Sprintf("Pass --device, or set 'default' in the config. Devices: %s", util.JoinOrNone(c.DeviceNames())))
	}
	if _, ok := c.Devices[name]; !ok {
		return "", c.unknownDevice(name)
	}
	return name, nil
}

// Parameters builds the ssh connection parameters for the named device,
// following link_device references into a jump chain.
func (c *Config) Parameters(name string) (sshutil.Parameters, error) {
	return c.parameters(name, map[string]bool{})
}

func (c *Config) parameters(name string, visiting map[string]bool) (sshutil.Parameters, error) {
	dev, ok := c.Devices[name]
	if !ok {
		return sshutil.Parameters{}, c.unknownDevice(name)
	}
	if visiting[name] {
		return sshutil.Parameters{}, errors.New(errors.ErrConfig,
			fmt.Sprintf("Device '%s' links back to itself", name),
			"Break the link_device cycle in the config")
	}
	visiting[name] = true

	auth, err := sshutil.ParseAuthType(dev.Auth)
	if err != nil {
		return sshutil.Parameters{}, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Device '%s' has an invalid auth setting", name),
			"Use 'any', 'password' or 'key'")
	}
	hostKey, err := sshutil.ParseHostKeyChecking(dev.HostKeyChecking)
	if err != nil {
		return sshutil.Parameters{}, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Device '%s' has an invalid host_key_checking setting", name),
			"Use 'strict', 'allow-no-match' or 'none'")
	}

	p := sshutil.Parameters{
		Host:            dev.Host,
		Port:            dev.Port,
		UserName:        dev.User,
		AuthType:        auth,
		PrivateKeyFile:  dev.KeyFile,
		HostKeyChecking: hostKey,
		Timeout:         dev.Timeout,
		X11DisplayName:  dev.Display,
	}
	if auth == sshutil.AuthPassword {
		p.AskPass = c.AskPassProgram()
	}

	if dev.LinkDevice != "" {
		link, err := c.parameters(dev.LinkDevice, visiting)
		if err != nil {
			return sshutil.Parameters{}, err
		}
		link.X11DisplayName = ""
		p.Link = &link
	}
	return p, nil
}

// AskPassProgram returns the password helper for ssh: ssh_askpass, else
// $SSH_ASKPASS, else ssh-askpass from PATH. Empty when there is none.
func (c *Config) AskPassProgram() string {
	if c.SSHAskPass != "" {
		return ExpandTilde(c.SSHAskPass)
	}
	if env := os.Getenv("SSH_ASKPASS"); env != "" {
		return env
	}
	if path, err := exec.LookPath("ssh-askpass"); err == nil {
		return path
	}
	return ""
}

func (c *Config) unknownDevice(name string) error {
	suggestion := fmt.Sprintf("Configured devices: %s", util.JoinOrNone(c.DeviceNames()))
	if similar := util.SuggestSimilar(name, c.DeviceNames(), 3); len(similar) > 0 {
		suggestion = fmt.Sprintf("Did you mean %s?", util.JoinOrNone(similar))
	}
	return errors.New(errors.ErrConfig,
		fmt.Sprintf("Unknown device '%s'", name),
		suggestion)
}
