package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/rileyhilliard/rdev/internal/config"
	"github.com/rileyhilliard/rdev/internal/device"
	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/ui"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

func newDevicesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"device"},
		Short:   "Manage configured devices",
	}
	cmd.AddCommand(
		newDevicesListCmd(a),
		newDevicesAddCmd(a),
		newDevicesRemoveCmd(a),
		newDevicesDefaultCmd(a),
		newDevicesImportCmd(a),
	)
	return cmd
}

// DeviceListEntry is one device in rdev devices list --json.
type DeviceListEntry struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Link    string `json:"link,omitempty"`
	Method  string `json:"transfer_method"`
	Default bool   `json:"default"`
}

func newDevicesListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured devices",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			entries := deviceEntries(cfg)
			if asJSON {
				return WriteJSONSuccess(a.out(), entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.out(), "No devices configured.")
				fmt.Fprintln(a.out(), "\nAdd one with: rdev devices add <name> --host <address>")
				return nil
			}

			rows := make([][]string, len(entries))
			for i, e := range entries {
				name := e.Name
				if e.Default {
					name += " *"
				}
				rows[i] = []string{name, e.Address, e.Link, e.Method}
			}
			fmt.Fprintln(a.out(), ui.RenderTable([]ui.TableColumn{
				{Title: "NAME"}, {Title: "ADDRESS"}, {Title: "VIA"}, {Title: "TRANSFER"},
			}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func deviceEntries(cfg *config.Config) []DeviceListEntry {
	entries := make([]DeviceListEntry, 0, len(cfg.Devices))
	for _, name := range cfg.DeviceNames() {
		dev := cfg.Devices[name]
		p := sshutil.Parameters{Host: dev.Host, Port: dev.Port, UserName: dev.User}
		entries = append(entries, DeviceListEntry{
			Name:    name,
			Address: p.String(),
			Link:    dev.LinkDevice,
			Method:  dev.EffectiveTransferMethod(),
			Default: name == cfg.Default,
		})
	}
	return entries
}

type addFlags struct {
	dev         config.DeviceConfig
	makeDefault bool
	replace     bool
	test        bool
}

func newDevicesAddCmd(a *app) *cobra.Command {
	var f addFlags
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a device",
		Long: `Add a device to the config file, creating the file if needed.

Without --host on a terminal, rdev asks for the connection details.

Examples:
  rdev devices add board --host 10.0.0.7 --user root
  rdev devices add cam --host 192.168.7.2 --link gateway --method rsync
  rdev devices add board --host 10.0.0.8 --replace --test`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if f.dev.Host == "" {
				if _, ok := a.stdinTerminal(); !ok {
					return errors.New(errors.ErrConfig,
						"No host given",
						fmt.Sprintf("Usage: rdev devices add %s --host <address>", name))
				}
				if err := promptDevice(name, &f.dev); err != nil {
					return err
				}
			}
			return a.addDevice(cmd, name, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.dev.Host, "host", "", "address or ssh_config alias")
	flags.IntVar(&f.dev.Port, "port", 0, "ssh port (default 22)")
	flags.StringVar(&f.dev.User, "user", "", "login user")
	flags.StringVar(&f.dev.Auth, "auth", "", "authentication: any, password or key")
	flags.StringVar(&f.dev.KeyFile, "key", "", "private key file")
	flags.StringVar(&f.dev.HostKeyChecking, "host-key-checking", "", "strict, allow-no-match or none")
	flags.DurationVar(&f.dev.Timeout, "timeout", 0, "connect timeout, e.g. 10s")
	flags.StringVar(&f.dev.Display, "display", "", "X11 display for processes, e.g. :0")
	flags.BoolVar(&f.dev.SourceProfile, "profile", false, "source the login profiles before each command")
	flags.StringVar(&f.dev.LinkDevice, "link", "", "reach the device through this configured device")
	flags.StringVar(&f.dev.TransferMethod, "method", "", "preferred transfer method: sftp, rsync or generic")
	flags.BoolVar(&f.makeDefault, "default", false, "make this the default device")
	flags.BoolVar(&f.replace, "replace", false, "replace an existing device with the same name")
	flags.BoolVar(&f.test, "test", false, "test the device after adding it")
	return cmd
}

func (a *app) addDevice(cmd *cobra.Command, name string, f addFlags) error {
	cfg, err := a.editableConfig()
	if err != nil {
		return err
	}

	// Validate the new entry in context before touching the file.
	next := *cfg
	next.Devices = make(map[string]config.DeviceConfig, len(cfg.Devices)+1)
	for k, v := range cfg.Devices {
		next.Devices[k] = v
	}
	if _, exists := next.Devices[name]; exists && !f.replace {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Device '%s' already exists", name),
			"Pick another name, or pass --replace")
	}
	next.Devices[name] = f.dev
	if err := config.Validate(&next); err != nil {
		return err
	}

	path := a.configPath()
	if err := config.AddDevice(path, name, f.dev, f.replace); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Couldn't add '%s' to %s", name, path), "Check the file is writable YAML")
	}
	if f.makeDefault || cfg.Default == "" && len(cfg.Devices) == 0 {
		if err := config.SetDefaultDevice(path, name); err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig,
				fmt.Sprintf("Couldn't make '%s' the default", name), "Set 'default' in "+path)
		}
		next.Default = name
	}
	fmt.Fprintf(a.out(), "%s Added device '%s' to %s\n", ui.SymbolSuccess, name, path)

	if !f.test {
		return nil
	}
	a.cfg = &next
	d, err := a.devices().Get(name)
	if err != nil {
		return err
	}
	report := device.NewTester(d).Run(cmd.Context())
	fmt.Fprint(a.out(), ui.RenderChecks(name, checkRows(report)))
	if !report.Passed() {
		return errors.New(errors.ErrProbe,
			fmt.Sprintf("'%s' was added but isn't usable yet", name),
			"Fix the failures above, then run: rdev test "+name)
	}
	return nil
}

// editableConfig loads the file config edits go to. A file that doesn't
// exist yet reads as the defaults.
func (a *app) editableConfig() (*config.Config, error) {
	if _, err := os.Stat(a.configPath()); os.IsNotExist(err) {
		a.cfg, a.cfgPath = config.DefaultConfig(), a.configPath()
		return a.cfg, nil
	}
	return a.loadConfig()
}

// promptDevice asks for the connection details of a new device.
func promptDevice(name string, dev *config.DeviceConfig) error {
	port := ""
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("Address of '%s'", name)).
				Description("IP, hostname or ssh_config alias").
				Value(&dev.Host).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("an address is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("User").
				Description("Leave empty for your ssh default").
				Value(&dev.User),
			huh.NewInput().
				Title("Port").
				Placeholder("22").
				Value(&port).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					if n, err := strconv.Atoi(s); err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("use a port between 1 and 65535")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't get the device details",
			fmt.Sprintf("Pass them as flags: rdev devices add %s --host <address>", name))
	}
	dev.Host = strings.TrimSpace(dev.Host)
	if port != "" {
		dev.Port, _ = strconv.Atoi(port)
	}
	return nil
}

func newDevicesRemoveCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a device",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if _, err := cfg.ResolveDeviceName(name); err != nil {
				return err
			}
			for _, other := range cfg.DeviceNames() {
				if cfg.Devices[other].LinkDevice == name {
					return errors.New(errors.ErrConfig,
						fmt.Sprintf("'%s' is the link device of '%s'", name, other),
						fmt.Sprintf("Remove or re-link '%s' first", other))
				}
			}

			if !yes {
				if _, ok := a.stdinTerminal(); !ok {
					return errors.New(errors.ErrConfig,
						fmt.Sprintf("Not removing '%s' without confirmation", name),
						"Pass --yes to remove without asking")
				}
				confirm := false
				form := huh.NewForm(huh.NewGroup(
					huh.NewConfirm().
						Title(fmt.Sprintf("Remove device '%s'?", name)).
						Value(&confirm),
				))
				if err := form.Run(); err != nil {
					return errors.WrapWithCode(err, errors.ErrConfig, "Couldn't get your answer", "Pass --yes to skip the question")
				}
				if !confirm {
					fmt.Fprintln(a.out(), "Cancelled.")
					return nil
				}
			}

			path := a.configPath()
			if err := config.RemoveDevice(path, name); err != nil {
				return errors.WrapWithCode(err, errors.ErrConfig,
					fmt.Sprintf("Couldn't remove '%s' from %s", name, path), "")
			}
			fmt.Fprintf(a.out(), "%s Removed device '%s'\n", ui.SymbolSuccess, name)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "don't ask for confirmation")
	return cmd
}

func newDevicesDefaultCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "default <name>",
		Short: "Set the default device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			name, err := cfg.ResolveDeviceName(args[0])
			if err != nil {
				return err
			}
			if err := config.SetDefaultDevice(a.configPath(), name); err != nil {
				return errors.WrapWithCode(err, errors.ErrConfig,
					fmt.Sprintf("Couldn't make '%s' the default", name), "")
			}
			fmt.Fprintf(a.out(), "%s '%s' is now the default device\n", ui.SymbolSuccess, name)
			return nil
		},
	}
}

func newDevicesImportCmd(a *app) *cobra.Command {
	var sshConfig string
	cmd := &cobra.Command{
		Use:   "import [alias...]",
		Short: "Add devices from ~/.ssh/config",
		Long: `Add hosts from your ssh config as devices named after their alias.

Without aliases on a terminal, rdev lets you pick from the list.

Examples:
  rdev devices import board gateway
  rdev devices import --ssh-config ./ssh_config`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				entries []sshutil.SSHHostEntry
				err     error
			)
			if sshConfig != "" {
				entries, err = sshutil.ParseSSHConfigFile(sshConfig)
			} else {
				entries, err = sshutil.ParseSSHConfig()
			}
			if err != nil {
				return errors.WrapWithCode(err, errors.ErrConfig, "Couldn't read your ssh config", "Check ~/.ssh/config for syntax errors")
			}
			if len(entries) == 0 {
				return errors.New(errors.ErrConfig, "No hosts found in your ssh config", "Add devices directly: rdev devices add <name> --host <address>")
			}

			selected, err := a.pickEntries(entries, args)
			if err != nil {
				return err
			}
			cfg, err := a.editableConfig()
			if err != nil {
				return err
			}

			path := a.configPath()
			added := 0
			for _, e := range selected {
				if _, exists := cfg.Devices[e.Alias]; exists {
					fmt.Fprintf(a.out(), "  %s '%s' already exists, skipped\n", ui.SymbolSkipped, e.Alias)
					continue
				}
				if err := config.AddDevice(path, e.Alias, deviceFromSSH(e), false); err != nil {
					return errors.WrapWithCode(err, errors.ErrConfig,
						fmt.Sprintf("Couldn't add '%s' to %s", e.Alias, path), "")
				}
				fmt.Fprintf(a.out(), "  %s %s (%s)\n", ui.SymbolSuccess, e.Alias, e.Description())
				added++
			}
			if added > 0 && cfg.Default == "" && len(cfg.Devices) == 0 {
				if err := config.SetDefaultDevice(path, selected[0].Alias); err != nil {
					return err
				}
			}
			fmt.Fprintf(a.out(), "Imported %d device(s) into %s\n", added, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&sshConfig, "ssh-config", "", "ssh config file to read (default ~/.ssh/config)")
	return cmd
}

// pickEntries returns the entries named in aliases, or asks which ones to
// import when none were named.
func (a *app) pickEntries(entries []sshutil.SSHHostEntry, aliases []string) ([]sshutil.SSHHostEntry, error) {
	byAlias := make(map[string]sshutil.SSHHostEntry, len(entries))
	names := make([]string, len(entries))
	for i, e := range entries {
		byAlias[e.Alias] = e
		names[i] = e.Alias
	}

	if len(aliases) == 0 {
		if _, ok := a.stdinTerminal(); !ok {
			return nil, errors.New(errors.ErrConfig,
				"No hosts named",
				fmt.Sprintf("Name the hosts to import. Found: %s", strings.Join(names, ", ")))
		}
		options := make([]huh.Option[string], len(entries))
		for i, e := range entries {
			options[i] = huh.NewOption(fmt.Sprintf("%s  %s", e.Alias, e.Description()), e.Alias)
		}
		form := huh.NewForm(huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Hosts to import").
				Options(options...).
				Value(&aliases),
		))
		if err := form.Run(); err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Couldn't get your selection", "Name the hosts instead: rdev devices import <alias>...")
		}
	}

	selected := make([]sshutil.SSHHostEntry, 0, len(aliases))
	for _, alias := range aliases {
		e, ok := byAlias[alias]
		if !ok {
			return nil, errors.New(errors.ErrConfig,
				fmt.Sprintf("'%s' isn't in your ssh config", alias),
				fmt.Sprintf("Found: %s", strings.Join(names, ", ")))
		}
		selected = append(selected, e)
	}
	return selected, nil
}

// deviceFromSSH keeps the alias as the host so ssh applies the rest of the
// config block itself.
func deviceFromSSH(e sshutil.SSHHostEntry) config.DeviceConfig {
	p := e.Parameters()
	dev := config.DeviceConfig{Host: p.Host, Port: p.Port, User: p.UserName}
	if p.PrivateKeyFile != "" {
		dev.Auth = "key"
		dev.KeyFile = p.PrivateKeyFile
	}
	return dev
}
