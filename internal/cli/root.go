package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rileyhilliard/rdev/internal/config"
	"github.com/rileyhilliard/rdev/internal/device"
	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/logger"
	"github.com/rileyhilliard/rdev/internal/ui"
)

// app holds global flag values and the state commands share.
type app struct {
	configFlag string
	deviceFlag string
	quiet      bool
	noColor    bool
	verbose    bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg      *config.Config
	cfgPath  string
	registry *device.Registry
	notice   *ui.Notice
}

// newRootCmd builds the command tree. Tests build a fresh tree per case.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "rdev",
		Short: "Work with remote Linux devices over ssh",
		Long: `rdev runs commands on remote Linux devices and moves files to and from
them, sharing one ssh connection per device.

Devices live in ~/.config/rdev/config.yaml. Add one with:
  rdev devices add board --host 10.0.0.7 --user root`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.stdin = cmd.InOrStdin()
			a.stdout = cmd.OutOrStdout()
			a.stderr = cmd.ErrOrStderr()
			if a.noColor || os.Getenv("NO_COLOR") != "" {
				ui.DisableColors()
			}
			if a.verbose {
				_ = os.Setenv(logger.DebugEnv, "1")
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFlag, "config", "", "config file (default ~/.config/rdev/config.yaml)")
	flags.StringVarP(&a.deviceFlag, "device", "d", "", "device to use (default from config)")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "hide connection progress")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "print debug logs")

	root.AddCommand(
		newConnectCmd(a),
		newExecCmd(a),
		newShellCmd(a),
		newEnvCmd(a),
		newPushCmd(a),
		newPullCmd(a),
		newCopyCmd(a),
		newKillCmd(a),
		newTestCmd(a),
		newDevicesCmd(a),
		newVersionCmd(a),
		newCompletionCmd(root),
	)
	return root
}

// Execute runs the CLI and exits with the right status.
func Execute() {
	a := &app{}
	root := newRootCmd(a)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	a.close()

	if err == nil {
		return
	}
	if code, ok := errors.GetExitCode(err); ok {
		if _, bare := err.(*errors.ExitError); !bare {
			fmt.Fprint(os.Stderr, err.Error())
		}
		os.Exit(code)
	}
	fmt.Fprint(os.Stderr, err.Error())
	if _, ok := err.(*errors.Error); !ok {
		fmt.Fprintln(os.Stderr)
	}
	os.Exit(1)
}

// loadConfig reads and validates the config once per run.
func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, path, err := config.LoadOrDefault(a.configFlag)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	a.cfg, a.cfgPath = cfg, path
	return cfg, nil
}

// configPath is where config edits go. The file need not exist yet.
func (a *app) configPath() string {
	if a.configFlag != "" {
		return a.configFlag
	}
	if env := os.Getenv(config.ConfigEnv); env != "" {
		return env
	}
	return config.DefaultPath()
}

// device resolves the device for a command: an explicit argument, then
// --device, then the config default.
func (a *app) device(arg string) (*device.Device, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	name := arg
	if name == "" {
		name = a.deviceFlag
	}
	name, err = cfg.ResolveDeviceName(name)
	if err != nil {
		return nil, err
	}
	return a.devices().Get(name)
}

func (a *app) devices() *device.Registry {
	if a.registry == nil {
		a.notice = ui.NewNotice(a.errOut(), a.interactive())
		a.notice.SetQuiet(a.quiet)
		a.registry = device.NewRegistry(a.cfg, a.notice, logger.NewEnvLogger("[rdev]"))
	}
	return a.registry
}

// connect gets the device online and waits for the fast file path to
// settle so the connection notice is complete before any output.
func (a *app) connect(ctx context.Context, arg string) (*device.Device, error) {
	d, err := a.device(arg)
	if err != nil {
		return nil, err
	}
	if err := d.TryToConnect(ctx); err != nil {
		return nil, err
	}
	select {
	case <-d.Settled():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d, nil
}

func (a *app) close() {
	if a.registry != nil {
		a.registry.Close()
	}
}

func (a *app) out() io.Writer {
	if a.stdout == nil {
		return os.Stdout
	}
	return a.stdout
}

func (a *app) errOut() io.Writer {
	if a.stderr == nil {
		return os.Stderr
	}
	return a.stderr
}

// interactive reports whether stderr is a terminal, for animated output.
func (a *app) interactive() bool {
	f, ok := a.errOut().(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// stdinTerminal returns stdin's descriptor when it is a terminal.
func (a *app) stdinTerminal() (int, bool) {
	f, ok := a.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, false
	}
	return int(f.Fd()), true
}

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion script",
		Long: `Generate shell completion scripts for rdev.

Examples:
  rdev completion bash > /etc/bash_completion.d/rdev
  rdev completion zsh > "${fpath[1]}/_rdev"
  rdev completion fish > ~/.config/fish/completions/rdev.fish`,
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(out)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			default:
				return root.GenPowerShellCompletion(out)
			}
		},
	}
}
