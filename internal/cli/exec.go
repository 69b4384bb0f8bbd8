package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rileyhilliard/rdev/internal/device"
	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/process"
)

// execFlags are the process options shared by exec and shell.
type execFlags struct {
	tty        bool
	pty        bool
	dir        string
	env        []string
	forwards   []string
	display    string
	noSharing  bool
	profile    bool
	shellForce bool
}

func (f *execFlags) terminal() process.TerminalMode {
	switch {
	case f.pty:
		return process.TerminalPty
	case f.tty:
		return process.TerminalOn
	default:
		return process.TerminalOff
	}
}

func newExecCmd(a *app) *cobra.Command {
	var f execFlags
	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run a command on the device",
		Long: `Run a command on the device with local stdin, stdout and stderr.

A single argument is run as a shell command line. Several arguments are
run as one program with its arguments, quoted as given.

Ctrl-C interrupts the remote process group; a second Ctrl-C kills it.

Examples:
  rdev exec "ls -la /opt"
  rdev exec -d board -- /opt/app/bin/app --port 8080
  rdev exec -t -- top
  rdev exec -L 8080:localhost:80 -- ./server`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setup, err := f.setup(args)
			if err != nil {
				return err
			}
			return a.runProcess(cmd.Context(), setup)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&f.shellForce, "shell", "s", false, "run the arguments joined as a shell command line")
	return cmd
}

func (f *execFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.BoolVarP(&f.tty, "tty", "t", false, "allocate a remote terminal")
	flags.BoolVar(&f.pty, "pty", false, "run ssh on a local pseudo-terminal")
	flags.StringVarP(&f.dir, "cwd", "C", "", "remote working directory")
	flags.StringArrayVarP(&f.env, "env", "e", nil, "set KEY=VALUE in the remote environment (repeatable)")
	flags.StringArrayVarP(&f.forwards, "forward", "L", nil, "forward a local port, e.g. 8080:localhost:80 (repeatable)")
	flags.StringVar(&f.display, "display", "", "X11 display for the process, e.g. :0")
	flags.BoolVar(&f.noSharing, "no-sharing", false, "open a separate ssh connection")
	flags.BoolVar(&f.profile, "profile", false, "source /etc/profile and ~/.profile first")
}

// setup turns the arguments and flags into a process setup.
func (f *execFlags) setup(args []string) (process.Setup, error) {
	for _, kv := range f.env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			return process.Setup{}, errors.New(errors.ErrConfig,
				"'"+kv+"' isn't a KEY=VALUE assignment",
				"Use --env NAME=value")
		}
	}

	s := process.Setup{
		WorkingDir:     f.dir,
		Env:            f.env,
		Terminal:       f.terminal(),
		X11Display:     f.display,
		PortForwards:   f.forwards,
		DisableSharing: f.noSharing,
		SourceProfile:  f.profile,
	}
	switch {
	case f.shellForce:
		s.ShellCommand = strings.Join(args, " ")
	case len(args) == 1:
		s.ShellCommand = args[0]
	default:
		s.Command = args[0]
		s.Args = args[1:]
	}
	return s, nil
}

// runProcess connects, runs setup with local stdio and returns the remote
// exit status as an error.
func (a *app) runProcess(ctx context.Context, setup process.Setup) error {
	d, err := a.connect(ctx, "")
	if err != nil {
		return err
	}

	setup.Stdin = a.stdin
	setup.Stdout = a.out()
	setup.Stderr = a.errOut()
	stderrTail := &tailBuffer{max: 4096}
	if setup.Terminal == process.TerminalOff {
		setup.Stderr = teeWriter{a.errOut(), stderrTail}
	}

	if setup.Terminal != process.TerminalOff {
		if fd, ok := a.stdinTerminal(); ok {
			state, err := term.MakeRaw(fd)
			if err == nil {
				defer func() { _ = term.Restore(fd, state) }()
			}
		}
	}

	// Signals are handled here, so the root context's cancel doesn't apply.
	p, err := d.NewProcess(context.WithoutCancel(ctx), setup)
	if err != nil {
		return err
	}
	if setup.Terminal == process.TerminalPty {
		if fd, ok := a.stdinTerminal(); ok {
			if w, h, err := term.GetSize(fd); err == nil {
				_ = p.Resize(uint16(h), uint16(w))
			}
		}
	}

	res := a.waitWithSignals(p)
	return a.processError(d, setup, res, stderrTail.String())
}

// waitWithSignals forwards the first interrupt to the remote process and
// kills it on the second.
func (a *app) waitWithSignals(p *process.Process) process.Result {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	received := 0
	for {
		select {
		case <-p.Done():
			return p.Result()
		case sig := <-sigs:
			received++
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			switch {
			case received > 1:
				_ = p.Kill(ctx)
			case sig == os.Interrupt:
				_ = p.Interrupt(ctx)
			default:
				_ = p.Terminate(ctx)
			}
			cancel()
		}
	}
}

func (a *app) processError(d *device.Device, setup process.Setup, res process.Result, stderr string) error {
	switch res.Status {
	case process.Succeeded:
		return nil
	case process.Exited:
		command := setup.ShellCommand
		if command == "" {
			command = setup.Command
		}
		if diag, ok := process.Diagnose(command, stderr, res.ExitCode).(*errors.Error); ok && diag != nil {
			diag.Cause = errors.NewExitError(res.ExitCode)
			return diag
		}
		return errors.NewExitError(res.ExitCode)
	default:
		return res.Err(errors.ErrSSH, "ssh to "+d.Name())
	}
}

func newShellCmd(a *app) *cobra.Command {
	var f execFlags
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive login shell on the device",
		Long: `Open the device user's login shell with a remote terminal.

Examples:
  rdev shell
  rdev shell -d gateway -C /var/log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.tty = true
			setup, err := f.setup([]string{`exec "${SHELL:-/bin/sh}" -l`})
			if err != nil {
				return err
			}
			if setup.Terminal == process.TerminalOff {
				setup.Terminal = process.TerminalOn
			}
			return a.runProcess(cmd.Context(), setup)
		},
	}
	f.register(cmd)
	return cmd
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

type teeWriter struct {
	primary io.Writer
	copy    *tailBuffer
}

func (w teeWriter) Write(p []byte) (int, error) {
	_, _ = w.copy.Write(p)
	return w.primary.Write(p)
}
