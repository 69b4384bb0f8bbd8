package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/rileyhilliard/rdev/internal/device"
	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/ui"
)

func newConnectCmd(a *app) *cobra.Command {
	var hold bool
	cmd := &cobra.Command{
		Use:   "connect [device]",
		Short: "Connect to a device and report its state",
		Long: `Open the device shell and file access, then print what rdev found.

With --hold the connection stays open until interrupted, and state changes
are printed as they happen.

Examples:
  rdev connect board
  rdev connect --hold`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return a.runConnect(cmd.Context(), name, hold)
		},
	}
	cmd.Flags().BoolVar(&hold, "hold", false, "keep the connection open until interrupted")
	return cmd
}

func (a *app) runConnect(ctx context.Context, name string, hold bool) error {
	d, err := a.connect(ctx, name)
	if err != nil {
		return err
	}

	access := "shell"
	if d.State() == device.ReadyToUse {
		access = "sftp"
	}
	fmt.Fprintf(a.out(), "%s  %s\n", d.Name(), d.Parameters().String())
	fmt.Fprintf(a.out(), "  state:       %s\n", d.State())
	fmt.Fprintf(a.out(), "  os:          %s\n", d.OSType())
	fmt.Fprintf(a.out(), "  file access: %s\n", access)

	if !hold {
		return nil
	}
	if _, ok := a.stdinTerminal(); ok && a.interactive() {
		return a.watchConnection(ctx, d)
	}

	lost := make(chan struct{}, 1)
	unsubscribe := d.OnStateChange(func(dev string, from, to device.State) {
		fmt.Fprintf(a.out(), "%s %s: %s -> %s\n",
			ui.SymbolProgress, time.Now().Format("15:04:05"), from, to)
		if to == device.Disconnected {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case <-ctx.Done():
		d.CloseConnection(false)
		return nil
	case <-lost:
		return errors.New(errors.ErrSSH,
			fmt.Sprintf("Lost connection to '%s'", d.Name()),
			fmt.Sprintf("Check the device is up, then run: rdev test %s", d.Name()))
	}
}

// watchConnection shows the live connection view until the user quits or
// the connection drops.
func (a *app) watchConnection(ctx context.Context, d *device.Device) error {
	model := ui.NewWatchModel(d.Name(), d.Parameters().String(), d.State().String())
	p := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithInput(a.stdin),
		tea.WithOutput(a.errOut()),
	)
	unsubscribe := d.OnStateChange(func(dev string, from, to device.State) {
		p.Send(ui.StateChangeMsg{From: from.String(), To: to.String(), At: time.Now()})
	})
	defer unsubscribe()

	final, err := p.Run()
	if err != nil && !stderrors.Is(err, tea.ErrProgramKilled) {
		return errors.WrapWithCode(err, errors.ErrSession, "Live view failed", "Run without a terminal to get plain output")
	}
	if m, ok := final.(ui.WatchModel); ok && m.Lost() {
		return errors.New(errors.ErrSSH,
			fmt.Sprintf("Lost connection to '%s'", d.Name()),
			fmt.Sprintf("Check the device is up, then run: rdev test %s", d.Name()))
	}
	d.CloseConnection(false)
	return nil
}
