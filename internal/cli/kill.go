package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/rdev/internal/device"
	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/ui"
)

func newKillCmd(a *app) *cobra.Command {
	var (
		path      string
		interrupt bool
	)
	cmd := &cobra.Command{
		Use:   "kill [pid]",
		Short: "Stop a process on the device",
		Long: `Stop a remote process and its process group.

By default the process gets SIGTERM, then SIGKILL a second later.
--interrupt sends SIGINT only. --path kills every process running the
given executable.

Examples:
  rdev kill 4242
  rdev kill --interrupt 4242
  rdev kill --path /opt/app/bin/app`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := signalData(args, path, interrupt)
			if err != nil {
				return err
			}
			d, err := a.connect(cmd.Context(), "")
			if err != nil {
				return err
			}
			if err := d.SignalOperation(cmd.Context(), data); err != nil {
				return err
			}
			if !a.quiet {
				fmt.Fprintf(a.out(), "%s Sent %s to %s\n", ui.SymbolSuccess, data.Kind, target(data))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "kill every process running this executable")
	cmd.Flags().BoolVarP(&interrupt, "interrupt", "i", false, "send SIGINT instead of terminating")
	return cmd
}

func signalData(args []string, path string, interrupt bool) (device.SignalData, error) {
	switch {
	case path != "" && len(args) > 0:
		return device.SignalData{}, errors.New(errors.ErrConfig,
			"Give a pid or --path, not both", "Usage: rdev kill <pid> | rdev kill --path <executable>")
	case path != "":
		if interrupt {
			return device.SignalData{}, errors.New(errors.ErrConfig,
				"--interrupt works with a pid only", "Usage: rdev kill --interrupt <pid>")
		}
		return device.SignalData{Kind: device.KillByPath, Path: path}, nil
	case len(args) == 0:
		return device.SignalData{}, errors.New(errors.ErrConfig,
			"What should I stop?", "Usage: rdev kill <pid> | rdev kill --path <executable>")
	}

	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return device.SignalData{}, errors.New(errors.ErrConfig,
			fmt.Sprintf("'%s' isn't a process id", args[0]), "Pass a positive number, e.g. rdev kill 4242")
	}
	kind := device.KillByPid
	if interrupt {
		kind = device.InterruptByPid
	}
	return device.SignalData{Kind: kind, PID: pid}, nil
}

func target(data device.SignalData) string {
	if data.Kind == device.KillByPath {
		return data.Path
	}
	return "pid " + strconv.Itoa(data.PID)
}
