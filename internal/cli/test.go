package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/rdev/internal/config"
	"github.com/rileyhilliard/rdev/internal/device"
	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/ui"
)

// TestOutput is the --json form of rdev test.
type TestOutput struct {
	Reports []device.Report `json:"reports"`
	Summary TestSummary     `json:"summary"`
}

// TestSummary counts results across devices.
type TestSummary struct {
	Pass     int  `json:"pass"`
	Warn     int  `json:"warn"`
	Fail     int  `json:"fail"`
	AllClear bool `json:"all_clear"`
}

func newTestCmd(a *app) *cobra.Command {
	var (
		asJSON bool
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "test [device...]",
		Short: "Check that devices are usable",
		Long: `Connect to devices and check the shell round trip, the system type,
and which fast transfer methods (sftp, rsync) work. The results are used
to pick transfer methods for the rest of the run.

Examples:
  rdev test
  rdev test board gateway
  rdev test --all --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			names, err := testTargets(cfg, args, all, a.deviceFlag)
			if err != nil {
				return err
			}
			if asJSON {
				a.quiet = true
			}

			out := TestOutput{}
			for _, name := range names {
				d, err := a.devices().Get(name)
				if err != nil {
					return err
				}
				tester := device.NewTester(d)
				report := tester.Run(cmd.Context())
				out.Reports = append(out.Reports, report)
				for _, r := range report.Results {
					switch r.Status {
					case device.StatusPass:
						out.Summary.Pass++
					case device.StatusWarn:
						out.Summary.Warn++
					default:
						out.Summary.Fail++
					}
				}
				if !asJSON {
					fmt.Fprint(a.out(), ui.RenderChecks(name, checkRows(report)))
				}
			}
			out.Summary.AllClear = out.Summary.Fail == 0

			var failed error
			if !out.Summary.AllClear {
				failed = errors.New(errors.ErrProbe,
					fmt.Sprintf("%d check(s) failed", out.Summary.Fail),
					"See the suggestions above")
			}
			if asJSON {
				if failed != nil {
					_ = WriteJSONError(a.out(), failed, out)
					return errors.NewExitError(1)
				}
				return WriteJSONSuccess(a.out(), out)
			}
			if failed == nil {
				fmt.Fprintf(a.out(), "%s All checks passed (%d warnings)\n", ui.SymbolSuccess, out.Summary.Warn)
			}
			return failed
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&all, "all", false, "test every configured device")
	return cmd
}

// testTargets picks the devices to test: the arguments, every device with
// --all, else the one resolved from --device or the default.
func testTargets(cfg *config.Config, args []string, all bool, deviceFlag string) ([]string, error) {
	if all {
		if len(cfg.Devices) == 0 {
			return nil, errors.New(errors.ErrConfig, "No devices configured",
				"Add one with: rdev devices add <name> --host <address>")
		}
		return cfg.DeviceNames(), nil
	}
	if len(args) == 0 {
		name, err := cfg.ResolveDeviceName(deviceFlag)
		if err != nil {
			return nil, err
		}
		return []string{name}, nil
	}
	for _, name := range args {
		if _, err := cfg.ResolveDeviceName(name); err != nil {
			return nil, err
		}
	}
	return args, nil
}

func checkRows(report device.Report) []ui.CheckRow {
	rows := make([]ui.CheckRow, len(report.Results))
	for i, r := range report.Results {
		rows[i] = ui.CheckRow{
			Status:     r.Status.String(),
			Name:       r.Name,
			Message:    r.Message,
			Suggestion: r.Suggestion,
		}
	}
	return rows
}
