package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/rdev/internal/errors"
)

func newEnvCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "env [NAME...]",
		Short: "Print the device's login environment",
		Long: `Print the environment a command started by rdev sees on the device.

With names, print only those values, one per line.

Examples:
  rdev env
  rdev env PATH HOME
  rdev env --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.connect(cmd.Context(), "")
			if err != nil {
				return err
			}
			env, err := d.Environment(cmd.Context())
			if err != nil {
				return err
			}

			if len(args) > 0 {
				selected := make(map[string]string, len(args))
				var missing []string
				for _, name := range args {
					v, ok := env[name]
					if !ok {
						missing = append(missing, name)
						continue
					}
					selected[name] = v
				}
				if asJSON {
					return WriteJSONSuccess(a.out(), selected)
				}
				for _, name := range args {
					if v, ok := selected[name]; ok {
						fmt.Fprintln(a.out(), v)
					}
				}
				if len(missing) > 0 {
					return errors.New(errors.ErrExec,
						fmt.Sprintf("Not set on %s: %v", d.Name(), missing),
						"Check the name, or whether the variable comes from an interactive-only profile")
				}
				return nil
			}

			if asJSON {
				return WriteJSONSuccess(a.out(), env)
			}
			names := make([]string, 0, len(env))
			for k := range env {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, k := range names {
				fmt.Fprintf(a.out(), "%s=%s\n", k, env[k])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
