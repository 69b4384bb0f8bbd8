package cli

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/rdev/internal/config"
	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/transfer"
	"github.com/rileyhilliard/rdev/internal/ui"
)

type transferFlags struct {
	executable bool
	method     string
	rsyncFlags []string
}

func (f *transferFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.executable, "executable", "x", false, "make copied files executable")
	cmd.Flags().StringVarP(&f.method, "method", "m", "", "preferred method: sftp, rsync or generic (default from config)")
	cmd.Flags().StringArrayVar(&f.rsyncFlags, "rsync-flag", nil, "rsync flag replacing the configured ones (repeatable)")
}

func newPushCmd(a *app) *cobra.Command {
	var f transferFlags
	cmd := &cobra.Command{
		Use:   "push <local>... <remote>",
		Short: "Copy local files to the device",
		Long: `Copy local files or directories to a path on the device.

With one source the remote path is the target file, unless it ends in '/'.
With several sources the remote path is a directory.

Examples:
  rdev push build/app /opt/app/bin/app -x
  rdev push config.json assets/ /opt/app/
  rdev push -m rsync dist/ /srv/www/`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.device("")
			if err != nil {
				return err
			}
			srcs := make([]transfer.Location, len(args)-1)
			for i, s := range args[:len(args)-1] {
				srcs[i] = transfer.Local(s)
			}
			dst := transfer.OnDevice(d.Name(), args[len(args)-1])
			return a.runTransfer(cmd.Context(), "Pushing to "+d.Name(), srcs, dst, f)
		},
	}
	f.register(cmd)
	return cmd
}

func newPullCmd(a *app) *cobra.Command {
	var f transferFlags
	cmd := &cobra.Command{
		Use:   "pull <remote>... <local>",
		Short: "Copy files from the device",
		Long: `Copy files from the device to the local machine.

Examples:
  rdev pull /var/log/app.log .
  rdev pull /etc/os-release /etc/hostname ./board-info/`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.device("")
			if err != nil {
				return err
			}
			srcs := make([]transfer.Location, len(args)-1)
			for i, s := range args[:len(args)-1] {
				srcs[i] = transfer.OnDevice(d.Name(), s)
			}
			dst := transfer.Local(args[len(args)-1])
			return a.runTransfer(cmd.Context(), "Pulling from "+d.Name(), srcs, dst, f)
		},
	}
	f.register(cmd)
	return cmd
}

func newCopyCmd(a *app) *cobra.Command {
	var f transferFlags
	cmd := &cobra.Command{
		Use:   "cp <source>... <target>",
		Short: "Copy files between the local machine and devices",
		Long: `Copy files between any two endpoints. Write device paths as
device:/path and local paths as they are.

Examples:
  rdev cp board:/etc/hostname gateway:/tmp/board-hostname
  rdev cp ./app board:/opt/app`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			locs := make([]transfer.Location, len(args))
			for i, s := range args {
				locs[i] = parseLocation(cfg, s)
			}
			srcs, dst := locs[:len(locs)-1], locs[len(locs)-1]

			// Transfers start from one device so its peers resolve the rest.
			owner := dst.Device
			for _, s := range srcs {
				if owner == "" {
					owner = s.Device
				}
			}
			if owner == "" {
				return errors.New(errors.ErrConfig,
					"Nothing here is on a device",
					"Prefix device paths with the device name, e.g. board:/opt/app")
			}
			return a.runTransferOn(cmd.Context(), owner, "Copying", srcs, dst, f)
		},
	}
	f.register(cmd)
	return cmd
}

// parseLocation reads "device:/path" when device is configured and treats
// anything else as a local path.
func parseLocation(cfg *config.Config, s string) transfer.Location {
	if i := strings.IndexByte(s, ':'); i > 0 {
		if _, ok := cfg.Devices[s[:i]]; ok {
			return transfer.OnDevice(s[:i], s[i+1:])
		}
	}
	return transfer.Local(s)
}

// planFiles pairs each source with its target path. With several sources,
// or a target ending in a separator, the target is a directory.
func planFiles(srcs []transfer.Location, dst transfer.Location, perms transfer.Permissions) []transfer.FileToTransfer {
	join := path.Join
	intoDir := len(srcs) > 1 || strings.HasSuffix(dst.Path, "/")
	if dst.IsLocal() {
		join = filepath.Join
		intoDir = intoDir || strings.HasSuffix(dst.Path, string(filepath.Separator)) || isLocalDir(dst.Path)
	}

	files := make([]transfer.FileToTransfer, len(srcs))
	for i, src := range srcs {
		target := dst.Path
		if intoDir {
			name := path.Base(src.Path)
			if src.IsLocal() {
				name = filepath.Base(src.Path)
			}
			target = join(dst.Path, name)
		}
		files[i] = transfer.FileToTransfer{
			Source:      src,
			Target:      transfer.Location{Device: dst.Device, Path: target},
			Permissions: perms,
		}
	}
	return files
}

func isLocalDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func (a *app) runTransfer(ctx context.Context, label string, srcs []transfer.Location, dst transfer.Location, f transferFlags) error {
	owner := dst.Device
	if owner == "" {
		owner = srcs[0].Device
	}
	return a.runTransferOn(ctx, owner, label, srcs, dst, f)
}

func (a *app) runTransferOn(ctx context.Context, owner, label string, srcs []transfer.Location, dst transfer.Location, f transferFlags) error {
	d, err := a.connect(ctx, owner)
	if err != nil {
		return err
	}
	// Every other device in the job needs its own connection.
	for _, loc := range append([]transfer.Location{dst}, srcs...) {
		if loc.Device != "" && loc.Device != owner {
			if _, err := a.connect(ctx, loc.Device); err != nil {
				return err
			}
		}
	}

	perms := transfer.PermissionsDefault
	if f.executable {
		perms = transfer.PermissionsForceExecutable
	}
	setup := transfer.Setup{
		Files:      planFiles(srcs, dst, perms),
		RsyncFlags: f.rsyncFlags,
	}
	setup.Method, err = a.method(owner, f.method)
	if err != nil {
		return err
	}

	var progress *ui.TransferProgress
	if !a.quiet {
		progress = ui.NewTransferProgress(a.errOut(), label, a.interactive())
		setup.Progress = progress.Handle
	}
	err = d.Transfer(ctx, setup)
	if progress != nil {
		progress.Finish(err)
	}
	if err != nil {
		return err
	}
	if a.quiet {
		return nil
	}
	if len(setup.Files) == 1 {
		fmt.Fprintf(a.out(), "%s %s -> %s\n", ui.SymbolSuccess, setup.Files[0].Source, setup.Files[0].Target)
	}
	return nil
}

// method picks the flag's method, else the device's configured one.
func (a *app) method(device, flag string) (transfer.Method, error) {
	if flag == "" {
		flag = a.cfg.Devices[device].EffectiveTransferMethod()
	}
	return transfer.ParseMethod(flag)
}
