package transfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/process"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// RsyncBatch is one rsync invocation.
type RsyncBatch struct {
	Sources []string
	// Target is a directory ending in "/", or the full target path of a
	// single file renamed in transit.
	Target     string
	Executable bool
}

// RsyncBatches groups files by target directory. rsync keeps source names,
// so a file whose name changes on the way gets a batch of its own.
func RsyncBatches(files []FileToTransfer) []RsyncBatch {
	type key struct {
		dir  string
		exec bool
	}
	var batches []RsyncBatch
	index := map[key]int{}

	for _, f := range files {
		src, tgt := f.Source.Path, f.Target.Path
		exec := f.Permissions == PermissionsForceExecutable
		if filepath.Base(src) != path.Base(tgt) {
			batches = append(batches, RsyncBatch{Sources: []string{src}, Target: tgt, Executable: exec})
			continue
		}
		k := key{dir: path.Dir(tgt) + "/", exec: exec}
		if k.dir == "//" {
			k.dir = "/"
		}
		if i, ok := index[k]; ok {
			batches[i].Sources = append(batches[i].Sources, src)
			continue
		}
		index[k] = len(batches)
		batches = append(batches, RsyncBatch{Sources: []string{src}, Target: k.dir, Executable: exec})
	}
	return batches
}

// RsyncArgs builds the arguments for one batch. fixup rewrites local paths
// and may be nil.
func RsyncArgs(flags []string, remoteShell string, p sshutil.Parameters, b RsyncBatch, progress bool, fixup func(string) string) []string {
	args := append([]string(nil), flags...)
	if b.Executable {
		args = append(args, "--chmod=Fa+x")
	}
	if progress {
		args = append(args, "--info=progress2")
	}
	args = append(args, "-e", remoteShell)
	for _, s := range b.Sources {
		if fixup != nil {
			s = fixup(s)
		}
		args = append(args, s)
	}
	return append(args, destination(p)+":"+b.Target)
}

// WindowsRsyncPath rewrites a Windows path for an msys or cygwin rsync
// build, e.g. C:\src\app becomes /c/src/app or /cygdrive/c/src/app.
func WindowsRsyncPath(p string, cygwin bool) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if len(p) >= 2 && p[1] == ':' {
		drive := strings.ToLower(p[:1])
		if cygwin {
			return "/cygdrive/" + drive + p[2:]
		}
		return "/" + drive + p[2:]
	}
	return p
}

func (e *Engine) pathFixup() func(string) string {
	if runtime.GOOS != "windows" {
		return nil
	}
	cygwin := strings.Contains(strings.ToLower(e.opts.RsyncBinary), "cygwin")
	return func(p string) string { return WindowsRsyncPath(p, cygwin) }
}

func (e *Engine) rsync(ctx context.Context, r *Remote, setup Setup) error {
	socket, release := e.socket(ctx, r)
	defer release()

	shell := sshutil.RemoteShell(e.opts.SSHBinary, r.Params, socket)
	flags := setup.RsyncFlags
	if len(flags) == 0 {
		flags = []string{"-av"}
	}

	batches := RsyncBatches(setup.Files)
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return errors.WrapWithCode(err, errors.ErrTransfer,
				fmt.Sprintf("Transfer cancelled after %d of %d rsync batches", i, len(batches)),
				"Files copied so far were kept.")
		}
		args := RsyncArgs(flags, shell, r.Params, b, setup.Progress != nil, e.pathFixup())
		e.log.Debug("rsync %s", strings.Join(args, " "))
		res, stderr := runTool(ctx, e.opts.RsyncBinary, args, nil, r.Params, setup)
		if err := rsyncError(res, stderr, r.Name); err != nil {
			return err
		}
		setup.report(Progress{Kind: ProgressDir, Path: b.Target, Done: i + 1, Total: len(batches)})
	}
	return nil
}

// ProbeRsync runs rsync against /tmp with everything excluded, which
// proves both ends have rsync without copying anything.
func (e *Engine) ProbeRsync(ctx context.Context, r *Remote) error {
	dir, err := os.MkdirTemp("", "rdev-rsync-probe-")
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrProbe, "Couldn't create a local temp dir", "")
	}
	defer os.RemoveAll(dir)

	socket, release := e.socket(ctx, r)
	defer release()

	src := dir + string(filepath.Separator)
	if fix := e.pathFixup(); fix != nil {
		src = fix(src)
	}
	args := []string{"-a", "--exclude=*", "-e", sshutil.RemoteShell(e.opts.SSHBinary, r.Params, socket),
		src, destination(r.Params) + ":/tmp"}
	res, stderr := runTool(ctx, e.opts.RsyncBinary, args, nil, r.Params, Setup{})
	if err := rsyncError(res, stderr, r.Name); err != nil {
		if rdErr, ok := err.(*errors.Error); ok {
			rdErr.Code = errors.ErrProbe
		}
		return err
	}
	return nil
}

// rsyncError turns an rsync result into an error, explaining rsync's exit
// codes. Returns nil on success.
func rsyncError(res process.Result, stderr []byte, device string) error {
	what := "rsync to " + device
	switch {
	case res.OK():
		return nil
	case res.Status == process.Crashed && res.ExitCode == process.SSHCrashCode:
		return errors.New(errors.ErrTransfer,
			fmt.Sprintf("%s crashed: the SSH connection to '%s' failed", what, device),
			joinLines(strings.TrimSpace(string(stderr)), "Check that the device is reachable: rdev test "+device))
	case res.Status != process.Exited:
		return res.WithStderr("", stderr).Err(errors.ErrTransfer, what)
	}

	out := string(stderr)
	if strings.Contains(out, "unrecognized option") && strings.Contains(out, "--info=progress2") {
		return errors.New(errors.ErrTransfer,
			"rsync version too old",
			"The --info=progress2 flag requires rsync 3.1.0+.\n"+
				"  macOS: brew install rsync (then ensure /opt/homebrew/bin is in PATH)\n"+
				"  Linux: apt install rsync or yum install rsync")
	}

	// See https://download.samba.org/pub/rsync/rsync.1
	var msg, suggestion string
	switch res.ExitCode {
	case 1:
		msg = "syntax or usage error"
		suggestion = "Check the device's rsync_flags for invalid options"
	case 2:
		msg = "protocol incompatibility"
		suggestion = "Ensure rsync versions are compatible on both ends"
	case 3:
		msg = "file selection error"
		suggestion = "Check that source paths exist and are readable"
	case 5:
		msg = "error starting client-server protocol"
		suggestion = "Check the SSH connection and the device's rsync installation"
	case 10:
		msg = "error in socket I/O"
		suggestion = "Check network connectivity to the device"
	case 11:
		msg = "error in file I/O"
		suggestion = "Check disk space and file permissions on both ends"
	case 12:
		msg = "error in rsync protocol data stream"
		suggestion = "This may indicate a corrupted transfer, try again"
	case 23:
		msg = "partial transfer due to error"
		suggestion = "Some files may have permission issues"
	case 24:
		msg = "partial transfer due to vanished source files"
		suggestion = "Files were modified during the transfer, this is usually harmless"
	default:
		msg = "unexpected failure"
		suggestion = ""
	}

	err := errors.New(errors.ErrTransfer,
		fmt.Sprintf("%s exited with code %d: %s", what, res.ExitCode, msg),
		joinLines(suggestion, strings.TrimSpace(out)))
	err.Cause = errors.NewExitError(res.ExitCode)
	return err
}

func joinLines(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
