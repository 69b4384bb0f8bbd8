package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/util"
)

// SignalKind selects a signal recipe.
type SignalKind int

const (
	// KillByPid terminates a process group, then kills it a second later.
	KillByPid SignalKind = iota
	// InterruptByPid sends SIGINT to a process group.
	InterruptByPid
	// KillByPath kills every process running the given executable.
	KillByPath
)

func (k SignalKind) String() string {
	switch k {
	case KillByPid:
		return "kill"
	case InterruptByPid:
		return "interrupt"
	case KillByPath:
		return "kill by path"
	default:
		return "unknown"
	}
}

// SignalData names the target of a signal recipe. KillByPath uses Path,
// the others use PID.
type SignalData struct {
	Kind SignalKind
	PID  int
	Path string
}

// SignalRecipe returns the shell command implementing data. Group kills
// also name the bare PID so a process that isn't a group leader is hit.
func SignalRecipe(data SignalData) (string, error) {
	switch data.Kind {
	case KillByPid, InterruptByPid:
		if data.PID <= 0 {
			return "", errors.New(errors.ErrExec,
				fmt.Sprintf("Can't %s process %d", data.Kind, data.PID),
				"Pass the PID of a running remote process")
		}
		if data.Kind == InterruptByPid {
			return fmt.Sprintf("kill -2 -%[1]d %[1]d", data.PID), nil
		}
		return fmt.Sprintf("kill -15 -%[1]d %[1]d; sleep 1; kill -9 -%[1]d %[1]d", data.PID), nil
	case KillByPath:
		if data.Path == "" {
			return "", errors.New(errors.ErrExec, "Can't kill by path without a path", "Pass the executable's absolute path")
		}
		return killByPathScript(data.Path), nil
	}
	return "", errors.New(errors.ErrExec, fmt.Sprintf("Unknown signal operation %d", data.Kind), "")
}

// killByPathScript scans /proc for processes whose executable is path.
// A deleted executable shows up with a " (deleted)" suffix.
func killByPathScript(path string) string {
	q := util.ShellQuote(path)
	return strings.Join([]string{
		"for d in /proc/[0-9]*; do",
		`e=$(readlink "$d/exe" 2>/dev/null) || continue;`,
		fmt.Sprintf(`if [ "$e" = %[1]s ] || [ "$e" = %[1]s' (deleted)' ]; then kill -9 "${d#/proc/}" 2>/dev/null; fi;`, q),
		"done; true",
	}, " ")
}

// SignalOperation runs the recipe for data through the device shell. A
// failure is returned for the caller to report; the device stays usable.
func (d *Device) SignalOperation(ctx context.Context, data SignalData) error {
	cmd, err := SignalRecipe(data)
	if err != nil {
		return err
	}
	d.log.Debug("%s on %s: %s", data.Kind, d.opts.Name, cmd)

	res, err := d.RunInShell(ctx, cmd, nil)
	if err != nil {
		return err
	}
	if !res.OK() {
		target := data.Path
		if target == "" {
			target = fmt.Sprintf("pid %d", data.PID)
		}
		return errors.WrapWithCode(errors.NewExitError(res.ExitCode), errors.ErrExec,
			fmt.Sprintf("Couldn't %s %s on %s", data.Kind, target, d.opts.Name),
			strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}
