package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	rderrors "github.com/rileyhilliard/rdev/internal/errors"
)

// Status classifies how a local child process (ssh, sftp, rsync) ended.
type Status int

const (
	// Succeeded means the process ran and exited with code 0.
	Succeeded Status = iota
	// FailedToStart means the process never ran, or never reached the point
	// where the remote command was known to be running.
	FailedToStart
	// Crashed means the process died from a signal, or ssh reported a
	// connection-level failure (exit code 255).
	Crashed
	// Exited means the process ran to completion with a non-zero exit code.
	Exited
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case FailedToStart:
		return "failed to start"
	case Crashed:
		return "crashed"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// SSHCrashCode is the exit code ssh uses for its own failures, as opposed
// to the exit code of the remote command.
const SSHCrashCode = 255

// Result describes the end of a process.
type Result struct {
	Status      Status
	ExitCode    int
	ErrorString string
}

// OK reports whether the process succeeded.
func (r Result) OK() bool {
	return r.Status == Succeeded
}

// Err turns a failed result into a structured error with the given code.
// what names the operation, e.g. "rsync to board". Returns nil on success.
func (r Result) Err(code, what string) error {
	if r.OK() {
		return nil
	}

	var msg string
	switch r.Status {
	case FailedToStart:
		msg = fmt.Sprintf("%s failed to start", what)
	case Crashed:
		msg = fmt.Sprintf("%s crashed", what)
	default:
		msg = fmt.Sprintf("%s exited with code %d", what, r.ExitCode)
	}

	err := rderrors.New(code, msg, strings.TrimSpace(r.ErrorString))
	if r.Status == Exited {
		err.Cause = rderrors.NewExitError(r.ExitCode)
	}
	return err
}

// Classify turns the error from exec.Cmd.Start or Wait into a Result.
// startErr is true when err came from Start.
func Classify(err error, startErr bool) Result {
	if err == nil {
		return Result{Status: Succeeded}
	}
	if startErr {
		return Result{Status: FailedToStart, ExitCode: -1, ErrorString: err.Error()}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed by a signal.
			return Result{Status: Crashed, ExitCode: code, ErrorString: err.Error()}
		}
		return Result{Status: Exited, ExitCode: code, ErrorString: err.Error()}
	}
	return Result{Status: Crashed, ExitCode: -1, ErrorString: err.Error()}
}

// ClassifySSH is Classify plus the ssh convention that exit code 255 is a
// connection failure, reported as Crashed regardless of the raw status.
func ClassifySSH(err error, startErr bool) Result {
	r := Classify(err, startErr)
	if r.ExitCode == SSHCrashCode {
		r.Status = Crashed
	}
	return r
}

// WithStderr returns r with captured standard error appended to its error
// string.
func (r Result) WithStderr(prefix string, stderr []byte) Result {
	parts := make([]string, 0, 3)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	if r.ErrorString != "" {
		parts = append(parts, r.ErrorString)
	}
	if s := strings.TrimSpace(string(stderr)); s != "" {
		parts = append(parts, s)
	}
	r.ErrorString = strings.Join(parts, "\n")
	return r
}
