// Package process runs one remote command as a local ssh child process,
// with the lifecycle of a local process: a start event carrying the remote
// PID, streamed output, an exit result and signal delivery.
package process

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rileyhilliard/rdev/internal/logger"
	"github.com/rileyhilliard/rdev/internal/shell"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// TerminalMode selects how the remote command is attached to a terminal.
type TerminalMode int

const (
	// TerminalOff runs without a terminal. The remote PID is learned from
	// a marker in the output and signals are sent with remote kill.
	TerminalOff TerminalMode = iota
	// TerminalOn forces a remote tty (-tt) and passes local stdio through.
	TerminalOn
	// TerminalPty runs ssh inside a local pseudo-terminal.
	TerminalPty
)

// Setup describes the command to run.
type Setup struct {
	// Command and Args name the remote executable. Ignored when
	// ShellCommand is set.
	Command string
	Args    []string
	// ShellCommand is a raw /bin/sh command line.
	ShellCommand string

	WorkingDir string
	// Env holds KEY=value assignments exported before the command runs.
	Env []string

	Terminal TerminalMode
	// X11Display overrides the device's display when set.
	X11Display string
	// PortForwards are ssh -L specs, e.g. "8080:localhost:80".
	PortForwards []string

	// DisableSharing skips the shared connection for this command.
	DisableSharing bool
	// SourceProfile sources /etc/profile and ~/.profile first.
	SourceProfile bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (s Setup) validate() error {
	if s.Command == "" && s.ShellCommand == "" {
		return fmt.Errorf("no command given")
	}
	return nil
}

// Lease is a reference on a shared connection.
type Lease interface {
	Wait(ctx context.Context) (string, error)
	Release()
}

// AttachFunc obtains a lease on the shared connection for params.
type AttachFunc func(ctx context.Context, params sshutil.Parameters) (Lease, error)

// ShellRunner runs a command through the device shell. Used for remote
// signal delivery.
type ShellRunner interface {
	RunInShell(ctx context.Context, command string, stdin []byte) (shell.Result, error)
}

// Options carries the device side of a process: where and how to connect.
type Options struct {
	SSHBinary string
	Params    sshutil.Parameters

	// Sharing enables connection sharing through Attach.
	Sharing bool
	Attach  AttachFunc

	// Shell delivers signals when no terminal is attached.
	Shell ShellRunner

	// ReaperTimeout is how long a terminated terminal-mode ssh child gets
	// before it is killed. Zero disables the reaper.
	ReaperTimeout time.Duration

	Log logger.Logger
}
