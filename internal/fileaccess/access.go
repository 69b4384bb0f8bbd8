// Package fileaccess reads, writes and inspects files on a device.
//
// Two implementations exist. ShellAccess drives everything through the
// device's persistent shell and works on any POSIX userland. BridgeAccess
// talks SFTP over a native SSH connection and is used when it could be
// established.
package fileaccess

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rileyhilliard/rdev/internal/shell"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// FileInfo describes a remote file.
type FileInfo struct {
	Name    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
}

// OSType is the broad operating system family of a device.
type OSType int

const (
	OSUnknown OSType = iota
	OSLinux
	OSMac
	OSWindows
	OSOtherUnix
)

func (o OSType) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSMac:
		return "mac"
	case OSWindows:
		return "windows"
	case OSOtherUnix:
		return "unix"
	default:
		return "unknown"
	}
}

// ClassifyOS maps `uname -s` output to an OSType.
func ClassifyOS(uname string) OSType {
	s := strings.ToLower(strings.TrimSpace(uname))
	switch {
	case s == "":
		return OSUnknown
	case s == "linux":
		return OSLinux
	case s == "darwin":
		return OSMac
	case strings.HasPrefix(s, "mingw"), strings.HasPrefix(s, "msys"),
		strings.HasPrefix(s, "cygwin"), strings.HasPrefix(s, "windows"):
		return OSWindows
	default:
		return OSOtherUnix
	}
}

// Access is file level access to one device.
type Access interface {
	Exists(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) (bool, error)
	IsFile(ctx context.Context, path string) (bool, error)
	IsExecutable(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	// CreateDir creates path and any missing parents.
	CreateDir(ctx context.Context, path string) error
	// RemoveFile removes a file. A missing file is not an error.
	RemoveFile(ctx context.Context, path string) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile replaces the contents of path. A zero perm keeps the
	// device's default mode for new files.
	WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error
	Environment(ctx context.Context) (Environment, error)
	OSType(ctx context.Context) (OSType, error)
}

// ShellRunner runs one command in a device shell.
type ShellRunner interface {
	RunInShell(ctx context.Context, command string, stdin []byte) (shell.Result, error)
}

// ClientRunner runs shell commands over an SSHClient, one exec channel
// per command.
type ClientRunner struct {
	Client sshutil.SSHClient
}

// RunInShell implements ShellRunner.
func (r ClientRunner) RunInShell(ctx context.Context, command string, stdin []byte) (shell.Result, error) {
	if err := ctx.Err(); err != nil {
		return shell.Result{}, err
	}
	stdout, stderr, code, err := r.Client.ExecInput(command, stdin)
	if err != nil {
		return shell.Result{}, err
	}
	return shell.Result{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}
