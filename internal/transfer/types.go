// Package transfer copies files between the local machine and devices.
//
// Three methods exist. SFTP and rsync move files from the local machine to
// one device over ssh. Generic copying reads and writes through FS
// implementations and works for any combination of endpoints.
package transfer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/fileaccess"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// Method is a transfer method.
type Method int

const (
	MethodSftp Method = iota
	MethodRsync
	MethodGeneric
)

func (m Method) String() string {
	switch m {
	case MethodSftp:
		return "sftp"
	case MethodRsync:
		return "rsync"
	case MethodGeneric:
		return "generic"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod parses a configured method name. Empty means sftp.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sftp":
		return MethodSftp, nil
	case "rsync":
		return MethodRsync, nil
	case "generic":
		return MethodGeneric, nil
	}
	return MethodGeneric, errors.New(errors.ErrConfig,
		fmt.Sprintf("Unknown transfer method '%s'", s),
		"Use one of: sftp, rsync, generic")
}

// Location is a path on the local machine or on a named device.
type Location struct {
	Device string // empty for the local machine
	Path   string
}

// Local returns a local location.
func Local(path string) Location {
	return Location{Path: path}
}

// OnDevice returns a location on device.
func OnDevice(device, path string) Location {
	return Location{Device: device, Path: path}
}

// IsLocal reports whether l is on the local machine.
func (l Location) IsLocal() bool {
	return l.Device == ""
}

func (l Location) String() string {
	if l.IsLocal() {
		return l.Path
	}
	return l.Device + ":" + l.Path
}

// Permissions controls the mode given to copied files.
type Permissions int

const (
	// PermissionsDefault keeps the source file's mode.
	PermissionsDefault Permissions = iota
	// PermissionsForceExecutable makes the target executable.
	PermissionsForceExecutable
)

// FileToTransfer is one source and target pair.
type FileToTransfer struct {
	Source      Location
	Target      Location
	Permissions Permissions
}

// ProgressKind says what a Progress event reports.
type ProgressKind int

const (
	ProgressDir ProgressKind = iota
	ProgressFile
	ProgressRsync
	ProgressOutput
)

// Progress is one progress event.
type Progress struct {
	Kind        ProgressKind
	Path        string
	Done, Total int
	Rsync       *RsyncProgress
	Line        string
}

// Setup describes one transfer job.
type Setup struct {
	Files []FileToTransfer
	// Method is the preferred method. It is used only when every file
	// supports it.
	Method     Method
	RsyncFlags []string
	// Progress, when set, receives events from the worker goroutines.
	Progress func(Progress)
}

func (s Setup) report(p Progress) {
	if s.Progress != nil {
		s.Progress(p)
	}
}

// Capabilities records which bulk methods were confirmed to work for a
// device. A zero value confirms nothing.
type Capabilities struct {
	Sftp  bool
	Rsync bool
}

// Supports reports whether m was confirmed. Generic always works.
func (c Capabilities) Supports(m Method) bool {
	switch m {
	case MethodSftp:
		return c.Sftp
	case MethodRsync:
		return c.Rsync
	default:
		return true
	}
}

// FS is what generic copying needs from an endpoint. fileaccess.Access
// satisfies it.
type FS interface {
	CreateDir(ctx context.Context, path string) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error
	Stat(ctx context.Context, path string) (fileaccess.FileInfo, error)
}

// Remote is everything the engine needs to reach one device.
type Remote struct {
	Name   string
	Params sshutil.Parameters
	FS     FS
	Caps   Capabilities
	// Attach returns a shared connection socket and its release function.
	// Nil means transfers open their own ssh connection.
	Attach func(ctx context.Context) (socket string, release func(), err error)
}
