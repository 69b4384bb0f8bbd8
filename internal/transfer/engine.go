package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/logger"
	"github.com/rileyhilliard/rdev/internal/process"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// DefaultWorkers bounds generic copying when Options.Workers is unset.
const DefaultWorkers = 4

// Options configures an Engine.
type Options struct {
	SSHBinary   string
	SFTPBinary  string
	RsyncBinary string
	// Workers bounds how many generic copy operations run at once.
	Workers int
	// Remotes looks up a device by name.
	Remotes func(device string) (*Remote, error)
	Log     logger.Logger
}

// Engine runs transfer jobs.
type Engine struct {
	opts  Options
	local FS
	log   logger.Logger
}

// NewEngine returns an engine. Missing binaries default to their plain
// names on PATH.
func NewEngine(opts Options) *Engine {
	if opts.SSHBinary == "" {
		opts.SSHBinary = "ssh"
	}
	if opts.SFTPBinary == "" {
		opts.SFTPBinary = "sftp"
	}
	if opts.RsyncBinary == "" {
		opts.RsyncBinary = "rsync"
	}
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	log := opts.Log
	if log == nil {
		log = logger.Noop()
	}
	return &Engine{opts: opts, local: LocalFS{}, log: log}
}

// Transfer runs one job. Files already copied when an error or
// cancellation stops the job are left in place.
func (e *Engine) Transfer(ctx context.Context, setup Setup) error {
	if len(setup.Files) == 0 {
		return nil
	}

	method := SelectMethod(setup, e.supports, e.log)
	e.log.Debug("transferring %d files with %s", len(setup.Files), method)

	switch method {
	case MethodSftp, MethodRsync:
		remote, err := e.remote(setup.Files[0].Target.Device)
		if err != nil {
			return err
		}
		if method == MethodSftp {
			return e.sftp(ctx, remote, setup)
		}
		return e.rsync(ctx, remote, setup)
	default:
		return e.generic(ctx, setup)
	}
}

func (e *Engine) supports(m Method, f FileToTransfer) bool {
	r, err := e.remote(f.Target.Device)
	if err != nil {
		return false
	}
	return r.Caps.Supports(m)
}

func (e *Engine) remote(device string) (*Remote, error) {
	if e.opts.Remotes == nil {
		return nil, errors.New(errors.ErrConfig,
			fmt.Sprintf("Unknown device '%s'", device), "")
	}
	r, err := e.opts.Remotes(device)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.New(errors.ErrConfig,
			fmt.Sprintf("Unknown device '%s'", device), "")
	}
	return r, nil
}

// socket returns a shared connection socket for r, or "" when sharing is
// not available.
func (e *Engine) socket(ctx context.Context, r *Remote) (string, func()) {
	if r.Attach == nil {
		return "", func() {}
	}
	socket, release, err := r.Attach(ctx)
	if err != nil {
		e.log.Debug("no shared connection to %s: %v", r.Name, err)
		return "", func() {}
	}
	return socket, release
}

// runTool runs one sftp or rsync invocation against p. Stdout is reported
// as progress and stderr is returned for diagnostics.
func runTool(ctx context.Context, binary string, args []string, stdin io.Reader, p sshutil.Parameters, setup Setup) (process.Result, []byte) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = p.CommandEnv()
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return process.Classify(err, true), nil
	}
	if err := cmd.Start(); err != nil {
		return process.Classify(err, true), nil
	}
	streamOutput(stdout, setup)
	return process.ClassifySSH(cmd.Wait(), false), stderr.Bytes()
}
