package fileaccess

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/logger"
	"github.com/rileyhilliard/rdev/internal/shell"
	"github.com/rileyhilliard/rdev/internal/util"
)

// ShellAccess implements Access with POSIX shell commands.
type ShellAccess struct {
	device    string
	runner    ShellRunner
	connected func() bool
	env       *EnvCache
	log       logger.Logger
}

var _ Access = (*ShellAccess)(nil)

// NewShellAccess returns shell based access to device. connected reports
// whether the device is currently reachable; nil means always.
func NewShellAccess(device string, runner ShellRunner, connected func() bool, env *EnvCache, log logger.Logger) *ShellAccess {
	if log == nil {
		log = logger.Noop()
	}
	if env == nil {
		env = NewEnvCache(runner, log)
	}
	return &ShellAccess{device: device, runner: runner, connected: connected, env: env, log: log}
}

func (a *ShellAccess) run(ctx context.Context, command string, stdin []byte) (shell.Result, error) {
	if a.connected != nil && !a.connected() {
		return shell.Result{}, errors.Disconnected(a.device)
	}
	a.log.Debug("%s", command)
	return a.runner.RunInShell(ctx, command, stdin)
}

func (a *ShellAccess) test(ctx context.Context, flag, path string) (bool, error) {
	res, err := a.run(ctx, "test "+flag+" "+util.ShellQuotePreserveTilde(path), nil)
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

func (a *ShellAccess) Exists(ctx context.Context, path string) (bool, error) {
	return a.test(ctx, "-e", path)
}

func (a *ShellAccess) IsDir(ctx context.Context, path string) (bool, error) {
	return a.test(ctx, "-d", path)
}

func (a *ShellAccess) IsFile(ctx context.Context, path string) (bool, error) {
	return a.test(ctx, "-f", path)
}

func (a *ShellAccess) IsExecutable(ctx context.Context, path string) (bool, error) {
	return a.test(ctx, "-x", path)
}

func (a *ShellAccess) Stat(ctx context.Context, path string) (FileInfo, error) {
	res, err := a.run(ctx, "stat -L -t "+util.ShellQuotePreserveTilde(path), nil)
	if err != nil {
		return FileInfo{}, err
	}
	if !res.OK() {
		return FileInfo{}, failed("stat", path, res)
	}
	return ParseStat(path, res.Stdout)
}

func (a *ShellAccess) CreateDir(ctx context.Context, path string) error {
	res, err := a.run(ctx, "mkdir -p "+util.ShellQuotePreserveTilde(path), nil)
	if err != nil {
		return err
	}
	if !res.OK() {
		return failed("create directory", path, res)
	}
	return nil
}

func (a *ShellAccess) RemoveFile(ctx context.Context, path string) error {
	res, err := a.run(ctx, "rm -f "+util.ShellQuotePreserveTilde(path), nil)
	if err != nil {
		return err
	}
	if !res.OK() {
		return failed("remove", path, res)
	}
	return nil
}

func (a *ShellAccess) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := a.run(ctx, "cat "+util.ShellQuotePreserveTilde(path), nil)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, failed("read", path, res)
	}
	return res.Stdout, nil
}

func (a *ShellAccess) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	quoted := util.ShellQuotePreserveTilde(path)
	res, err := a.run(ctx, "cat > "+quoted, data)
	if err != nil {
		return err
	}
	if !res.OK() {
		return failed("write", path, res)
	}
	if perm == 0 {
		return nil
	}
	res, err = a.run(ctx, fmt.Sprintf("chmod %o %s", perm.Perm(), quoted), nil)
	if err != nil {
		return err
	}
	if !res.OK() {
		return failed("set permissions on", path, res)
	}
	return nil
}

func (a *ShellAccess) Environment(ctx context.Context) (Environment, error) {
	if a.connected != nil && !a.connected() {
		return nil, errors.Disconnected(a.device)
	}
	return a.env.Get(ctx)
}

func (a *ShellAccess) OSType(ctx context.Context) (OSType, error) {
	res, err := a.run(ctx, "uname -s", nil)
	if err != nil {
		return OSUnknown, err
	}
	if !res.OK() {
		return OSUnknown, nil
	}
	return ClassifyOS(string(res.Stdout)), nil
}

// EnvCache returns the environment cache backing Environment.
func (a *ShellAccess) EnvCache() *EnvCache {
	return a.env
}

func failed(op, path string, res shell.Result) error {
	return errors.New(errors.ErrExec,
		fmt.Sprintf("Couldn't %s %s on the device", op, path),
		strings.TrimSpace(string(res.Stderr)))
}

// ParseStat parses `stat -t` output for path. The name is taken verbatim
// from the front so paths with spaces survive.
func ParseStat(path string, out []byte) (FileInfo, error) {
	line := strings.TrimRight(string(out), "\r\n")
	rest, ok := strings.CutPrefix(line, path)
	if !ok {
		// Some stat builds echo the path resolved; fall back to the field count.
		fields := strings.Fields(line)
		if len(fields) < 16 {
			return FileInfo{}, malformedStat(path, line)
		}
		rest = strings.Join(fields[len(fields)-15:], " ")
	}

	// size blocks rawmode uid gid dev inode links major minor atime mtime ...
	f := strings.Fields(rest)
	if len(f) < 12 {
		return FileInfo{}, malformedStat(path, line)
	}
	size, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return FileInfo{}, malformedStat(path, line)
	}
	raw, err := strconv.ParseUint(f[2], 16, 32)
	if err != nil {
		return FileInfo{}, malformedStat(path, line)
	}
	mtime, err := strconv.ParseInt(f[11], 10, 64)
	if err != nil {
		return FileInfo{}, malformedStat(path, line)
	}

	const typeMask, dirBits, linkBits = 0xF000, 0x4000, 0xA000
	mode := os.FileMode(raw & 0777)
	isDir := raw&typeMask == dirBits
	if isDir {
		mode |= os.ModeDir
	}
	if raw&typeMask == linkBits {
		mode |= os.ModeSymlink
	}
	if raw&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if raw&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if raw&0o1000 != 0 {
		mode |= os.ModeSticky
	}

	name := path
	if i := strings.LastIndex(strings.TrimRight(path, "/"), "/"); i >= 0 {
		name = strings.TrimRight(path, "/")[i+1:]
	}
	return FileInfo{
		Name:    name,
		Size:    size,
		Mode:    mode,
		ModTime: time.Unix(mtime, 0),
		IsDir:   isDir,
	}, nil
}

func malformedStat(path, line string) error {
	return errors.New(errors.ErrExec,
		fmt.Sprintf("Unexpected stat output for %s", path),
		line)
}
