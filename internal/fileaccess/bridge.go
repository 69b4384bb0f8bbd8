package fileaccess

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/sftp"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/logger"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// BridgeAccess implements Access over SFTP on a native SSH connection.
// Environment and OS queries still go through the shell.
type BridgeAccess struct {
	client *sshutil.Client
	sftp   *sftp.Client
	shell  *ShellAccess
	log    logger.Logger

	homeOnce sync.Once
	home     string
}

var _ Access = (*BridgeAccess)(nil)

// DialBridge opens a native SSH connection for params and starts an SFTP
// session on it.
func DialBridge(ctx context.Context, params sshutil.Parameters, sh *ShellAccess, log logger.Logger) (*BridgeAccess, error) {
	if log == nil {
		log = logger.Noop()
	}
	client, err := sshutil.Dial(ctx, params)
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client.Client)
	if err != nil {
		_ = client.Close()
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Couldn't start SFTP on %s", params.Host),
			"Check that the device's sshd has the sftp subsystem enabled.")
	}
	log.Debug("sftp bridge to %s is up", params.UserAtHost())
	return &BridgeAccess{client: client, sftp: sc, shell: sh, log: log}, nil
}

// Close ends the SFTP session and the SSH connection under it.
func (b *BridgeAccess) Close() error {
	err := b.sftp.Close()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// Alive reports whether the SSH connection still answers keepalives.
func (b *BridgeAccess) Alive() bool {
	return b.client.Alive()
}

// resolve expands a leading ~ against the SFTP working directory, which
// sshd sets to the login user's home.
func (b *BridgeAccess) resolve(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	b.homeOnce.Do(func() {
		if wd, err := b.sftp.Getwd(); err == nil {
			b.home = wd
		}
	})
	if b.home == "" {
		return strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/")
	}
	return path.Join(b.home, strings.TrimPrefix(p, "~"))
}

func (b *BridgeAccess) stat(ctx context.Context, p string) (os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.sftp.Stat(b.resolve(p))
}

func (b *BridgeAccess) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.stat(ctx, p)
	return present(err)
}

func (b *BridgeAccess) IsDir(ctx context.Context, p string) (bool, error) {
	fi, err := b.stat(ctx, p)
	if ok, err := present(err); !ok {
		return false, err
	}
	return fi.IsDir(), nil
}

func (b *BridgeAccess) IsFile(ctx context.Context, p string) (bool, error) {
	fi, err := b.stat(ctx, p)
	if ok, err := present(err); !ok {
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

func (b *BridgeAccess) IsExecutable(ctx context.Context, p string) (bool, error) {
	fi, err := b.stat(ctx, p)
	if ok, err := present(err); !ok {
		return false, err
	}
	return fi.Mode().Perm()&0111 != 0, nil
}

func (b *BridgeAccess) Stat(ctx context.Context, p string) (FileInfo, error) {
	fi, err := b.stat(ctx, p)
	if err != nil {
		return FileInfo{}, sftpError("stat", p, err)
	}
	return FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}, nil
}

func (b *BridgeAccess) CreateDir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.sftp.MkdirAll(b.resolve(p)); err != nil {
		return sftpError("create directory", p, err)
	}
	return nil
}

func (b *BridgeAccess) RemoveFile(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.sftp.Remove(b.resolve(p))
	if err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return sftpError("remove", p, err)
	}
	return nil
}

func (b *BridgeAccess) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := b.sftp.Open(b.resolve(p))
	if err != nil {
		return nil, sftpError("read", p, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, sftpError("read", p, err)
	}
	return data, nil
}

func (b *BridgeAccess) WriteFile(ctx context.Context, p string, data []byte, perm os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := b.resolve(p)
	f, err := b.sftp.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return sftpError("write", p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return sftpError("write", p, err)
	}
	if err := f.Close(); err != nil {
		return sftpError("write", p, err)
	}
	if perm != 0 {
		if err := b.sftp.Chmod(target, perm.Perm()); err != nil {
			return sftpError("set permissions on", p, err)
		}
	}
	return nil
}

func (b *BridgeAccess) Environment(ctx context.Context) (Environment, error) {
	return b.shell.Environment(ctx)
}

func (b *BridgeAccess) OSType(ctx context.Context) (OSType, error) {
	return b.shell.OSType(ctx)
}

// present turns a stat error into an existence answer. Only "does not
// exist" is a negative answer; anything else is a real error.
func present(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func sftpError(op, p string, err error) error {
	return errors.WrapWithCode(err, errors.ErrTransfer,
		fmt.Sprintf("Couldn't %s %s on the device", op, p), "")
}
