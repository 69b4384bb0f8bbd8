package transfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// SftpScript renders the batch script for files. Every needed target
// directory is created first, ancestors before children. Symlink sources
// are recreated on the device with ln -s and a relative link target,
// since put would copy what they point to.
func SftpScript(files []FileToTransfer) (string, error) {
	targets := make([]string, len(files))
	for i, f := range files {
		targets[i] = sftpPath(f.Target.Path)
	}

	var b strings.Builder
	for _, dir := range ancestorDirs(targets) {
		fmt.Fprintf(&b, "-mkdir %s\n", sftpQuote(dir))
	}

	for i, f := range files {
		src, tgt := f.Source.Path, targets[i]
		fi, err := os.Lstat(src)
		if err != nil {
			return "", errors.WrapWithCode(err, errors.ErrTransfer,
				fmt.Sprintf("Can't read %s", src), "Check that the source exists.")
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(src)
			if err != nil {
				return "", errors.WrapWithCode(err, errors.ErrTransfer,
					fmt.Sprintf("Can't read link %s", src), "")
			}
			fmt.Fprintf(&b, "-rm %s\n", sftpQuote(tgt))
			fmt.Fprintf(&b, "ln -s %s %s\n", sftpQuote(relativeLink(src, link)), sftpQuote(tgt))
			continue
		}
		fmt.Fprintf(&b, "put -R %s %s\n", sftpQuote(filepath.ToSlash(src)), sftpQuote(tgt))
		if f.Permissions == PermissionsForceExecutable {
			fmt.Fprintf(&b, "chmod 1775 %s\n", sftpQuote(tgt))
		}
	}
	return b.String(), nil
}

// SftpArgs returns the sftp arguments that read a batch script from stdin.
func SftpArgs(p sshutil.Parameters, socket string) []string {
	args := p.ConnectionOptions()
	args = append(args, sshutil.ControlPathOptions(socket)...)
	return append(args, "-b", "-", destination(p))
}

func (e *Engine) sftp(ctx context.Context, r *Remote, setup Setup) error {
	script, err := SftpScript(setup.Files)
	if err != nil {
		return err
	}
	socket, release := e.socket(ctx, r)
	defer release()

	e.log.Debug("sftp batch for %s:\n%s", r.Name, script)
	res, stderr := runTool(ctx, e.opts.SFTPBinary, SftpArgs(r.Params, socket), strings.NewReader(script), r.Params, setup)
	return res.WithStderr("", stderr).Err(errors.ErrTransfer, "sftp to "+r.Name)
}

// ProbeSftp checks that a trivial sftp batch works against r.
func (e *Engine) ProbeSftp(ctx context.Context, r *Remote) error {
	socket, release := e.socket(ctx, r)
	defer release()

	res, stderr := runTool(ctx, e.opts.SFTPBinary, SftpArgs(r.Params, socket), strings.NewReader("pwd\n"), r.Params, Setup{})
	return res.WithStderr("", stderr).Err(errors.ErrProbe, "sftp to "+r.Name)
}

// sftpPath makes home-relative paths relative, which is how sftp
// resolves them.
func sftpPath(p string) string {
	if p == "~" {
		return "."
	}
	return strings.TrimPrefix(p, "~/")
}

func sftpQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// relativeLink expresses an absolute link target relative to the link's
// own directory so the link still resolves once copied.
func relativeLink(linkPath, target string) string {
	if !filepath.IsAbs(target) {
		return filepath.ToSlash(target)
	}
	rel, err := filepath.Rel(filepath.Dir(linkPath), target)
	if err != nil {
		return filepath.ToSlash(target)
	}
	return filepath.ToSlash(rel)
}

// ancestorDirs returns every directory above the given POSIX paths,
// sorted so parents come before children.
func ancestorDirs(paths []string) []string {
	seen := map[string]bool{}
	for _, p := range paths {
		for dir := path.Dir(path.Clean(p)); dir != "/" && dir != "." && !seen[dir]; dir = path.Dir(dir) {
			seen[dir] = true
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// destination is the host part of an ssh, sftp or rsync destination.
func destination(p sshutil.Parameters) string {
	if strings.Contains(p.Host, ":") {
		return "[" + p.Host + "]"
	}
	return p.Host
}
