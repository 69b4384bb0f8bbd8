package transfer

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/fileaccess"
)

// LocalFS is FS on the local filesystem.
type LocalFS struct{}

func (LocalFS) CreateDir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(p, 0755)
}

func (LocalFS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (LocalFS) WriteFile(ctx context.Context, p string, data []byte, perm os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if perm == 0 {
		return os.WriteFile(p, data, 0644)
	}
	if err := os.WriteFile(p, data, perm); err != nil {
		return err
	}
	// WriteFile only applies perm to new files.
	return os.Chmod(p, perm)
}

func (LocalFS) Stat(ctx context.Context, p string) (fileaccess.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return fileaccess.FileInfo{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return fileaccess.FileInfo{}, err
	}
	return fileaccess.FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}, nil
}

func (e *Engine) fs(device string) (FS, error) {
	if device == "" {
		return e.local, nil
	}
	r, err := e.remote(device)
	if err != nil {
		return nil, err
	}
	if r.FS == nil {
		return nil, errors.New(errors.ErrTransfer,
			fmt.Sprintf("No file access to '%s'", device),
			fmt.Sprintf("Connect first: rdev connect %s", device))
	}
	return r.FS, nil
}

// generic creates every target directory, then copies files with bounded
// parallelism. Errors are collected rather than stopping sibling copies.
func (e *Engine) generic(ctx context.Context, setup Setup) error {
	files, err := expandLocalDirs(setup.Files)
	if err != nil {
		return err
	}

	dirs := TargetDirs(files)
	var done int
	var mu sync.Mutex
	errs := forEach(ctx, len(dirs), e.opts.Workers, func(i int) error {
		d := dirs[i]
		target, err := e.fs(d.Device)
		if err != nil {
			return err
		}
		if err := target.CreateDir(ctx, d.Path); err != nil {
			return errors.WrapWithCode(err, errors.ErrTransfer,
				fmt.Sprintf("Couldn't create %s", d), "")
		}
		mu.Lock()
		done++
		setup.report(Progress{Kind: ProgressDir, Path: d.String(), Done: done, Total: len(dirs)})
		mu.Unlock()
		return nil
	})
	if err := ctx.Err(); err != nil {
		return cancelled(err, 0, len(files))
	}
	if len(errs) > 0 {
		return errors.WrapWithCode(stderrors.Join(errs...), errors.ErrTransfer,
			fmt.Sprintf("Couldn't create %d of %d target directories", len(errs), len(dirs)),
			"No files were copied.")
	}

	done = 0
	errs = forEach(ctx, len(files), e.opts.Workers, func(i int) error {
		f := files[i]
		if err := e.copyFile(ctx, f); err != nil {
			return err
		}
		mu.Lock()
		done++
		setup.report(Progress{Kind: ProgressFile, Path: f.Target.String(), Done: done, Total: len(files)})
		mu.Unlock()
		return nil
	})
	if err := ctx.Err(); err != nil {
		mu.Lock()
		copied := done
		mu.Unlock()
		return cancelled(err, copied, len(files))
	}
	if len(errs) > 0 {
		return errors.WrapWithCode(stderrors.Join(errs...), errors.ErrTransfer,
			fmt.Sprintf("%d of %d files failed to copy", len(errs), len(files)),
			"Files copied successfully were kept.")
	}
	return nil
}

// copyFile copies one file, checking for cancellation between steps.
func (e *Engine) copyFile(ctx context.Context, f FileToTransfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := e.fs(f.Source.Device)
	if err != nil {
		return err
	}
	dst, err := e.fs(f.Target.Device)
	if err != nil {
		return err
	}

	data, err := src.ReadFile(ctx, f.Source.Path)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer,
			fmt.Sprintf("Couldn't read %s", f.Source), "")
	}

	var perm os.FileMode
	if fi, err := src.Stat(ctx, f.Source.Path); err == nil {
		perm = fi.Mode.Perm()
	}
	if f.Permissions == PermissionsForceExecutable {
		perm |= 0755
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := dst.WriteFile(ctx, f.Target.Path, data, perm); err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer,
			fmt.Sprintf("Couldn't write %s", f.Target), "")
	}
	return nil
}

func cancelled(err error, copied, total int) error {
	return errors.WrapWithCode(err, errors.ErrTransfer,
		fmt.Sprintf("Transfer cancelled after %d of %d files", copied, total),
		"Files copied so far were kept.")
}

// TargetDirs returns the distinct parent directories of all targets,
// sorted by device and path.
func TargetDirs(files []FileToTransfer) []Location {
	seen := map[Location]bool{}
	var out []Location
	for _, f := range files {
		dir := Location{Device: f.Target.Device, Path: dirOf(f.Target)}
		if dir.Path == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		out = append(out, dir)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func dirOf(l Location) string {
	if l.IsLocal() {
		return filepath.Dir(l.Path)
	}
	return path.Dir(l.Path)
}

// expandLocalDirs replaces local directory sources with the regular files
// under them.
func expandLocalDirs(files []FileToTransfer) ([]FileToTransfer, error) {
	out := make([]FileToTransfer, 0, len(files))
	for _, f := range files {
		if !f.Source.IsLocal() {
			out = append(out, f)
			continue
		}
		fi, err := os.Stat(f.Source.Path)
		if err != nil || !fi.IsDir() {
			out = append(out, f)
			continue
		}

		root := f.Source.Path
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			target := f.Target
			if target.IsLocal() {
				target.Path = filepath.Join(target.Path, rel)
			} else {
				target.Path = path.Join(target.Path, filepath.ToSlash(rel))
			}
			out = append(out, FileToTransfer{Source: Local(p), Target: target, Permissions: f.Permissions})
			return nil
		})
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrTransfer,
				fmt.Sprintf("Couldn't list %s", root), "")
		}
	}
	return out, nil
}

// forEach calls fn for 0..n-1 on at most workers goroutines. Once ctx is
// done no further calls are dispatched. Returns the non-nil errors in
// index order.
func forEach(ctx context.Context, n, workers int, fn func(i int) error) []error {
	if workers < 1 {
		workers = 1
	}
	results := make([]error, n)
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers && w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = fn(i)
			}
		}()
	}

dispatch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	var errs []error
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
