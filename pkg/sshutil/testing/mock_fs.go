// Package testing provides SSH mock utilities for testing.
// It simulates a remote device with an in-memory filesystem and a
// POSIX-ish shell, plus an in-process SSH server for native client tests.
package testing

import (
	"errors"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockFS simulates an in-memory remote filesystem. Paths are POSIX paths.
type MockFS struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]struct{}
	modes map[string]os.FileMode
	mtime time.Time
}

// NewMockFS creates a new mock filesystem containing only "/".
func NewMockFS() *MockFS {
	return &MockFS{
		files: make(map[string][]byte),
		dirs:  map[string]struct{}{"/": {}},
		modes: make(map[string]os.FileMode),
		mtime: time.Unix(1700000000, 0),
	}
}

// Mkdir creates a directory. Returns error if it already exists or the
// parent is missing, like mkdir without -p.
func (fs *MockFS) Mkdir(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p = path.Clean(p)
	if _, exists := fs.dirs[p]; exists {
		return errors.New("directory already exists")
	}
	if _, exists := fs.files[p]; exists {
		return errors.New("file exists at path")
	}
	if _, ok := fs.dirs[path.Dir(p)]; !ok {
		return errors.New("no such file or directory")
	}
	fs.dirs[p] = struct{}{}
	return nil
}

// MkdirAll creates a directory and all parent directories, like mkdir -p.
func (fs *MockFS) MkdirAll(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mkdirAllLocked(path.Clean(p))
}

func (fs *MockFS) mkdirAllLocked(p string) error {
	for cur := p; ; cur = path.Dir(cur) {
		if _, isFile := fs.files[cur]; isFile {
			return errors.New("not a directory: " + cur)
		}
		fs.dirs[cur] = struct{}{}
		if cur == "/" || cur == "." {
			return nil
		}
	}
}

// WriteFile writes content to a file, creating parent directories as needed.
func (fs *MockFS) WriteFile(p string, content []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p = path.Clean(p)
	if _, isDir := fs.dirs[p]; isDir {
		return errors.New("is a directory")
	}
	if err := fs.mkdirAllLocked(path.Dir(p)); err != nil {
		return err
	}
	fs.files[p] = append([]byte(nil), content...)
	if _, ok := fs.modes[p]; !ok {
		fs.modes[p] = 0644
	}
	return nil
}

// ReadFile reads the content of a file.
func (fs *MockFS) ReadFile(p string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	content, exists := fs.files[path.Clean(p)]
	if !exists {
		return nil, errors.New("file not found")
	}
	return append([]byte(nil), content...), nil
}

// Chmod sets the permission bits of an existing file or directory.
func (fs *MockFS) Chmod(p string, mode os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p = path.Clean(p)
	_, isFile := fs.files[p]
	_, isDir := fs.dirs[p]
	if !isFile && !isDir {
		return errors.New("no such file or directory")
	}
	fs.modes[p] = mode.Perm()
	return nil
}

// Mode returns the permission bits of p. Directories default to 0755.
func (fs *MockFS) Mode(p string) os.FileMode {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	p = path.Clean(p)
	if m, ok := fs.modes[p]; ok {
		return m
	}
	if _, isDir := fs.dirs[p]; isDir {
		return 0755
	}
	return 0
}

// Size returns the size of a file, or 0 for directories and missing paths.
func (fs *MockFS) Size(p string) int64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return int64(len(fs.files[path.Clean(p)]))
}

// ModTime is the fixed modification time reported for every entry.
func (fs *MockFS) ModTime() time.Time {
	return fs.mtime
}

// Remove removes a file or directory and all its contents, like rm -rf.
func (fs *MockFS) Remove(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p = path.Clean(p)
	delete(fs.files, p)
	delete(fs.dirs, p)
	delete(fs.modes, p)

	prefix := p + "/"
	for f := range fs.files {
		if strings.HasPrefix(f, prefix) {
			delete(fs.files, f)
			delete(fs.modes, f)
		}
	}
	for d := range fs.dirs {
		if strings.HasPrefix(d, prefix) {
			delete(fs.dirs, d)
		}
	}
	return nil
}

// Exists returns true if the path exists (file or directory).
func (fs *MockFS) Exists(p string) bool {
	return fs.IsDir(p) || fs.IsFile(p)
}

// IsDir returns true if the path exists and is a directory.
func (fs *MockFS) IsDir(p string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	_, exists := fs.dirs[path.Clean(p)]
	return exists
}

// IsFile returns true if the path exists and is a file.
func (fs *MockFS) IsFile(p string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	_, exists := fs.files[path.Clean(p)]
	return exists
}

// Files returns all file paths in sorted order.
func (fs *MockFS) Files() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]string, 0, len(fs.files))
	for f := range fs.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
