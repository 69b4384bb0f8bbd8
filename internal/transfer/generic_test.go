package transfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/fileaccess"
	sshtest "github.com/rileyhilliard/rdev/pkg/sshutil/testing"
)

// recordingFS wraps a MockFS and records every operation in order.
type recordingFS struct {
	fs *sshtest.MockFS

	mu        sync.Mutex
	ops       []string
	failMkdir map[string]bool
	failWrite map[string]bool
}

func newRecordingFS() *recordingFS {
	return &recordingFS{fs: sshtest.NewMockFS(), failMkdir: map[string]bool{}, failWrite: map[string]bool{}}
}

func (r *recordingFS) record(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *recordingFS) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *recordingFS) CreateDir(ctx context.Context, p string) error {
	r.record("mkdir " + p)
	if r.failMkdir[p] {
		return fmt.Errorf("mkdir %s: permission denied", p)
	}
	return r.fs.MkdirAll(p)
}

func (r *recordingFS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	r.record("read " + p)
	return r.fs.ReadFile(p)
}

func (r *recordingFS) WriteFile(ctx context.Context, p string, data []byte, perm os.FileMode) error {
	r.record("write " + p)
	if r.failWrite[p] {
		return fmt.Errorf("write %s: no space left on device", p)
	}
	if !r.fs.IsDir(path.Dir(p)) {
		return fmt.Errorf("write %s: parent directory missing", p)
	}
	if err := r.fs.WriteFile(p, data); err != nil {
		return err
	}
	if perm != 0 {
		return r.fs.Chmod(p, perm)
	}
	return nil
}

func (r *recordingFS) Stat(ctx context.Context, p string) (fileaccess.FileInfo, error) {
	if !r.fs.Exists(p) {
		return fileaccess.FileInfo{}, os.ErrNotExist
	}
	return fileaccess.FileInfo{Name: path.Base(p), Size: r.fs.Size(p), Mode: r.fs.Mode(p), IsDir: r.fs.IsDir(p)}, nil
}

func localFiles(t *testing.T, n int) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("f%02d.txt", i))
		require.NoError(t, os.WriteFile(paths[i], []byte(fmt.Sprintf("content %d", i)), 0644))
	}
	return dir, paths
}

func TestGeneric_CreatesAllDirectoriesFirst(t *testing.T) {
	_, srcs := localFiles(t, 9)
	target := newRecordingFS()
	e := newTestEngine(t, Options{Workers: 3}, &Remote{Name: "board", FS: target})

	var files []FileToTransfer
	for i, s := range srcs {
		dst := fmt.Sprintf("/data/d%d/sub%d/%s", i%3, i%2, filepath.Base(s))
		files = append(files, FileToTransfer{Source: Local(s), Target: OnDevice("board", dst)})
	}
	require.NoError(t, e.Transfer(context.Background(), Setup{Files: files, Method: MethodGeneric}))

	ops := target.Ops()
	firstWrite := -1
	mkdirs := map[string]bool{}
	for i, op := range ops {
		if op[:5] == "write" && firstWrite < 0 {
			firstWrite = i
		}
		if op[:5] == "mkdir" {
			assert.True(t, firstWrite < 0, "mkdir %q after the first write", op)
			mkdirs[op[6:]] = true
		}
	}
	for _, f := range files {
		assert.True(t, mkdirs[path.Dir(f.Target.Path)], "parent of %s created", f.Target.Path)
		assert.True(t, target.fs.IsFile(f.Target.Path))
	}
	assert.Len(t, mkdirs, len(TargetDirs(files)), "each distinct parent created once")
}

func TestGeneric_CancelMidJobKeepsCopiedFiles(t *testing.T) {
	_, srcs := localFiles(t, 10)
	target := newRecordingFS()
	e := newTestEngine(t, Options{Workers: 1}, &Remote{Name: "board", FS: target})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var files []FileToTransfer
	for _, s := range srcs {
		files = append(files, FileToTransfer{Source: Local(s), Target: OnDevice("board", "/data/"+filepath.Base(s))})
	}

	err := e.Transfer(ctx, Setup{
		Files:  files,
		Method: MethodGeneric,
		Progress: func(p Progress) {
			if p.Kind == ProgressFile && p.Done == 4 {
				cancel()
			}
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "cancelled after 4 of 10 files")

	copied := target.fs.Files()
	assert.Len(t, copied, 4)
	for i, f := range files {
		assert.Equal(t, i < 4, target.fs.IsFile(f.Target.Path), f.Target.Path)
	}
	writes := 0
	for _, op := range target.Ops() {
		if op[:5] == "write" {
			writes++
		}
	}
	assert.Equal(t, 4, writes, "no write is attempted after cancellation")
}

func TestGeneric_AccumulatesCopyErrors(t *testing.T) {
	_, srcs := localFiles(t, 5)
	target := newRecordingFS()
	target.failWrite["/data/f01.txt"] = true
	target.failWrite["/data/f03.txt"] = true
	e := newTestEngine(t, Options{Workers: 2}, &Remote{Name: "board", FS: target})

	var files []FileToTransfer
	for _, s := range srcs {
		files = append(files, FileToTransfer{Source: Local(s), Target: OnDevice("board", "/data/"+filepath.Base(s))})
	}
	err := e.Transfer(context.Background(), Setup{Files: files, Method: MethodGeneric})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTransfer))
	assert.Contains(t, err.Error(), "2 of 5 files failed to copy")
	assert.Contains(t, err.Error(), "/data/f01.txt")
	assert.Contains(t, err.Error(), "/data/f03.txt")

	for _, name := range []string{"f00.txt", "f02.txt", "f04.txt"} {
		assert.True(t, target.fs.IsFile("/data/"+name), "sibling copy %s still happens", name)
	}
}

func TestGeneric_DirectoryFailureStopsBeforeCopying(t *testing.T) {
	_, srcs := localFiles(t, 2)
	target := newRecordingFS()
	target.failMkdir["/a"] = true
	e := newTestEngine(t, Options{}, &Remote{Name: "board", FS: target})

	err := e.Transfer(context.Background(), Setup{Method: MethodGeneric, Files: []FileToTransfer{
		{Source: Local(srcs[0]), Target: OnDevice("board", "/a/x")},
		{Source: Local(srcs[1]), Target: OnDevice("board", "/b/y")},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Couldn't create 1 of 2 target directories")
	assert.True(t, target.fs.IsDir("/b"), "sibling directory still created")
	for _, op := range target.Ops() {
		assert.NotContains(t, op, "write")
	}
}

func TestGeneric_ForceExecutable(t *testing.T) {
	_, srcs := localFiles(t, 1)
	target := newRecordingFS()
	e := newTestEngine(t, Options{}, &Remote{Name: "board", FS: target})

	require.NoError(t, e.Transfer(context.Background(), Setup{Method: MethodGeneric, Files: []FileToTransfer{
		{Source: Local(srcs[0]), Target: OnDevice("board", "/bin/tool"), Permissions: PermissionsForceExecutable},
	}}))
	assert.Equal(t, os.FileMode(0755), target.fs.Mode("/bin/tool"))
}

func TestGeneric_ExpandsLocalDirectories(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "etc", "app"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "app", "app.conf"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "README"), []byte("r"), 0644))

	target := newRecordingFS()
	e := newTestEngine(t, Options{}, &Remote{Name: "board", FS: target})

	require.NoError(t, e.Transfer(context.Background(), Setup{Method: MethodGeneric, Files: []FileToTransfer{
		{Source: Local(src), Target: OnDevice("board", "/srv/root")},
	}}))
	assert.Equal(t, []string{"/srv/root/README", "/srv/root/etc/app/app.conf"}, target.fs.Files())
}

func TestGeneric_DeviceToDeviceAndDownload(t *testing.T) {
	a := sshtest.NewMockClient("a")
	sshtest.WithFiles(a, map[string]string{"/var/log/app.log": "log line\n"})
	b := sshtest.NewMockClient("b")

	remotes := map[string]*Remote{
		"a": {Name: "a", FS: fileaccess.NewShellAccess("a", fileaccess.ClientRunner{Client: a}, nil, nil, nil)},
		"b": {Name: "b", FS: fileaccess.NewShellAccess("b", fileaccess.ClientRunner{Client: b}, nil, nil, nil)},
	}
	e := NewEngine(Options{Remotes: func(d string) (*Remote, error) { return remotes[d], nil }})
	ctx := context.Background()

	require.NoError(t, e.Transfer(ctx, Setup{Method: MethodSftp, Files: []FileToTransfer{
		{Source: OnDevice("a", "/var/log/app.log"), Target: OnDevice("b", "/backup/app.log")},
	}}))
	got, err := b.GetFS().ReadFile("/backup/app.log")
	require.NoError(t, err)
	assert.Equal(t, "log line\n", string(got))

	local := filepath.Join(t.TempDir(), "logs", "app.log")
	require.NoError(t, e.Transfer(ctx, Setup{Method: MethodRsync, Files: []FileToTransfer{
		{Source: OnDevice("a", "/var/log/app.log"), Target: Local(local)},
	}}))
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "log line\n", string(data))
}

func TestGeneric_UnknownDevice(t *testing.T) {
	_, srcs := localFiles(t, 1)
	e := newTestEngine(t, Options{}, nil)

	err := e.Transfer(context.Background(), Setup{Method: MethodGeneric, Files: []FileToTransfer{
		{Source: Local(srcs[0]), Target: OnDevice("ghost", "/x/y")},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown device ghost")
}

func TestForEach_StopsDispatchingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	errs := forEach(ctx, 100, 1, func(i int) error {
		calls++
		return ctx.Err()
	})
	assert.LessOrEqual(t, calls, 1)
	assert.LessOrEqual(t, len(errs), 1)
}
