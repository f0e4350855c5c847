package vfs

import (
	"context"
	stderr "errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dbfs/dbfs/internal/materialize"
	"github.com/dbfs/dbfs/internal/registry"
	"github.com/dbfs/dbfs/internal/router"
	"github.com/dbfs/dbfs/pkg/errors"
	"github.com/dbfs/dbfs/pkg/types"
)

type fakeRemote struct {
	mu      sync.Mutex
	result  string
	err     error
	calls   int
	views   map[string][]string
	listErr map[string]error
}

func (f *fakeRemote) Execute(_ context.Context, _ string, _ types.Credentials, _ types.Format) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeRemote) ListViews(ctx context.Context, creds types.Credentials) ([]string, error) {
	if types.QueryKindFrom(ctx) != types.QueryKindListViews {
		return nil, stderr.New("list views called without its query kind")
	}
	if err := f.listErr[creds.Server]; err != nil {
		return nil, err
	}
	return f.views[creds.Server], nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	root   string
	remote *fakeRemote
	mat    *materialize.Materializer
	fs     *FileSystem
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "dbfs_1")

	reg, err := registry.New(
		registry.ServerEntry{Name: "new", Hostname: "h", Username: "u", Password: "p", Version: 16},
		registry.ServerEntry{Name: "old", Hostname: "h", Username: "u", Password: "p", Version: 14},
		registry.ServerEntry{Name: "pg", Hostname: "h", Username: "u", Password: "p", Version: 15, Driver: "postgres"},
		registry.ServerEntry{Name: "down", Hostname: "h", Username: "u", Password: "p", Version: 16},
	)
	require.NoError(t, err)

	remote := &fakeRemote{
		views: map[string][]string{
			"new": {"dm_exec_sessions", "tables"},
			"old": {"dm_exec_sessions"},
			"pg":  {"pg_stat_activity", "../escape", "customQueries"},
		},
		listErr: map[string]error{"down": errors.NewError(errors.ErrCodeConnectionFailed, "refused")},
	}

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	mat := materialize.New(materialize.Options{Registry: reg, Executor: remote, Logger: logger})
	fs := New(Options{
		Router:       router.New(root, reg),
		Materializer: mat,
		Views:        remote,
		Logger:       logger,
	})
	require.NoError(t, fs.Init(context.Background()))

	return &fixture{root: root, remote: remote, mat: mat, fs: fs, logs: logs}
}

func (f *fixture) readdir(t *testing.T, path string) []string {
	t.Helper()
	var names []string
	rc := f.fs.Readdir(path, func(name string, _ *syscall.Stat_t) bool {
		if name != "." && name != ".." {
			names = append(names, name)
		}
		return true
	})
	require.Equal(t, 0, rc)
	sort.Strings(names)
	return names
}

func (f *fixture) size(t *testing.T, path string) int64 {
	t.Helper()
	var st syscall.Stat_t
	require.Equal(t, 0, f.fs.Getattr(path, &st))
	return st.Size
}

func TestInitProvisionsShadowTree(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []string{"down", "new", "old", "pg"}, f.readdir(t, "/"))
	assert.Equal(t, []string{"dm_exec_sessions", "dm_exec_sessions.json", "tables", "tables.json"}, f.readdir(t, "/new"))
	assert.Equal(t, []string{"dm_exec_sessions"}, f.readdir(t, "/old"), "no JSON twin below version 16")
	assert.Equal(t, []string{"pg_stat_activity", "pg_stat_activity.json"}, f.readdir(t, "/pg"))
	assert.Empty(t, f.readdir(t, "/down"))

	assert.Equal(t, int64(0), f.size(t, "/new/tables"))
	assert.Equal(t, 0, f.remote.callCount(), "provisioning only lists views")
	assert.Equal(t, 1, f.logs.FilterMessage("cannot create view files, the server directory stays empty").Len())
}

func TestOpenReadRelease(t *testing.T) {
	f := newFixture(t)
	f.remote.result = "session_id\tstatus\n51\trunning\n"

	rc, fh := f.fs.Open("/new/dm_exec_sessions", os.O_RDONLY)
	require.Equal(t, 0, rc)
	require.NotEqual(t, NoHandle, fh)
	assert.True(t, f.fs.IsGenerated(fh))
	assert.Equal(t, int64(len(f.remote.result)), f.size(t, "/new/dm_exec_sessions"))

	buf := make([]byte, 1024)
	n := f.fs.Read("/new/dm_exec_sessions", buf, 0, fh)
	assert.Equal(t, f.remote.result, string(buf[:n]))

	n = f.fs.Read("/new/dm_exec_sessions", buf[:7], 11, fh)
	assert.Equal(t, f.remote.result[11:18], string(buf[:n]))
	assert.Equal(t, 1, f.remote.callCount())

	assert.Equal(t, 0, f.fs.Release("/new/dm_exec_sessions", fh))
	assert.Equal(t, int64(0), f.size(t, "/new/dm_exec_sessions"))

	st := f.fs.GetStats()
	assert.Equal(t, int64(1), st.Opens)
	assert.Equal(t, int64(1), st.Populations)
}

func TestEveryOpenQueriesAgain(t *testing.T) {
	f := newFixture(t)
	f.remote.result = "x\n"
	for i := 0; i < 3; i++ {
		rc, fh := f.fs.Open("/new/tables.json", os.O_RDONLY)
		require.Equal(t, 0, rc)
		require.Equal(t, 0, f.fs.Release("/new/tables.json", fh))
	}
	assert.Equal(t, 3, f.remote.callCount())
}

func TestWriteToGeneratedFile(t *testing.T) {
	f := newFixture(t)
	f.remote.result = "x\n"

	rc, fh := f.fs.Open("/new/tables", os.O_RDONLY)
	require.Equal(t, 0, rc)
	defer f.fs.Release("/new/tables", fh)

	assert.Equal(t, -int(syscall.EPERM), f.fs.Write("/new/tables", []byte("hack"), 0, fh))
	assert.Equal(t, 1, f.remote.callCount())
	assert.Equal(t, -int(syscall.EPERM), f.fs.Truncate("/new/tables", 0))
}

func TestOpenGeneratedForWritingIsRefused(t *testing.T) {
	f := newFixture(t)
	f.remote.result = "x\n"

	tests := []struct {
		name  string
		path  string
		flags int
	}{
		{"read write", "/new/tables", os.O_RDWR},
		{"write only", "/new/tables", os.O_WRONLY},
		{"shell redirect", "/new/dm_exec_sessions", os.O_WRONLY | os.O_TRUNC},
		{"read with truncate", "/pg/pg_stat_activity.json", os.O_RDONLY | os.O_TRUNC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, fh := f.fs.Open(tt.path, tt.flags)
			assert.Equal(t, -int(syscall.EPERM), rc)
			assert.Equal(t, NoHandle, fh)
		})
	}
	assert.Equal(t, 0, f.remote.callCount(), "refused opens must not reach the server")
	assert.Equal(t, 0, f.mat.OpenHandles())
}

func TestOpenRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.err = errors.NewError(errors.ErrCodeQueryTimeout, "no answer")

	rc, fh := f.fs.Open("/new/tables", os.O_RDONLY)
	assert.Equal(t, -int(syscall.EIO), rc)
	assert.Equal(t, NoHandle, fh)
	assert.Equal(t, 0, f.mat.OpenHandles(), "the failed handle is released")
	assert.Equal(t, int64(1), f.fs.GetStats().Errors)
}

func TestRoutingErrorsAreENOENT(t *testing.T) {
	f := newFixture(t)
	var st syscall.Stat_t

	assert.Equal(t, -int(syscall.ENOENT), f.fs.Getattr("/nosuchserver/x", &st))
	rc, _ := f.fs.Open("/nosuchserver/x", os.O_RDONLY)
	assert.Equal(t, -int(syscall.ENOENT), rc)
	assert.Equal(t, -int(syscall.ENOENT), f.fs.Getattr("/new/a/b", &st))
	assert.Equal(t, -int(syscall.ENOENT), f.fs.Getattr("/new/no_such_view", &st))
	assert.Equal(t, 0, f.remote.callCount())
}

func TestPassthroughFiles(t *testing.T) {
	f := newFixture(t)

	rc, fh := f.fs.Create("/notes.txt", os.O_RDWR, 0o644)
	require.Equal(t, 0, rc)
	assert.False(t, f.fs.IsGenerated(fh))

	assert.Equal(t, 5, f.fs.Write("/notes.txt", []byte("hello"), 0, fh))
	assert.Equal(t, 0, f.fs.Fsync("/notes.txt", false, fh))
	buf := make([]byte, 16)
	n := f.fs.Read("/notes.txt", buf, 0, fh)
	assert.Equal(t, "hello", string(buf[:n]))
	require.Equal(t, 0, f.fs.Release("/notes.txt", fh))
	assert.Equal(t, int64(5), f.size(t, "/notes.txt"), "passthrough content survives release")

	require.Equal(t, 0, f.fs.Truncate("/notes.txt", 2))
	assert.Equal(t, int64(2), f.size(t, "/notes.txt"))
	require.Equal(t, 0, f.fs.Chmod("/notes.txt", 0o600))
	require.Equal(t, 0, f.fs.Utimens("/notes.txt", nil))
	require.Equal(t, 0, f.fs.Access("/notes.txt", 4))

	require.Equal(t, 0, f.fs.Rename("/notes.txt", "/renamed.txt"))
	require.Equal(t, 0, f.fs.Link("/renamed.txt", "/hard.txt"))
	require.Equal(t, 0, f.fs.Symlink("renamed.txt", "/soft"))
	rc, target := f.fs.Readlink("/soft")
	require.Equal(t, 0, rc)
	assert.Equal(t, "renamed.txt", target)
	assert.Equal(t, []string{"down", "hard.txt", "new", "old", "pg", "renamed.txt", "soft"}, f.readdir(t, "/"))

	for _, p := range []string{"/renamed.txt", "/hard.txt", "/soft"} {
		require.Equal(t, 0, f.fs.Unlink(p))
	}
	assert.Equal(t, 0, f.remote.callCount())
}

func TestTopLevelDirectoriesAreLeaves(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, 0, f.fs.Mkdir("/scratch", 0o755))
	rc, _ := f.fs.Create("/scratch/file", os.O_RDWR, 0o644)
	assert.Equal(t, -int(syscall.ENOENT), rc, "only server names may have children")
	assert.Empty(t, f.readdir(t, "/scratch"))
	require.Equal(t, 0, f.fs.Rmdir("/scratch"))
}

func TestMknodRegularFile(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, 0, f.fs.Mknod("/plain", syscall.S_IFREG|0o644, 0))
	assert.Equal(t, -int(syscall.EEXIST), f.fs.Mknod("/plain", syscall.S_IFREG|0o644, 0))
	require.Equal(t, 0, f.fs.Mknod("/fifo", syscall.S_IFIFO|0o644, 0))
}

func TestGeneratedNamespaceIsProtected(t *testing.T) {
	f := newFixture(t)

	rc, fh := f.fs.Create("/new/invented_view", os.O_RDWR, 0o644)
	assert.Equal(t, -int(syscall.EPERM), rc)
	assert.Equal(t, NoHandle, fh)
	assert.Equal(t, -int(syscall.EPERM), f.fs.Mknod("/new/other", syscall.S_IFREG|0o644, 0))
	assert.Equal(t, -int(syscall.EPERM), f.fs.Mkdir("/new/dir", 0o755))

	require.Equal(t, 0, f.fs.Mknod("/plain", syscall.S_IFREG|0o644, 0))
	assert.Equal(t, -int(syscall.EPERM), f.fs.Rename("/plain", "/new/tables"))
	assert.Equal(t, 0, f.remote.callCount())
}

func TestMarkerCannotBeChanged(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, -int(syscall.EPERM), f.fs.Setxattr("/new/tables", materialize.MarkerXattr, []byte("0"), 0))
	assert.Equal(t, -int(syscall.EPERM), f.fs.Removexattr("/new/tables", materialize.MarkerXattr))
}

func TestStatfs(t *testing.T) {
	f := newFixture(t)
	var st syscall.Statfs_t
	assert.Equal(t, 0, f.fs.Statfs("/", &st))
	assert.NotZero(t, st.Bsize)
	assert.Equal(t, 0, f.fs.Statfs("/unknown/a/b", &st), "statfs falls back to the dump root")
}

func TestReleaseUnknownHandle(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, -int(syscall.EBADF), f.fs.Release("/new/tables", 999999))
	assert.Equal(t, -int(syscall.EBADF), f.fs.Read("/new/tables", make([]byte, 1), 0, 999999))
}

func TestDestroyReleasesHandles(t *testing.T) {
	f := newFixture(t)
	f.remote.result = "content\n"

	rc, _ := f.fs.Open("/new/tables", os.O_RDONLY)
	require.Equal(t, 0, rc)
	require.Equal(t, 1, f.mat.OpenHandles())

	f.fs.Destroy()
	assert.Equal(t, 0, f.mat.OpenHandles())
	assert.Equal(t, int64(0), f.size(t, "/new/tables"))
	assert.DirExists(t, f.root, "the dump directory is kept")
}
