package vfs

import (
	"bytes"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dbfs/dbfs/internal/materialize"
	"github.com/dbfs/dbfs/internal/router"
	"github.com/dbfs/dbfs/pkg/errors"
)

// classify routes path. Generated paths may not be created, replaced or
// written through the dispatcher; pass create=true for namespace operations
// that would bring such a path into existence.
func (fs *FileSystem) classify(path string, create bool) (router.Classification, error) {
	class, err := fs.router.Classify(path)
	if err != nil {
		return class, err
	}
	if create && class.Generated() {
		return class, readOnly(class, "create")
	}
	return class, nil
}

func readOnly(class router.Classification, op string) error {
	return errors.NewError(errors.ErrCodePermissionDenied, "generated files are managed by dbfs").
		WithComponent("vfs").
		WithOperation(op).
		WithPath(class.VirtualPath)
}

// Getattr stats the shadow entry without following a final symlink. The mount
// root is followed so a symlinked dump directory still works.
func (fs *FileSystem) Getattr(path string, st *syscall.Stat_t) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("getattr", path, err)
	}
	if class.VirtualPath == "/" {
		err = syscall.Stat(class.ShadowPath, st)
	} else {
		err = syscall.Lstat(class.ShadowPath, st)
	}
	if err != nil {
		return fs.errno("getattr", path, errors.ShadowIO("lstat", class.ShadowPath, err))
	}
	return 0
}

// Access checks permissions on the shadow entry.
func (fs *FileSystem) Access(path string, mask uint32) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("access", path, err)
	}
	if err := unix.Access(class.ShadowPath, mask); err != nil {
		return fs.errno("access", path, errors.ShadowIO("access", class.ShadowPath, err))
	}
	return 0
}

// Readlink returns the target of a symlink.
func (fs *FileSystem) Readlink(path string) (int, string) {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("readlink", path, err), ""
	}
	target, err := os.Readlink(class.ShadowPath)
	if err != nil {
		return fs.errno("readlink", path, errors.ShadowIO("readlink", class.ShadowPath, err)), ""
	}
	return 0, target
}

// Readdir lists a shadow directory. fill is called with "." and "..", then
// once per entry, and returns false to stop early.
func (fs *FileSystem) Readdir(path string, fill func(name string, st *syscall.Stat_t) bool) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("readdir", path, err)
	}

	f, err := os.Open(class.ShadowPath)
	if err != nil {
		return fs.errno("readdir", path, errors.ShadowIO("opendir", class.ShadowPath, err))
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return fs.errno("readdir", path, errors.ShadowIO("readdir", class.ShadowPath, err))
	}

	if !fill(".", nil) || !fill("..", nil) {
		return 0
	}
	for _, name := range names {
		var st syscall.Stat_t
		if err := syscall.Lstat(filepath.Join(class.ShadowPath, name), &st); err != nil {
			// Removed since the listing; skip it.
			continue
		}
		if !fill(name, &st) {
			break
		}
	}
	return 0
}

// Mknod creates a regular file, a FIFO or a device node.
func (fs *FileSystem) Mknod(path string, mode uint32, dev uint64) int {
	class, err := fs.classify(path, true)
	if err != nil {
		return fs.errno("mknod", path, err)
	}

	switch mode & syscall.S_IFMT {
	case syscall.S_IFREG, 0:
		var f *os.File
		f, err = os.OpenFile(class.ShadowPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(mode&0o7777))
		if err == nil {
			err = f.Close()
		}
	case syscall.S_IFIFO:
		err = unix.Mkfifo(class.ShadowPath, mode)
	default:
		err = unix.Mknod(class.ShadowPath, mode, int(dev))
	}
	if err != nil {
		return fs.errno("mknod", path, errors.ShadowIO("mknod", class.ShadowPath, err))
	}
	return 0
}

// Mkdir creates a directory.
func (fs *FileSystem) Mkdir(path string, mode uint32) int {
	class, err := fs.classify(path, true)
	if err != nil {
		return fs.errno("mkdir", path, err)
	}
	if err := syscall.Mkdir(class.ShadowPath, mode); err != nil {
		return fs.errno("mkdir", path, errors.ShadowIO("mkdir", class.ShadowPath, err))
	}
	return 0
}

// Unlink removes a file.
func (fs *FileSystem) Unlink(path string) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("unlink", path, err)
	}
	if err := syscall.Unlink(class.ShadowPath); err != nil {
		return fs.errno("unlink", path, errors.ShadowIO("unlink", class.ShadowPath, err))
	}
	return 0
}

// Rmdir removes an empty directory.
func (fs *FileSystem) Rmdir(path string) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("rmdir", path, err)
	}
	if err := syscall.Rmdir(class.ShadowPath); err != nil {
		return fs.errno("rmdir", path, errors.ShadowIO("rmdir", class.ShadowPath, err))
	}
	return 0
}

// Symlink creates newpath pointing at target. The target is stored verbatim.
func (fs *FileSystem) Symlink(target, newpath string) int {
	class, err := fs.classify(newpath, true)
	if err != nil {
		return fs.errno("symlink", newpath, err)
	}
	if err := syscall.Symlink(target, class.ShadowPath); err != nil {
		return fs.errno("symlink", newpath, errors.ShadowIO("symlink", class.ShadowPath, err))
	}
	return 0
}

// Rename moves oldpath to newpath inside the shadow tree.
func (fs *FileSystem) Rename(oldpath, newpath string) int {
	from, err := fs.classify(oldpath, false)
	if err != nil {
		return fs.errno("rename", oldpath, err)
	}
	to, err := fs.classify(newpath, true)
	if err != nil {
		return fs.errno("rename", newpath, err)
	}
	if err := syscall.Rename(from.ShadowPath, to.ShadowPath); err != nil {
		return fs.errno("rename", oldpath, errors.ShadowIO("rename", from.ShadowPath, err))
	}
	return 0
}

// Link creates a hard link.
func (fs *FileSystem) Link(oldpath, newpath string) int {
	from, err := fs.classify(oldpath, false)
	if err != nil {
		return fs.errno("link", oldpath, err)
	}
	to, err := fs.classify(newpath, true)
	if err != nil {
		return fs.errno("link", newpath, err)
	}
	if err := syscall.Link(from.ShadowPath, to.ShadowPath); err != nil {
		return fs.errno("link", newpath, errors.ShadowIO("link", to.ShadowPath, err))
	}
	return 0
}

// Chmod changes permission bits.
func (fs *FileSystem) Chmod(path string, mode uint32) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("chmod", path, err)
	}
	if err := syscall.Chmod(class.ShadowPath, mode&0o7777); err != nil {
		return fs.errno("chmod", path, errors.ShadowIO("chmod", class.ShadowPath, err))
	}
	return 0
}

// Chown changes ownership. A value of -1 leaves that id unchanged.
func (fs *FileSystem) Chown(path string, uid, gid int) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("chown", path, err)
	}
	if err := os.Lchown(class.ShadowPath, uid, gid); err != nil {
		return fs.errno("chown", path, errors.ShadowIO("chown", class.ShadowPath, err))
	}
	return 0
}

// Truncate sets the size of a passthrough file. Generated content belongs to
// the materializer and cannot be truncated from outside.
func (fs *FileSystem) Truncate(path string, size int64) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("truncate", path, err)
	}
	if class.Generated() {
		return fs.errno("truncate", path, readOnly(class, "truncate"))
	}
	if err := syscall.Truncate(class.ShadowPath, size); err != nil {
		return fs.errno("truncate", path, errors.ShadowIO("truncate", class.ShadowPath, err))
	}
	return 0
}

// Utimens sets access and modification times. A nil slice sets both to now.
func (fs *FileSystem) Utimens(path string, tmsp []unix.Timespec) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("utimens", path, err)
	}
	if tmsp == nil {
		now := unix.NsecToTimespec(time.Now().UnixNano())
		tmsp = []unix.Timespec{now, now}
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, class.ShadowPath, tmsp, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fs.errno("utimens", path, errors.ShadowIO("utimens", class.ShadowPath, err))
	}
	return 0
}

// Create creates and opens a passthrough file.
func (fs *FileSystem) Create(path string, flags int, mode uint32) (int, uint64) {
	start := time.Now()
	class, err := fs.classify(path, true)
	if err != nil {
		return fs.errno("create", path, err), NoHandle
	}
	h, err := fs.mat.Open(fs.ctx, class, flags|os.O_CREATE, os.FileMode(mode&0o7777))
	if err != nil {
		fs.abandon(h)
		return fs.errno("create", path, err), NoHandle
	}
	atomic.AddInt64(&fs.stats.Opens, 1)
	fs.recordOperation("create", start, 0, 0)
	return 0, h.FD
}

// Open opens the shadow file with the caller's flags. Generated files are
// populated from the remote server before Open returns. If that fails the
// handle is released here and the caller sees EIO. Generated files opened
// for writing or truncation fail with EPERM before any remote call.
func (fs *FileSystem) Open(path string, flags int) (int, uint64) {
	start := time.Now()
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("open", path, err), NoHandle
	}
	if class.Generated() && writeIntent(flags) {
		rc := fs.errno("open", path, readOnly(class, "open"))
		fs.recordOperation("open", start, 0, rc)
		return rc, NoHandle
	}

	h, err := fs.mat.Open(fs.ctx, class, flags, 0)
	if err != nil {
		fs.abandon(h)
		rc := fs.errno("open", path, err)
		fs.recordOperation("open", start, 0, rc)
		return rc, NoHandle
	}

	atomic.AddInt64(&fs.stats.Opens, 1)
	if h.Populated() {
		atomic.AddInt64(&fs.stats.Populations, 1)
	}
	fs.recordOperation("open", start, h.Size(), 0)
	return 0, h.FD
}

func writeIntent(flags int) bool {
	return flags&syscall.O_ACCMODE != syscall.O_RDONLY || flags&syscall.O_TRUNC != 0
}

// abandon releases a handle whose open failed after registration.
func (fs *FileSystem) abandon(h *materialize.Handle) {
	if h == nil {
		return
	}
	if err := fs.mat.Release(h.FD); err != nil {
		fs.errno("release", h.Class.VirtualPath, err)
	}
}

// Generated reports whether path is served from a remote server. Transports
// use it to disable attribute caching and page caching for such files.
func (fs *FileSystem) Generated(path string) bool {
	class, err := fs.router.Classify(path)
	return err == nil && class.Generated()
}

// IsGenerated reports whether an open handle serves generated content.
func (fs *FileSystem) IsGenerated(fh uint64) bool {
	h, err := fs.mat.Get(fh)
	return err == nil && h.Class.Generated()
}

// Read is a positioned read on the handle.
func (fs *FileSystem) Read(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := fs.mat.Read(fh, buff, ofst)
	if err != nil {
		return fs.errno("read", path, err)
	}
	atomic.AddInt64(&fs.stats.Reads, 1)
	atomic.AddInt64(&fs.stats.BytesRead, int64(n))
	return n
}

// Write is a positioned write on the handle. Generated files answer EPERM.
func (fs *FileSystem) Write(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := fs.mat.Write(fh, buff, ofst)
	if err != nil {
		return fs.errno("write", path, err)
	}
	atomic.AddInt64(&fs.stats.Writes, 1)
	atomic.AddInt64(&fs.stats.BytesWritten, int64(n))
	return n
}

// Statfs reports the statistics of the filesystem holding the shadow tree.
func (fs *FileSystem) Statfs(path string, st *syscall.Statfs_t) int {
	class, err := fs.classify(path, false)
	if err != nil {
		class.ShadowPath = fs.router.ShadowRoot()
	}
	if err := syscall.Statfs(class.ShadowPath, st); err != nil {
		return fs.errno("statfs", path, errors.ShadowIO("statfs", class.ShadowPath, err))
	}
	return 0
}

// Release closes the handle, truncating generated files.
func (fs *FileSystem) Release(path string, fh uint64) int {
	start := time.Now()
	rc := fs.errno("release", path, fs.mat.Release(fh))
	fs.recordOperation("release", start, 0, rc)
	return rc
}

// Fsync is accepted and ignored.
func (fs *FileSystem) Fsync(path string, datasync bool, fh uint64) int {
	return 0
}

// Setxattr sets an extended attribute. The generated-file marker cannot be
// changed through the mount.
func (fs *FileSystem) Setxattr(path, name string, value []byte, flags int) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("setxattr", path, err)
	}
	if name == materialize.MarkerXattr {
		return fs.errno("setxattr", path, readOnly(class, "setxattr"))
	}
	if err := unix.Lsetxattr(class.ShadowPath, name, value, flags); err != nil {
		return fs.errno("setxattr", path, errors.ShadowIO("setxattr", class.ShadowPath, err))
	}
	return 0
}

// Getxattr returns the value of an extended attribute.
func (fs *FileSystem) Getxattr(path, name string) (int, []byte) {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("getxattr", path, err), nil
	}
	for size := 256; ; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Lgetxattr(class.ShadowPath, name, buf)
		if err == unix.ERANGE {
			continue
		}
		if err != nil {
			return fs.errno("getxattr", path, errors.ShadowIO("getxattr", class.ShadowPath, err)), nil
		}
		return 0, buf[:n]
	}
}

// Listxattr calls fill once per attribute name.
func (fs *FileSystem) Listxattr(path string, fill func(name string) bool) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("listxattr", path, err)
	}

	var buf []byte
	for size := 256; ; size *= 2 {
		buf = make([]byte, size)
		n, err := unix.Llistxattr(class.ShadowPath, buf)
		if err == unix.ERANGE {
			continue
		}
		if err != nil {
			return fs.errno("listxattr", path, errors.ShadowIO("listxattr", class.ShadowPath, err))
		}
		buf = buf[:n]
		break
	}

	for _, name := range bytes.Split(buf, []byte{0}) {
		if len(name) == 0 {
			continue
		}
		if !fill(string(name)) {
			break
		}
	}
	return 0
}

// Removexattr removes an extended attribute. The marker cannot be removed.
func (fs *FileSystem) Removexattr(path, name string) int {
	class, err := fs.classify(path, false)
	if err != nil {
		return fs.errno("removexattr", path, err)
	}
	if name == materialize.MarkerXattr {
		return fs.errno("removexattr", path, readOnly(class, "removexattr"))
	}
	if err := unix.Lremovexattr(class.ShadowPath, name); err != nil {
		return fs.errno("removexattr", path, errors.ShadowIO("removexattr", class.ShadowPath, err))
	}
	return 0
}
