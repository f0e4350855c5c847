//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dbfs/dbfs/internal/vfs"
	"github.com/dbfs/dbfs/pkg/logging"
)

// CgoFuseFS serves the dispatcher through cgofuse. cgofuse is path based
// like the dispatcher, so most methods only convert types.
type CgoFuseFS struct {
	fuse.FileSystemBase

	vfs        *vfs.FileSystem
	mountPoint string
	options    *MountOptions
	logger     *zap.Logger

	mu      sync.Mutex
	host    *fuse.FileSystemHost
	mounted bool
	done    chan struct{}
}

// NewCgoFuseFS creates a cgofuse filesystem over v.
func NewCgoFuseFS(v *vfs.FileSystem, config *MountConfig, logger *zap.Logger) *CgoFuseFS {
	options := config.Options
	if options == nil {
		options = DefaultMountOptions()
	}
	return &CgoFuseFS{
		vfs:        v,
		mountPoint: config.MountPoint,
		options:    options,
		logger:     logging.OrNop(logger).Named("mount"),
	}
}

// Mount mounts the filesystem. cgofuse serves requests on the goroutine
// that called Mount on the host, so that runs in the background.
func (fs *CgoFuseFS) Mount(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.mounted {
		return fmt.Errorf("filesystem already mounted")
	}

	fs.host = fuse.NewFileSystemHost(fs)
	fs.done = make(chan struct{})

	options := []string{
		"-o", "fsname=" + fs.options.FSName,
		"-o", "subtype=" + fs.options.Subtype,
	}
	if fs.options.AllowOther {
		options = append(options, "-o", "allow_other")
	}
	if fs.options.DefaultPerms {
		options = append(options, "-o", "default_permissions")
	}
	if fs.options.Debug {
		options = append(options, "-d")
	}

	host, done := fs.host, fs.done
	go func() {
		defer close(done)
		if !host.Mount(fs.mountPoint, options) {
			fs.logger.Error("mount failed", zap.String("mount_point", fs.mountPoint))
		}
		fs.mu.Lock()
		fs.mounted = false
		fs.mu.Unlock()
	}()

	fs.mounted = true
	fs.logger.Info("filesystem mounted", zap.String("mount_point", fs.mountPoint))
	return nil
}

// Unmount unmounts the filesystem
func (fs *CgoFuseFS) Unmount() error {
	fs.mu.Lock()
	host := fs.host
	mounted := fs.mounted
	fs.mu.Unlock()

	if !mounted || host == nil {
		return fmt.Errorf("filesystem not mounted")
	}
	if !host.Unmount() {
		return fmt.Errorf("unmount of %s failed", fs.mountPoint)
	}
	fs.logger.Info("filesystem unmounted", zap.String("mount_point", fs.mountPoint))
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (fs *CgoFuseFS) IsMounted() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mounted
}

// Wait blocks until the host stops serving.
func (fs *CgoFuseFS) Wait() {
	fs.mu.Lock()
	done := fs.done
	fs.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (fs *CgoFuseFS) GetStats() vfs.Stats {
	return fs.vfs.GetStats()
}

func fillStat(dst *fuse.Stat_t, src *syscall.Stat_t) {
	dst.Dev = uint64(src.Dev)
	dst.Ino = uint64(src.Ino)
	dst.Mode = uint32(src.Mode)
	dst.Nlink = uint32(src.Nlink)
	dst.Uid = src.Uid
	dst.Gid = src.Gid
	dst.Rdev = uint64(src.Rdev)
	dst.Size = src.Size
	dst.Blksize = int64(src.Blksize)
	dst.Blocks = src.Blocks
	dst.Atim = fuse.Timespec{Sec: int64(src.Atim.Sec), Nsec: int64(src.Atim.Nsec)}
	dst.Mtim = fuse.Timespec{Sec: int64(src.Mtim.Sec), Nsec: int64(src.Mtim.Nsec)}
	dst.Ctim = fuse.Timespec{Sec: int64(src.Ctim.Sec), Nsec: int64(src.Ctim.Nsec)}
}

func (fs *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	var st syscall.Stat_t
	if rc := fs.vfs.Getattr(path, &st); rc != 0 {
		return rc
	}
	fillStat(stat, &st)
	return 0
}

func (fs *CgoFuseFS) Access(path string, mask uint32) int {
	return fs.vfs.Access(path, mask)
}

func (fs *CgoFuseFS) Readlink(path string) (int, string) {
	return fs.vfs.Readlink(path)
}

func (fs *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	return fs.vfs.Readdir(path, func(name string, st *syscall.Stat_t) bool {
		if st == nil {
			return fill(name, nil, 0)
		}
		var stat fuse.Stat_t
		fillStat(&stat, st)
		return fill(name, &stat, 0)
	})
}

func (fs *CgoFuseFS) Mknod(path string, mode uint32, dev uint64) int {
	return fs.vfs.Mknod(path, mode, dev)
}

func (fs *CgoFuseFS) Mkdir(path string, mode uint32) int {
	return fs.vfs.Mkdir(path, mode)
}

func (fs *CgoFuseFS) Unlink(path string) int {
	return fs.vfs.Unlink(path)
}

func (fs *CgoFuseFS) Rmdir(path string) int {
	return fs.vfs.Rmdir(path)
}

func (fs *CgoFuseFS) Symlink(target string, newpath string) int {
	return fs.vfs.Symlink(target, newpath)
}

func (fs *CgoFuseFS) Rename(oldpath string, newpath string) int {
	return fs.vfs.Rename(oldpath, newpath)
}

func (fs *CgoFuseFS) Link(oldpath string, newpath string) int {
	return fs.vfs.Link(oldpath, newpath)
}

func (fs *CgoFuseFS) Chmod(path string, mode uint32) int {
	return fs.vfs.Chmod(path, mode)
}

// Chown receives -1 as the all-ones uint32.
func (fs *CgoFuseFS) Chown(path string, uid uint32, gid uint32) int {
	return fs.vfs.Chown(path, int(int32(uid)), int(int32(gid)))
}

func (fs *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	return fs.vfs.Truncate(path, size)
}

func (fs *CgoFuseFS) Utimens(path string, tmsp []fuse.Timespec) int {
	if tmsp == nil {
		return fs.vfs.Utimens(path, nil)
	}
	ts := make([]unix.Timespec, len(tmsp))
	for i, t := range tmsp {
		ts[i] = unix.Timespec{Sec: t.Sec, Nsec: t.Nsec}
	}
	return fs.vfs.Utimens(path, ts)
}

// CreateEx and OpenEx are used instead of Create and Open so generated
// files can bypass the page cache.
func (fs *CgoFuseFS) CreateEx(path string, mode uint32, fi *fuse.FileInfo_t) int {
	rc, fh := fs.vfs.Create(path, fi.Flags, mode)
	if rc != 0 {
		return rc
	}
	fi.Fh = fh
	return 0
}

func (fs *CgoFuseFS) OpenEx(path string, fi *fuse.FileInfo_t) int {
	rc, fh := fs.vfs.Open(path, fi.Flags)
	if rc != 0 {
		return rc
	}
	fi.Fh = fh
	fi.DirectIo = fs.vfs.IsGenerated(fh)
	return 0
}

func (fs *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	return fs.vfs.Create(path, flags, mode)
}

func (fs *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	return fs.vfs.Open(path, flags)
}

func (fs *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	return fs.vfs.Read(path, buff, ofst, fh)
}

func (fs *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	return fs.vfs.Write(path, buff, ofst, fh)
}

func (fs *CgoFuseFS) Flush(path string, fh uint64) int {
	return 0
}

func (fs *CgoFuseFS) Fsync(path string, datasync bool, fh uint64) int {
	return fs.vfs.Fsync(path, datasync, fh)
}

func (fs *CgoFuseFS) Release(path string, fh uint64) int {
	return fs.vfs.Release(path, fh)
}

func (fs *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	var st syscall.Statfs_t
	if rc := fs.vfs.Statfs(path, &st); rc != 0 {
		return rc
	}
	stat.Bsize = uint64(st.Bsize)
	stat.Frsize = uint64(st.Frsize)
	stat.Blocks = st.Blocks
	stat.Bfree = st.Bfree
	stat.Bavail = st.Bavail
	stat.Files = st.Files
	stat.Ffree = st.Ffree
	stat.Favail = st.Ffree
	stat.Namemax = uint64(st.Namelen)
	return 0
}

func (fs *CgoFuseFS) Setxattr(path string, name string, value []byte, flags int) int {
	return fs.vfs.Setxattr(path, name, value, flags)
}

func (fs *CgoFuseFS) Getxattr(path string, name string) (int, []byte) {
	return fs.vfs.Getxattr(path, name)
}

func (fs *CgoFuseFS) Removexattr(path string, name string) int {
	return fs.vfs.Removexattr(path, name)
}

func (fs *CgoFuseFS) Listxattr(path string, fill func(name string) bool) int {
	return fs.vfs.Listxattr(path, fill)
}
