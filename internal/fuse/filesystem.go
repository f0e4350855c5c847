package fuse

import (
	"context"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/dbfs/dbfs/internal/vfs"
)

// Node adapts the path-based dispatcher to the go-fuse node API. Every
// operation recomputes the node's virtual path and calls the dispatcher.
type Node struct {
	fs.Inode

	vfs *vfs.FileSystem
}

var (
	_ fs.NodeLookuper      = (*Node)(nil)
	_ fs.NodeGetattrer     = (*Node)(nil)
	_ fs.NodeSetattrer     = (*Node)(nil)
	_ fs.NodeAccesser      = (*Node)(nil)
	_ fs.NodeReaddirer     = (*Node)(nil)
	_ fs.NodeOpener        = (*Node)(nil)
	_ fs.NodeCreater       = (*Node)(nil)
	_ fs.NodeMkdirer       = (*Node)(nil)
	_ fs.NodeMknoder       = (*Node)(nil)
	_ fs.NodeUnlinker      = (*Node)(nil)
	_ fs.NodeRmdirer       = (*Node)(nil)
	_ fs.NodeRenamer       = (*Node)(nil)
	_ fs.NodeSymlinker     = (*Node)(nil)
	_ fs.NodeLinker        = (*Node)(nil)
	_ fs.NodeReadlinker    = (*Node)(nil)
	_ fs.NodeStatfser      = (*Node)(nil)
	_ fs.NodeGetxattrer    = (*Node)(nil)
	_ fs.NodeSetxattrer    = (*Node)(nil)
	_ fs.NodeListxattrer   = (*Node)(nil)
	_ fs.NodeRemovexattrer = (*Node)(nil)
)

// NewRoot returns the root node for a dispatcher.
func NewRoot(v *vfs.FileSystem) *Node {
	return &Node{vfs: v}
}

func (n *Node) path() string {
	return "/" + n.Path(nil)
}

func (n *Node) child(name string) string {
	return path.Join(n.path(), name)
}

// toErrno turns a dispatcher return code into an errno.
func toErrno(rc int) syscall.Errno {
	if rc < 0 {
		return syscall.Errno(-rc)
	}
	return fs.OK
}

func (n *Node) newChild(ctx context.Context, st *syscall.Stat_t) *fs.Inode {
	node := &Node{vfs: n.vfs}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: uint32(st.Mode), Ino: st.Ino})
}

// entry fills out for a freshly created or looked-up child.
func (n *Node) entry(ctx context.Context, p string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	var st syscall.Stat_t
	if errno := toErrno(n.vfs.Getattr(p, &st)); errno != 0 {
		return nil, errno
	}
	out.Attr.FromStat(&st)
	if n.vfs.Generated(p) {
		// Generated content changes on every open.
		out.SetAttrTimeout(0)
	}
	return n.newChild(ctx, &st), fs.OK
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return n.entry(ctx, n.child(name), out)
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	p := n.path()
	var st syscall.Stat_t
	if errno := toErrno(n.vfs.Getattr(p, &st)); errno != 0 {
		return errno
	}
	out.FromStat(&st)
	if n.vfs.Generated(p) {
		out.SetTimeout(0)
	}
	return fs.OK
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.path()

	if mode, ok := in.GetMode(); ok {
		if errno := toErrno(n.vfs.Chmod(p, mode)); errno != 0 {
			return errno
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		u, g := -1, -1
		if uok {
			u = int(uid)
		}
		if gok {
			g = int(gid)
		}
		if errno := toErrno(n.vfs.Chown(p, u, g)); errno != 0 {
			return errno
		}
	}

	if size, ok := in.GetSize(); ok {
		if errno := toErrno(n.vfs.Truncate(p, int64(size))); errno != 0 {
			return errno
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		ts := []unix.Timespec{timespec(atime, aok), timespec(mtime, mok)}
		if errno := toErrno(n.vfs.Utimens(p, ts)); errno != 0 {
			return errno
		}
	}

	return n.Getattr(ctx, f, out)
}

func timespec(t time.Time, ok bool) unix.Timespec {
	if !ok {
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	}
	return unix.NsecToTimespec(t.UnixNano())
}

func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return toErrno(n.vfs.Access(n.path(), mask))
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	rc := n.vfs.Readdir(n.path(), func(name string, st *syscall.Stat_t) bool {
		if st == nil {
			return true
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: uint32(st.Mode), Ino: st.Ino})
		return true
	})
	if errno := toErrno(rc); errno != 0 {
		return nil, errno
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	p := n.path()
	rc, fh := n.vfs.Open(p, int(flags))
	if errno := toErrno(rc); errno != 0 {
		return nil, 0, errno
	}

	var fuseFlags uint32
	if n.vfs.IsGenerated(fh) {
		// The size seen at lookup is zero; make the kernel read anyway.
		fuseFlags |= fuse.FOPEN_DIRECT_IO
	}
	return &handle{vfs: n.vfs, path: p, fh: fh}, fuseFlags, fs.OK
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := n.child(name)
	rc, fh := n.vfs.Create(p, int(flags), mode)
	if errno := toErrno(rc); errno != 0 {
		return nil, nil, 0, errno
	}

	inode, errno := n.entry(ctx, p, out)
	if errno != 0 {
		n.vfs.Release(p, fh)
		return nil, nil, 0, errno
	}
	return inode, &handle{vfs: n.vfs, path: p, fh: fh}, 0, fs.OK
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	if errno := toErrno(n.vfs.Mkdir(p, mode)); errno != 0 {
		return nil, errno
	}
	return n.entry(ctx, p, out)
}

func (n *Node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	if errno := toErrno(n.vfs.Mknod(p, mode, uint64(dev))); errno != 0 {
		return nil, errno
	}
	return n.entry(ctx, p, out)
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.vfs.Unlink(n.child(name)))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.vfs.Rmdir(n.child(name)))
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.ENOTSUP
	}
	to := path.Join("/"+newParent.EmbeddedInode().Path(nil), newName)
	return toErrno(n.vfs.Rename(n.child(name), to))
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	if errno := toErrno(n.vfs.Symlink(target, p)); errno != 0 {
		return nil, errno
	}
	return n.entry(ctx, p, out)
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	from := "/" + target.EmbeddedInode().Path(nil)
	if errno := toErrno(n.vfs.Link(from, p)); errno != 0 {
		return nil, errno
	}
	return n.entry(ctx, p, out)
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	rc, target := n.vfs.Readlink(n.path())
	if errno := toErrno(rc); errno != 0 {
		return nil, errno
	}
	return []byte(target), fs.OK
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if errno := toErrno(n.vfs.Statfs(n.path(), &st)); errno != 0 {
		return errno
	}
	out.FromStatfsT(&st)
	return fs.OK
}

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	rc, value := n.vfs.Getxattr(n.path(), attr)
	if errno := toErrno(rc); errno != 0 {
		return 0, errno
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	return uint32(copy(dest, value)), fs.OK
}

func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return toErrno(n.vfs.Setxattr(n.path(), attr, data, int(flags)))
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	var list []byte
	rc := n.vfs.Listxattr(n.path(), func(name string) bool {
		list = append(list, name...)
		list = append(list, 0)
		return true
	})
	if errno := toErrno(rc); errno != 0 {
		return 0, errno
	}
	if len(dest) < len(list) {
		return uint32(len(list)), syscall.ERANGE
	}
	return uint32(copy(dest, list)), fs.OK
}

func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return toErrno(n.vfs.Removexattr(n.path(), attr))
}

// handle is an open file. The path is the one seen at open and is only used
// for logging.
type handle struct {
	vfs  *vfs.FileSystem
	path string
	fh   uint64
}

var (
	_ fs.FileReader   = (*handle)(nil)
	_ fs.FileWriter   = (*handle)(nil)
	_ fs.FileReleaser = (*handle)(nil)
	_ fs.FileFsyncer  = (*handle)(nil)
	_ fs.FileFlusher  = (*handle)(nil)
)

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n := h.vfs.Read(h.path, dest, off, h.fh)
	if errno := toErrno(n); errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n := h.vfs.Write(h.path, data, off, h.fh)
	if errno := toErrno(n); errno != 0 {
		return 0, errno
	}
	return uint32(n), fs.OK
}

func (h *handle) Flush(ctx context.Context) syscall.Errno {
	return fs.OK
}

func (h *handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return toErrno(h.vfs.Fsync(h.path, flags&1 != 0, h.fh))
}

func (h *handle) Release(ctx context.Context) syscall.Errno {
	return toErrno(h.vfs.Release(h.path, h.fh))
}
