package fusefs

import (
	"context"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/lspecian/vexfs-sub011/common"
	vexfs "github.com/lspecian/vexfs-sub011/fs"
)

// Node is one inode of the served filesystem.
type Node struct {
	gofs.Inode

	fsys *vexfs.FileSystem
	ino  common.Ino
}

var (
	_ gofs.NodeGetattrer = (*Node)(nil)
	_ gofs.NodeSetattrer = (*Node)(nil)
	_ gofs.NodeLookuper  = (*Node)(nil)
	_ gofs.NodeReaddirer = (*Node)(nil)
	_ gofs.NodeMkdirer   = (*Node)(nil)
	_ gofs.NodeCreater   = (*Node)(nil)
	_ gofs.NodeOpener    = (*Node)(nil)
	_ gofs.NodeUnlinker  = (*Node)(nil)
	_ gofs.NodeRmdirer   = (*Node)(nil)
	_ gofs.NodeLinker    = (*Node)(nil)
	_ gofs.NodeStatfser  = (*Node)(nil)
)

// NewRoot returns the root node of fsys.
func NewRoot(fsys *vexfs.FileSystem) gofs.InodeEmbedder {
	return &Node{fsys: fsys, ino: common.ROOT_INODE}
}

func (n *Node) blockSize() uint32 {
	return n.fsys.Super().BlockSize
}

func fillAttr(a common.Attr, bsize uint32, out *fuse.Attr) {
	out.Ino = uint64(a.Ino)
	out.Size = a.Size
	out.Blocks = a.Blocks * uint64(bsize) / 512
	out.Blksize = bsize
	out.Mode = uint32(a.Mode)
	out.Nlink = uint32(a.Nlinks)
	out.Owner = fuse.Owner{Uid: a.Uid, Gid: a.Gid}
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

func (n *Node) child(ctx context.Context, a common.Attr, out *fuse.EntryOut) *gofs.Inode {
	fillAttr(a, n.blockSize(), &out.Attr)
	out.NodeId = uint64(a.Ino)
	node := &Node{fsys: n.fsys, ino: a.Ino}
	return n.NewInode(ctx, node, gofs.StableAttr{Mode: uint32(a.Mode) & syscall.S_IFMT, Ino: uint64(a.Ino)})
}

func (n *Node) Getattr(ctx context.Context, f gofs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	a, err := n.fsys.Getattr(ctx, n.ino)
	if err != nil {
		return Errno(err)
	}
	fillAttr(a, n.blockSize(), &out.Attr)
	return 0
}

func (n *Node) Setattr(ctx context.Context, f gofs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var sa common.SetAttr
	if mode, ok := in.GetMode(); ok {
		m := uint16(mode & 07777)
		sa.Mode = &m
	}
	if uid, ok := in.GetUID(); ok {
		sa.Uid = &uid
	}
	if gid, ok := in.GetGID(); ok {
		sa.Gid = &gid
	}
	if size, ok := in.GetSize(); ok {
		sa.Size = &size
	}
	if t, ok := in.GetATime(); ok {
		sa.Atime = &t
	}
	if t, ok := in.GetMTime(); ok {
		sa.Mtime = &t
	}
	a, err := n.fsys.Setattr(ctx, n.ino, sa)
	if err != nil {
		return Errno(err)
	}
	fillAttr(a, n.blockSize(), &out.Attr)
	return 0
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	a, err := n.fsys.Lookup(ctx, n.ino, name)
	if err != nil {
		return nil, Errno(err)
	}
	return n.child(ctx, a, out), 0
}

// entries lists the directory in the form FUSE wants it.
func (n *Node) entries(ctx context.Context) ([]fuse.DirEntry, error) {
	list, err := n.fsys.ReadDir(ctx, n.ino, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]fuse.DirEntry, 0, len(list))
	for _, e := range list {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Ino: uint64(e.Ino), Mode: mode})
	}
	return out, nil
}

func (n *Node) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	list, err := n.entries(ctx)
	if err != nil {
		return nil, Errno(err)
	}
	return gofs.NewListDirStream(list), 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	a, err := n.fsys.Mkdir(ctx, n.ino, name, uint16(mode&07777))
	if err != nil {
		return nil, Errno(err)
	}
	return n.child(ctx, a, out), 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	a, err := n.fsys.Create(ctx, n.ino, name, uint16(mode&07777))
	if err != nil {
		return nil, nil, 0, Errno(err)
	}
	h, err := n.fsys.Open(ctx, a.Ino, int(flags)&common.O_ACCMODE)
	if err != nil {
		return nil, nil, 0, Errno(err)
	}
	return n.child(ctx, a, out), &handle{h: h}, 0, 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	h, err := n.fsys.Open(ctx, n.ino, int(flags)&(common.O_ACCMODE|common.O_TRUNC))
	if err != nil {
		return nil, 0, Errno(err)
	}
	return &handle{h: h}, 0, 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return Errno(n.fsys.Unlink(ctx, n.ino, name))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return Errno(n.fsys.Rmdir(ctx, n.ino, name))
}

func (n *Node) Link(ctx context.Context, target gofs.InodeEmbedder, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	t, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	a, err := n.fsys.Link(ctx, t.ino, n.ino, name)
	if err != nil {
		return nil, Errno(err)
	}
	return n.child(ctx, a, out), 0
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.Statfs(ctx)
	if err != nil {
		return Errno(err)
	}
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = uint64(st.Blocks)
	out.Bfree = uint64(st.FreeBlocks)
	out.Bavail = uint64(st.FreeBlocks)
	out.Files = uint64(st.Inodes)
	out.Ffree = uint64(st.FreeInodes)
	out.NameLen = st.NameMax
	return 0
}

// handle is an open file.
type handle struct {
	h *vexfs.Handle
}

var (
	_ gofs.FileReader   = (*handle)(nil)
	_ gofs.FileWriter   = (*handle)(nil)
	_ gofs.FileReleaser = (*handle)(nil)
	_ gofs.FileFsyncer  = (*handle)(nil)
)

func (fh *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.h.ReadAt(ctx, dest, off)
	if errno := Errno(err); errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (fh *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.h.WriteAt(ctx, data, off)
	return uint32(n), Errno(err)
}

func (fh *handle) Release(ctx context.Context) syscall.Errno {
	return Errno(fh.h.Close(ctx))
}

func (fh *handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return 0
}

type Options struct {
	Debug      bool
	AllowOther bool
	// AttrTimeout is how long the kernel may cache attributes and entries.
	AttrTimeout time.Duration
}

// Mount serves fsys at dir. The returned server runs until it is unmounted;
// call Wait on it to block until then.
func Mount(dir string, fsys *vexfs.FileSystem, opts Options) (*fuse.Server, error) {
	timeout := opts.AttrTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	return gofs.Mount(dir, NewRoot(fsys), &gofs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     common.DeviceName(fsys.Device()),
			Name:       "vexfs",
			Debug:      opts.Debug,
			AllowOther: opts.AllowOther,
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
	})
}
