package parity

import (
	"context"
	"errors"
	"path"
	"strings"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/fusefs"
)

// Frontend is how one side reaches its session. Every script step is one or
// more calls on it; paths are absolute.
type Frontend interface {
	Create(ctx context.Context, path string, mode uint16) error
	WriteAt(ctx context.Context, path string, p []byte, off int64) (int, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Mkdir(ctx context.Context, path string, mode uint16) error
	ReadDir(ctx context.Context, path string) ([]common.DirEntry, error)
	Stat(ctx context.Context, path string) (common.Attr, error)
	Unlink(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Link(ctx context.Context, oldpath, newpath string) error
	Truncate(ctx context.Context, path string, size uint64) error
	Chmod(ctx context.Context, path string, mode uint16) error
}

// NewFrontend attaches a frontend to a freshly mounted session.
type NewFrontend func(fsys *fs.FileSystem) Frontend

// processFrontend calls the operation layer by path, the way the kernel
// module's VFS glue does.
type processFrontend struct {
	proc *fs.Process
}

// ProcessFrontend drives fsys through a fs.Process.
func ProcessFrontend(fsys *fs.FileSystem) Frontend {
	return &processFrontend{proc: fsys.NewProcess()}
}

func (f *processFrontend) Create(ctx context.Context, p string, mode uint16) error {
	h, err := f.proc.Open(ctx, p, common.O_CREAT|common.O_EXCL|common.O_WRONLY, mode)
	if err != nil {
		return err
	}
	return h.Close(ctx)
}

func (f *processFrontend) WriteAt(ctx context.Context, p string, data []byte, off int64) (int, error) {
	h, err := f.proc.Open(ctx, p, common.O_WRONLY, 0)
	if err != nil {
		return 0, err
	}
	n, err := h.WriteAt(ctx, data, off)
	if cerr := h.Close(ctx); err == nil {
		err = cerr
	}
	return n, err
}

func (f *processFrontend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	return f.proc.ReadFile(ctx, p)
}

func (f *processFrontend) Mkdir(ctx context.Context, p string, mode uint16) error {
	return f.proc.Mkdir(ctx, p, mode)
}

func (f *processFrontend) ReadDir(ctx context.Context, p string) ([]common.DirEntry, error) {
	return f.proc.ReadDir(ctx, p)
}

func (f *processFrontend) Stat(ctx context.Context, p string) (common.Attr, error) {
	return f.proc.Stat(ctx, p)
}

func (f *processFrontend) Unlink(ctx context.Context, p string) error {
	return f.proc.Unlink(ctx, p)
}

func (f *processFrontend) Rmdir(ctx context.Context, p string) error {
	return f.proc.Rmdir(ctx, p)
}

func (f *processFrontend) Link(ctx context.Context, oldpath, newpath string) error {
	return f.proc.Link(ctx, oldpath, newpath)
}

func (f *processFrontend) Truncate(ctx context.Context, p string, size uint64) error {
	h, err := f.proc.Open(ctx, p, common.O_WRONLY, 0)
	if err != nil {
		return err
	}
	err = h.Truncate(ctx, size)
	if cerr := h.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

func (f *processFrontend) Chmod(ctx context.Context, p string, mode uint16) error {
	return f.proc.Chmod(ctx, p, mode)
}

// fuseFrontend issues the requests the kernel's FUSE client would send for
// each path call, straight to the node tree fusefs serves. Path walking and
// the umask happen here, as they do in the kernel.
type fuseFrontend struct {
	root  *fusefs.Node
	umask uint32
}

// FUSEFrontend drives fsys through the fusefs node tree.
func FUSEFrontend(fsys *fs.FileSystem) Frontend {
	root := fusefs.NewRoot(fsys).(*fusefs.Node)
	gofs.NewNodeFS(root, &gofs.Options{})
	return &fuseFrontend{root: root, umask: 022}
}

func errOf(errno syscall.Errno) error {
	if errno == 0 {
		return nil
	}
	return errno
}

func release(ctx context.Context, fh gofs.FileHandle) error {
	if r, ok := fh.(gofs.FileReleaser); ok {
		return errOf(r.Release(ctx))
	}
	return nil
}

// walk looks up every component of p from the root.
func (f *fuseFrontend) walk(ctx context.Context, p string) (*fusefs.Node, error) {
	node := f.root
	p = strings.Trim(path.Clean(p), "/")
	if p == "" {
		return node, nil
	}
	for _, name := range strings.Split(p, "/") {
		var out fuse.EntryOut
		child, errno := node.Lookup(ctx, name, &out)
		if errno != 0 {
			return nil, errno
		}
		node = child.Operations().(*fusefs.Node)
	}
	return node, nil
}

// parent returns the directory holding the last component of p. The root
// has no name, so it already exists.
func (f *fuseFrontend) parent(ctx context.Context, p string) (*fusefs.Node, string, error) {
	dir, name := path.Split(path.Clean(p))
	if name == "" {
		return nil, "", syscall.EEXIST
	}
	node, err := f.walk(ctx, dir)
	return node, name, err
}

func (f *fuseFrontend) Create(ctx context.Context, p string, mode uint16) error {
	dir, name, err := f.parent(ctx, p)
	if err != nil {
		return err
	}
	var out fuse.EntryOut
	_, fh, _, errno := dir.Create(ctx, name, syscall.O_CREAT|syscall.O_EXCL|syscall.O_WRONLY, uint32(mode)&^f.umask, &out)
	if errno != 0 {
		return errno
	}
	return release(ctx, fh)
}

func (f *fuseFrontend) open(ctx context.Context, p string, flags uint32) (gofs.FileHandle, error) {
	node, err := f.walk(ctx, p)
	if err != nil {
		return nil, err
	}
	fh, _, errno := node.Open(ctx, flags)
	return fh, errOf(errno)
}

func (f *fuseFrontend) WriteAt(ctx context.Context, p string, data []byte, off int64) (int, error) {
	fh, err := f.open(ctx, p, syscall.O_WRONLY)
	if err != nil {
		return 0, err
	}
	n, errno := fh.(gofs.FileWriter).Write(ctx, data, off)
	if rerr := release(ctx, fh); errno == 0 {
		return int(n), rerr
	}
	return int(n), errno
}

func (f *fuseFrontend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	fh, err := f.open(ctx, p, syscall.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer release(ctx, fh)

	var data []byte
	buf := make([]byte, 64<<10)
	for {
		res, errno := fh.(gofs.FileReader).Read(ctx, buf, int64(len(data)))
		if errno != 0 {
			return nil, errno
		}
		chunk, status := res.Bytes(buf)
		if !status.Ok() {
			return nil, syscall.Errno(status)
		}
		data = append(data, chunk...)
		if len(chunk) < len(buf) {
			return data, nil
		}
	}
}

func (f *fuseFrontend) Mkdir(ctx context.Context, p string, mode uint16) error {
	dir, name, err := f.parent(ctx, p)
	if err != nil {
		return err
	}
	var out fuse.EntryOut
	_, errno := dir.Mkdir(ctx, name, uint32(mode)&^f.umask, &out)
	return errOf(errno)
}

func (f *fuseFrontend) ReadDir(ctx context.Context, p string) ([]common.DirEntry, error) {
	node, err := f.walk(ctx, p)
	if err != nil {
		return nil, err
	}
	stream, errno := node.Readdir(ctx)
	if errno != 0 {
		return nil, errno
	}
	defer stream.Close()
	var list []common.DirEntry
	for stream.HasNext() {
		e, errno := stream.Next()
		if errno != 0 {
			return nil, errno
		}
		list = append(list, common.DirEntry{
			Name:  e.Name,
			Ino:   common.Ino(e.Ino),
			IsDir: e.Mode&syscall.S_IFMT == syscall.S_IFDIR,
		})
	}
	return list, nil
}

func (f *fuseFrontend) Stat(ctx context.Context, p string) (common.Attr, error) {
	node, err := f.walk(ctx, p)
	if err != nil {
		return common.Attr{}, err
	}
	var out fuse.AttrOut
	if errno := node.Getattr(ctx, nil, &out); errno != 0 {
		return common.Attr{}, errno
	}
	return fromFUSE(&out.Attr), nil
}

func fromFUSE(a *fuse.Attr) common.Attr {
	blocks := a.Blocks
	if a.Blksize != 0 {
		blocks = a.Blocks * 512 / uint64(a.Blksize)
	}
	return common.Attr{
		Ino:    common.Ino(a.Ino),
		Mode:   uint16(a.Mode),
		Nlinks: uint16(a.Nlink),
		Uid:    a.Uid,
		Gid:    a.Gid,
		Size:   a.Size,
		Blocks: blocks,
		Atime:  time.Unix(int64(a.Atime), int64(a.Atimensec)),
		Mtime:  time.Unix(int64(a.Mtime), int64(a.Mtimensec)),
		Ctime:  time.Unix(int64(a.Ctime), int64(a.Ctimensec)),
	}
}

func (f *fuseFrontend) Unlink(ctx context.Context, p string) error {
	dir, name, err := f.parent(ctx, p)
	if err != nil {
		return err
	}
	return errOf(dir.Unlink(ctx, name))
}

func (f *fuseFrontend) Rmdir(ctx context.Context, p string) error {
	dir, name, err := f.parent(ctx, p)
	if errors.Is(err, syscall.EEXIST) {
		return syscall.EBUSY
	}
	if err != nil {
		return err
	}
	return errOf(dir.Rmdir(ctx, name))
}

func (f *fuseFrontend) Link(ctx context.Context, oldpath, newpath string) error {
	target, err := f.walk(ctx, oldpath)
	if err != nil {
		return err
	}
	dir, name, err := f.parent(ctx, newpath)
	if err != nil {
		return err
	}
	var out fuse.EntryOut
	_, errno := dir.Link(ctx, target, name, &out)
	return errOf(errno)
}

func (f *fuseFrontend) setattr(ctx context.Context, p string, in *fuse.SetAttrIn) error {
	node, err := f.walk(ctx, p)
	if err != nil {
		return err
	}
	var out fuse.AttrOut
	return errOf(node.Setattr(ctx, nil, in, &out))
}

func (f *fuseFrontend) Truncate(ctx context.Context, p string, size uint64) error {
	in := &fuse.SetAttrIn{}
	in.Valid = fuse.FATTR_SIZE
	in.Size = size
	return f.setattr(ctx, p, in)
}

func (f *fuseFrontend) Chmod(ctx context.Context, p string, mode uint16) error {
	in := &fuse.SetAttrIn{}
	in.Valid = fuse.FATTR_MODE
	in.Mode = uint32(mode)
	return f.setattr(ctx, p, in)
}

// errnoOf renders an error the way a caller of either frontend sees it.
func errnoOf(err error) string {
	return fusefs.Errno(err).Error()
}
