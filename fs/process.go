package fs

import (
	"context"
	"errors"
	"io"

	"github.com/lspecian/vexfs-sub011/common"
)

// Process is a path-based client of a FileSystem with its own working
// directory and file creation mask. It holds no inode references, so it
// never keeps a session busy.
type Process struct {
	fs      *FileSystem
	umask   uint16     // file creation mask
	workdir common.Ino // working directory of the process
}

// NewProcess returns a client working in the root directory with umask 022.
func (fs *FileSystem) NewProcess() *Process {
	return &Process{fs: fs, umask: 022, workdir: common.ROOT_INODE}
}

// FileSystem returns the session the process works against.
func (proc *Process) FileSystem() *FileSystem { return proc.fs }

// Umask sets the file creation mask and returns the old one.
func (proc *Process) Umask(mask uint16) uint16 {
	old := proc.umask
	proc.umask = mask & common.RWX_MODES
	return old
}

func (proc *Process) resolve(ctx context.Context, path string) (common.Ino, error) {
	o := op{name: "namei"}
	ctx, err := proc.fs.begin(ctx, o)
	if err != nil {
		return common.NO_INODE, err
	}
	defer proc.fs.end(o, &err)
	ino, err := proc.fs.eatPath(ctx, proc.workdir, path)
	return ino, err
}

func (proc *Process) parent(ctx context.Context, path string) (common.Ino, string, error) {
	o := op{name: "namei"}
	ctx, err := proc.fs.begin(ctx, o)
	if err != nil {
		return common.NO_INODE, "", err
	}
	defer proc.fs.end(o, &err)
	dir, last, err := proc.fs.lastDir(ctx, proc.workdir, path)
	if err == nil && last == "" {
		err = common.ErrExists
	}
	return dir, last, err
}

// Open opens path. With O_CREAT the file is created if missing; O_EXCL makes
// an existing file an error.
func (proc *Process) Open(ctx context.Context, path string, flags int, mode uint16) (*Handle, error) {
	if flags&common.O_CREAT == 0 {
		ino, err := proc.resolve(ctx, path)
		if err != nil {
			return nil, err
		}
		return proc.fs.Open(ctx, ino, flags)
	}

	dir, name, err := proc.parent(ctx, path)
	if err != nil {
		return nil, err
	}
	attr, err := proc.fs.Create(ctx, dir, name, mode&^proc.umask)
	switch {
	case err == nil:
		return proc.fs.Open(ctx, attr.Ino, flags&^common.O_TRUNC)
	case errors.Is(err, common.ErrExists) && flags&common.O_EXCL == 0:
		attr, err = proc.fs.Lookup(ctx, dir, name)
		if err != nil {
			return nil, err
		}
		return proc.fs.Open(ctx, attr.Ino, flags)
	}
	return nil, err
}

// Creat creates path, or truncates it if it exists, and opens it for writing.
func (proc *Process) Creat(ctx context.Context, path string, mode uint16) (*Handle, error) {
	return proc.Open(ctx, path, common.O_CREAT|common.O_WRONLY|common.O_TRUNC, mode)
}

// Stat returns the attributes of path.
func (proc *Process) Stat(ctx context.Context, path string) (common.Attr, error) {
	ino, err := proc.resolve(ctx, path)
	if err != nil {
		return common.Attr{}, err
	}
	return proc.fs.Getattr(ctx, ino)
}

// Chmod sets the permission bits of path.
func (proc *Process) Chmod(ctx context.Context, path string, mode uint16) error {
	ino, err := proc.resolve(ctx, path)
	if err != nil {
		return err
	}
	_, err = proc.fs.Setattr(ctx, ino, common.SetAttr{Mode: &mode})
	return err
}

// Link makes newpath another name for oldpath.
func (proc *Process) Link(ctx context.Context, oldpath, newpath string) error {
	ino, err := proc.resolve(ctx, oldpath)
	if err != nil {
		return err
	}
	dir, name, err := proc.parent(ctx, newpath)
	if err != nil {
		return err
	}
	_, err = proc.fs.Link(ctx, ino, dir, name)
	return err
}

// Unlink removes the file at path.
func (proc *Process) Unlink(ctx context.Context, path string) error {
	dir, name, err := proc.parent(ctx, path)
	if err != nil {
		return err
	}
	return proc.fs.Unlink(ctx, dir, name)
}

// Mkdir creates the directory path.
func (proc *Process) Mkdir(ctx context.Context, path string, mode uint16) error {
	dir, name, err := proc.parent(ctx, path)
	if err != nil {
		return err
	}
	_, err = proc.fs.Mkdir(ctx, dir, name, mode&^proc.umask)
	return err
}

// Rmdir removes the empty directory path.
func (proc *Process) Rmdir(ctx context.Context, path string) error {
	dir, name, err := proc.parent(ctx, path)
	if errors.Is(err, common.ErrExists) {
		return common.ErrBusy // can't remove the root
	}
	if err != nil {
		return err
	}
	return proc.fs.Rmdir(ctx, dir, name)
}

// Chdir changes the working directory.
func (proc *Process) Chdir(ctx context.Context, path string) error {
	attr, err := proc.Stat(ctx, path)
	if err != nil {
		return err
	}
	if !attr.IsDir() {
		return common.ErrNotDir
	}
	proc.workdir = attr.Ino
	return nil
}

// ReadDir lists the directory at path.
func (proc *Process) ReadDir(ctx context.Context, path string) ([]common.DirEntry, error) {
	ino, err := proc.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	return proc.fs.ReadDir(ctx, ino, 0, 0)
}

// ReadFile returns the whole content of path.
func (proc *Process) ReadFile(ctx context.Context, path string) ([]byte, error) {
	h, err := proc.Open(ctx, path, common.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer h.Close(ctx)
	attr, err := h.Stat(ctx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, attr.Size)
	n, err := h.ReadAt(ctx, buf, 0)
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	return buf[:n], err
}

// WriteFile creates or truncates path and writes data to it.
func (proc *Process) WriteFile(ctx context.Context, path string, data []byte, mode uint16) error {
	h, err := proc.Creat(ctx, path, mode)
	if err != nil {
		return err
	}
	_, err = h.WriteAt(ctx, data, 0)
	if cerr := h.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
