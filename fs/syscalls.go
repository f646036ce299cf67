package fs

import (
	"context"
	"fmt"
	"math"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/file"
	"github.com/lspecian/vexfs-sub011/inode"
)

// errNotEmpty is returned by Rmdir; it matches both ErrInvalidOperation and
// ErrNotEmpty.
var errNotEmpty = fmt.Errorf("%w: %w", common.ErrInvalidOperation, common.ErrNotEmpty)

// Create makes a regular file called name in parent and returns its
// attributes. The inode record is in place before the entry naming it.
func (fs *FileSystem) Create(ctx context.Context, parent common.Ino, name string, mode uint16) (attr common.Attr, err error) {
	o := op{name: "create", mutate: true}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.end(o, &err)

	dirp, err := fs.getDir(ctx, parent)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.itable.PutInode(ctx, dirp)

	dirp.Lock()
	rip, err := fs.new_node(ctx, dirp, name, common.I_REGULAR|(mode&common.ALL_MODES))
	dirp.Unlock()
	if err != nil {
		return common.Attr{}, err
	}
	attr = rip.Attr()
	err = fs.itable.PutInode(ctx, rip)
	return attr, err
}

// Mkdir makes directory name in parent, with "." and ".." entries.
func (fs *FileSystem) Mkdir(ctx context.Context, parent common.Ino, name string, mode uint16) (attr common.Attr, err error) {
	o := op{name: "mkdir", mutate: true}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.end(o, &err)

	dirp, err := fs.getDir(ctx, parent)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.itable.PutInode(ctx, dirp)

	dirp.Lock()
	defer dirp.Unlock()
	rip, err := fs.new_node(ctx, dirp, name, common.I_DIRECTORY|(mode&common.ALL_MODES))
	if err != nil {
		return common.Attr{}, err
	}

	// Now make dir entries for . and .. unless the disk is completely full.
	rip.Lock()
	err = fs.itable.Link(ctx, rip, ".", rip.Inum)
	if err == nil {
		err = fs.itable.Link(ctx, rip, "..", dirp.Inum)
	}
	if err == nil {
		rip.Nlinks++  // this accounts for .
		dirp.Nlinks++ // this accounts for ..
		fs.itable.Touch(dirp)
	} else {
		// It did not work, so remove the new directory
		fs.itable.Unlink(ctx, dirp, name)
		rip.Nlinks = 0
	}
	rip.Dirty = true
	attr = rip.Attr()
	rip.Unlock()

	if perr := fs.itable.PutInode(ctx, rip); err == nil {
		err = perr
	}
	if err != nil {
		return common.Attr{}, err
	}
	return attr, nil
}

// Unlink removes name from parent. The inode goes away with its last link
// once no handle has it open.
func (fs *FileSystem) Unlink(ctx context.Context, parent common.Ino, name string) (err error) {
	o := op{name: "unlink", mutate: true}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return err
	}
	defer fs.end(o, &err)

	dirp, rip, err := fs.unlink_prep(ctx, parent, name)
	if err != nil {
		return err
	}
	rip.Lock()
	if rip.IsDirectory() {
		err = common.ErrIsDir
	} else if _, err = fs.itable.Unlink(ctx, dirp, name); err == nil {
		rip.Nlinks--
		fs.itable.Touch(rip)
	}
	rip.Unlock()

	if rerr := fs.release(ctx, dirp, rip); err == nil {
		err = rerr
	}
	return err
}

// Rmdir removes the empty directory name from parent.
func (fs *FileSystem) Rmdir(ctx context.Context, parent common.Ino, name string) (err error) {
	o := op{name: "rmdir", mutate: true}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return err
	}
	defer fs.end(o, &err)

	if name == "." || name == ".." {
		return common.ErrInvalidOperation
	}
	dirp, rip, err := fs.unlink_prep(ctx, parent, name)
	if err != nil {
		return err
	}

	rip.Lock()
	err = fs.rmdir(ctx, dirp, rip, name)
	rip.Unlock()

	if rerr := fs.release(ctx, dirp, rip); err == nil {
		err = rerr
	}
	return err
}

// rmdir is called with both directories locked.
func (fs *FileSystem) rmdir(ctx context.Context, dirp, rip *inode.Inode, name string) error {
	if !rip.IsDirectory() {
		return common.ErrNotDir
	}
	// Check to see if the directory is empty
	if empty, err := fs.itable.IsEmpty(ctx, rip); err != nil {
		return err
	} else if !empty {
		return errNotEmpty
	}

	// Actually try to unlink from the parent
	if _, err := fs.itable.Unlink(ctx, dirp, name); err != nil {
		return err
	}
	// We hold both directories, so unlink . and .. from the child.
	fs.itable.Unlink(ctx, rip, "..")
	fs.itable.Unlink(ctx, rip, ".")
	rip.Nlinks = 0
	rip.Dirty = true
	dirp.Nlinks--
	fs.itable.Touch(dirp)
	return nil
}

// Link makes name in parent another link to inum. Directories cannot be
// linked.
func (fs *FileSystem) Link(ctx context.Context, inum, parent common.Ino, name string) (attr common.Attr, err error) {
	o := op{name: "link", mutate: true}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.end(o, &err)

	if err := validateName(name); err != nil {
		return common.Attr{}, err
	}
	rip, err := fs.itable.GetInode(ctx, inum)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.itable.PutInode(ctx, rip)
	dirp, err := fs.getDir(ctx, parent)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.itable.PutInode(ctx, dirp)

	dirp.Lock()
	defer dirp.Unlock()
	rip.Lock()
	defer rip.Unlock()

	switch {
	case rip.Mode == common.I_NOT_ALLOC || rip.Nlinks == 0:
		return common.Attr{}, common.ErrNotFound
	case rip.IsDirectory():
		return common.Attr{}, common.ErrIsDir
	case rip.Nlinks >= math.MaxUint16:
		return common.Attr{}, common.ErrTooManyLinks
	case dirp.Nlinks == 0:
		return common.Attr{}, common.ErrNotFound
	}
	if _, err := fs.itable.Lookup(ctx, dirp, name); err == nil {
		return common.Attr{}, common.ErrExists
	}
	if err := fs.itable.Link(ctx, dirp, name, rip.Inum); err != nil {
		return common.Attr{}, err
	}
	rip.Nlinks++
	fs.itable.Touch(rip)
	return rip.Attr(), nil
}

// Open opens inode inum. Directories cannot be opened. flags carries the
// access mode and O_TRUNC.
func (fs *FileSystem) Open(ctx context.Context, inum common.Ino, flags int) (h *Handle, err error) {
	bits := mode_map[flags&common.O_ACCMODE]
	o := op{name: "open", mutate: bits&common.W_BIT != 0}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return nil, err
	}
	defer fs.end(o, &err)

	rip, err := fs.itable.GetInode(ctx, inum)
	if err != nil {
		return nil, err
	}
	rip.RLock()
	mode, nlinks := rip.Mode, rip.Nlinks
	rip.RUnlock()
	switch {
	case mode == common.I_NOT_ALLOC || nlinks == 0:
		err = common.ErrNotFound
	case rip.IsDirectory():
		// Directories cannot be opened in this system
		err = common.ErrIsDir
	}
	if err != nil {
		fs.itable.PutInode(ctx, rip)
		return nil, err
	}

	fs.m.Lock()
	f := fs.files[inum]
	if f != nil {
		f.Dup()
		fs.m.Unlock()
		fs.itable.PutInode(ctx, rip)
	} else {
		f = file.New(fs.itable, rip)
		fs.files[inum] = f
		fs.m.Unlock()
	}

	h = &Handle{fs: fs, f: f, mode: bits}
	if flags&common.O_TRUNC != 0 && bits&common.W_BIT != 0 {
		if err := f.Truncate(ctx, 0); err != nil {
			fs.m.Lock()
			last := fs.dropFile(f)
			fs.m.Unlock()
			if last {
				f.Release(ctx)
			}
			return nil, err
		}
	}
	fs.m.Lock()
	fs.handles[h] = struct{}{}
	fs.m.Unlock()
	return h, nil
}

// Getattr returns the attributes of inum.
func (fs *FileSystem) Getattr(ctx context.Context, inum common.Ino) (attr common.Attr, err error) {
	o := op{name: "getattr"}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.end(o, &err)
	return fs.getattr(ctx, inum)
}

func (fs *FileSystem) getattr(ctx context.Context, inum common.Ino) (common.Attr, error) {
	rip, err := fs.itable.GetInode(ctx, inum)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.itable.PutInode(ctx, rip)
	rip.RLock()
	defer rip.RUnlock()
	if rip.Mode == common.I_NOT_ALLOC {
		return common.Attr{}, common.ErrNotFound
	}
	return rip.Attr(), nil
}

// Setattr changes the attributes set in sa. Changing the size of a directory
// is refused.
func (fs *FileSystem) Setattr(ctx context.Context, inum common.Ino, sa common.SetAttr) (attr common.Attr, err error) {
	o := op{name: "setattr", mutate: true}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.end(o, &err)

	rip, err := fs.itable.GetInode(ctx, inum)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.itable.PutInode(ctx, rip)

	rip.Lock()
	defer rip.Unlock()
	if rip.Mode == common.I_NOT_ALLOC {
		return common.Attr{}, common.ErrNotFound
	}
	if sa.Size != nil {
		if rip.IsDirectory() {
			return common.Attr{}, common.ErrIsDir
		}
		if err := fs.itable.Truncate(ctx, rip, *sa.Size); err != nil {
			return common.Attr{}, err
		}
	}
	if sa.Mode != nil {
		rip.Mode = rip.Mode&common.I_TYPE | *sa.Mode&common.ALL_MODES
	}
	if sa.Uid != nil {
		rip.Uid = *sa.Uid
	}
	if sa.Gid != nil {
		rip.Gid = *sa.Gid
	}
	if sa.Atime != nil {
		rip.Atime = fs.v.Truncate(*sa.Atime).UnixNano()
	}
	if sa.Mtime != nil {
		rip.Mtime = fs.v.Truncate(*sa.Mtime).UnixNano()
	}
	// Truncate already stamped ctime for a size-only change.
	if sa.Size == nil || sa.Mode != nil || sa.Uid != nil || sa.Gid != nil || sa.Atime != nil || sa.Mtime != nil {
		fs.itable.Touch(rip)
	}
	return rip.Attr(), nil
}

// Statfs reports the size and free space of the filesystem.
func (fs *FileSystem) Statfs(ctx context.Context) (st common.StatFS, err error) {
	o := op{name: "statfs"}
	if _, err = fs.begin(ctx, o); err != nil {
		return common.StatFS{}, err
	}
	defer fs.end(o, &err)

	sb := fs.super.Super()
	freeBlocks, freeInodes := fs.alloc.Counts()
	return common.StatFS{
		BlockSize:  sb.BlockSize,
		Blocks:     fs.alloc.DataBlocks(),
		FreeBlocks: freeBlocks,
		Inodes:     sb.Inodes,
		FreeInodes: freeInodes,
		NameMax:    common.NAME_MAX,
	}, nil
}
