package fs

import (
	"context"
	"errors"
	"math"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/inode"
)

// new_node creates name in dirp with the given mode and returns the new,
// referenced inode. Called with dirp locked.
func (fs *FileSystem) new_node(ctx context.Context, dirp *inode.Inode, name string, bits uint16) (*inode.Inode, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	// The directory may have been removed while we waited for it
	if dirp.Nlinks == 0 {
		return nil, common.ErrNotFound
	}
	if dirp.Nlinks >= math.MaxUint16 && bits&common.I_TYPE == common.I_DIRECTORY {
		return nil, common.ErrTooManyLinks
	}

	// Does the new entry already exist?
	if _, err := fs.itable.Lookup(ctx, dirp, name); err == nil {
		return nil, common.ErrExists
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	// AllocInode puts the record in the cache before a directory entry
	// names it: an inode with no directory entry is much better than the
	// opposite.
	rip, err := fs.itable.AllocInode(ctx, bits)
	if err != nil {
		return nil, err
	}

	// New inode acquired. Try to make directory entry.
	if err := fs.itable.Link(ctx, dirp, name, rip.Inum); err != nil {
		rip.Lock()
		rip.Nlinks-- // pity, have to free disk inode
		rip.Unlock()
		fs.itable.PutInode(ctx, rip) // this call will free the inode
		return nil, err
	}
	return rip, nil
}

// unlink_prep locks parent for writing and fetches the inode name refers to.
// On success the caller must unlock dirp and put both inodes.
func (fs *FileSystem) unlink_prep(ctx context.Context, parent common.Ino, name string) (*inode.Inode, *inode.Inode, error) {
	dirp, err := fs.getDir(ctx, parent)
	if err != nil {
		return nil, nil, err
	}
	dirp.Lock()
	inum, err := fs.itable.Lookup(ctx, dirp, name)
	if err == nil && inum == common.ROOT_INODE {
		err = common.ErrBusy
	}
	var rip *inode.Inode
	if err == nil {
		rip, err = fs.itable.GetInode(ctx, inum)
	}
	if err != nil {
		dirp.Unlock()
		fs.itable.PutInode(ctx, dirp)
		return nil, nil, err
	}
	return dirp, rip, nil
}

// release unlocks dirp and drops the references unlink_prep took.
func (fs *FileSystem) release(ctx context.Context, dirp, rip *inode.Inode) error {
	dirp.Unlock()
	err := fs.itable.PutInode(ctx, rip)
	if perr := fs.itable.PutInode(ctx, dirp); err == nil {
		err = perr
	}
	return err
}
