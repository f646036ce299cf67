package fs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/inode"
)

// validateName checks a single path component used to create an entry.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", common.ErrInvalidOperation)
	case name == "." || name == "..":
		return fmt.Errorf("%w: name %q is reserved", common.ErrInvalidOperation, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: name %q contains '/' or NUL", common.ErrInvalidOperation, name)
	case len(name) > common.NAME_MAX:
		return fmt.Errorf("%w: %q", common.ErrNameTooLong, name)
	}
	return nil
}

// getDir returns the referenced directory inode dir.
func (fs *FileSystem) getDir(ctx context.Context, dir common.Ino) (*inode.Inode, error) {
	dirp, err := fs.itable.GetInode(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !dirp.IsDirectory() {
		fs.itable.PutInode(ctx, dirp)
		return nil, common.ErrNotDir
	}
	return dirp, nil
}

// advance looks up name in directory dir.
func (fs *FileSystem) advance(ctx context.Context, dir common.Ino, name string) (common.Ino, error) {
	dirp, err := fs.getDir(ctx, dir)
	if err != nil {
		return common.NO_INODE, err
	}
	defer fs.itable.PutInode(ctx, dirp)

	dirp.RLock()
	defer dirp.RUnlock()
	// If directory has been removed, nothing can be found in it
	if dirp.Nlinks == 0 {
		return common.NO_INODE, common.ErrNotFound
	}
	return fs.itable.Lookup(ctx, dirp, name)
}

// lastDir resolves every component of p but the last, starting at start for
// relative paths and at the root for absolute ones. It returns the directory
// and the final component, which is empty for "/".
func (fs *FileSystem) lastDir(ctx context.Context, start common.Ino, p string) (common.Ino, string, error) {
	if p == "" {
		return common.NO_INODE, "", common.ErrNotFound
	}
	dir := start
	if path.IsAbs(p) {
		dir = common.ROOT_INODE
	}
	p = path.Clean(p)
	if p == "/" || p == "." {
		return dir, "", nil
	}

	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	// Scan the path component by component
	for _, name := range parts[:len(parts)-1] {
		next, err := fs.advance(ctx, dir, name)
		if err != nil {
			return common.NO_INODE, "", err
		}
		dir = next
	}
	return dir, parts[len(parts)-1], nil
}

// eatPath resolves p to an inode number.
func (fs *FileSystem) eatPath(ctx context.Context, start common.Ino, p string) (common.Ino, error) {
	dir, last, err := fs.lastDir(ctx, start, p)
	if err != nil || last == "" {
		return dir, err
	}
	return fs.advance(ctx, dir, last)
}

// Resolve returns the inode named by an absolute path.
func (fs *FileSystem) Resolve(ctx context.Context, p string) (ino common.Ino, err error) {
	o := op{name: "resolve"}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return common.NO_INODE, err
	}
	defer fs.end(o, &err)
	return fs.eatPath(ctx, common.ROOT_INODE, p)
}

// Lookup returns the attributes of name in directory parent.
func (fs *FileSystem) Lookup(ctx context.Context, parent common.Ino, name string) (attr common.Attr, err error) {
	o := op{name: "lookup"}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return common.Attr{}, err
	}
	defer fs.end(o, &err)

	inum, err := fs.advance(ctx, parent, name)
	if err != nil {
		return common.Attr{}, err
	}
	return fs.getattr(ctx, inum)
}

// ReadDir returns up to limit entries of directory dir starting at offset, or
// all of them when limit is 0. Each entry's Next is the offset to resume
// from; an empty result means the end was reached. "." and ".." are not
// listed.
func (fs *FileSystem) ReadDir(ctx context.Context, dir common.Ino, offset, limit int) (list []common.DirEntry, err error) {
	o := op{name: "readdir"}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return nil, err
	}
	defer fs.end(o, &err)

	dirp, err := fs.getDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	dirp.RLock()
	err = fs.itable.ReadDir(ctx, dirp, offset, func(e common.DirEntry) bool {
		list = append(list, e)
		return limit <= 0 || len(list) < limit
	})
	dirp.RUnlock()
	fs.itable.PutInode(ctx, dirp)
	if err != nil {
		return nil, err
	}

	// Fill in the types outside the directory lock.
	for i := range list {
		rip, err := fs.itable.GetInode(ctx, list[i].Ino)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil, common.Corruptf("directory %d names inode %d out of range", dir, list[i].Ino)
			}
			return nil, err
		}
		rip.RLock()
		list[i].IsDir = rip.IsDirectory()
		rip.RUnlock()
		fs.itable.PutInode(ctx, rip)
	}
	return list, nil
}
