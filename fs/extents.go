package fs

import (
	"context"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/inode"
)

// ExtentStore is the block-granular interface used by the vector engine.
// Payloads are ordinary file content; an extent is a block-aligned range of
// a regular file.
type ExtentStore struct {
	fs *FileSystem
}

// Extents returns the extent interface of the session.
func (fs *FileSystem) Extents() *ExtentStore { return &ExtentStore{fs} }

func (s *ExtentStore) withFile(ctx context.Context, name string, mutate bool, inum common.Ino,
	fn func(ctx context.Context, rip *inode.Inode) error) (err error) {
	o := op{name: name, mutate: mutate}
	ctx, err = s.fs.begin(ctx, o)
	if err != nil {
		return err
	}
	defer s.fs.end(o, &err)

	rip, err := s.fs.itable.GetInode(ctx, inum)
	if err != nil {
		return err
	}
	defer s.fs.itable.PutInode(ctx, rip)
	if mutate {
		rip.Lock()
		defer rip.Unlock()
	} else {
		rip.RLock()
		defer rip.RUnlock()
	}
	switch {
	case rip.Mode == common.I_NOT_ALLOC:
		return common.ErrNotFound
	case !rip.IsRegular():
		return common.ErrIsDir
	}
	return fn(ctx, rip)
}

// AllocateExtent appends n zeroed blocks to inum, starting at the first
// block boundary at or past the current end, and returns the byte offset of
// the new extent.
func (s *ExtentStore) AllocateExtent(ctx context.Context, inum common.Ino, n int) (off int64, err error) {
	if n <= 0 {
		return 0, common.ErrInvalidOperation
	}
	err = s.withFile(ctx, "allocate_extent", true, inum, func(ctx context.Context, rip *inode.Inode) error {
		bs := uint64(s.fs.itable.BlockSize())
		start := (rip.Size + bs - 1) / bs * bs
		if err := s.fs.itable.Truncate(ctx, rip, start+uint64(n)*bs); err != nil {
			return err
		}
		off = int64(start)
		return nil
	})
	return off, err
}

// WriteExtent writes p at byte offset off of inum.
func (s *ExtentStore) WriteExtent(ctx context.Context, inum common.Ino, off int64, p []byte) (n int, err error) {
	err = s.withFile(ctx, "write_extent", true, inum, func(ctx context.Context, rip *inode.Inode) error {
		var werr error
		n, werr = s.fs.itable.WriteAt(ctx, rip, p, off)
		return werr
	})
	return n, err
}

// ReadExtent reads len(p) bytes at byte offset off of inum.
func (s *ExtentStore) ReadExtent(ctx context.Context, inum common.Ino, off int64, p []byte) (n int, err error) {
	err = s.withFile(ctx, "read_extent", false, inum, func(ctx context.Context, rip *inode.Inode) error {
		var rerr error
		n, rerr = s.fs.itable.ReadAt(ctx, rip, p, off)
		return rerr
	})
	return n, err
}

// Map returns the extents backing inum, in file order.
func (s *ExtentStore) Map(ctx context.Context, inum common.Ino) (list common.ExtentList, err error) {
	err = s.withFile(ctx, "map_extents", false, inum, func(ctx context.Context, rip *inode.Inode) error {
		list = rip.Extents()
		return nil
	})
	return list, err
}
