// Package file implements the open-file object shared by every handle on
// one inode. Reads run concurrently; writes and truncation exclude them.
package file

import (
	"context"
	"sync"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/inode"
)

// File is the open instance of one inode. It holds a single inode reference
// for all of its clients and drops it when the last client closes.
type File struct {
	rip   *inode.Inode // the underlying inode
	itab  *inode.Table
	m     sync.Mutex
	count int // the number of clients of this file
}

// New wraps rip, taking over the caller's reference to it.
func New(itab *inode.Table, rip *inode.Inode) *File {
	return &File{rip: rip, itab: itab, count: 1}
}

// Inode returns the inode number.
func (f *File) Inode() common.Ino { return f.rip.Inum }

// Read reads into p from position pos.
func (f *File) Read(ctx context.Context, p []byte, pos int64) (int, error) {
	f.rip.RLock()
	defer f.rip.RUnlock()
	return f.itab.ReadAt(ctx, f.rip, p, pos)
}

// Write writes p at position pos, waiting for outstanding reads first.
func (f *File) Write(ctx context.Context, p []byte, pos int64) (int, error) {
	f.rip.Lock()
	defer f.rip.Unlock()
	return f.itab.WriteAt(ctx, f.rip, p, pos)
}

// Truncate sets the file size.
func (f *File) Truncate(ctx context.Context, size uint64) error {
	f.rip.Lock()
	defer f.rip.Unlock()
	return f.itab.Truncate(ctx, f.rip, size)
}

// Grow makes sure the file is at least size bytes long, zero-filling what it
// adds. A longer file is left alone.
func (f *File) Grow(ctx context.Context, size uint64) error {
	f.rip.Lock()
	defer f.rip.Unlock()
	if size <= f.rip.Size {
		return nil
	}
	return f.itab.Truncate(ctx, f.rip, size)
}

// Fstat returns the current attributes.
func (f *File) Fstat() common.Attr {
	f.rip.RLock()
	defer f.rip.RUnlock()
	return f.rip.Attr()
}

// Sync pushes the inode record into the block cache.
func (f *File) Sync(ctx context.Context) error {
	f.rip.Lock()
	defer f.rip.Unlock()
	return f.itab.FlushInode(ctx, f.rip)
}

// Pending reports whether closing the file will change metadata: the record
// is dirty or the inode has no links left and will be reclaimed.
func (f *File) Pending() bool {
	f.rip.RLock()
	defer f.rip.RUnlock()
	return f.rip.Dirty || f.rip.Nlinks == 0
}

// Dup adds a client.
func (f *File) Dup() {
	f.m.Lock()
	f.count++
	f.m.Unlock()
}

// Drop removes a client and reports whether it was the last one. The last
// client must follow up with Release.
func (f *File) Drop() bool {
	f.m.Lock()
	defer f.m.Unlock()
	f.count--
	return f.count == 0
}

// Release writes the inode back and returns the file's reference to it. It
// may do block I/O, so callers hold no filesystem-wide lock.
func (f *File) Release(ctx context.Context) error {
	// Let's push our changes to the inode cache
	var err error
	f.rip.Lock()
	if f.rip.Dirty {
		err = f.itab.FlushInode(ctx, f.rip)
	}
	f.rip.Unlock()
	if perr := f.itab.PutInode(ctx, f.rip); err == nil {
		err = perr
	}
	return err
}
