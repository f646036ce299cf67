package fs

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/file"
)

// A Handle is one open instance of a file. Several handles on the same inode
// share one file.File. The handle checks its access mode and that it is
// still valid; a forced unmount invalidates every handle.
type Handle struct {
	fs   *FileSystem
	f    *file.File
	mode uint16 // R_BIT and/or W_BIT

	dead atomic.Bool

	m   sync.Mutex // guards pos
	pos int64
}

var mode_map = []uint16{
	common.R_BIT,
	common.W_BIT,
	common.R_BIT | common.W_BIT,
	0}

func (h *Handle) invalidate() { h.dead.Store(true) }

// Inode returns the inode number of the open file.
func (h *Handle) Inode() common.Ino { return h.f.Inode() }

func (h *Handle) enter(ctx context.Context, o op, need uint16) (context.Context, error) {
	if h.dead.Load() {
		return ctx, common.ErrBadHandle
	}
	if h.mode&need != need {
		return ctx, common.ErrBadHandle
	}
	return h.fs.begin(ctx, o)
}

// ReadAt reads len(p) bytes at off. At the end of the file it returns io.EOF
// with the bytes read so far.
func (h *Handle) ReadAt(ctx context.Context, p []byte, off int64) (n int, err error) {
	o := op{name: "read"}
	ctx, err = h.enter(ctx, o, common.R_BIT)
	if err != nil {
		return 0, err
	}
	defer h.fs.end(o, &err)
	n, err = h.f.Read(ctx, p, off)
	if err != nil && err != io.EOF {
		h.fs.log.Debug("read failed", "ino", h.Inode(), "off", off, "err", err)
	}
	return n, err
}

// WriteAt writes p at off, growing the file as needed.
func (h *Handle) WriteAt(ctx context.Context, p []byte, off int64) (n int, err error) {
	o := op{name: "write", mutate: true}
	ctx, err = h.enter(ctx, o, common.W_BIT)
	if err != nil {
		return 0, err
	}
	defer h.fs.end(o, &err)
	return h.f.Write(ctx, p, off)
}

// Read reads from the current position and advances it.
func (h *Handle) Read(ctx context.Context, p []byte) (int, error) {
	h.m.Lock()
	defer h.m.Unlock()
	n, err := h.ReadAt(ctx, p, h.pos)
	h.pos += int64(n)
	return n, err
}

// Write writes at the current position and advances it.
func (h *Handle) Write(ctx context.Context, p []byte) (int, error) {
	h.m.Lock()
	defer h.m.Unlock()
	n, err := h.WriteAt(ctx, p, h.pos)
	h.pos += int64(n)
	return n, err
}

// Seek sets the position for the next Read or Write.
func (h *Handle) Seek(pos int64, whence int) (int64, error) {
	if h.dead.Load() {
		return -1, common.ErrBadHandle
	}
	h.m.Lock()
	defer h.m.Unlock()

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		pos += h.pos
	case io.SeekEnd:
		pos += int64(h.f.Fstat().Size)
	default:
		return -1, common.ErrInvalidOperation
	}
	if pos < 0 {
		return -1, common.ErrInvalidOperation
	}
	h.pos = pos
	return pos, nil
}

// Truncate sets the file size.
func (h *Handle) Truncate(ctx context.Context, size uint64) (err error) {
	o := op{name: "truncate", mutate: true}
	ctx, err = h.enter(ctx, o, common.W_BIT)
	if err != nil {
		return err
	}
	defer h.fs.end(o, &err)
	return h.f.Truncate(ctx, size)
}

// Stat returns the attributes of the open file.
func (h *Handle) Stat(ctx context.Context) (attr common.Attr, err error) {
	o := op{name: "fstat"}
	ctx, err = h.enter(ctx, o, 0)
	if err != nil {
		return common.Attr{}, err
	}
	defer h.fs.end(o, &err)
	return h.f.Fstat(), nil
}

// Close releases the handle. Closing twice, or after a forced unmount,
// returns ErrBadHandle. The inode is written back outside the session lock.
func (h *Handle) Close(ctx context.Context) error {
	if !h.dead.CompareAndSwap(false, true) {
		return common.ErrBadHandle
	}
	fs := h.fs
	ctx = fs.v.Context(ctx)
	fs.quiesce.RLock()
	defer fs.quiesce.RUnlock()

	fs.m.Lock()
	_, ok := fs.handles[h]
	dirtying := !fs.readonly && fs.fault == nil
	fs.m.Unlock()
	if !ok {
		return common.ErrBadHandle
	}
	if dirtying && h.f.Pending() {
		if err := fs.super.MarkDirty(ctx); err != nil {
			h.dead.Store(false)
			return err
		}
	}

	fs.m.Lock()
	if _, ok := fs.handles[h]; !ok {
		// a forced unmount got here first
		fs.m.Unlock()
		return common.ErrBadHandle
	}
	delete(fs.handles, h)
	last := fs.dropFile(h.f)
	fs.m.Unlock()
	if !last {
		return nil
	}
	return h.f.Release(ctx)
}

// dropFile removes one client of f and forgets f when it was the last. The
// caller then releases f after dropping fs.m. Called with fs.m held.
func (fs *FileSystem) dropFile(f *file.File) bool {
	if !f.Drop() {
		return false
	}
	delete(fs.files, f.Inode())
	return true
}
