// Package fs is the operation layer: one mounted filesystem session and the
// VFS-facing calls made against it.
package fs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lspecian/vexfs-sub011/alloctbl"
	"github.com/lspecian/vexfs-sub011/bcache"
	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/file"
	"github.com/lspecian/vexfs-sub011/inode"
	"github.com/lspecian/vexfs-sub011/super"
	"github.com/lspecian/vexfs-sub011/variant"
)

// Options configures a mount session.
type Options struct {
	Variant    variant.Variant
	Logger     common.Logger
	CacheSlots int
	ReadOnly   bool
	// OnFault is called once, from the failing operation, when the session
	// escalates to the faulted state.
	OnFault func(err error)
}

// DefaultOptions returns a read-write kernel-variant session.
func DefaultOptions() Options {
	return Options{
		Variant:    variant.Kernel(),
		CacheSlots: bcache.DEFAULT_SLOTS,
	}
}

// FileSystem is one mount session: the loaded superblock, the allocator,
// the block cache and the open-inode registry of a single device.
type FileSystem struct {
	id  uuid.UUID
	dev common.BlockDevice
	v   variant.Variant
	log common.Logger

	super  *super.Manager
	bcache *bcache.LRUCache
	alloc  *alloctbl.AllocTbl
	itable *inode.Table

	onFault func(error)

	// quiesce is held shared by every mutating operation and exclusively
	// by sync, so a sync sees a consistent checkpoint.
	quiesce  sync.RWMutex
	syncMu   sync.Mutex
	inflight sync.WaitGroup

	m        sync.Mutex
	readonly bool
	closing  bool
	closed   bool
	fault    error
	files    map[common.Ino]*file.File
	handles  map[*Handle]struct{}
}

// Mount loads the filesystem on dev. An invalid superblock fails the mount
// without touching the device.
func Mount(ctx context.Context, dev common.BlockDevice, opts Options) (*FileSystem, error) {
	if opts.Variant.Name == "" {
		opts.Variant = variant.Kernel()
	}
	v := opts.Variant
	ctx = v.Context(ctx)

	ro := opts.ReadOnly
	if rd, ok := dev.(common.ReadOnlyDevice); ok && rd.ReadOnly() {
		ro = true
	}

	sm, err := super.Load(ctx, dev, ro)
	if err != nil {
		return nil, common.WrapOp("mount", common.DeviceName(dev), err)
	}
	sb := sm.Super()

	id := uuid.New()
	log := common.OrNop(opts.Logger).With("dev", common.DeviceName(dev), "session", id.String()[:8])

	cache := bcache.NewLRUCache(dev, int(sb.BlockSize), opts.CacheSlots)
	alloc, err := alloctbl.Load(ctx, cache, &sb, v.NewSection())
	if err != nil {
		sm.Release()
		return nil, common.WrapOp("mount", common.DeviceName(dev), err)
	}
	if fb, fi := alloc.Counts(); !sm.WasDirty() && (fb != sb.FreeBlocks || fi != sb.FreeInodes) {
		log.Warn("free counts disagree with bitmaps", "blocks", sb.FreeBlocks, "bitmap_blocks", fb,
			"inodes", sb.FreeInodes, "bitmap_inodes", fi)
	}

	fs := &FileSystem{
		id:       id,
		dev:      dev,
		v:        v,
		log:      log,
		super:    sm,
		bcache:   cache,
		alloc:    alloc,
		itable:   inode.NewTable(cache, alloc, sb, v, log),
		onFault:  opts.OnFault,
		readonly: ro,
		files:    make(map[common.Ino]*file.File),
		handles:  make(map[*Handle]struct{}),
	}

	root, err := fs.itable.GetInode(ctx, common.ROOT_INODE)
	if err == nil && !root.IsDirectory() {
		err = common.Corruptf("root inode has mode %o", root.Mode)
	}
	fs.itable.PutInode(ctx, root)
	if err != nil {
		sm.Release()
		return nil, common.WrapOp("mount", common.DeviceName(dev), err)
	}

	if !ro {
		sm.BeginSession(v.Now())
	}
	log.Info("mounted", "variant", v.Name, "readonly", ro, "was_dirty", sm.WasDirty(),
		"blocks", sb.Blocks, "inodes", sb.Inodes)
	return fs, nil
}

// ID returns the session identifier.
func (fs *FileSystem) ID() uuid.UUID { return fs.id }

// Device returns the backing device.
func (fs *FileSystem) Device() common.BlockDevice { return fs.dev }

// Variant returns the execution variant of the session.
func (fs *FileSystem) Variant() variant.Variant { return fs.v }

// Logger returns the session logger.
func (fs *FileSystem) Logger() common.Logger { return fs.log }

// Super returns a copy of the in-memory superblock.
func (fs *FileSystem) Super() common.Disk_Superblock { return fs.super.Super() }

// WasDirty reports whether the previous session did not finish cleanly.
func (fs *FileSystem) WasDirty() bool { return fs.super.WasDirty() }

// Alloc, Cache and Inodes expose the session's metadata layers to the
// consistency checker.
func (fs *FileSystem) Alloc() *alloctbl.AllocTbl { return fs.alloc }
func (fs *FileSystem) Cache() *bcache.LRUCache   { return fs.bcache }
func (fs *FileSystem) Inodes() *inode.Table      { return fs.itable }

// ReadOnly reports whether the session refuses mutations.
func (fs *FileSystem) ReadOnly() bool {
	fs.m.Lock()
	defer fs.m.Unlock()
	return fs.readonly
}

// Faulted returns the error that faulted the session, or nil.
func (fs *FileSystem) Faulted() error {
	fs.m.Lock()
	defer fs.m.Unlock()
	return fs.fault
}

// OpenHandles returns the number of open handles.
func (fs *FileSystem) OpenHandles() int {
	fs.m.Lock()
	defer fs.m.Unlock()
	return len(fs.handles)
}

// op is the bookkeeping of one operation in flight.
type op struct {
	name   string
	mutate bool
}

// begin admits an operation. No operation starts once shutdown has begun or
// the session has faulted. Mutating operations get the dirty flag on disk
// before they touch any metadata.
func (fs *FileSystem) begin(ctx context.Context, o op) (context.Context, error) {
	fs.m.Lock()
	switch {
	case fs.closing || fs.closed:
		fs.m.Unlock()
		return ctx, fmt.Errorf("%s: %w", o.name, common.ErrNotMounted)
	case fs.fault != nil:
		fs.m.Unlock()
		return ctx, fmt.Errorf("%s: %w", o.name, common.ErrFaulted)
	case o.mutate && fs.readonly:
		fs.m.Unlock()
		return ctx, fmt.Errorf("%s: %w", o.name, common.ErrReadOnly)
	}
	fs.inflight.Add(1)
	fs.m.Unlock()

	ctx = fs.v.Context(ctx)
	if o.mutate {
		fs.quiesce.RLock()
		if err := fs.super.MarkDirty(ctx); err != nil {
			fs.quiesce.RUnlock()
			fs.inflight.Done()
			return ctx, fmt.Errorf("%s: %w", o.name, err)
		}
	}
	return ctx, nil
}

// end finishes an operation admitted by begin, faulting the session when err
// shows the metadata can no longer be trusted.
func (fs *FileSystem) end(o op, err *error) {
	if o.mutate {
		fs.quiesce.RUnlock()
	}
	if *err != nil && common.IsFatal(*err) {
		fs.faultWith(o.name, *err)
	}
	fs.inflight.Done()
}

func (fs *FileSystem) faultWith(opname string, err error) {
	fs.m.Lock()
	first := fs.fault == nil
	if first {
		fs.fault = err
	}
	cb := fs.onFault
	fs.m.Unlock()
	if !first {
		return
	}
	fs.log.Error("session faulted", "op", opname, "err", err)
	if cb != nil {
		cb(err)
	}
}

// Fault escalates the session to the faulted state. Later operations fail
// with ErrFaulted until the device is checked and mounted again.
func (fs *FileSystem) Fault(err error) {
	if err == nil {
		err = common.ErrFaulted
	}
	fs.faultWith("fault", err)
}

// Exclusive runs fn with every other mutation held off. With write set the
// dirty flag is put on disk first. The consistency checker repairs through
// this.
func (fs *FileSystem) Exclusive(ctx context.Context, write bool, fn func(ctx context.Context) error) (err error) {
	o := op{name: "exclusive"}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return err
	}
	defer fs.end(o, &err)

	fs.quiesce.Lock()
	defer fs.quiesce.Unlock()
	if write {
		if fs.ReadOnly() {
			return common.ErrReadOnly
		}
		if err := fs.super.MarkDirty(ctx); err != nil {
			return err
		}
	}
	return fn(ctx)
}

// Sync writes every change of the session to the device in order: bitmaps,
// inode records, the cached blocks, and finally the superblock with the
// dirty flag cleared.
func (fs *FileSystem) Sync(ctx context.Context) (err error) {
	o := op{name: "sync"}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return err
	}
	defer fs.end(o, &err)
	if fs.ReadOnly() {
		return nil
	}

	fs.quiesce.Lock()
	defer fs.quiesce.Unlock()
	return fs.sync(ctx)
}

// sync is called with quiesce held exclusively, or with nothing else left
// running.
func (fs *FileSystem) sync(ctx context.Context) error {
	fs.syncMu.Lock()
	defer fs.syncMu.Unlock()

	err := fs.alloc.Flush(ctx, fs.bcache)
	if err == nil {
		err = fs.itable.FlushAll(ctx)
	}
	if err == nil {
		err = fs.bcache.Flush(ctx)
	}
	if err == nil {
		freeBlocks, freeInodes := fs.alloc.Counts()
		err = fs.super.Sync(ctx, freeBlocks, freeInodes, fs.v.Now())
	}
	if err != nil {
		if errors.Is(err, common.ErrIO) {
			// Part of the checkpoint may be on disk; only fsck can say.
			fs.faultWith("sync", err)
		}
		return common.WrapOp("sync", common.DeviceName(fs.dev), err)
	}
	return nil
}

// Remount switches the session between read-only and read-write. Going
// read-write re-checks that the device accepts writes; either way the
// session is flushed.
func (fs *FileSystem) Remount(ctx context.Context, readonly bool) (err error) {
	o := op{name: "remount"}
	ctx, err = fs.begin(ctx, o)
	if err != nil {
		return err
	}
	defer fs.end(o, &err)

	fs.quiesce.Lock()
	defer fs.quiesce.Unlock()

	was := fs.ReadOnly()
	if !readonly {
		if rd, ok := fs.dev.(common.ReadOnlyDevice); ok && rd.ReadOnly() {
			return common.WrapOp("remount", common.DeviceName(fs.dev), common.ErrReadOnly)
		}
		if was {
			fs.super.SetReadOnly(false)
			fs.super.BeginSession(fs.v.Now())
		}
	}
	if !was || !readonly {
		if err := fs.sync(ctx); err != nil {
			return err
		}
	}

	fs.m.Lock()
	fs.readonly = readonly
	fs.m.Unlock()
	fs.super.SetReadOnly(readonly)
	fs.log.Info("remounted", "readonly", readonly)
	return nil
}

// Shutdown ends the session. With open handles it fails with ErrBusy unless
// force is set, in which case the handles are invalidated. Operations already
// running are allowed to finish; then everything is flushed. A faulted
// session is discarded without writing.
func (fs *FileSystem) Shutdown(ctx context.Context, force bool) error {
	fs.m.Lock()
	if fs.closing || fs.closed {
		fs.m.Unlock()
		return common.WrapOp("unmount", common.DeviceName(fs.dev), common.ErrNotMounted)
	}
	if !force && len(fs.handles) > 0 {
		n := len(fs.handles)
		fs.m.Unlock()
		return common.WrapOp("unmount", common.DeviceName(fs.dev), fmt.Errorf("%w: %d open handles", common.ErrBusy, n))
	}
	fs.closing = true
	fs.m.Unlock()

	// Handles see ErrBadHandle from here on; calls already inside the
	// session finish before the flush.
	fs.m.Lock()
	for h := range fs.handles {
		h.invalidate()
	}
	fs.m.Unlock()
	fs.inflight.Wait()

	ctx = fs.v.Context(ctx)
	fs.m.Lock()
	var gone []*file.File
	for h := range fs.handles {
		delete(fs.handles, h)
		if fs.dropFile(h.f) {
			gone = append(gone, h.f)
		}
	}
	fault := fs.fault
	ro := fs.readonly
	fs.m.Unlock()

	var err error
	for _, f := range gone {
		if cerr := f.Release(ctx); err == nil {
			err = cerr
		}
	}

	switch {
	case fault != nil:
		fs.log.Warn("discarding faulted session", "err", fault)
	case !ro:
		if serr := fs.sync(ctx); err == nil {
			err = serr
		}
	}

	fs.super.Release()
	fs.bcache.Invalidate()
	fs.m.Lock()
	fs.closed = true
	fs.m.Unlock()
	fs.log.Info("unmounted", "forced", force)
	return err
}
