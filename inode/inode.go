// Package inode is the inode and directory store: the in-memory inode table,
// the mapping of file offsets to data blocks, and the directory entries held
// in a directory's data blocks.
package inode

import (
	"context"
	"fmt"
	"sync"

	"github.com/lspecian/vexfs-sub011/alloctbl"
	"github.com/lspecian/vexfs-sub011/bcache"
	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/variant"
)

// Inode is the in-memory copy of an inode record. The embedded mutex is the
// per-inode exclusive section: metadata and data changes hold it for writing,
// reads hold it for reading. It may be held across block I/O.
type Inode struct {
	sync.RWMutex
	common.Disk_Inode

	Inum  common.Ino
	Count int  // in-memory references, guarded by the table
	Dirty bool // record differs from the cached inode block

	extents common.ExtentList // every extent, direct and indirect
	itable  *Table

	ready   chan struct{}
	loadErr error
}

// IsDirectory reports whether the inode is a directory.
func (rip *Inode) IsDirectory() bool {
	return rip.Mode&common.I_TYPE == common.I_DIRECTORY
}

// IsRegular reports whether the inode is a regular file.
func (rip *Inode) IsRegular() bool {
	return rip.Mode&common.I_TYPE == common.I_REGULAR
}

// Extents returns a copy of the inode's extent list.
func (rip *Inode) Extents() common.ExtentList {
	return append(common.ExtentList(nil), rip.extents...)
}

// OwnedBlocks returns the number of blocks the inode owns, counting the
// indirect extent block.
func (rip *Inode) OwnedBlocks() int {
	n := rip.extents.Blocks()
	if rip.Indirect != 0 {
		n++
	}
	return n
}

// Attr returns the externally visible attributes.
func (rip *Inode) Attr() common.Attr {
	return common.Attr{
		Ino:    rip.Inum,
		Mode:   rip.Mode,
		Nlinks: rip.Nlinks,
		Uid:    rip.Uid,
		Gid:    rip.Gid,
		Size:   rip.Size,
		Blocks: uint64(rip.OwnedBlocks()),
		Atime:  timeOf(rip.Atime),
		Mtime:  timeOf(rip.Mtime),
		Ctime:  timeOf(rip.Ctime),
	}
}

// Table is the inode table of one mounted filesystem.
type Table struct {
	cache *bcache.LRUCache
	alloc *alloctbl.AllocTbl
	sb    common.Disk_Superblock
	v     variant.Variant
	log   common.Logger

	m      sync.Mutex
	inodes map[common.Ino]*Inode
}

// NewTable creates the inode table for the filesystem described by sb.
func NewTable(cache *bcache.LRUCache, alloc *alloctbl.AllocTbl, sb common.Disk_Superblock, v variant.Variant, log common.Logger) *Table {
	return &Table{
		cache:  cache,
		alloc:  alloc,
		sb:     sb,
		v:      v,
		log:    common.OrNop(log),
		inodes: make(map[common.Ino]*Inode),
	}
}

// Variant returns the execution variant the table runs under.
func (t *Table) Variant() variant.Variant { return t.v }

// Alloc returns the allocator the table frees into.
func (t *Table) Alloc() *alloctbl.AllocTbl { return t.alloc }

// BlockSize returns the filesystem block size.
func (t *Table) BlockSize() int { return int(t.sb.BlockSize) }

// locate returns the inode table block holding inum and the byte offset of
// its record within that block.
func (t *Table) locate(inum common.Ino) (uint64, int) {
	ipb := t.sb.InodesPerBlock()
	idx := int(inum) - 1
	return uint64(t.sb.InodeStart()) + uint64(idx/ipb), (idx % ipb) * common.INODE_SIZE
}

// GetInode returns a referenced in-memory inode, loading it on first use.
// Concurrent requests for the same inode share one load.
func (t *Table) GetInode(ctx context.Context, inum common.Ino) (*Inode, error) {
	if inum == common.NO_INODE || uint32(inum) > t.sb.Inodes {
		return nil, fmt.Errorf("%w: inode %d out of range", common.ErrNotFound, inum)
	}

	t.m.Lock()
	if rip := t.inodes[inum]; rip != nil {
		rip.Count++
		t.m.Unlock()
		<-rip.ready
		if rip.loadErr != nil {
			return nil, rip.loadErr
		}
		return rip, nil
	}
	rip := &Inode{Inum: inum, Count: 1, itable: t, ready: make(chan struct{})}
	t.inodes[inum] = rip
	t.m.Unlock()

	err := t.loadInode(ctx, rip)
	if err != nil {
		t.m.Lock()
		delete(t.inodes, inum)
		t.m.Unlock()
		rip.loadErr = err
	}
	close(rip.ready)
	if err != nil {
		return nil, err
	}
	return rip, nil
}

// DupInode takes another reference to rip.
func (t *Table) DupInode(rip *Inode) *Inode {
	t.m.Lock()
	rip.Count++
	t.m.Unlock()
	return rip
}

// PutInode drops a reference. When the last reference goes and no directory
// entry names the inode any more, its blocks and number are freed. Otherwise
// a changed record is written back to the cache.
func (t *Table) PutInode(ctx context.Context, rip *Inode) error {
	if rip == nil {
		return nil
	}
	t.m.Lock()
	rip.Count--
	if rip.Count > 0 {
		t.m.Unlock()
		return nil
	}
	t.m.Unlock()

	rip.Lock()
	var err error
	if rip.Nlinks == 0 && rip.Mode != common.I_NOT_ALLOC {
		err = t.reclaim(ctx, rip)
	} else if rip.Dirty {
		err = t.writeInode(ctx, rip)
	}
	rip.Unlock()

	t.m.Lock()
	if rip.Count == 0 && err == nil {
		delete(t.inodes, rip.Inum)
	}
	t.m.Unlock()
	return err
}

// reclaim frees every block and the inode number. Called with rip locked.
func (t *Table) reclaim(ctx context.Context, rip *Inode) error {
	if err := t.truncateBlocks(ctx, rip, 0); err != nil {
		return err
	}
	rip.Size = 0
	rip.Mode = common.I_NOT_ALLOC
	rip.Generation++
	if err := t.writeInode(ctx, rip); err != nil {
		return err
	}
	t.log.Debug("inode reclaimed", "ino", rip.Inum)
	return t.alloc.FreeInode(ctx, rip.Inum)
}

// AllocInode allocates a fresh inode with the given mode and one link. The
// record is written to the cache before returning, so a directory entry made
// afterwards never names an uninitialised inode.
func (t *Table) AllocInode(ctx context.Context, mode uint16) (*Inode, error) {
	inum, err := t.alloc.AllocInode(ctx)
	if err != nil {
		t.log.Warn("out of inodes")
		return nil, err
	}
	rip, err := t.GetInode(ctx, inum)
	if err != nil {
		t.alloc.FreeInode(ctx, inum)
		return nil, err
	}

	rip.Lock()
	defer rip.Unlock()
	if rip.Mode != common.I_NOT_ALLOC {
		// The bitmap said free but the record is in use.
		t.m.Lock()
		rip.Count--
		if rip.Count == 0 {
			delete(t.inodes, inum)
		}
		t.m.Unlock()
		return nil, common.Corruptf("allocated inode %d has mode %o", inum, rip.Mode)
	}

	now := t.v.Now().UnixNano()
	gen := rip.Generation
	rip.Disk_Inode = common.Disk_Inode{
		Mode:       mode,
		Nlinks:     1,
		Atime:      now,
		Mtime:      now,
		Ctime:      now,
		Generation: gen + 1,
	}
	rip.extents = nil
	if err := t.writeInode(ctx, rip); err != nil {
		return nil, err
	}
	return rip, nil
}

// FlushInode writes rip's record into the cache. Called with rip locked.
func (t *Table) FlushInode(ctx context.Context, rip *Inode) error {
	return t.writeInode(ctx, rip)
}

// FlushAll writes every dirty in-memory inode into the cache.
func (t *Table) FlushAll(ctx context.Context) error {
	t.m.Lock()
	list := make([]*Inode, 0, len(t.inodes))
	for _, rip := range t.inodes {
		list = append(list, rip)
	}
	t.m.Unlock()

	for _, rip := range list {
		<-rip.ready
		if rip.loadErr != nil {
			continue
		}
		rip.Lock()
		var err error
		if rip.Dirty {
			err = t.writeInode(ctx, rip)
		}
		rip.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Busy returns the number of referenced inodes.
func (t *Table) Busy() int {
	t.m.Lock()
	defer t.m.Unlock()
	n := 0
	for _, rip := range t.inodes {
		if rip.Count > 0 {
			n++
		}
	}
	return n
}

// Referenced reports whether inum is held in memory by anyone.
func (t *Table) Referenced(inum common.Ino) bool {
	t.m.Lock()
	defer t.m.Unlock()
	rip := t.inodes[inum]
	return rip != nil && rip.Count > 0
}

// ReadRecord decodes the on-disk record of inum without entering it in the
// table. Used by the consistency checker.
func (t *Table) ReadRecord(ctx context.Context, inum common.Ino) (common.Disk_Inode, common.ExtentList, error) {
	rip := &Inode{Inum: inum}
	if err := t.loadInode(ctx, rip); err != nil {
		return common.Disk_Inode{}, nil, err
	}
	return rip.Disk_Inode, rip.extents, nil
}

// WriteRecord replaces the on-disk record of an inode not in use by anyone.
// Used by the consistency checker.
func (t *Table) WriteRecord(ctx context.Context, inum common.Ino, d common.Disk_Inode, list common.ExtentList) error {
	rip := &Inode{Inum: inum, Disk_Inode: d, extents: list}
	return t.writeInode(ctx, rip)
}

func (t *Table) loadInode(ctx context.Context, rip *Inode) error {
	bno, off := t.locate(rip.Inum)
	bp, err := t.cache.Get(ctx, bno)
	if err != nil {
		return err
	}
	bp.View(func(data []byte) { err = common.DecodeInode(data[off:], &rip.Disk_Inode) })
	bp.Release()
	if err != nil {
		return err
	}

	n := int(rip.Nextents)
	if n > t.maxExtents() {
		return common.Corruptf("inode %d claims %d extents", rip.Inum, n)
	}
	direct := min(n, common.N_DIRECT)
	rip.extents = append(common.ExtentList(nil), rip.Disk_Inode.Extents[:direct]...)
	if n > common.N_DIRECT {
		if rip.Indirect == 0 {
			return common.Corruptf("inode %d has %d extents and no indirect block", rip.Inum, n)
		}
		ip, err := t.cache.Get(ctx, uint64(rip.Indirect))
		if err != nil {
			return err
		}
		ip.View(func(data []byte) {
			rip.extents = append(rip.extents, common.DecodeExtents(data, n-common.N_DIRECT)...)
		})
		ip.Release()
	}
	rip.Dirty = false
	return nil
}

// writeInode copies the in-memory record, and the indirect extents if any,
// into the cache.
func (t *Table) writeInode(ctx context.Context, rip *Inode) error {
	n := len(rip.extents)
	rip.Nextents = uint16(n)
	rip.Disk_Inode.Extents = [common.N_DIRECT]common.Extent{}
	copy(rip.Disk_Inode.Extents[:], rip.extents)

	if n > common.N_DIRECT {
		ip, err := t.cache.Get(ctx, uint64(rip.Indirect))
		if err != nil {
			return err
		}
		ip.Update(func(data []byte) {
			clear(data)
			common.EncodeExtents(rip.extents[common.N_DIRECT:], data)
		})
		ip.Release()
	}

	bno, off := t.locate(rip.Inum)
	bp, err := t.cache.Get(ctx, bno)
	if err != nil {
		return err
	}
	bp.Update(func(data []byte) { err = common.EncodeInode(&rip.Disk_Inode, data[off:]) })
	bp.Release()
	if err != nil {
		return err
	}
	rip.Dirty = false
	return nil
}

func (t *Table) maxExtents() int {
	return common.N_DIRECT + int(t.sb.BlockSize)/common.EXTENT_SIZE
}
