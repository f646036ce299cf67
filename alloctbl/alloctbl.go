// Package alloctbl tracks free inodes and data blocks. The bitmaps are held
// in memory and guarded by a sleep-free section, so allocation never waits on
// the device; Flush copies changed bitmap blocks back into the block cache.
package alloctbl

import (
	"context"
	"fmt"

	"github.com/lspecian/vexfs-sub011/bcache"
	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/sched"
)

const (
	IMAP = 0
	ZMAP = 1

	NO_BIT = -1
)

type bitmap struct {
	start  uint32       // first block of the map on disk
	nblock int          // blocks used by the map
	nbits  int          // valid bits; bits past this are never handed out
	base   int          // lowest bit that may be handed out
	data   []byte       // in-memory copy of the whole map
	dirty  map[int]bool // map blocks changed since the last Flush
	free   int
	search int // start searching for unallocated bits here
}

// AllocTbl allocates inodes and blocks for one mounted device.
type AllocTbl struct {
	sec       sched.Section
	bsize     int
	firstData uint32
	maps      [2]*bitmap
}

// Load reads both bitmaps through cache.
func Load(ctx context.Context, cache *bcache.LRUCache, sb *common.Disk_Superblock, sec sched.Section) (*AllocTbl, error) {
	bsize := int(sb.BlockSize)
	imapStart := uint32(common.SUPER_BLOCK + 1)
	alloc := &AllocTbl{
		sec:       sec,
		bsize:     bsize,
		firstData: sb.FirstData,
	}
	alloc.maps[IMAP] = &bitmap{
		start:  imapStart,
		nblock: int(sb.ImapBlocks),
		nbits:  int(sb.Inodes) + 1, // bit 0 is never a valid inode
		base:   1,
	}
	alloc.maps[ZMAP] = &bitmap{
		start:  imapStart + sb.ImapBlocks,
		nblock: int(sb.ZmapBlocks),
		nbits:  int(sb.Blocks - sb.FirstData),
	}

	for _, m := range alloc.maps {
		if m.nbits > m.nblock*bsize*8 {
			return nil, common.Corruptf("bitmap at block %d too small for %d bits", m.start, m.nbits)
		}
		m.data = make([]byte, m.nblock*bsize)
		m.dirty = make(map[int]bool)
		for i := 0; i < m.nblock; i++ {
			h, err := cache.Get(ctx, uint64(m.start)+uint64(i))
			if err != nil {
				return nil, err
			}
			h.View(func(data []byte) { copy(m.data[i*bsize:], data) })
			h.Release()
		}
		for b := m.base; b < m.nbits; b++ {
			if !m.test(b) {
				m.free++
			}
		}
		m.search = m.base
	}
	return alloc, nil
}

func (m *bitmap) test(b int) bool {
	return m.data[b/8]&(1<<uint(b%8)) != 0
}

func (m *bitmap) set(b int, bsize int) {
	m.data[b/8] |= 1 << uint(b%8)
	m.dirty[b/(bsize*8)] = true
}

func (m *bitmap) unset(b int, bsize int) {
	m.data[b/8] &^= 1 << uint(b%8)
	m.dirty[b/(bsize*8)] = true
}

// find returns the lowest clear bit at or after origin, wrapping around.
func (m *bitmap) find(origin int) int {
	if origin < m.base || origin >= m.nbits {
		origin = m.base
	}
	for pass := 0; pass < 2; pass++ {
		lo, hi := origin, m.nbits
		if pass == 1 {
			lo, hi = m.base, origin
		}
		for b := lo; b < hi; {
			word := m.data[b/8]
			if word == 0xff && b%8 == 0 {
				b += 8
				continue
			}
			if word&(1<<uint(b%8)) == 0 {
				return b
			}
			b++
		}
	}
	return NO_BIT
}

// atomic runs fn inside the allocator's section. The context passed to fn is
// sleep-free: under a strict variant any block I/O attempted from fn fails
// with ErrSleepInAtomic.
func (alloc *AllocTbl) atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return sched.Atomic(ctx, alloc.sec, fn)
}

// AllocInode allocates the lowest free inode.
func (alloc *AllocTbl) AllocInode(ctx context.Context) (inum common.Ino, err error) {
	err = alloc.atomic(ctx, func(context.Context) error {
		m := alloc.maps[IMAP]
		b := m.find(m.search)
		if b == NO_BIT {
			return fmt.Errorf("%w: out of inodes", common.ErrOutOfSpace)
		}
		m.set(b, alloc.bsize)
		m.free--
		m.search = b // next time start here
		inum = common.Ino(b)
		return nil
	})
	return inum, err
}

// FreeInode returns inum to the free pool. Freeing a free inode is reported
// as corruption.
func (alloc *AllocTbl) FreeInode(ctx context.Context, inum common.Ino) error {
	return alloc.atomic(ctx, func(context.Context) error {
		m := alloc.maps[IMAP]
		b := int(inum)
		if b < m.base || b >= m.nbits {
			return fmt.Errorf("%w: inode %d out of range", common.ErrInvalidOperation, inum)
		}
		if !m.test(b) {
			return common.Corruptf("tried to free unused inode %d", inum)
		}
		m.unset(b, alloc.bsize)
		m.free++
		if b < m.search {
			m.search = b
		}
		return nil
	})
}

// AllocBlocks allocates n data blocks. Blocks are taken contiguously from
// goal while the blocks there are free, then lowest-free first. The result
// depends only on the bitmap and goal, so the same history always yields the
// same blocks. The allocation is all or nothing: on ErrOutOfSpace no bit has
// changed.
func (alloc *AllocTbl) AllocBlocks(ctx context.Context, goal uint32, n int) (list common.ExtentList, err error) {
	if n <= 0 {
		return nil, nil
	}
	err = alloc.atomic(ctx, func(context.Context) error {
		list, err = alloc.allocBlocks(goal, n)
		return err
	})
	return list, err
}

func (alloc *AllocTbl) allocBlocks(goal uint32, n int) (common.ExtentList, error) {
	m := alloc.maps[ZMAP]
	if m.free < n {
		return nil, fmt.Errorf("%w: need %d blocks, %d free", common.ErrOutOfSpace, n, m.free)
	}

	var list common.ExtentList
	take := func(b int) {
		bno := alloc.firstData + uint32(b)
		m.set(b, alloc.bsize)
		m.free--
		n--
		if k := len(list); k > 0 && list[k-1].End() == bno {
			list[k-1].Count++
		} else {
			list = append(list, common.Extent{Start: bno, Count: 1})
		}
	}

	if goal >= alloc.firstData {
		for b := int(goal - alloc.firstData); n > 0 && b < m.nbits && !m.test(b); b++ {
			take(b)
		}
	}
	for n > 0 {
		b := m.find(m.search)
		if b == NO_BIT {
			// m.free said otherwise
			return nil, common.Corruptf("block bitmap free count wrong")
		}
		take(b)
		m.search = b
	}
	return list, nil
}

// FreeBlocks returns every block of list to the free pool. If any block is
// already free nothing is changed and corruption is reported.
func (alloc *AllocTbl) FreeBlocks(ctx context.Context, list common.ExtentList) error {
	return alloc.atomic(ctx, func(context.Context) error {
		return alloc.freeBlocks(list)
	})
}

func (alloc *AllocTbl) freeBlocks(list common.ExtentList) error {
	m := alloc.maps[ZMAP]
	seen := make(map[int]bool)
	for _, e := range list {
		for bno := e.Start; bno < e.End(); bno++ {
			b := int(bno) - int(alloc.firstData)
			if b < 0 || b >= m.nbits {
				return common.Corruptf("freeing block %d outside the data region", bno)
			}
			if !m.test(b) || seen[b] {
				return common.Corruptf("tried to free unused block %d", bno)
			}
			seen[b] = true
		}
	}
	for _, e := range list {
		for bno := e.Start; bno < e.End(); bno++ {
			b := int(bno - alloc.firstData)
			m.unset(b, alloc.bsize)
			m.free++
			if b < m.search {
				m.search = b
			}
		}
	}
	return nil
}

// Counts returns the number of free data blocks and free inodes.
func (alloc *AllocTbl) Counts() (freeBlocks, freeInodes uint32) {
	alloc.sec.Lock()
	defer alloc.sec.Unlock()
	return uint32(alloc.maps[ZMAP].free), uint32(alloc.maps[IMAP].free)
}

// DataBlocks returns the size of the data region.
func (alloc *AllocTbl) DataBlocks() uint32 {
	return uint32(alloc.maps[ZMAP].nbits)
}

// Flush copies every changed bitmap block into the cache. The copy is taken
// inside the section; the cache is touched only after leaving it.
func (alloc *AllocTbl) Flush(ctx context.Context, cache *bcache.LRUCache) error {
	var out []pending

	alloc.atomic(ctx, func(context.Context) error {
		for which, m := range alloc.maps {
			for idx := range m.dirty {
				off := idx * alloc.bsize
				out = append(out, pending{which, idx, append([]byte(nil), m.data[off:off+alloc.bsize]...)})
			}
			clear(m.dirty)
		}
		return nil
	})

	for i, p := range out {
		h, err := cache.Get(ctx, uint64(alloc.maps[p.which].start)+uint64(p.idx))
		if err != nil {
			alloc.redirty(out[i:])
			return err
		}
		h.Update(func(data []byte) { copy(data, p.data) })
		h.Release()
	}
	return nil
}

type pending struct {
	which int
	idx   int
	data  []byte
}

func (alloc *AllocTbl) redirty(rest []pending) {
	alloc.sec.Lock()
	for _, p := range rest {
		alloc.maps[p.which].dirty[p.idx] = true
	}
	alloc.sec.Unlock()
}
