package inode

import (
	"context"
	"fmt"
	"time"

	"github.com/lspecian/vexfs-sub011/common"
)

func timeOf(ns int64) time.Time {
	return time.Unix(0, ns)
}

// ReadMap returns the absolute block holding file block fb, or NO_BLOCK when
// fb lies past the last extent.
func ReadMap(rip *Inode, fb int) common.Bno {
	for _, e := range rip.extents {
		if fb < int(e.Count) {
			return common.Bno(e.Start + uint32(fb))
		}
		fb -= int(e.Count)
	}
	return common.NO_BLOCK
}

// mappedBlocks returns the number of file blocks backed by extents.
func mappedBlocks(rip *Inode) int {
	return rip.extents.Blocks()
}

// growBlocks extends rip by n zero-filled blocks. Either all n blocks are
// added or the inode is left unchanged. Called with rip locked.
func (t *Table) growBlocks(ctx context.Context, rip *Inode, n int) error {
	if n <= 0 {
		return nil
	}
	var goal uint32
	if k := len(rip.extents); k > 0 {
		goal = rip.extents[k-1].End()
	}
	list, err := t.alloc.AllocBlocks(ctx, goal, n)
	if err != nil {
		if common.IsFatal(err) {
			return err
		}
		t.log.Warn("no space on device", "ino", rip.Inum, "want", n)
		return err
	}

	merged := append(common.ExtentList(nil), rip.extents...)
	for _, e := range list {
		if k := len(merged); k > 0 && merged[k-1].End() == e.Start {
			merged[k-1].Count += e.Count
		} else {
			merged = append(merged, e)
		}
	}
	if len(merged) > t.maxExtents() {
		t.alloc.FreeBlocks(ctx, list)
		return fmt.Errorf("%w: inode %d needs %d extents", common.ErrTooLarge, rip.Inum, len(merged))
	}

	var indirect common.ExtentList
	if len(merged) > common.N_DIRECT && rip.Indirect == 0 {
		indirect, err = t.alloc.AllocBlocks(ctx, 0, 1)
		if err != nil {
			t.alloc.FreeBlocks(ctx, list)
			return err
		}
	}

	// New blocks start out zeroed in the cache; nothing is read.
	for _, e := range list {
		for b := e.Start; b < e.End(); b++ {
			bp, err := t.cache.GetNoRead(ctx, uint64(b))
			if err != nil {
				t.alloc.FreeBlocks(ctx, list)
				t.alloc.FreeBlocks(ctx, indirect)
				return err
			}
			bp.Release()
		}
	}

	if len(indirect) > 0 {
		rip.Indirect = indirect[0].Start
		bp, err := t.cache.GetNoRead(ctx, uint64(rip.Indirect))
		if err != nil {
			return err
		}
		bp.Release()
	}
	rip.extents = merged
	rip.Dirty = true
	return nil
}

// truncateBlocks shrinks rip to keep blocks and frees the rest, including
// the indirect extent block once it is no longer needed. Called with rip
// locked.
func (t *Table) truncateBlocks(ctx context.Context, rip *Inode, keep int) error {
	have := mappedBlocks(rip)
	if keep >= have {
		return nil
	}

	var kept, freed common.ExtentList
	left := keep
	for _, e := range rip.extents {
		switch {
		case left >= int(e.Count):
			kept = append(kept, e)
			left -= int(e.Count)
		case left > 0:
			kept = append(kept, common.Extent{Start: e.Start, Count: uint32(left)})
			freed = append(freed, common.Extent{Start: e.Start + uint32(left), Count: e.Count - uint32(left)})
			left = 0
		default:
			freed = append(freed, e)
		}
	}
	dropIndirect := len(kept) <= common.N_DIRECT && rip.Indirect != 0
	if dropIndirect {
		freed = append(freed, common.Extent{Start: rip.Indirect, Count: 1})
	}
	// On failure nothing was freed and the inode keeps every block.
	if err := t.alloc.FreeBlocks(ctx, freed); err != nil {
		return err
	}
	if dropIndirect {
		rip.Indirect = 0
	}
	rip.extents = kept
	rip.Dirty = true
	return nil
}
