package inode

import (
	"context"
	"fmt"
	"io"

	"github.com/lspecian/vexfs-sub011/common"
)

// MAX_FILE_SIZE bounds file sizes so offsets always fit the block map.
const MAX_FILE_SIZE = 1 << 40

// ReadAt reads up to len(p) bytes starting at off. Reading at or past the end
// of the file returns io.EOF. Called with rip locked for reading.
func (t *Table) ReadAt(ctx context.Context, rip *Inode, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, common.ErrInvalidOperation
	}
	size := int64(rip.Size)
	if off >= size {
		return 0, io.EOF
	}
	want := len(p)
	if rem := size - off; int64(len(p)) > rem {
		p = p[:rem]
	}

	bs := int64(t.BlockSize())
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		boff := int(pos % bs)
		chunk := min(len(p)-n, int(bs)-boff)

		b := ReadMap(rip, int(pos/bs))
		if b == common.NO_BLOCK {
			return n, common.Corruptf("inode %d: offset %d within size %d is unmapped", rip.Inum, pos, size)
		}
		bp, err := t.cache.Get(ctx, uint64(b))
		if err != nil {
			return n, err
		}
		bp.View(func(data []byte) { copy(p[n:n+chunk], data[boff:]) })
		bp.Release()
		n += chunk
	}
	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at off, extending the file with zero-filled blocks when
// off lies past its end. Called with rip locked.
func (t *Table) WriteAt(ctx context.Context, rip *Inode, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, common.ErrInvalidOperation
	}
	end := off + int64(len(p))
	if end > MAX_FILE_SIZE {
		return 0, fmt.Errorf("%w: write to %d", common.ErrTooLarge, end)
	}
	if len(p) == 0 {
		return 0, nil
	}

	bs := int64(t.BlockSize())
	need := int((end + bs - 1) / bs)
	if err := t.growBlocks(ctx, rip, need-mappedBlocks(rip)); err != nil {
		return 0, err
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		boff := int(pos % bs)
		chunk := min(len(p)-n, int(bs)-boff)

		bp, err := t.cache.Get(ctx, uint64(ReadMap(rip, int(pos/bs))))
		if err != nil {
			t.finishWrite(rip, off+int64(n))
			return n, err
		}
		bp.Update(func(data []byte) { copy(data[boff:], p[n:n+chunk]) })
		bp.Release()
		n += chunk
	}
	t.finishWrite(rip, end)
	return n, nil
}

func (t *Table) finishWrite(rip *Inode, end int64) {
	if uint64(end) > rip.Size {
		rip.Size = uint64(end)
	}
	now := t.v.Now().UnixNano()
	rip.Mtime = now
	rip.Ctime = now
	rip.Dirty = true
}

// Truncate sets the file size. Shrinking frees blocks past the new end and
// zeroes the tail of the last kept block; growing adds zeroed blocks. Called
// with rip locked.
func (t *Table) Truncate(ctx context.Context, rip *Inode, size uint64) error {
	if size > MAX_FILE_SIZE {
		return fmt.Errorf("%w: truncate to %d", common.ErrTooLarge, size)
	}
	bs := uint64(t.BlockSize())
	keep := int((size + bs - 1) / bs)

	if size < rip.Size {
		if err := t.truncateBlocks(ctx, rip, keep); err != nil {
			return err
		}
		if tail := size % bs; tail != 0 {
			bp, err := t.cache.Get(ctx, uint64(ReadMap(rip, keep-1)))
			if err != nil {
				return err
			}
			bp.Update(func(data []byte) { clear(data[tail:]) })
			bp.Release()
		}
	} else if err := t.growBlocks(ctx, rip, keep-mappedBlocks(rip)); err != nil {
		return err
	}

	rip.Size = size
	now := t.v.Now().UnixNano()
	rip.Mtime = now
	rip.Ctime = now
	rip.Dirty = true
	return nil
}

// Touch updates the change time.
func (t *Table) Touch(rip *Inode) {
	rip.Ctime = t.v.Now().UnixNano()
	rip.Dirty = true
}

// Now returns the current time at the variant's granularity, in nanoseconds.
func (t *Table) Now() int64 {
	return t.v.Now().UnixNano()
}
