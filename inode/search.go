package inode

import (
	"context"
	"fmt"
	"math"

	"github.com/lspecian/vexfs-sub011/bcache"
	"github.com/lspecian/vexfs-sub011/common"
)

type dirop int

const (
	LOOKUP   dirop = iota // search for 'name' and return inode # in 'inum'
	ENTER                 // add 'name' to the directory listing with inode # 'inum'
	DELETE                // remove 'name' from the directory listing
	IS_EMPTY              // return nil if only . and .. are in the dir, else ENOTEMPTY
)

// MAX_DIR_SLOTS bounds directory growth.
const MAX_DIR_SLOTS = math.MaxInt32 / common.DIRENT_SIZE

func (t *Table) slotsPerBlock() int {
	return t.BlockSize() / common.DIRENT_SIZE
}

// search_dir performs op on directory dirp. The entries live in the
// directory's data blocks; dirp.Size counts the slots in use times the slot
// size. Called with dirp locked, for writing when op is ENTER or DELETE.
func (t *Table) search_dir(ctx context.Context, dirp *Inode, name string, inum *common.Ino, op dirop) error {
	if !dirp.IsDirectory() {
		return common.ErrNotDir
	}
	spb := t.slotsPerBlock()
	old_slots := int(dirp.Size / common.DIRENT_SIZE)

	// step through the directory one block at a time
	for slot := 0; slot < old_slots; slot += spb {
		b := ReadMap(dirp, slot/spb)
		if b == common.NO_BLOCK {
			return common.Corruptf("directory %d: slot %d is unmapped", dirp.Inum, slot)
		}
		bp, err := t.cache.Get(ctx, uint64(b))
		if err != nil {
			return err
		}

		found := -1
		var d common.Disk_Dirent
		bp.View(func(data []byte) {
			for i := 0; i < spb && slot+i < old_slots; i++ {
				common.DecodeDirent(data[i*common.DIRENT_SIZE:], &d)
				switch op {
				case ENTER:
					if d.Inum == 0 { // we found a free slot
						found = i
						return
					}
				case IS_EMPTY:
					// If this succeeds, dir is not empty
					if d.Inum != 0 {
						if n := d.NameString(); n != "." && n != ".." {
							found = i
							return
						}
					}
				default:
					if d.Inum != 0 && d.NameString() == name {
						found = i
						return
					}
				}
			}
		})
		if found < 0 {
			bp.Release()
			continue
		}

		off := found * common.DIRENT_SIZE
		switch op {
		case LOOKUP:
			*inum = common.Ino(d.Inum)
		case IS_EMPTY:
			bp.Release()
			return common.ErrNotEmpty
		case DELETE:
			*inum = common.Ino(d.Inum)
			bp.Update(func(data []byte) { clear(data[off : off+common.DIRENT_SIZE]) })
			t.touchDir(dirp)
		case ENTER:
			t.enterSlot(bp, off, name, *inum)
			t.touchDir(dirp)
		}
		bp.Release()
		return nil
	}

	// The whole directory has now been searched
	switch op {
	case IS_EMPTY:
		return nil
	case LOOKUP, DELETE:
		return common.ErrNotFound
	}

	// This call is for ENTER. No free slot was found, so extend the
	// directory by one slot.
	new_slots := old_slots + 1
	if new_slots > MAX_DIR_SLOTS {
		return common.ErrTooLarge
	}
	if (new_slots+spb-1)/spb > mappedBlocks(dirp) {
		if err := t.growBlocks(ctx, dirp, 1); err != nil {
			return err
		}
	}
	bp, err := t.cache.Get(ctx, uint64(ReadMap(dirp, old_slots/spb)))
	if err != nil {
		return err
	}
	t.enterSlot(bp, (old_slots%spb)*common.DIRENT_SIZE, name, *inum)
	bp.Release()

	dirp.Size = uint64(new_slots * common.DIRENT_SIZE)
	t.touchDir(dirp)
	return nil
}

func (t *Table) enterSlot(bp *bcache.Handle, off int, name string, inum common.Ino) {
	var d common.Disk_Dirent
	d.Inum = uint32(inum)
	d.SetName(name)
	bp.Update(func(data []byte) { common.EncodeDirent(&d, data[off:]) })
}

func (t *Table) touchDir(dirp *Inode) {
	now := t.v.Now().UnixNano()
	dirp.Mtime = now
	dirp.Ctime = now
	dirp.Dirty = true
}

// Lookup returns the inode number named by name in dirp. Called with dirp
// locked for reading.
func (t *Table) Lookup(ctx context.Context, dirp *Inode, name string) (common.Ino, error) {
	var inum common.Ino
	if err := t.search_dir(ctx, dirp, name, &inum, LOOKUP); err != nil {
		return common.NO_INODE, err
	}
	return inum, nil
}

// Link enters name -> inum into dirp. The caller has checked that name is not
// present. Called with dirp locked.
func (t *Table) Link(ctx context.Context, dirp *Inode, name string, inum common.Ino) error {
	if len(name) > common.NAME_MAX {
		return common.ErrNameTooLong
	}
	return t.search_dir(ctx, dirp, name, &inum, ENTER)
}

// Unlink removes name from dirp and returns the inode number it named.
// Called with dirp locked.
func (t *Table) Unlink(ctx context.Context, dirp *Inode, name string) (common.Ino, error) {
	var inum common.Ino
	if err := t.search_dir(ctx, dirp, name, &inum, DELETE); err != nil {
		return common.NO_INODE, err
	}
	return inum, nil
}

// IsEmpty reports whether dirp holds nothing but "." and "..".
func (t *Table) IsEmpty(ctx context.Context, dirp *Inode) (bool, error) {
	err := t.search_dir(ctx, dirp, "", nil, IS_EMPTY)
	switch {
	case err == nil:
		return true, nil
	case err == common.ErrNotEmpty:
		return false, nil
	default:
		return false, err
	}
}

// ScanDir calls fn for every slot of dirp starting at slot from, in slot
// order, including free slots and the "." and ".." entries. fn returns false
// to stop. Called with dirp locked for reading.
func (t *Table) ScanDir(ctx context.Context, dirp *Inode, from int, fn func(slot int, d common.Disk_Dirent) bool) error {
	if !dirp.IsDirectory() {
		return common.ErrNotDir
	}
	if from < 0 {
		return fmt.Errorf("%w: directory offset %d", common.ErrInvalidOperation, from)
	}
	spb := t.slotsPerBlock()
	nslots := int(dirp.Size / common.DIRENT_SIZE)

	for slot := from; slot < nslots; {
		b := ReadMap(dirp, slot/spb)
		if b == common.NO_BLOCK {
			return common.Corruptf("directory %d: slot %d is unmapped", dirp.Inum, slot)
		}
		bp, err := t.cache.Get(ctx, uint64(b))
		if err != nil {
			return err
		}
		// Copy the block out so fn may do I/O of its own.
		data := bp.Copy()
		bp.Release()

		for i := slot % spb; i < spb && slot < nslots; i++ {
			var d common.Disk_Dirent
			common.DecodeDirent(data[i*common.DIRENT_SIZE:], &d)
			if !fn(slot, d) {
				return nil
			}
			slot++
		}
	}
	return nil
}

// ReadDir calls fn for each live entry of dirp at or after offset, skipping
// "." and "..". Each entry's Next is the offset that resumes after it. The
// order is the slot order, stable for as long as the directory is not
// modified.
func (t *Table) ReadDir(ctx context.Context, dirp *Inode, offset int, fn func(common.DirEntry) bool) error {
	return t.ScanDir(ctx, dirp, offset, func(slot int, d common.Disk_Dirent) bool {
		if d.Inum == 0 {
			return true
		}
		name := d.NameString()
		if name == "." || name == ".." {
			return true
		}
		return fn(common.DirEntry{Name: name, Ino: common.Ino(d.Inum), Next: slot + 1})
	})
}

// ClearSlot erases directory slot slot of dirp. Used by the consistency
// checker to drop dangling entries. Called with dirp locked.
func (t *Table) ClearSlot(ctx context.Context, dirp *Inode, slot int) error {
	spb := t.slotsPerBlock()
	b := ReadMap(dirp, slot/spb)
	if b == common.NO_BLOCK {
		return common.Corruptf("directory %d: slot %d is unmapped", dirp.Inum, slot)
	}
	bp, err := t.cache.Get(ctx, uint64(b))
	if err != nil {
		return err
	}
	off := (slot % spb) * common.DIRENT_SIZE
	bp.Update(func(data []byte) { clear(data[off : off+common.DIRENT_SIZE]) })
	bp.Release()
	t.touchDir(dirp)
	return nil
}
