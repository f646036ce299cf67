package fsck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/device"
	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/super"
	"github.com/lspecian/vexfs-sub011/testutils"
)

func newDevice(test *testing.T) *device.Ramdisk {
	test.Helper()
	dev := device.NewRamdisk(test.Name(), 1<<20)
	if _, err := super.Format(context.Background(), dev, super.FormatOptions{BlockSize: 1024}); err != nil {
		testutils.FatalHere(test, "Format failed: %s", err)
	}
	return dev
}

func mount(test *testing.T, dev common.BlockDevice) (*fs.FileSystem, *fs.Process) {
	test.Helper()
	fsys, err := fs.Mount(context.Background(), dev, fs.DefaultOptions())
	if err != nil {
		testutils.FatalHere(test, "Mount failed: %s", err)
	}
	return fsys, fsys.NewProcess()
}

func check(test *testing.T, fsys *fs.FileSystem, repair bool) *Report {
	test.Helper()
	r, err := Check(context.Background(), fsys, Options{Repair: repair})
	if err != nil {
		testutils.FatalHere(test, "Check failed: %s", err)
	}
	return r
}

func kinds(r *Report) map[Kind]int {
	out := make(map[Kind]int)
	for _, p := range r.Problems {
		out[p.Kind]++
	}
	return out
}

func TestCleanFilesystem(test *testing.T) {
	ctx := context.Background()
	fsys, proc := mount(test, newDevice(test))
	defer fsys.Shutdown(ctx, false)

	proc.Mkdir(ctx, "/a", 0755)
	proc.Mkdir(ctx, "/a/b", 0755)
	proc.WriteFile(ctx, "/a/b/file", make([]byte, 4000), 0644)
	proc.WriteFile(ctx, "/top", []byte("x"), 0644)
	proc.Link(ctx, "/top", "/a/also")

	r := check(test, fsys, false)
	if !r.Clean() {
		testutils.FatalHere(test, "Problems on a clean filesystem: %v", r.Problems)
	}
	if !r.Balanced() {
		testutils.ErrorHere(test, "Unbalanced: %d free + %d used != %d", r.FreeBlocks, r.UsedBlocks, r.DataBlocks)
	}
	if r.Directories != 3 || r.Regular != 2 {
		testutils.ErrorHere(test, "Counted %d directories and %d files", r.Directories, r.Regular)
	}
}

// An inode allocated and written but never entered in a directory is what a
// crash in the middle of create leaves behind.
func TestOrphanReclaimed(test *testing.T) {
	ctx := context.Background()
	fsys, _ := mount(test, newDevice(test))
	defer fsys.Shutdown(ctx, false)
	freeBlocks, freeInodes := fsys.Alloc().Counts()

	it := fsys.Inodes()
	rip, err := it.AllocInode(ctx, common.I_REGULAR|0644)
	if err != nil {
		testutils.FatalHere(test, "AllocInode failed: %s", err)
	}
	rip.Lock()
	it.WriteAt(ctx, rip, make([]byte, 3000), 0)
	rip.Unlock()
	it.PutInode(ctx, rip)

	r := check(test, fsys, true)
	if kinds(r)[ORPHAN_INODE] != 1 || len(r.Unfixed()) != 0 {
		testutils.FatalHere(test, "Unexpected report: %v", r.Problems)
	}
	if b, i := fsys.Alloc().Counts(); b != freeBlocks || i != freeInodes {
		testutils.ErrorHere(test, "Counts %d/%d after repair, expected %d/%d", b, i, freeBlocks, freeInodes)
	}
	if r := check(test, fsys, false); !r.Clean() {
		testutils.ErrorHere(test, "Problems left after repair: %v", r.Problems)
	}
}

// A name pointing at a free inode is dropped and the blocks the old record
// held are released.
func TestDanglingEntry(test *testing.T) {
	ctx := context.Background()
	fsys, proc := mount(test, newDevice(test))
	defer fsys.Shutdown(ctx, false)
	freeBlocks, _ := fsys.Alloc().Counts()

	proc.WriteFile(ctx, "/f", make([]byte, 2048), 0644)
	attr, _ := proc.Stat(ctx, "/f")
	if err := fsys.Inodes().WriteRecord(ctx, attr.Ino, common.Disk_Inode{}, nil); err != nil {
		testutils.FatalHere(test, "WriteRecord failed: %s", err)
	}

	r := check(test, fsys, true)
	got := kinds(r)
	if got[DANGLING_ENTRY] != 1 || got[IMAP_MISMATCH] != 1 || got[ZMAP_MISMATCH] != 2 {
		testutils.ErrorHere(test, "Unexpected report: %v", r.Problems)
	}
	if _, err := proc.Stat(ctx, "/f"); !errors.Is(err, common.ErrNotFound) {
		testutils.ErrorHere(test, "Dangling name still resolves: %v", err)
	}
	if b, _ := fsys.Alloc().Counts(); b != freeBlocks {
		testutils.ErrorHere(test, "Free blocks %d after repair, expected %d", b, freeBlocks)
	}
	if r := check(test, fsys, false); !r.Clean() || !r.Balanced() {
		testutils.ErrorHere(test, "Problems left after repair: %v", r.Problems)
	}
}

func TestWrongLinkCount(test *testing.T) {
	ctx := context.Background()
	fsys, proc := mount(test, newDevice(test))
	defer fsys.Shutdown(ctx, false)

	proc.WriteFile(ctx, "/f", []byte("x"), 0644)
	attr, _ := proc.Stat(ctx, "/f")
	it := fsys.Inodes()
	rip, _ := it.GetInode(ctx, attr.Ino)
	rip.Lock()
	rip.Nlinks = 5
	rip.Dirty = true
	rip.Unlock()
	it.PutInode(ctx, rip)

	r := check(test, fsys, true)
	if kinds(r)[WRONG_NLINKS] != 1 || len(r.Problems) != 1 {
		testutils.FatalHere(test, "Unexpected report: %v", r.Problems)
	}
	if attr, _ := proc.Stat(ctx, "/f"); attr.Nlinks != 1 {
		testutils.ErrorHere(test, "Link count %d after repair", attr.Nlinks)
	}
}

// Two records claiming one block: the later one is cleared, the earlier one
// keeps its content.
func TestDuplicateBlock(test *testing.T) {
	ctx := context.Background()
	fsys, proc := mount(test, newDevice(test))
	defer fsys.Shutdown(ctx, false)

	data := bytes.Repeat([]byte("a"), 1500)
	proc.WriteFile(ctx, "/a", data, 0644)
	proc.WriteFile(ctx, "/b", make([]byte, 1500), 0644)
	a, _ := proc.Stat(ctx, "/a")
	b, _ := proc.Stat(ctx, "/b")

	it := fsys.Inodes()
	_, listA, _ := it.ReadRecord(ctx, a.Ino)
	db, _, _ := it.ReadRecord(ctx, b.Ino)
	it.WriteRecord(ctx, b.Ino, db, listA)

	r := check(test, fsys, true)
	if kinds(r)[DUP_BLOCK] != 1 || len(r.Unfixed()) != 0 {
		testutils.FatalHere(test, "Unexpected report: %v", r.Problems)
	}
	if got, err := proc.ReadFile(ctx, "/a"); err != nil || !bytes.Equal(got, data) {
		testutils.ErrorHere(test, "First owner damaged: %v", err)
	}
	if r := check(test, fsys, false); !r.Clean() || !r.Balanced() {
		testutils.ErrorHere(test, "Problems left after repair: %v", r.Problems)
	}
}

func TestCheckOnlyChangesNothing(test *testing.T) {
	ctx := context.Background()
	dev := newDevice(test)
	fsys, proc := mount(test, dev)
	proc.WriteFile(ctx, "/f", []byte("x"), 0644)
	attr, _ := proc.Stat(ctx, "/f")
	fsys.Inodes().WriteRecord(ctx, attr.Ino, common.Disk_Inode{}, nil)
	fsys.Sync(ctx)
	img := dev.Snapshot()

	r := check(test, fsys, false)
	if r.Clean() {
		testutils.ErrorHere(test, "Dangling entry not reported")
	}
	for _, p := range r.Problems {
		if p.Fixed {
			testutils.ErrorHere(test, "Check-only pass fixed %v", p)
		}
	}
	fsys.Shutdown(ctx, false)
	if !bytes.Equal(dev.Snapshot(), img) {
		testutils.ErrorHere(test, "Check-only pass wrote to the device")
	}
}

// Fail the sync after every possible number of writes, remount the partial
// image and repair it. The free and owned blocks must add up each time.
func TestRepairAfterPartialSync(test *testing.T) {
	ctx := context.Background()
	base := newDevice(test)
	img := base.Snapshot()

	for budget := 0; budget < 48; budget++ {
		raw := device.FromImage(fmt.Sprintf("partial-%d", budget), img)
		dev := testutils.NewFaultyDevice(raw)
		fsys, proc := mount(test, dev)
		for i := 0; i < 12; i++ {
			if err := proc.WriteFile(ctx, fmt.Sprintf("/f%02d", i), make([]byte, 700*i), 0644); err != nil {
				testutils.FatalHere(test, "WriteFile failed: %s", err)
			}
		}
		dev.Arm(budget)
		synced := fsys.Sync(ctx) == nil
		fsys.Shutdown(ctx, true)

		fsys, _ = mount(test, raw)
		if !synced && !fsys.WasDirty() {
			testutils.ErrorHere(test, "budget %d: interrupted sync left a clean superblock", budget)
		}
		r := check(test, fsys, true)
		if u := r.Unfixed(); len(u) != 0 {
			testutils.ErrorHere(test, "budget %d: unfixed problems %v", budget, u)
		}
		if !r.Balanced() {
			testutils.ErrorHere(test, "budget %d: %d free + %d used != %d", budget, r.FreeBlocks, r.UsedBlocks, r.DataBlocks)
		}
		if r := check(test, fsys, false); !r.Clean() {
			testutils.ErrorHere(test, "budget %d: problems after repair: %v", budget, r.Problems)
		}
		if err := fsys.Shutdown(ctx, false); err != nil {
			testutils.FatalHere(test, "budget %d: shutdown failed: %s", budget, err)
		}
	}
}

// Writers racing a forced unmount: whatever they managed to write, the
// remounted filesystem checks clean.
func TestForcedUnmountMidWrite(test *testing.T) {
	ctx := context.Background()
	dev := newDevice(test)
	fsys, proc := mount(test, dev)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		h, err := proc.Creat(ctx, fmt.Sprintf("/w%d", i), 0644)
		if err != nil {
			testutils.FatalHere(test, "Creat failed: %s", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			chunk := make([]byte, 512)
			for {
				if _, err := h.Write(ctx, chunk); err != nil {
					return
				}
			}
		}()
	}
	if err := fsys.Shutdown(ctx, true); err != nil {
		testutils.ErrorHere(test, "Forced shutdown failed: %s", err)
	}
	wg.Wait()

	fsys, _ = mount(test, dev)
	defer fsys.Shutdown(ctx, false)
	if fsys.WasDirty() {
		testutils.ErrorHere(test, "Forced unmount left the superblock dirty")
	}
	r := check(test, fsys, false)
	if !r.Clean() || !r.Balanced() {
		testutils.ErrorHere(test, "Problems after forced unmount: %v (%d+%d/%d)", r.Problems, r.FreeBlocks, r.UsedBlocks, r.DataBlocks)
	}
}
