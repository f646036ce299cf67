package super

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/device"
	"github.com/lspecian/vexfs-sub011/testutils"
)

func TestFormatLoadCounts(test *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		opts FormatOptions
		size int64
	}{
		{"default-100MiB", DefaultFormatOptions(), 100 << 20},
		{"1k-blocks", FormatOptions{BlockSize: 1024, Blocks: 2048, Inodes: 100}, 4 << 20},
		{"explicit-inodes", FormatOptions{BlockSize: 4096, Blocks: 512, Inodes: 77, Label: "vectors"}, 2 << 20},
	}
	for _, tc := range cases {
		test.Run(tc.name, func(test *testing.T) {
			dev := device.NewRamdisk(tc.name, tc.size)
			want, err := Format(ctx, dev, tc.opts)
			if err != nil {
				testutils.FatalHere(test, "Format failed: %s", err)
			}
			m, err := Load(ctx, dev, true)
			if err != nil {
				testutils.FatalHere(test, "Load after Format failed: %s", err)
			}
			got := m.Super()
			if tc.opts.Blocks != 0 && got.Blocks != tc.opts.Blocks {
				testutils.ErrorHere(test, "Blocks = %d, expected %d", got.Blocks, tc.opts.Blocks)
			}
			if tc.opts.Inodes != 0 && got.Inodes != tc.opts.Inodes {
				testutils.ErrorHere(test, "Inodes = %d, expected %d", got.Inodes, tc.opts.Inodes)
			}
			if got != *want {
				testutils.ErrorHere(test, "Loaded superblock differs from formatted one:\n%+v\n%+v", got, *want)
			}
			if got.FreeBlocks != got.DataBlocks()-1 || got.FreeInodes != got.Inodes-1 {
				testutils.ErrorHere(test, "Fresh counts wrong: %d/%d blocks, %d/%d inodes",
					got.FreeBlocks, got.DataBlocks(), got.FreeInodes, got.Inodes)
			}
			if got.LabelString() != tc.opts.Label {
				testutils.ErrorHere(test, "Label = %q, expected %q", got.LabelString(), tc.opts.Label)
			}
			if m.WasDirty() {
				testutils.ErrorHere(test, "Fresh filesystem reported dirty")
			}
		})
	}
}

func TestLoadRejectsZeroImage(test *testing.T) {
	ctx := context.Background()
	dev := device.NewRamdisk("zero", 10<<20)
	before := sha256.Sum256(dev.Snapshot())

	if _, err := Load(ctx, dev, false); !errors.Is(err, common.ErrInvalidSuperblock) {
		testutils.ErrorHere(test, "Expected ErrInvalidSuperblock, got %v", err)
	}
	if after := sha256.Sum256(dev.Snapshot()); after != before {
		testutils.ErrorHere(test, "Device was modified by a failed load")
	}
}

func TestLoadRejectsCorruption(test *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		offset int
		value  byte
	}{
		{"magic", 0, 0x00},
		{"version", 4, 0x7f},
		{"header-size", 6, 0x10},
		{"checksum", 8, 0xff},
		{"covered-field", 20, 0x5a},
	}
	for _, tc := range cases {
		test.Run(tc.name, func(test *testing.T) {
			dev := device.NewRamdisk(tc.name, 4<<20)
			if _, err := Format(ctx, dev, DefaultFormatOptions()); err != nil {
				testutils.FatalHere(test, "Format failed: %s", err)
			}
			img := dev.Snapshot()
			img[tc.offset] ^= tc.value
			dev.Restore(img)
			if _, err := Load(ctx, dev, false); !errors.Is(err, common.ErrInvalidSuperblock) {
				testutils.ErrorHere(test, "Expected ErrInvalidSuperblock, got %v", err)
			}
		})
	}
}

func TestTrailingBytesIgnored(test *testing.T) {
	ctx := context.Background()
	dev := device.NewRamdisk("trailing", 4<<20)
	if _, err := Format(ctx, dev, DefaultFormatOptions()); err != nil {
		testutils.FatalHere(test, "Format failed: %s", err)
	}
	img := dev.Snapshot()
	copy(img[superTail():], []byte("future fields"))
	dev.Restore(img)

	m, err := Load(ctx, dev, false)
	if err != nil {
		testutils.FatalHere(test, "Load with trailing bytes failed: %s", err)
	}
	if err := m.MarkDirty(ctx); err != nil {
		testutils.FatalHere(test, "MarkDirty failed: %s", err)
	}
	if !bytes.Contains(dev.Snapshot()[:4096], []byte("future fields")) {
		testutils.ErrorHere(test, "Trailing bytes were not preserved")
	}
}

// superTail returns an offset past the header inside block 0.
func superTail() int { return common.SuperblockSize() + 16 }

// countingDevice counts writes to block 0.
type countingDevice struct {
	common.BlockDevice
	mu     sync.Mutex
	writes int
}

func (d *countingDevice) WriteBlock(ctx context.Context, bno uint64, buf []byte) error {
	if bno == common.SUPER_BLOCK {
		d.mu.Lock()
		d.writes++
		d.mu.Unlock()
	}
	return d.BlockDevice.WriteBlock(ctx, bno, buf)
}

func TestSyncIdempotent(test *testing.T) {
	ctx := context.Background()
	ram := device.NewRamdisk("sync", 4<<20)
	if _, err := Format(ctx, ram, DefaultFormatOptions()); err != nil {
		testutils.FatalHere(test, "Format failed: %s", err)
	}
	dev := &countingDevice{BlockDevice: ram}
	m, err := Load(ctx, dev, false)
	if err != nil {
		testutils.FatalHere(test, "Load failed: %s", err)
	}
	sb := m.Super()
	now := time.Unix(1700000000, 0)

	if err := m.MarkDirty(ctx); err != nil {
		testutils.FatalHere(test, "MarkDirty failed: %s", err)
	}
	if err := m.MarkDirty(ctx); err != nil {
		testutils.FatalHere(test, "Second MarkDirty failed: %s", err)
	}
	if dev.writes != 1 {
		testutils.ErrorHere(test, "MarkDirty wrote %d times, expected once", dev.writes)
	}
	if on, _ := Read(ctx, ram); on.State != common.STATE_DIRTY {
		testutils.ErrorHere(test, "Dirty flag not on disk after MarkDirty")
	}

	if err := m.Sync(ctx, sb.FreeBlocks-3, sb.FreeInodes-1, now); err != nil {
		testutils.FatalHere(test, "Sync failed: %s", err)
	}
	if err := m.Sync(ctx, sb.FreeBlocks-3, sb.FreeInodes-1, now); err != nil {
		testutils.FatalHere(test, "Second Sync failed: %s", err)
	}
	if dev.writes != 2 {
		testutils.ErrorHere(test, "Superblock written %d times, expected 2", dev.writes)
	}
	on, err := Read(ctx, ram)
	if err != nil {
		testutils.FatalHere(test, "Read after Sync failed: %s", err)
	}
	if on.State != common.STATE_CLEAN || on.FreeBlocks != sb.FreeBlocks-3 {
		testutils.ErrorHere(test, "On-disk superblock not synced: state %d free %d", on.State, on.FreeBlocks)
	}
}

func TestConcurrentSync(test *testing.T) {
	ctx := context.Background()
	ram := device.NewRamdisk("csync", 4<<20)
	if _, err := Format(ctx, ram, DefaultFormatOptions()); err != nil {
		testutils.FatalHere(test, "Format failed: %s", err)
	}
	m, err := Load(ctx, ram, false)
	if err != nil {
		testutils.FatalHere(test, "Load failed: %s", err)
	}
	m.MarkDirty(ctx)
	sb := m.Super()

	wg := new(sync.WaitGroup)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Sync(ctx, sb.FreeBlocks, sb.FreeInodes, time.Now()); err != nil {
				testutils.ErrorHere(test, "Sync failed: %s", err)
			}
		}()
	}
	wg.Wait()
	if m.Dirty() {
		testutils.ErrorHere(test, "Superblock still dirty after concurrent syncs")
	}
}

func TestSyncAfterRelease(test *testing.T) {
	ctx := context.Background()
	ram := device.NewRamdisk("released", 4<<20)
	if _, err := Format(ctx, ram, DefaultFormatOptions()); err != nil {
		testutils.FatalHere(test, "Format failed: %s", err)
	}
	m, err := Load(ctx, ram, false)
	if err != nil {
		testutils.FatalHere(test, "Load failed: %s", err)
	}
	m.MarkDirty(ctx)
	m.Release()
	if err := m.Sync(ctx, 1, 1, time.Now()); !errors.Is(err, common.ErrNotMounted) {
		testutils.ErrorHere(test, "Expected ErrNotMounted from Sync after Release, got %v", err)
	}
}

func TestReadOnlyRefusesDirty(test *testing.T) {
	ctx := context.Background()
	ram := device.NewRamdisk("ro", 4<<20)
	if _, err := Format(ctx, ram, DefaultFormatOptions()); err != nil {
		testutils.FatalHere(test, "Format failed: %s", err)
	}
	m, err := Load(ctx, ram, true)
	if err != nil {
		testutils.FatalHere(test, "Load failed: %s", err)
	}
	if err := m.MarkDirty(ctx); !errors.Is(err, common.ErrReadOnly) {
		testutils.ErrorHere(test, "Expected ErrReadOnly, got %v", err)
	}
}

func TestLayoutTooSmall(test *testing.T) {
	if _, err := Layout(FormatOptions{BlockSize: 4096, Blocks: 2}, 1<<20); !errors.Is(err, common.ErrInvalidOperation) {
		testutils.ErrorHere(test, "Expected ErrInvalidOperation for a 2 block device, got %v", err)
	}
	if _, err := Layout(FormatOptions{BlockSize: 3000}, 1<<20); !errors.Is(err, common.ErrInvalidOperation) {
		testutils.ErrorHere(test, "Expected ErrInvalidOperation for a bad block size, got %v", err)
	}
}
