// Package super owns the superblock of a mounted filesystem: loading and
// validating it, setting the dirty flag before the first metadata write, and
// writing it back clean once everything else has been flushed.
package super

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lspecian/vexfs-sub011/common"
)

// Validate checks that the layout fields of sb are consistent with each
// other and with a device of devSize bytes.
func Validate(sb *common.Disk_Superblock, devSize int64) error {
	bs := sb.BlockSize
	switch {
	case bs < common.MIN_BLOCK_SIZE || bs > common.MAX_BLOCK_SIZE || bs&(bs-1) != 0:
		return fmt.Errorf("%w: block size %d", common.ErrInvalidSuperblock, bs)
	case int64(sb.Blocks)*int64(bs) > devSize:
		return fmt.Errorf("%w: %d blocks exceed device of %d bytes", common.ErrInvalidSuperblock, sb.Blocks, devSize)
	case sb.Inodes == 0 || uint64(sb.Inodes) > uint64(sb.InodeBlocks)*uint64(sb.InodesPerBlock()):
		return fmt.Errorf("%w: %d inodes in %d blocks", common.ErrInvalidSuperblock, sb.Inodes, sb.InodeBlocks)
	case uint64(sb.Inodes)+1 > uint64(sb.ImapBlocks)*uint64(bs)*8:
		return fmt.Errorf("%w: inode map too small", common.ErrInvalidSuperblock)
	case sb.FirstData != sb.InodeStart()+sb.InodeBlocks || sb.FirstData >= sb.Blocks:
		return fmt.Errorf("%w: first data block %d", common.ErrInvalidSuperblock, sb.FirstData)
	case uint64(sb.DataBlocks()) > uint64(sb.ZmapBlocks)*uint64(bs)*8:
		return fmt.Errorf("%w: block map too small", common.ErrInvalidSuperblock)
	case sb.RootInode != uint32(common.ROOT_INODE):
		return fmt.Errorf("%w: root inode %d", common.ErrInvalidSuperblock, sb.RootInode)
	case sb.FreeBlocks > sb.DataBlocks() || sb.FreeInodes > sb.Inodes:
		return fmt.Errorf("%w: free counts exceed totals", common.ErrInvalidSuperblock)
	case sb.State != common.STATE_CLEAN && sb.State != common.STATE_DIRTY:
		return fmt.Errorf("%w: state %d", common.ErrInvalidSuperblock, sb.State)
	}
	return nil
}

// Read loads and validates the superblock of dev without mounting it.
func Read(ctx context.Context, dev common.BlockDevice) (*common.Disk_Superblock, error) {
	buf := make([]byte, common.SUPER_MINSIZE)
	if int64(len(buf)) > dev.Size() {
		return nil, fmt.Errorf("%w: device of %d bytes", common.ErrInvalidSuperblock, dev.Size())
	}
	if err := dev.ReadBlock(ctx, common.SUPER_BLOCK, buf); err != nil {
		return nil, err
	}
	sb, err := common.DecodeSuperblock(buf)
	if err != nil {
		return nil, err
	}
	if err := Validate(sb, dev.Size()); err != nil {
		return nil, err
	}
	return sb, nil
}

// Manager holds the in-memory superblock of one mount session.
type Manager struct {
	dev common.BlockDevice

	mu       sync.Mutex // serializes MarkDirty and Sync
	sb       common.Disk_Superblock
	raw      []byte // block 0 as read; bytes past the header are preserved
	ondisk   uint16 // State as last written
	wasDirty bool   // State was dirty when loaded
	readonly bool
	released bool
}

// Load reads the superblock of dev. A read-only manager refuses MarkDirty.
func Load(ctx context.Context, dev common.BlockDevice, readonly bool) (*Manager, error) {
	sb, err := Read(ctx, dev)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, sb.BlockSize)
	if err := dev.ReadBlock(ctx, common.SUPER_BLOCK, raw); err != nil {
		return nil, err
	}
	return &Manager{
		dev:      dev,
		sb:       *sb,
		raw:      raw,
		ondisk:   sb.State,
		wasDirty: sb.State == common.STATE_DIRTY,
		readonly: readonly,
	}, nil
}

// Super returns a copy of the in-memory superblock.
func (m *Manager) Super() common.Disk_Superblock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sb
}

// WasDirty reports whether the filesystem was not cleanly unmounted before
// this session loaded it.
func (m *Manager) WasDirty() bool {
	return m.wasDirty
}

// Dirty reports whether the on-disk superblock currently carries the dirty
// flag.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ondisk == common.STATE_DIRTY
}

// SetReadOnly switches the session between read-only and read-write.
func (m *Manager) SetReadOnly(ro bool) {
	m.mu.Lock()
	m.readonly = ro
	m.mu.Unlock()
}

// BeginSession records a read-write mount: the generation is bumped and the
// mount time set. Both reach disk with the next write of the superblock.
func (m *Manager) BeginSession(now time.Time) {
	m.mu.Lock()
	m.sb.Generation++
	m.sb.MountTime = now.UnixNano()
	m.mu.Unlock()
}

// MarkDirty writes the superblock with the dirty flag set and waits for the
// device to acknowledge it. It must be called before any other metadata of
// the session reaches the device; once the flag is on disk further calls do
// nothing.
func (m *Manager) MarkDirty(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return fmt.Errorf("%w: superblock released", common.ErrNotMounted)
	}
	if m.readonly {
		return common.ErrReadOnly
	}
	if m.ondisk == common.STATE_DIRTY {
		return nil
	}
	sb := m.sb
	sb.State = common.STATE_DIRTY
	if err := m.write(ctx, &sb); err != nil {
		return err
	}
	m.sb.State = common.STATE_DIRTY
	m.ondisk = common.STATE_DIRTY
	return nil
}

// Sync writes the superblock with the given free counts and the dirty flag
// cleared. The caller must already have flushed every other metadata block.
// With the flag already clear and the counts unchanged it writes nothing.
func (m *Manager) Sync(ctx context.Context, freeBlocks, freeInodes uint32, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return fmt.Errorf("%w: superblock released", common.ErrNotMounted)
	}
	if m.ondisk == common.STATE_CLEAN && m.sb.FreeBlocks == freeBlocks && m.sb.FreeInodes == freeInodes {
		return nil
	}
	if m.readonly {
		return common.ErrReadOnly
	}

	sb := m.sb
	sb.FreeBlocks = freeBlocks
	sb.FreeInodes = freeInodes
	sb.State = common.STATE_CLEAN
	sb.WriteTime = now.UnixNano()
	if err := m.write(ctx, &sb); err != nil {
		// The on-disk copy still says dirty; nothing to undo.
		return err
	}
	m.sb = sb
	m.ondisk = common.STATE_CLEAN
	return nil
}

// write encodes sb into the retained block 0 and writes it through.
func (m *Manager) write(ctx context.Context, sb *common.Disk_Superblock) error {
	buf := append([]byte(nil), m.raw...)
	if err := common.EncodeSuperblock(sb, buf); err != nil {
		return err
	}
	if err := m.dev.WriteBlock(ctx, common.SUPER_BLOCK, buf); err != nil {
		return err
	}
	if err := m.dev.Flush(ctx); err != nil {
		return err
	}
	m.raw = buf
	return nil
}

// Release ends the session. Later MarkDirty and Sync calls fail with
// ErrNotMounted instead of touching the device.
func (m *Manager) Release() {
	m.mu.Lock()
	m.released = true
	m.raw = nil
	m.mu.Unlock()
}
