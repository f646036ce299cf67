package super

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lspecian/vexfs-sub011/common"
)

// FormatOptions controls the geometry of a new filesystem.
type FormatOptions struct {
	BlockSize uint32    // bytes per block, power of two
	Blocks    uint32    // device size in blocks; 0 uses the whole device
	Inodes    uint32    // 0 picks one inode per four blocks
	Label     string    // at most 32 bytes
	UUID      uuid.UUID // zero generates a random one
	Time      time.Time // creation time; zero uses the current time
}

// DefaultFormatOptions returns options for a 4 KiB block filesystem covering
// the whole device.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{BlockSize: common.DEFAULT_BLOCK_SIZE}
}

// Layout computes the superblock describing a fresh filesystem with the
// given options on a device of devSize bytes. Nothing is written.
func Layout(opts FormatOptions, devSize int64) (*common.Disk_Superblock, error) {
	bs := opts.BlockSize
	if bs == 0 {
		bs = common.DEFAULT_BLOCK_SIZE
	}
	if bs < common.MIN_BLOCK_SIZE || bs > common.MAX_BLOCK_SIZE || bs&(bs-1) != 0 {
		return nil, fmt.Errorf("%w: block size %d", common.ErrInvalidOperation, bs)
	}
	if len(opts.Label) > 32 {
		return nil, fmt.Errorf("%w: label longer than 32 bytes", common.ErrInvalidOperation)
	}

	blocks := opts.Blocks
	if blocks == 0 {
		blocks = uint32(devSize / int64(bs))
	}
	if int64(blocks)*int64(bs) > devSize {
		return nil, fmt.Errorf("%w: %d blocks of %d bytes do not fit a %d byte device",
			common.ErrInvalidOperation, blocks, bs, devSize)
	}

	ipb := bs / common.INODE_SIZE
	bitsPerBlock := bs * 8
	inodes := opts.Inodes
	if inodes == 0 {
		inodes = (blocks/4 + ipb - 1) / ipb * ipb
		if inodes < ipb {
			inodes = ipb
		}
	}

	imapBlocks := (inodes + 1 + bitsPerBlock - 1) / bitsPerBlock
	inodeBlocks := (inodes + ipb - 1) / ipb
	meta := 1 + imapBlocks + inodeBlocks
	if meta >= blocks {
		return nil, fmt.Errorf("%w: device too small (%d blocks)", common.ErrInvalidOperation, blocks)
	}
	// Size the block map for the upper bound on data blocks; it can only
	// shrink once the map itself is accounted for.
	zmapBlocks := (blocks - meta + bitsPerBlock - 1) / bitsPerBlock
	firstData := meta + zmapBlocks
	if firstData >= blocks {
		return nil, fmt.Errorf("%w: device too small (%d blocks)", common.ErrInvalidOperation, blocks)
	}

	sb := &common.Disk_Superblock{
		BlockSize:   bs,
		Blocks:      blocks,
		Inodes:      inodes,
		FreeBlocks:  blocks - firstData - 1, // root directory block
		FreeInodes:  inodes - 1,             // root inode
		RootInode:   uint32(common.ROOT_INODE),
		ImapBlocks:  imapBlocks,
		ZmapBlocks:  zmapBlocks,
		InodeBlocks: inodeBlocks,
		FirstData:   firstData,
		State:       common.STATE_CLEAN,
	}
	id := opts.UUID
	if id == uuid.Nil {
		id = uuid.New()
	}
	copy(sb.UUID[:], id[:])
	copy(sb.Label[:], opts.Label)
	return sb, nil
}

// Format writes an empty filesystem to dev: superblock, bitmaps, a zeroed
// inode table and a root directory holding "." and "..".
func Format(ctx context.Context, dev common.BlockDevice, opts FormatOptions) (*common.Disk_Superblock, error) {
	sb, err := Layout(opts, dev.Size())
	if err != nil {
		return nil, err
	}
	now := opts.Time
	if now.IsZero() {
		now = time.Now()
	}
	bs := int(sb.BlockSize)
	blk := make([]byte, bs)

	// Zero all metadata blocks, then set the bits for the root.
	for b := uint64(1); b < uint64(sb.FirstData); b++ {
		if err := dev.WriteBlock(ctx, b, blk); err != nil {
			return nil, err
		}
	}

	// imap: bit 0 reserved, bit 1 the root inode
	blk[0] = 0x03
	if err := dev.WriteBlock(ctx, common.SUPER_BLOCK+1, blk); err != nil {
		return nil, err
	}
	// zmap: first data block holds the root directory
	blk[0] = 0x01
	if err := dev.WriteBlock(ctx, uint64(common.SUPER_BLOCK+1+sb.ImapBlocks), blk); err != nil {
		return nil, err
	}

	root := common.Disk_Inode{
		Mode:     common.I_DIRECTORY | 0755,
		Nlinks:   2,
		Size:     2 * common.DIRENT_SIZE,
		Atime:    now.UnixNano(),
		Mtime:    now.UnixNano(),
		Ctime:    now.UnixNano(),
		Nextents: 1,
	}
	root.Extents[0] = common.Extent{Start: sb.FirstData, Count: 1}
	clear(blk)
	if err := common.EncodeInode(&root, blk[(int(common.ROOT_INODE)-1)*common.INODE_SIZE:]); err != nil {
		return nil, err
	}
	if err := dev.WriteBlock(ctx, uint64(sb.InodeStart()), blk); err != nil {
		return nil, err
	}

	clear(blk)
	var de common.Disk_Dirent
	de.Inum = uint32(common.ROOT_INODE)
	de.SetName(".")
	common.EncodeDirent(&de, blk)
	de.SetName("..")
	common.EncodeDirent(&de, blk[common.DIRENT_SIZE:])
	if err := dev.WriteBlock(ctx, uint64(sb.FirstData), blk); err != nil {
		return nil, err
	}

	sb.WriteTime = now.UnixNano()
	clear(blk)
	if err := common.EncodeSuperblock(sb, blk); err != nil {
		return nil, err
	}
	if err := dev.WriteBlock(ctx, common.SUPER_BLOCK, blk); err != nil {
		return nil, err
	}
	if err := dev.Flush(ctx); err != nil {
		return nil, err
	}
	return sb, nil
}
