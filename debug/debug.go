// Package debug prints raw on-disk structures for inspection.
package debug

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/lspecian/vexfs-sub011/common"
)

// Region names the part of the layout a block belongs to.
func Region(sb *common.Disk_Superblock, bno uint32) string {
	imap := uint32(common.SUPER_BLOCK + 1)
	zmap := imap + sb.ImapBlocks
	itab := zmap + sb.ZmapBlocks
	switch {
	case bno == common.SUPER_BLOCK:
		return "super"
	case bno < zmap:
		return "imap"
	case bno < itab:
		return "zmap"
	case bno < sb.FirstData:
		return "inodes"
	case bno < sb.Blocks:
		return "data"
	}
	return "beyond"
}

func stamp(ns int64) string {
	if ns == 0 {
		return "-"
	}
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}

// PrintSuper writes the superblock fields.
func PrintSuper(w io.Writer, sb *common.Disk_Superblock) {
	state := "clean"
	if sb.State != common.STATE_CLEAN {
		state = "dirty"
	}
	id, _ := uuid.FromBytes(sb.UUID[:])
	fmt.Fprintf(w, "label      %q\n", sb.LabelString())
	fmt.Fprintf(w, "uuid       %s\n", id)
	fmt.Fprintf(w, "version    %d (header %d bytes)\n", sb.Version, sb.HeaderSize)
	fmt.Fprintf(w, "state      %s, generation %d\n", state, sb.Generation)
	fmt.Fprintf(w, "blocks     %d x %d bytes, %d free\n", sb.Blocks, sb.BlockSize, sb.FreeBlocks)
	fmt.Fprintf(w, "inodes     %d, %d free, root %d\n", sb.Inodes, sb.FreeInodes, sb.RootInode)
	fmt.Fprintf(w, "layout     imap %d, zmap %d, itable %d+%d, data %d\n",
		sb.ImapBlocks, sb.ZmapBlocks, sb.InodeStart(), sb.InodeBlocks, sb.FirstData)
	fmt.Fprintf(w, "mounted    %s\n", stamp(sb.MountTime))
	fmt.Fprintf(w, "written    %s\n", stamp(sb.WriteTime))
}

// PrintBlock writes the contents of block bno. Inode table blocks are
// printed as inode records; data blocks as directory entries when dir is
// set, otherwise as a hex dump of the leading bytes.
func PrintBlock(w io.Writer, sb *common.Disk_Superblock, bno uint32, data []byte, dir bool) {
	region := Region(sb, bno)
	fmt.Fprintf(w, "block %d (%s)\n", bno, region)
	switch {
	case region == "inodes":
		// Convert from block number to the first inode number in the block.
		per := sb.InodesPerBlock()
		inum := int(bno-sb.InodeStart())*per + 1
		buf := bytes.NewBuffer(nil)
		fmt.Fprintf(buf, "%8s %-8s %6s %10s %s\n", "INODE #", "MODE", "NLINKS", "SIZE", "EXTENTS")
		for i := 0; i < per; i++ {
			var d common.Disk_Inode
			if err := common.DecodeInode(data[i*common.INODE_SIZE:], &d); err != nil {
				fmt.Fprintf(buf, "%8d undecodable: %s\n", inum+i, err)
				continue
			}
			if d.Mode != common.I_NOT_ALLOC && d.Nlinks != 0 {
				n := min(int(d.Nextents), common.N_DIRECT)
				fmt.Fprintf(buf, "%8d %-8o %6d %10d %v\n", inum+i, d.Mode, d.Nlinks, d.Size, d.Extents[:n])
			}
		}
		w.Write(buf.Bytes())
	case region == "data" && dir:
		for i := 0; i+common.DIRENT_SIZE <= len(data); i += common.DIRENT_SIZE {
			var d common.Disk_Dirent
			common.DecodeDirent(data[i:], &d)
			if d.Inum != 0 {
				fmt.Fprintf(w, "Entry %4d: %q at inode %d\n", i/common.DIRENT_SIZE, d.NameString(), d.Inum)
			}
		}
	case region == "super":
		if sb, err := common.DecodeSuperblock(data); err == nil {
			PrintSuper(w, sb)
		} else {
			fmt.Fprintf(w, "%s\n", err)
		}
	default:
		fmt.Fprintf(w, "% x\n", data[:min(len(data), 64)])
	}
}

// DumpBlock reads block bno from dev and prints it.
func DumpBlock(ctx context.Context, w io.Writer, dev common.BlockDevice, sb *common.Disk_Superblock, bno uint32, dir bool) error {
	if bno >= sb.Blocks {
		return fmt.Errorf("%w: block %d beyond %d", common.ErrInvalidOperation, bno, sb.Blocks)
	}
	buf := make([]byte, sb.BlockSize)
	if err := dev.ReadBlock(ctx, uint64(bno), buf); err != nil {
		return common.IOError("read", uint64(bno), err)
	}
	PrintBlock(w, sb, bno, buf, dir)
	return nil
}
