package common

import (
	"encoding/binary"
	"time"
)

// Ino is an inode number. Inode 0 is never allocated.
type Ino uint32

// Bno is an absolute block number on a device.
type Bno uint32

const (
	NO_INODE   Ino = 0
	ROOT_INODE Ino = 1
	NO_BLOCK   Bno = 0
)

// On-disk format constants.
const (
	SUPER_MAGIC   = 0x56455846 // "VEXF"
	DISK_VERSION  = 1
	SUPER_BLOCK   = 0   // block number of the superblock
	SUPER_MINSIZE = 512 // bytes read to locate and validate the superblock

	MIN_BLOCK_SIZE     = 512
	MAX_BLOCK_SIZE     = 65536
	DEFAULT_BLOCK_SIZE = 4096

	INODE_SIZE  = 128 // size of Disk_Inode
	DIRENT_SIZE = 64  // size of Disk_Dirent
	NAME_MAX    = 60  // bytes available for a directory entry name
	N_DIRECT    = 8   // extents stored in the inode itself
	EXTENT_SIZE = 8   // size of Extent

	STATE_CLEAN = 0
	STATE_DIRTY = 1
)

// File type and permission bits, following the Unix layout.
const (
	I_TYPE      = 0170000
	I_REGULAR   = 0100000
	I_DIRECTORY = 0040000
	I_NOT_ALLOC = 0000000

	ALL_MODES = 0007777
	RWX_MODES = 0000777
	R_BIT     = 0000004
	W_BIT     = 0000002
	X_BIT     = 0000001
)

// Open flags understood by the operation layer.
const (
	O_ACCMODE = 03
	O_RDONLY  = 00
	O_WRONLY  = 01
	O_RDWR    = 02
	O_CREAT   = 0100
	O_EXCL    = 0200
	O_TRUNC   = 01000
)

// ByteOrder used for every on-disk structure.
var ByteOrder = binary.LittleEndian

// Disk_Superblock is the fixed-offset header at the start of block 0. The
// header may grow in later revisions of the same version: HeaderSize says how
// many bytes the checksum covers, fields past the ones known here are ignored.
type Disk_Superblock struct {
	Magic      uint32 // SUPER_MAGIC
	Version    uint16 // DISK_VERSION
	HeaderSize uint16 // bytes covered by Checksum
	Checksum   uint32 // crc32 (IEEE) of the header with this field zeroed

	BlockSize   uint32 // block size in bytes
	Blocks      uint32 // device size in blocks
	Inodes      uint32 // number of usable inodes
	FreeBlocks  uint32 // free blocks in the data region
	FreeInodes  uint32 // free inodes
	RootInode   uint32 // inode number of the root directory
	ImapBlocks  uint32 // blocks used by the inode bitmap
	ZmapBlocks  uint32 // blocks used by the block bitmap
	InodeBlocks uint32 // blocks used by the inode table
	FirstData   uint32 // first block of the data region

	State      uint16 // STATE_CLEAN or STATE_DIRTY
	Pad        uint16
	Generation uint32 // incremented on every read-write mount
	MountTime  int64  // unix nanoseconds of the last mount
	WriteTime  int64  // unix nanoseconds of the last completed sync
	UUID       [16]byte
	Label      [32]byte
}

// Extent is a contiguous run of data blocks.
type Extent struct {
	Start uint32 // first block (absolute)
	Count uint32 // number of blocks
}

// End returns the block just past the extent.
func (e Extent) End() uint32 {
	return e.Start + e.Count
}

// ExtentList is an ordered list of extents.
type ExtentList []Extent

// Blocks returns the total number of blocks in the list.
func (l ExtentList) Blocks() int {
	n := 0
	for _, e := range l {
		n += int(e.Count)
	}
	return n
}

// Disk_Inode is the 128 byte on-disk inode record.
type Disk_Inode struct {
	Mode       uint16 // file type and protection
	Nlinks     uint16 // number of directory entries referencing this inode
	Uid        uint32
	Gid        uint32
	Flags      uint32
	Size       uint64 // file size in bytes
	Atime      int64  // unix nanoseconds
	Mtime      int64
	Ctime      int64
	Generation uint32
	Nextents   uint16 // extents in use, direct and indirect
	Pad        uint16
	Extents    [N_DIRECT]Extent
	Indirect   uint32 // block holding extents past N_DIRECT
	Pad2       uint32
}

// Disk_Dirent is one 64 byte directory slot. A zero Inum marks a free slot.
type Disk_Dirent struct {
	Inum uint32
	Name [NAME_MAX]byte
}

// NameString returns the entry name without trailing NULs.
func (d *Disk_Dirent) NameString() string {
	n := 0
	for n < len(d.Name) && d.Name[n] != 0 {
		n++
	}
	return string(d.Name[:n])
}

// SetName stores name into the fixed-size name field.
func (d *Disk_Dirent) SetName(name string) {
	d.Name = [NAME_MAX]byte{}
	copy(d.Name[:], name)
}

// Attr is the externally visible metadata of an inode.
type Attr struct {
	Ino    Ino
	Mode   uint16
	Nlinks uint16
	Uid    uint32
	Gid    uint32
	Size   uint64
	Blocks uint64 // data blocks owned, including the indirect extent block
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool {
	return a.Mode&I_TYPE == I_DIRECTORY
}

// SetAttr carries the fields of a setattr request; nil fields are unchanged.
type SetAttr struct {
	Mode  *uint16 // permission bits only
	Uid   *uint32
	Gid   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

// DirEntry is one entry returned by directory enumeration. Next is the offset
// to pass to resume enumeration after this entry.
type DirEntry struct {
	Name  string
	Ino   Ino
	IsDir bool
	Next  int
}

// StatFS describes space usage of a mounted filesystem.
type StatFS struct {
	BlockSize  uint32
	Blocks     uint32 // blocks in the data region
	FreeBlocks uint32
	Inodes     uint32
	FreeInodes uint32
	NameMax    uint32
}

// InodeStart returns the first block of the inode table.
func (sb *Disk_Superblock) InodeStart() uint32 {
	return SUPER_BLOCK + 1 + sb.ImapBlocks + sb.ZmapBlocks
}

// InodesPerBlock returns how many inode records fit in one block.
func (sb *Disk_Superblock) InodesPerBlock() int {
	return int(sb.BlockSize) / INODE_SIZE
}

// DataBlocks returns the number of blocks in the data region.
func (sb *Disk_Superblock) DataBlocks() uint32 {
	return sb.Blocks - sb.FirstData
}

// LabelString returns the volume label without trailing NULs.
func (sb *Disk_Superblock) LabelString() string {
	n := 0
	for n < len(sb.Label) && sb.Label[n] != 0 {
		n++
	}
	return string(sb.Label[:n])
}
