package common

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

var (
	superSize = binary.Size(Disk_Superblock{})
	inodeSize = binary.Size(Disk_Inode{})
)

// SuperblockSize is the number of header bytes written by this version.
func SuperblockSize() int { return superSize }

// checksum offset within the superblock header
const checksumOff = 8

// DecodeSuperblock parses and validates the superblock header at the start of
// buf. Every failure matches ErrInvalidSuperblock.
func DecodeSuperblock(buf []byte) (*Disk_Superblock, error) {
	if len(buf) < superSize {
		return nil, fmt.Errorf("%w: header truncated (%d bytes)", ErrInvalidSuperblock, len(buf))
	}
	if magic := ByteOrder.Uint32(buf[0:]); magic != SUPER_MAGIC {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrInvalidSuperblock, magic)
	}
	if v := ByteOrder.Uint16(buf[4:]); v != DISK_VERSION {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSuperblock, v)
	}
	hsize := int(ByteOrder.Uint16(buf[6:]))
	if hsize < superSize || hsize > len(buf) {
		return nil, fmt.Errorf("%w: bad header size %d", ErrInvalidSuperblock, hsize)
	}
	want := ByteOrder.Uint32(buf[checksumOff:])
	if got := superChecksum(buf[:hsize]); got != want {
		return nil, fmt.Errorf("%w: checksum %#x, expected %#x", ErrInvalidSuperblock, got, want)
	}

	sb := new(Disk_Superblock)
	if _, err := binary.Decode(buf[:superSize], ByteOrder, sb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSuperblock, err)
	}
	return sb, nil
}

// superChecksum computes the crc32 of hdr with the checksum field zeroed.
func superChecksum(hdr []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(hdr[:checksumOff])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(hdr[checksumOff+4:])
	return h.Sum32()
}

// DecodeInode reads the inode record at the start of buf.
func DecodeInode(buf []byte, ip *Disk_Inode) error {
	_, err := binary.Decode(buf[:inodeSize], ByteOrder, ip)
	return err
}

// DecodeDirent reads the directory slot at the start of buf.
func DecodeDirent(buf []byte, d *Disk_Dirent) {
	d.Inum = ByteOrder.Uint32(buf)
	copy(d.Name[:], buf[4:DIRENT_SIZE])
}

// DecodeExtents reads n extents from an indirect extent block.
func DecodeExtents(buf []byte, n int) ExtentList {
	list := make(ExtentList, n)
	for i := range list {
		off := i * EXTENT_SIZE
		list[i].Start = ByteOrder.Uint32(buf[off:])
		list[i].Count = ByteOrder.Uint32(buf[off+4:])
	}
	return list
}
