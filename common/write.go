package common

import "encoding/binary"

// EncodeSuperblock writes sb to the start of buf, filling in the header size
// and checksum. Bytes past the header are left untouched.
func EncodeSuperblock(sb *Disk_Superblock, buf []byte) error {
	sb.Magic = SUPER_MAGIC
	sb.Version = DISK_VERSION
	sb.HeaderSize = uint16(superSize)
	sb.Checksum = 0
	if _, err := binary.Encode(buf[:superSize], ByteOrder, sb); err != nil {
		return err
	}
	sb.Checksum = superChecksum(buf[:superSize])
	ByteOrder.PutUint32(buf[checksumOff:], sb.Checksum)
	return nil
}

// EncodeInode writes the inode record to the start of buf.
func EncodeInode(ip *Disk_Inode, buf []byte) error {
	_, err := binary.Encode(buf[:inodeSize], ByteOrder, ip)
	return err
}

// EncodeDirent writes the directory slot to the start of buf.
func EncodeDirent(d *Disk_Dirent, buf []byte) {
	ByteOrder.PutUint32(buf, d.Inum)
	copy(buf[4:DIRENT_SIZE], d.Name[:])
}

// EncodeExtents writes list into an indirect extent block.
func EncodeExtents(list ExtentList, buf []byte) {
	for i, e := range list {
		off := i * EXTENT_SIZE
		ByteOrder.PutUint32(buf[off:], e.Start)
		ByteOrder.PutUint32(buf[off+4:], e.Count)
	}
}

// ZeroBlock clears buf.
func ZeroBlock(buf []byte) {
	clear(buf)
}
