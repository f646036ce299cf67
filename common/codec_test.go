package common

import (
	"errors"
	"fmt"
	"testing"
)

func testSuper() *Disk_Superblock {
	sb := &Disk_Superblock{
		BlockSize:  1024,
		Blocks:     1024,
		Inodes:     256,
		FreeBlocks: 900,
		FreeInodes: 255,
		RootInode:  uint32(ROOT_INODE),
		Generation: 7,
	}
	copy(sb.Label[:], "codec")
	return sb
}

func TestSuperblockHeader(test *testing.T) {
	buf := make([]byte, 1024)
	// Bytes past the header belong to a later revision and must survive.
	buf[len(buf)-1] = 0xAA
	sb := testSuper()
	if err := EncodeSuperblock(sb, buf); err != nil {
		test.Fatalf("Encode failed: %s", err)
	}
	if buf[len(buf)-1] != 0xAA {
		test.Errorf("Encode touched bytes past the header")
	}

	got, err := DecodeSuperblock(buf)
	if err != nil {
		test.Fatalf("Decode failed: %s", err)
	}
	if *got != *sb || got.LabelString() != "codec" {
		test.Errorf("Decoded %+v, expected %+v", got, sb)
	}

	corrupt := []struct {
		name string
		edit func(b []byte) []byte
	}{
		{"magic", func(b []byte) []byte { b[0] ^= 0xFF; return b }},
		{"version", func(b []byte) []byte { ByteOrder.PutUint16(b[4:], DISK_VERSION+1); return b }},
		{"checksum", func(b []byte) []byte { b[20] ^= 0x01; return b }},
		{"truncated", func(b []byte) []byte { return b[:SuperblockSize()-1] }},
		{"header size", func(b []byte) []byte { ByteOrder.PutUint16(b[6:], 8); return b }},
	}
	for _, c := range corrupt {
		test.Run(c.name, func(test *testing.T) {
			b := append([]byte(nil), buf...)
			if _, err := DecodeSuperblock(c.edit(b)); !errors.Is(err, ErrInvalidSuperblock) {
				test.Errorf("Decode gave %v, expected ErrInvalidSuperblock", err)
			}
		})
	}
}

// A longer header written by a later revision still validates, as long as
// the checksum covers it.
func TestSuperblockLongerHeader(test *testing.T) {
	buf := make([]byte, 1024)
	if err := EncodeSuperblock(testSuper(), buf); err != nil {
		test.Fatalf("Encode failed: %s", err)
	}
	size := SuperblockSize() + 16
	buf[size-1] = 0x42
	ByteOrder.PutUint16(buf[6:], uint16(size))
	ByteOrder.PutUint32(buf[checksumOff:], superChecksum(buf[:size]))
	if _, err := DecodeSuperblock(buf); err != nil {
		test.Errorf("Longer header rejected: %s", err)
	}
}

func TestInodeAndDirent(test *testing.T) {
	in := Disk_Inode{Mode: I_REGULAR | 0644, Nlinks: 1, Size: 12345, Mtime: 99, Nextents: 2, Indirect: 77}
	in.Extents[0] = Extent{Start: 10, Count: 3}
	in.Extents[1] = Extent{Start: 20, Count: 1}
	buf := make([]byte, INODE_SIZE)
	if err := EncodeInode(&in, buf); err != nil {
		test.Fatalf("EncodeInode failed: %s", err)
	}
	var out Disk_Inode
	if err := DecodeInode(buf, &out); err != nil || out != in {
		test.Errorf("Inode decoded as %+v (%v)", out, err)
	}

	var d Disk_Dirent
	d.Inum = 42
	d.SetName("entry")
	dbuf := make([]byte, DIRENT_SIZE)
	EncodeDirent(&d, dbuf)
	var back Disk_Dirent
	DecodeDirent(dbuf, &back)
	if back.Inum != 42 || back.NameString() != "entry" {
		test.Errorf("Dirent decoded as %d %q", back.Inum, back.NameString())
	}

	list := ExtentList{{Start: 5, Count: 2}, {Start: 9, Count: 4}}
	ebuf := make([]byte, 64)
	EncodeExtents(list, ebuf)
	if got := DecodeExtents(ebuf, 2); fmt.Sprint(got) != fmt.Sprint(list) || got.Blocks() != 6 {
		test.Errorf("Extents decoded as %v", got)
	}
}

func TestErrorCode(test *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{nil, "OK"},
		{ErrNotEmpty, "NotEmpty"},
		{ErrInvalidOperation, "InvalidOperation"},
		{WrapOp("mount", "sda", ErrAlreadyMounted), "AlreadyMounted"},
		{IOError("read", 3, errors.New("short read")), "IoError"},
		{Corruptf("zone %d", 1), "Corrupt"},
		{errors.New("other"), "Unknown"},
	}
	for _, t := range tests {
		if got := ErrorCode(t.err); got != t.code {
			test.Errorf("ErrorCode(%v) = %s, expected %s", t.err, got, t.code)
		}
	}
	if !IsFatal(Corruptf("x")) || IsFatal(ErrNotFound) {
		test.Errorf("IsFatal misclassifies")
	}
}
