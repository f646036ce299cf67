package fs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/testutils"
)

func TestExtentStore(test *testing.T) {
	ctx := context.Background()
	fs, proc := OpenTestFS(test)
	defer shutdown(test, fs)
	bs := int64(fs.Super().BlockSize)

	if err := proc.WriteFile(ctx, "/vectors", []byte("hdr"), 0644); err != nil {
		testutils.FatalHere(test, "WriteFile failed: %s", err)
	}
	attr, _ := proc.Stat(ctx, "/vectors")
	store := fs.Extents()

	off, err := store.AllocateExtent(ctx, attr.Ino, 4)
	if err != nil {
		testutils.FatalHere(test, "AllocateExtent failed: %s", err)
	}
	if off != bs {
		testutils.ErrorHere(test, "Extent starts at %d, expected %d", off, bs)
	}
	if a, _ := fs.Getattr(ctx, attr.Ino); a.Size != uint64(5*bs) {
		testutils.ErrorHere(test, "Size %d after allocating 4 blocks, expected %d", a.Size, 5*bs)
	}

	payload := pattern(int(2 * bs))
	if _, err := store.WriteExtent(ctx, attr.Ino, off+bs, payload); err != nil {
		testutils.FatalHere(test, "WriteExtent failed: %s", err)
	}
	got := make([]byte, len(payload))
	if _, err := store.ReadExtent(ctx, attr.Ino, off+bs, got); err != nil {
		testutils.FatalHere(test, "ReadExtent failed: %s", err)
	}
	if !bytes.Equal(got, payload) {
		testutils.ErrorHere(test, "Extent payload mismatch")
	}

	list, err := store.Map(ctx, attr.Ino)
	if err != nil {
		testutils.FatalHere(test, "Map failed: %s", err)
	}
	if list.Blocks() != 5 {
		testutils.ErrorHere(test, "Map covers %d blocks, expected 5: %v", list.Blocks(), list)
	}
	first := fs.Super().FirstData
	for _, e := range list {
		if e.Start < first || !fs.Alloc().BlockAllocated(e.Start) {
			testutils.ErrorHere(test, "Extent %+v outside the allocated data region", e)
		}
	}

	if _, err := store.AllocateExtent(ctx, attr.Ino, 0); !errors.Is(err, common.ErrInvalidOperation) {
		testutils.ErrorHere(test, "Zero-length extent returned %v", err)
	}
	if _, err := store.Map(ctx, common.ROOT_INODE); !errors.Is(err, common.ErrIsDir) {
		testutils.ErrorHere(test, "Map of a directory returned %v", err)
	}
}
