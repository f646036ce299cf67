package debug

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/device"
	"github.com/lspecian/vexfs-sub011/super"
	"github.com/lspecian/vexfs-sub011/testutils"
)

func TestDumpFreshImage(test *testing.T) {
	ctx := context.Background()
	dev := device.NewRamdisk("debug", 1<<20)
	sb, err := super.Format(ctx, dev, super.FormatOptions{BlockSize: 1024, Label: "dbg"})
	if err != nil {
		testutils.FatalHere(test, "Format failed: %s", err)
	}

	regions := map[uint32]string{
		0:                    "super",
		1:                    "imap",
		1 + sb.ImapBlocks:    "zmap",
		sb.InodeStart():      "inodes",
		sb.FirstData:         "data",
		sb.Blocks:            "beyond",
	}
	for bno, want := range regions {
		if got := Region(sb, bno); got != want {
			testutils.ErrorHere(test, "Region(%d) = %s, expected %s", bno, got, want)
		}
	}

	var buf bytes.Buffer
	if err := DumpBlock(ctx, &buf, dev, sb, sb.InodeStart(), false); err != nil {
		testutils.FatalHere(test, "DumpBlock failed: %s", err)
	}
	if !strings.Contains(buf.String(), "       1 40755") {
		testutils.ErrorHere(test, "Root inode missing from:\n%s", buf.String())
	}

	buf.Reset()
	DumpBlock(ctx, &buf, dev, sb, sb.FirstData, true)
	out := buf.String()
	if !strings.Contains(out, `Entry    0: "." at inode 1`) || !strings.Contains(out, `Entry    1: ".." at inode 1`) {
		testutils.ErrorHere(test, "Root directory entries missing from:\n%s", out)
	}

	buf.Reset()
	DumpBlock(ctx, &buf, dev, sb, 0, false)
	if !strings.Contains(buf.String(), `label      "dbg"`) || !strings.Contains(buf.String(), "state      clean") {
		testutils.ErrorHere(test, "Superblock dump:\n%s", buf.String())
	}

	if err := DumpBlock(ctx, &buf, dev, sb, sb.Blocks, false); !errors.Is(err, common.ErrInvalidOperation) {
		testutils.ErrorHere(test, "Dump past the end gave %v", err)
	}
}
