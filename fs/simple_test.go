package fs

import (
	"context"
	"errors"
	"testing"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/super"
	"github.com/lspecian/vexfs-sub011/testutils"
)

func TestShutdownLeavesCleanSuperblock(test *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(test, 1<<20)
	fs, proc := mountTestDevice(test, dev, DefaultOptions())

	if err := proc.Mkdir(ctx, "/d", 0755); err != nil {
		testutils.FatalHere(test, "Mkdir failed: %s", err)
	}
	sb, err := super.Read(ctx, dev)
	if err != nil || sb.State != common.STATE_DIRTY {
		testutils.ErrorHere(test, "Superblock not dirty after a mutation: %v %v", sb, err)
	}

	shutdown(test, fs)
	sb, err = super.Read(ctx, dev)
	if err != nil {
		testutils.FatalHere(test, "Reading superblock failed: %s", err)
	}
	if sb.State != common.STATE_CLEAN {
		testutils.ErrorHere(test, "Superblock still dirty after shutdown")
	}
	if sb.Generation != 1 {
		testutils.ErrorHere(test, "Generation %d after one session, expected 1", sb.Generation)
	}

	if err := fs.Shutdown(ctx, false); !errors.Is(err, common.ErrNotMounted) {
		testutils.ErrorHere(test, "Second shutdown returned %v", err)
	}
	if _, err := fs.Getattr(ctx, common.ROOT_INODE); !errors.Is(err, common.ErrNotMounted) {
		testutils.ErrorHere(test, "Getattr after shutdown returned %v", err)
	}
}

// An open handle keeps the session busy unless the shutdown is forced.
func TestShutdownBusy(test *testing.T) {
	ctx := context.Background()
	fs, proc := OpenTestFS(test)

	h, err := proc.Creat(ctx, "/open", 0644)
	if err != nil {
		testutils.FatalHere(test, "Creat failed: %s", err)
	}
	if err := fs.Shutdown(ctx, false); !errors.Is(err, common.ErrBusy) {
		testutils.FatalHere(test, "Expected ErrBusy, got: %v", err)
	}
	// still mounted
	if _, err := h.Write(ctx, []byte("still here")); err != nil {
		testutils.FatalHere(test, "Write after refused shutdown failed: %s", err)
	}

	if err := fs.Shutdown(ctx, true); err != nil {
		testutils.FatalHere(test, "Forced shutdown failed: %s", err)
	}
	if _, err := h.Write(ctx, []byte("x")); !errors.Is(err, common.ErrBadHandle) {
		testutils.ErrorHere(test, "Write on invalidated handle returned %v", err)
	}
	if err := h.Close(ctx); !errors.Is(err, common.ErrBadHandle) {
		testutils.ErrorHere(test, "Close on invalidated handle returned %v", err)
	}
}

func TestSyncIsIdempotent(test *testing.T) {
	ctx := context.Background()
	dev := testutils.NewFaultyDevice(newTestDevice(test, 1<<20))
	fs, proc := mountTestDevice(test, dev, DefaultOptions())

	if err := proc.WriteFile(ctx, "/f", make([]byte, 3000), 0644); err != nil {
		testutils.FatalHere(test, "WriteFile failed: %s", err)
	}
	if err := fs.Sync(ctx); err != nil {
		testutils.FatalHere(test, "Sync failed: %s", err)
	}
	writes := dev.Writes()
	if err := fs.Sync(ctx); err != nil {
		testutils.FatalHere(test, "Second sync failed: %s", err)
	}
	if dev.Writes() != writes {
		testutils.ErrorHere(test, "Second sync wrote %d blocks", dev.Writes()-writes)
	}
	shutdown(test, fs)
	if dev.Writes() != writes {
		testutils.ErrorHere(test, "Shutdown of a synced session wrote %d blocks", dev.Writes()-writes)
	}
}

func TestFaultRejectsOperations(test *testing.T) {
	ctx := context.Background()
	var faulted error
	opts := DefaultOptions()
	opts.OnFault = func(err error) { faulted = err }
	fs, proc := mountTestDevice(test, newTestDevice(test, 1<<20), opts)

	cause := common.Corruptf("free list points at itself")
	fs.Fault(cause)
	if !errors.Is(faulted, common.ErrCorrupt) {
		testutils.ErrorHere(test, "OnFault got %v", faulted)
	}
	if err := proc.Mkdir(ctx, "/d", 0755); !errors.Is(err, common.ErrFaulted) {
		testutils.ErrorHere(test, "Mkdir on faulted session returned %v", err)
	}
	if !errors.Is(fs.Faulted(), common.ErrCorrupt) {
		testutils.ErrorHere(test, "Faulted() = %v", fs.Faulted())
	}
	// A faulted session is discarded, not flushed.
	if err := fs.Shutdown(ctx, true); err != nil {
		testutils.ErrorHere(test, "Shutdown of faulted session failed: %s", err)
	}
}

func TestSyncIOErrorFaults(test *testing.T) {
	ctx := context.Background()
	dev := testutils.NewFaultyDevice(newTestDevice(test, 1<<20))
	fs, proc := mountTestDevice(test, dev, DefaultOptions())

	if err := proc.WriteFile(ctx, "/f", []byte("abc"), 0644); err != nil {
		testutils.FatalHere(test, "WriteFile failed: %s", err)
	}
	dev.Arm(0)
	if err := fs.Sync(ctx); !errors.Is(err, common.ErrIO) {
		testutils.FatalHere(test, "Expected ErrIO from sync, got %v", err)
	}
	if _, err := fs.Getattr(ctx, common.ROOT_INODE); !errors.Is(err, common.ErrFaulted) {
		testutils.ErrorHere(test, "Session not faulted after failed sync: %v", err)
	}
	dev.Disarm()
	fs.Shutdown(ctx, true)
}
