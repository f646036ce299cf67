package mount

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/device"
	"github.com/lspecian/vexfs-sub011/fs"
	"github.com/lspecian/vexfs-sub011/super"
	"github.com/lspecian/vexfs-sub011/testutils"
)

func formatted(test *testing.T) *device.Ramdisk {
	test.Helper()
	dev := device.NewRamdisk(test.Name(), 1<<20)
	if _, err := super.Format(context.Background(), dev, super.FormatOptions{BlockSize: 1024}); err != nil {
		testutils.FatalHere(test, "Format failed: %s", err)
	}
	return dev
}

func TestLifecycle(test *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)
	dev := formatted(test)

	if s := reg.State("d0"); s != UNMOUNTED {
		testutils.ErrorHere(test, "Unknown device in state %s", s)
	}
	fsys, err := reg.Mount(ctx, "d0", dev, DefaultOptions())
	if err != nil {
		testutils.FatalHere(test, "Mount failed: %s", err)
	}
	if s := reg.State("d0"); s != MOUNTED_RW {
		testutils.ErrorHere(test, "State %s after mount", s)
	}
	if _, err := reg.Mount(ctx, "d0", dev, DefaultOptions()); !errors.Is(err, common.ErrAlreadyMounted) {
		testutils.ErrorHere(test, "Second mount returned %v", err)
	}
	if got, _ := reg.Session("d0"); got != fsys {
		testutils.ErrorHere(test, "Session returned a different filesystem")
	}

	if err := reg.Remount(ctx, "d0", true); err != nil {
		testutils.FatalHere(test, "Remount ro failed: %s", err)
	}
	if s := reg.State("d0"); s != MOUNTED_RO {
		testutils.ErrorHere(test, "State %s after remount ro", s)
	}
	if err := fsys.NewProcess().WriteFile(ctx, "/x", nil, 0644); !errors.Is(err, common.ErrReadOnly) {
		testutils.ErrorHere(test, "Write on ro mount returned %v", err)
	}
	if err := reg.Remount(ctx, "d0", false); err != nil {
		testutils.FatalHere(test, "Remount rw failed: %s", err)
	}
	if s := reg.State("d0"); s != MOUNTED_RW {
		testutils.ErrorHere(test, "State %s after remount rw", s)
	}

	infos := reg.Sessions()
	if len(infos) != 1 || infos[0].ID != "d0" || infos[0].Session != fsys.ID().String() {
		testutils.ErrorHere(test, "Sessions returned %+v", infos)
	}

	if err := reg.Unmount(ctx, "d0", false); err != nil {
		testutils.FatalHere(test, "Unmount failed: %s", err)
	}
	if s := reg.State("d0"); s != UNMOUNTED {
		testutils.ErrorHere(test, "State %s after unmount", s)
	}
	if err := reg.Unmount(ctx, "d0", false); !errors.Is(err, common.ErrNotMounted) {
		testutils.ErrorHere(test, "Second unmount returned %v", err)
	}
	if err := reg.Remount(ctx, "d0", true); !errors.Is(err, common.ErrNotMounted) {
		testutils.ErrorHere(test, "Remount of unmounted device returned %v", err)
	}
}

func TestIndependentDevices(test *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)
	if _, err := reg.Mount(ctx, "a", formatted(test), DefaultOptions()); err != nil {
		testutils.FatalHere(test, "Mount a failed: %s", err)
	}
	opts := DefaultOptions()
	opts.ReadOnly = true
	if _, err := reg.Mount(ctx, "b", formatted(test), opts); err != nil {
		testutils.FatalHere(test, "Mount b failed: %s", err)
	}
	if reg.State("a") != MOUNTED_RW || reg.State("b") != MOUNTED_RO {
		testutils.ErrorHere(test, "States %s, %s", reg.State("a"), reg.State("b"))
	}
	if err := reg.Close(ctx); err != nil {
		testutils.ErrorHere(test, "Close failed: %s", err)
	}
	if n := len(reg.Sessions()); n != 0 {
		testutils.ErrorHere(test, "%d sessions left after Close", n)
	}
	if _, err := reg.Mount(ctx, "a", formatted(test), DefaultOptions()); err == nil {
		testutils.ErrorHere(test, "Mount succeeded on a closed registry")
	}
}

func TestUnmountBusy(test *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)
	fsys, err := reg.Mount(ctx, "d0", formatted(test), DefaultOptions())
	if err != nil {
		testutils.FatalHere(test, "Mount failed: %s", err)
	}
	h, err := fsys.NewProcess().Creat(ctx, "/open", 0644)
	if err != nil {
		testutils.FatalHere(test, "Creat failed: %s", err)
	}

	if err := reg.Unmount(ctx, "d0", false); !errors.Is(err, common.ErrBusy) {
		testutils.ErrorHere(test, "Unmount with open handle returned %v", err)
	}
	if s := reg.State("d0"); s != MOUNTED_RW {
		testutils.ErrorHere(test, "State %s after refused unmount", s)
	}
	if err := reg.Unmount(ctx, "d0", true); err != nil {
		testutils.FatalHere(test, "Forced unmount failed: %s", err)
	}
	if _, err := h.Write(ctx, []byte("x")); !errors.Is(err, common.ErrBadHandle) {
		testutils.ErrorHere(test, "Write after forced unmount returned %v", err)
	}
}

func TestInvalidDeviceStaysUnmounted(test *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)
	dev := device.NewRamdisk("zero", 1<<20)
	for i := 0; i < 2; i++ {
		if _, err := reg.Mount(ctx, "z", dev, DefaultOptions()); !errors.Is(err, common.ErrInvalidSuperblock) {
			testutils.ErrorHere(test, "Mount %d of a zero device returned %v", i, err)
		}
		if s := reg.State("z"); s != UNMOUNTED {
			testutils.ErrorHere(test, "State %s after failed mount", s)
		}
	}
}

func TestMountTimeout(test *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)
	raw := formatted(test)
	dev := testutils.NewBlockingDevice(raw)

	opts := DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	started := make(chan struct{})
	go func() {
		<-dev.HasBlocked
		close(started)
	}()
	if _, err := reg.Mount(ctx, "slow", dev, opts); !errors.Is(err, common.ErrTimeout) {
		testutils.FatalHere(test, "Stalled mount returned %v", err)
	}
	<-started
	if s := reg.State("slow"); s != FAULTED {
		testutils.ErrorHere(test, "State %s after timeout", s)
	}
	if _, err := reg.Mount(ctx, "slow", raw, DefaultOptions()); !errors.Is(err, common.ErrFaulted) {
		testutils.ErrorHere(test, "Mount of faulted device returned %v", err)
	}
	if _, err := reg.Session("slow"); err == nil {
		testutils.ErrorHere(test, "Faulted device has a session")
	}

	// Let the parked read and everything after it through.
	stop := make(chan struct{})
	defer close(stop)
	dev.Unblock <- true
	go func() {
		for {
			select {
			case <-dev.HasBlocked:
				dev.Unblock <- true
			case <-stop:
				return
			}
		}
	}()

	if _, err := reg.Reset(ctx, "slow"); err != nil {
		testutils.FatalHere(test, "Reset failed: %s", err)
	}
	if s := reg.State("slow"); s != UNMOUNTED {
		testutils.ErrorHere(test, "State %s after reset", s)
	}
	if _, err := reg.Mount(ctx, "slow", raw, DefaultOptions()); err != nil {
		testutils.ErrorHere(test, "Mount after reset failed: %s", err)
	}
	reg.Close(ctx)
}

func TestDirtyMountRepairs(test *testing.T) {
	ctx := context.Background()
	dev := formatted(test)
	fsys, err := fs.Mount(ctx, dev, fs.DefaultOptions())
	if err != nil {
		testutils.FatalHere(test, "Mount failed: %s", err)
	}
	fsys.NewProcess().WriteFile(ctx, "/lost", []byte("never synced"), 0644)
	crashed := device.FromImage("crashed", dev.Snapshot())
	fsys.Shutdown(ctx, false)

	reg := NewRegistry(nil)
	fsys, err = reg.Mount(ctx, "c", crashed, DefaultOptions())
	if err != nil {
		testutils.FatalHere(test, "Mount of crashed image failed: %s", err)
	}
	if !fsys.WasDirty() {
		testutils.ErrorHere(test, "Crashed image mounted clean")
	}
	r := reg.Report("c")
	if r == nil {
		testutils.FatalHere(test, "No repair ran on a dirty mount")
	}
	if len(r.Unfixed()) != 0 || !r.Balanced() {
		testutils.ErrorHere(test, "Repair left %v", r.Problems)
	}
	if err := reg.Unmount(ctx, "c", false); err != nil {
		testutils.FatalHere(test, "Unmount failed: %s", err)
	}

	if _, err := reg.Mount(ctx, "c", crashed, DefaultOptions()); err != nil {
		testutils.FatalHere(test, "Remount failed: %s", err)
	}
	if reg.Report("c") != nil {
		testutils.ErrorHere(test, "Repair ran on a clean mount")
	}
	reg.Close(ctx)
}

func TestSessionFault(test *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)
	dev := testutils.NewFaultyDevice(formatted(test))
	fsys, err := reg.Mount(ctx, "f", dev, DefaultOptions())
	if err != nil {
		testutils.FatalHere(test, "Mount failed: %s", err)
	}
	fsys.NewProcess().WriteFile(ctx, "/a", []byte("data"), 0644)

	dev.Arm(0)
	if err := fsys.Sync(ctx); !errors.Is(err, common.ErrIO) {
		testutils.ErrorHere(test, "Sync returned %v", err)
	}
	if s := reg.State("f"); s != FAULTED {
		testutils.FatalHere(test, "State %s after failed sync", s)
	}
	if err := reg.Remount(ctx, "f", true); !errors.Is(err, common.ErrFaulted) {
		testutils.ErrorHere(test, "Remount of faulted device returned %v", err)
	}
	if err := reg.Unmount(ctx, "f", false); err != nil {
		testutils.ErrorHere(test, "Unmount of faulted device returned %v", err)
	}
	if s := reg.State("f"); s != FAULTED {
		testutils.ErrorHere(test, "State %s after discarding the session", s)
	}

	dev.Disarm()
	if _, err := reg.Reset(ctx, "f"); err != nil {
		testutils.FatalHere(test, "Reset failed: %s", err)
	}
	if s := reg.State("f"); s != UNMOUNTED {
		testutils.ErrorHere(test, "State %s after reset", s)
	}
	if _, err := reg.Reset(ctx, "f"); !errors.Is(err, common.ErrNotMounted) {
		testutils.ErrorHere(test, "Reset of unknown device returned %v", err)
	}
}
