// Package testutils holds helpers shared by the package tests.
package testutils

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/device"
)

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// ErrorHere reports a test error prefixed with the caller's position.
func ErrorHere(test testing.TB, format string, args ...any) {
	test.Helper()
	test.Errorf("%s: %s", caller(), fmt.Sprintf(format, args...))
}

// FatalHere reports a test failure prefixed with the caller's position and
// stops the test.
func FatalHere(test testing.TB, format string, args ...any) {
	test.Helper()
	test.Fatalf("%s: %s", caller(), fmt.Sprintf(format, args...))
}

// NewTestDevice returns a ramdisk of nblocks blocks where every byte of
// block i holds the value i (mod 256).
func NewTestDevice(test testing.TB, bsize, nblocks int) *device.Ramdisk {
	test.Helper()
	img := make([]byte, bsize*nblocks)
	for i := 0; i < nblocks; i++ {
		blk := img[i*bsize : (i+1)*bsize]
		for j := range blk {
			blk[j] = byte(i)
		}
	}
	return device.FromImage(test.Name(), img)
}

// BlockingDevice wraps a device and parks every read until the test sends
// on Unblock. HasBlocked is signalled each time a read parks.
type BlockingDevice struct {
	common.BlockDevice
	HasBlocked chan bool
	Unblock    chan bool
}

func NewBlockingDevice(dev common.BlockDevice) *BlockingDevice {
	return &BlockingDevice{
		BlockDevice: dev,
		HasBlocked:  make(chan bool),
		Unblock:     make(chan bool),
	}
}

func (d *BlockingDevice) ReadBlock(ctx context.Context, bno uint64, buf []byte) error {
	d.HasBlocked <- true
	<-d.Unblock
	return d.BlockDevice.ReadBlock(ctx, bno, buf)
}

// FaultyDevice wraps a device and starts failing writes once Arm has been
// called with the number of writes still allowed.
type FaultyDevice struct {
	common.BlockDevice

	mu     sync.Mutex
	armed  bool
	left   int
	writes int
}

func NewFaultyDevice(dev common.BlockDevice) *FaultyDevice {
	return &FaultyDevice{BlockDevice: dev}
}

// Arm lets n more writes through and fails every write after that.
func (d *FaultyDevice) Arm(n int) {
	d.mu.Lock()
	d.armed = true
	d.left = n
	d.mu.Unlock()
}

// Disarm stops injecting failures.
func (d *FaultyDevice) Disarm() {
	d.mu.Lock()
	d.armed = false
	d.mu.Unlock()
}

// Writes returns the number of writes that reached the wrapped device.
func (d *FaultyDevice) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *FaultyDevice) WriteBlock(ctx context.Context, bno uint64, buf []byte) error {
	d.mu.Lock()
	if d.armed {
		if d.left == 0 {
			d.mu.Unlock()
			return common.IOError("write", bno, fmt.Errorf("injected failure"))
		}
		d.left--
	}
	d.writes++
	d.mu.Unlock()
	return d.BlockDevice.WriteBlock(ctx, bno, buf)
}

// Name forwards to the wrapped device when it has one.
func (d *FaultyDevice) Name() string { return common.DeviceName(d.BlockDevice) }

// ReadOnly forwards to the wrapped device when it supports it.
func (d *FaultyDevice) ReadOnly() bool {
	if ro, ok := d.BlockDevice.(common.ReadOnlyDevice); ok {
		return ro.ReadOnly()
	}
	return false
}
