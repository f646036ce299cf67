package device

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/lspecian/vexfs-sub011/common"
)

// Ramdisk is an in-memory block device.
type Ramdisk struct {
	mu       sync.RWMutex
	name     string
	data     []byte
	readonly bool
	closed   bool
}

var _ common.BlockDevice = (*Ramdisk)(nil)

// NewRamdisk allocates a zero-filled ramdisk of size bytes.
func NewRamdisk(name string, size int64) *Ramdisk {
	return &Ramdisk{name: name, data: make([]byte, size)}
}

// FromImage wraps a copy of img.
func FromImage(name string, img []byte) *Ramdisk {
	return &Ramdisk{name: name, data: append([]byte(nil), img...)}
}

func (r *Ramdisk) ReadBlock(ctx context.Context, bno uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return common.IOError("read", bno, os.ErrClosed)
	}
	off := int64(bno) * int64(len(buf))
	if off < 0 || off+int64(len(buf)) > int64(len(r.data)) {
		return common.IOError("read", bno, fmt.Errorf("offset %d out of range (size %d)", off, len(r.data)))
	}
	copy(buf, r.data[off:])
	return nil
}

func (r *Ramdisk) WriteBlock(ctx context.Context, bno uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return common.IOError("write", bno, os.ErrClosed)
	}
	if r.readonly {
		return common.ErrReadOnly
	}
	off := int64(bno) * int64(len(buf))
	if off < 0 || off+int64(len(buf)) > int64(len(r.data)) {
		return common.IOError("write", bno, fmt.Errorf("offset %d out of range (size %d)", off, len(r.data)))
	}
	copy(r.data[off:], buf)
	return nil
}

func (r *Ramdisk) Flush(ctx context.Context) error { return nil }

func (r *Ramdisk) Size() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.data))
}

func (r *Ramdisk) Name() string { return r.name }

// ReadOnly reports whether writes are refused.
func (r *Ramdisk) ReadOnly() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readonly
}

// SetReadOnly switches the device between read-only and read-write, the way
// a block device's ro flag can change under a mounted filesystem.
func (r *Ramdisk) SetReadOnly(ro bool) {
	r.mu.Lock()
	r.readonly = ro
	r.mu.Unlock()
}

// Snapshot returns a copy of the device contents.
func (r *Ramdisk) Snapshot() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte(nil), r.data...)
}

// Restore replaces the device contents with img, which must match the size.
func (r *Ramdisk) Restore(img []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(img) != len(r.data) {
		return fmt.Errorf("%w: snapshot is %d bytes, device is %d", common.ErrInvalidOperation, len(img), len(r.data))
	}
	copy(r.data, img)
	r.closed = false
	return nil
}

func (r *Ramdisk) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Reopen makes a closed ramdisk usable again with its contents intact.
func (r *Ramdisk) Reopen() {
	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()
}
