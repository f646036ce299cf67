// Package device provides the block devices the filesystem runs on: image
// files for real use and ramdisks for tests and parity runs.
package device

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/lspecian/vexfs-sub011/common"
)

// File is a block device backed by a regular file or a block special file.
type File struct {
	mu       sync.RWMutex
	f        *os.File
	path     string
	size     int64
	readonly bool
}

var _ common.BlockDevice = (*File)(nil)

// Open opens an existing image. A read-only device refuses writes with
// ErrReadOnly.
func Open(path string, readonly bool) (*File, error) {
	flag := os.O_RDWR
	if readonly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", common.ErrIO, path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", common.ErrIO, path, err)
	}
	size := fi.Size()
	if fi.Mode()&os.ModeDevice != 0 {
		// Block special files report zero size; seek to the end instead.
		if size, err = f.Seek(0, 2); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: seek %s: %v", common.ErrIO, path, err)
		}
	}
	return &File{f: f, path: path, size: size, readonly: readonly}, nil
}

// Create creates (or truncates) an image file of the given size.
func Create(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", common.ErrIO, path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate %s: %v", common.ErrIO, path, err)
	}
	return &File{f: f, path: path, size: size}, nil
}

func (d *File) ReadBlock(ctx context.Context, bno uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return common.IOError("read", bno, os.ErrClosed)
	}
	if _, err := d.f.ReadAt(buf, int64(bno)*int64(len(buf))); err != nil {
		return common.IOError("read", bno, err)
	}
	return nil
}

func (d *File) WriteBlock(ctx context.Context, bno uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return common.IOError("write", bno, os.ErrClosed)
	}
	if d.readonly {
		return common.ErrReadOnly
	}
	off := int64(bno) * int64(len(buf))
	if off+int64(len(buf)) > d.size {
		return common.IOError("write", bno, fmt.Errorf("beyond end of device (%d bytes)", d.size))
	}
	if _, err := d.f.WriteAt(buf, off); err != nil {
		return common.IOError("write", bno, err)
	}
	return nil
}

func (d *File) Flush(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil || d.readonly {
		return nil
	}
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", common.ErrIO, d.path, err)
	}
	return nil
}

func (d *File) Size() int64 { return d.size }

// ReadOnly reports whether the device was opened read-only.
func (d *File) ReadOnly() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.readonly
}

func (d *File) Name() string { return d.path }

func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %v", common.ErrIO, d.path, err)
	}
	return nil
}
