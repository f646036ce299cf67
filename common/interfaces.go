package common

import "context"

// BlockDevice is the block I/O surface the filesystem consumes. The block
// size of a call is len(buf); block bno lives at byte offset bno*len(buf).
// Device failures match ErrIO; a cancelled context is returned as ctx.Err().
type BlockDevice interface {
	ReadBlock(ctx context.Context, bno uint64, buf []byte) error
	WriteBlock(ctx context.Context, bno uint64, buf []byte) error
	Flush(ctx context.Context) error
	Size() int64
	Close() error
}

// ReadOnlyDevice is implemented by devices that can refuse writes.
type ReadOnlyDevice interface {
	ReadOnly() bool
}

// Named is implemented by devices with a stable identifier.
type Named interface {
	Name() string
}

// DeviceName returns the name of dev, or "-" when it has none.
func DeviceName(dev BlockDevice) string {
	if n, ok := dev.(Named); ok {
		return n.Name()
	}
	return "-"
}
