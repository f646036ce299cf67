// Package fusefs serves a mounted filesystem to the kernel through FUSE.
// It is the userspace variant's front end: every FUSE request becomes a
// call on the operation layer.
package fusefs

import (
	"context"
	"errors"
	"io"
	"syscall"

	"github.com/lspecian/vexfs-sub011/common"
)

// First match wins: ErrNotEmpty also matches ErrInvalidOperation.
var errnos = []struct {
	err   error
	errno syscall.Errno
}{
	{common.ErrNotFound, syscall.ENOENT},
	{common.ErrExists, syscall.EEXIST},
	{common.ErrNotDir, syscall.ENOTDIR},
	{common.ErrIsDir, syscall.EISDIR},
	{common.ErrNotEmpty, syscall.ENOTEMPTY},
	{common.ErrNameTooLong, syscall.ENAMETOOLONG},
	{common.ErrTooLarge, syscall.EFBIG},
	{common.ErrTooManyLinks, syscall.EMLINK},
	{common.ErrBadHandle, syscall.EBADF},
	{common.ErrReadOnly, syscall.EROFS},
	{common.ErrOutOfSpace, syscall.ENOSPC},
	{common.ErrBusy, syscall.EBUSY},
	{common.ErrTimeout, syscall.ETIMEDOUT},
	{common.ErrSleepInAtomic, syscall.EDEADLK},
	{common.ErrNotMounted, syscall.ENODEV},
	{common.ErrInvalidOperation, syscall.EINVAL},
	{common.ErrFaulted, syscall.EIO},
	{common.ErrCorrupt, syscall.EIO},
	{common.ErrIO, syscall.EIO},
	{context.Canceled, syscall.EINTR},
	{context.DeadlineExceeded, syscall.ETIMEDOUT},
}

// Errno maps an operation-layer error to the errno returned to the kernel.
func Errno(err error) syscall.Errno {
	if err == nil || errors.Is(err, io.EOF) {
		return 0
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
