package common

import (
	"errors"
	"fmt"
)

// The POSIX-flavoured errors keep the strings used by the Minix error list
// (lib/ansi/errlist.c) so tools that grep for them keep working.
var (
	EBADF        = errors.New("Bad file number")
	EBUSY        = errors.New("Resource busy")
	EEXIST       = errors.New("File exists")
	EFBIG        = errors.New("File too large")
	EINVAL       = errors.New("Invalid argument")
	EISDIR       = errors.New("Is a directory")
	EMLINK       = errors.New("Too many links")
	ENAMETOOLONG = errors.New("File name too long")
	ENOENT       = errors.New("No such file or directory")
	ENOSPC       = errors.New("No space left on device")
	ENOTDIR      = errors.New("Not a directory")
	ENOTEMPTY    = errors.New("Directory not empty")
	EROFS        = errors.New("Read-only file system")
)

// Error taxonomy shared by the kernel and userspace variants. Everything a
// caller can observe is one of these (possibly wrapped).
var (
	ErrInvalidSuperblock = errors.New("invalid superblock")
	ErrOutOfSpace        = ENOSPC
	ErrAlreadyMounted    = errors.New("device already mounted")
	ErrNotMounted        = errors.New("device not mounted")
	ErrIO                = errors.New("i/o error")
	ErrBusy              = EBUSY
	ErrInvalidOperation  = EINVAL
	ErrParityMismatch    = errors.New("parity mismatch")
	ErrCrashDetected     = errors.New("crash detected")

	ErrNotFound     = ENOENT
	ErrExists       = EEXIST
	ErrNotDir       = ENOTDIR
	ErrIsDir        = EISDIR
	ErrNotEmpty     = ENOTEMPTY
	ErrNameTooLong  = ENAMETOOLONG
	ErrTooLarge     = EFBIG
	ErrTooManyLinks = EMLINK
	ErrBadHandle    = EBADF
	ErrReadOnly     = EROFS

	// ErrFaulted is returned for every request against a mount that has
	// been escalated to the Faulted state.
	ErrFaulted = errors.New("filesystem faulted, remount after fsck")
	// ErrSleepInAtomic is returned when a may-block operation is attempted
	// from inside a sleep-free section.
	ErrSleepInAtomic = errors.New("blocking call inside sleep-free section")
	// ErrCorrupt marks a confirmed internal invariant violation.
	ErrCorrupt = errors.New("metadata corrupted")
	ErrTimeout = errors.New("operation timed out")
)

// OpError records the operation and device that produced an error.
type OpError struct {
	Op  string // operation name
	Dev string // device identifier, may be empty
	Err error  // underlying error
}

func (e *OpError) Error() string {
	if e.Dev == "" {
		return fmt.Sprintf("vexfs: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vexfs: %s %s: %v", e.Op, e.Dev, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapOp wraps err with operation context. A nil err stays nil.
func WrapOp(op, dev string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Dev: dev, Err: err}
}

// IOError wraps a device failure so it matches ErrIO while keeping the cause.
func IOError(op string, bno uint64, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s block %d: %v", ErrIO, op, bno, err)
}

// Corruptf reports a confirmed invariant violation.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// IsFatal reports whether err means the in-memory metadata can no longer be
// trusted, in which case the mount must be faulted rather than continue.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorrupt) || errors.Is(err, ErrFaulted)
}

// codes maps taxonomy errors to the stable names used in crash logs and
// parity reports. Order matters: the first match wins.
var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidSuperblock, "InvalidSuperblock"},
	{ErrOutOfSpace, "OutOfSpace"},
	{ErrAlreadyMounted, "AlreadyMounted"},
	{ErrNotMounted, "NotMounted"},
	{ErrFaulted, "Faulted"},
	{ErrCorrupt, "Corrupt"},
	{ErrSleepInAtomic, "SleepInAtomic"},
	{ErrTimeout, "Timeout"},
	{ErrIO, "IoError"},
	{ErrBusy, "Busy"},
	{ErrParityMismatch, "ParityMismatch"},
	{ErrCrashDetected, "CrashDetected"},
	{ErrNotFound, "NotFound"},
	{ErrExists, "Exists"},
	{ErrNotDir, "NotDir"},
	{ErrIsDir, "IsDir"},
	{ErrNotEmpty, "NotEmpty"},
	{ErrNameTooLong, "NameTooLong"},
	{ErrTooLarge, "TooLarge"},
	{ErrTooManyLinks, "TooManyLinks"},
	{ErrBadHandle, "BadHandle"},
	{ErrReadOnly, "ReadOnly"},
	{ErrInvalidOperation, "InvalidOperation"},
}

// ErrorCode returns the taxonomy name of err, "OK" for nil and "Unknown" for
// errors outside the taxonomy.
func ErrorCode(err error) string {
	if err == nil {
		return "OK"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Unknown"
}
