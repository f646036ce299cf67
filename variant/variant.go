// Package variant describes the two builds of the filesystem engine: the
// kernel-resident one and the userspace one. Both run the same code; a
// Variant selects the locking primitive, the no-sleep enforcement and the
// timestamp granularity.
package variant

import (
	"context"
	"time"

	"github.com/lspecian/vexfs-sub011/sched"
)

type Variant struct {
	Name        string
	Strict      bool          // enforce the no-sleep rule in sleep-free sections
	Spin        bool          // guard in-memory state with spin sections
	Granularity time.Duration // timestamp resolution
	Clock       func() time.Time
}

const (
	KERNEL    = "kernel"
	USERSPACE = "userspace"
)

// Kernel returns the kernel-resident variant.
func Kernel() Variant {
	return Variant{Name: KERNEL, Strict: true, Spin: true, Granularity: time.Nanosecond}
}

// Userspace returns the FUSE-served variant.
func Userspace() Variant {
	return Variant{Name: USERSPACE, Granularity: time.Microsecond}
}

// ByName returns the variant called name, defaulting to Kernel.
func ByName(name string) Variant {
	if name == USERSPACE {
		return Userspace()
	}
	return Kernel()
}

// NewSection returns the lock used for sleep-free sections.
func (v Variant) NewSection() sched.Section {
	if v.Spin {
		return sched.NewSpin()
	}
	return sched.NewMutex()
}

// Now returns the current time truncated to the variant's granularity.
func (v Variant) Now() time.Time {
	clock := v.Clock
	if clock == nil {
		clock = time.Now
	}
	return v.Truncate(clock())
}

// Truncate rounds t down to the variant's granularity.
func (v Variant) Truncate(t time.Time) time.Time {
	if v.Granularity <= 1 {
		return t
	}
	return t.Truncate(v.Granularity)
}

// Context tags ctx with the variant's no-sleep policy.
func (v Variant) Context(ctx context.Context) context.Context {
	return sched.WithStrict(ctx, v.Strict)
}

func (v Variant) String() string { return v.Name }
