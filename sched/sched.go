// Package sched models the two execution contexts the filesystem code runs
// in: sleep-free sections, where a kernel build may not block, and ordinary
// context where I/O is allowed.
package sched

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/lspecian/vexfs-sub011/common"
)

// Section is a mutual exclusion primitive guarding in-memory state.
type Section interface {
	Lock()
	Unlock()
}

// Spin is a busy-waiting lock. Code holding it must not block.
type Spin struct {
	state atomic.Bool
}

func NewSpin() *Spin { return new(Spin) }

func (s *Spin) Lock() {
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *Spin) Unlock() {
	if !s.state.CompareAndSwap(true, false) {
		panic("sched: unlock of unlocked spin")
	}
}

// NewMutex returns a sleeping lock.
func NewMutex() Section { return new(sync.Mutex) }

type atomicKey struct{}

// EnterAtomic marks ctx as running inside a sleep-free section.
func EnterAtomic(ctx context.Context) context.Context {
	return context.WithValue(ctx, atomicKey{}, true)
}

// InAtomic reports whether ctx is inside a sleep-free section.
func InAtomic(ctx context.Context) bool {
	v, _ := ctx.Value(atomicKey{}).(bool)
	return v
}

// Atomic runs fn holding sec, with ctx marked sleep-free for the duration.
func Atomic(ctx context.Context, sec Section, fn func(ctx context.Context) error) error {
	sec.Lock()
	defer sec.Unlock()
	return fn(EnterAtomic(ctx))
}

type strictKey struct{}

// WithStrict marks ctx as belonging to a variant that enforces the no-sleep
// rule.
func WithStrict(ctx context.Context, strict bool) context.Context {
	return context.WithValue(ctx, strictKey{}, strict)
}

// MightSleep must be called before any operation that can block. Under a
// strict variant it fails inside a sleep-free section; elsewhere it only
// records the violation.
func MightSleep(ctx context.Context) error {
	if !InAtomic(ctx) {
		return nil
	}
	violations.Add(1)
	if strict, _ := ctx.Value(strictKey{}).(bool); strict {
		return common.ErrSleepInAtomic
	}
	return nil
}

var violations atomic.Int64

// Violations returns how many blocking calls were attempted from sleep-free
// sections since the process started.
func Violations() int64 { return violations.Load() }
