package sched

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lspecian/vexfs-sub011/common"
	"github.com/lspecian/vexfs-sub011/testutils"
)

func TestMightSleep(test *testing.T) {
	ctx := context.Background()
	if err := MightSleep(WithStrict(ctx, true)); err != nil {
		testutils.ErrorHere(test, "Sleeping outside an atomic section failed: %s", err)
	}

	before := Violations()
	strict := EnterAtomic(WithStrict(ctx, true))
	if !InAtomic(strict) {
		testutils.FatalHere(test, "EnterAtomic did not mark the context")
	}
	if err := MightSleep(strict); !errors.Is(err, common.ErrSleepInAtomic) {
		testutils.ErrorHere(test, "Strict sleep in atomic gave %v", err)
	}
	if err := MightSleep(EnterAtomic(ctx)); err != nil {
		testutils.ErrorHere(test, "Lenient sleep in atomic gave %v", err)
	}
	if got := Violations() - before; got != 2 {
		testutils.ErrorHere(test, "Recorded %d violations, expected 2", got)
	}
}

func TestSpin(test *testing.T) {
	s := NewSpin()
	var wg sync.WaitGroup
	n := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.Lock()
				n++
				s.Unlock()
			}
		}()
	}
	wg.Wait()
	if n != 8000 {
		testutils.ErrorHere(test, "Counter is %d, expected 8000", n)
	}

	defer func() {
		if recover() == nil {
			testutils.ErrorHere(test, "Unlock of an unlocked spin did not panic")
		}
	}()
	s.Unlock()
}
