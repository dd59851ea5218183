package sched

import (
	"testing"
	"time"
)

func withFakeHPET(t *testing.T, now uint64) *uint64 {
	t.Helper()

	origTicks, origEstimate := hpetTicksFn, hpetEstimateFn
	tick := now
	hpetTicksFn = func() uint64 { return tick }
	hpetEstimateFn = func(d time.Duration) uint64 { return uint64(d / time.Millisecond) }

	t.Cleanup(func() {
		hpetTicksFn, hpetEstimateFn = origTicks, origEstimate
		sleepList = nil
		readyThreads = nil
	})

	return &tick
}

func TestSleepForArmsWakeTickFromEstimate(t *testing.T) {
	withFakeHPET(t, 1000)

	th := &Thread{ID: NewThreadID()}
	SleepFor(th, 50*time.Millisecond)

	if !th.Sleeping {
		t.Fatalf("expected thread to be marked sleeping")
	}
	if len(sleepList) != 1 || sleepList[0].wakeTick != 1050 {
		t.Fatalf("expected wake tick 1050; got %+v", sleepList)
	}
}

func TestWakeDueThreadsRequeuesExpiredSleepersOnly(t *testing.T) {
	tick := withFakeHPET(t, 1000)

	early := &Thread{ID: NewThreadID()}
	late := &Thread{ID: NewThreadID()}
	SleepTicks(early, 1000)
	SleepTicks(late, 2000)

	wakeDueThreads()

	if early.Sleeping {
		t.Fatalf("expected early sleeper to be woken")
	}
	if !late.Sleeping {
		t.Fatalf("expected late sleeper to still be asleep")
	}
	if len(readyThreads) != 1 || readyThreads[0] != early {
		t.Fatalf("expected only the early sleeper requeued; got %+v", readyThreads)
	}

	*tick = 2000
	wakeDueThreads()
	if late.Sleeping {
		t.Fatalf("expected late sleeper to be woken once its tick arrives")
	}
}

func TestSleepHeapOrdersByWakeTickNotInsertionOrder(t *testing.T) {
	withFakeHPET(t, 0)

	a := &Thread{ID: NewThreadID()}
	b := &Thread{ID: NewThreadID()}
	c := &Thread{ID: NewThreadID()}
	SleepTicks(a, 300)
	SleepTicks(b, 100)
	SleepTicks(c, 200)

	if sleepList[0].thread != b {
		t.Fatalf("expected the soonest wake tick at the heap root")
	}
}
