// Package ksync provides synchronization primitives (spinlocks) for code
// that runs both in the freestanding kernel and under go test on the host.
package ksync

import "sync/atomic"

var (
	// yieldFn is invoked by a spinning CPU between lock attempts. It is
	// wired to sched.Yield once the scheduler is up; before that it is
	// nil and Acquire busy-waits without yielding.
	yieldFn func()
)

// SetYieldFn registers the function invoked between failed lock attempts.
// The scheduler package calls this during init so spinlocks cooperate with
// preemption instead of busy-waiting a whole timeslice away.
func SetYieldFn(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// spinsBeforeYield caps the number of PAUSE-backed attempts Acquire makes
// before cooperating with the scheduler via yieldFn.
const spinsBeforeYield = 128

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	var attempts uint32
	for atomic.SwapUint32(&l.state, 1) != 0 {
		pause()
		if attempts++; attempts >= spinsBeforeYield {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// pause executes the x86 PAUSE instruction, hinting to the CPU that this is
// a spin-wait loop.
func pause()
