// Sleep timer support: a min-heap of threads waiting for a wake-up tick,
// drained on every local APIC timer interrupt alongside the preemption
// decision. container/heap backs the priority queue the same way the
// standard library's own examples use it; nothing about it is specific to
// bare-metal execution.
package sched

import (
	"container/heap"
	"corekernel/kernel/apic"
	"corekernel/kernel/gate"
	"corekernel/kernel/hpet"
	"corekernel/kernel/ksync"
	"time"
)

// sleepEntry is one pending wake-up: the tick the HPET's free-running
// counter must reach before thread becomes runnable again.
type sleepEntry struct {
	wakeTick uint64
	thread   *Thread
}

type sleepHeap []sleepEntry

func (h sleepHeap) Len() int            { return len(h) }
func (h sleepHeap) Less(i, j int) bool  { return h[i].wakeTick < h[j].wakeTick }
func (h sleepHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sleepHeap) Push(x interface{}) { *h = append(*h, x.(sleepEntry)) }
func (h *sleepHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

var (
	sleepMu   ksync.Spinlock
	sleepList sleepHeap

	// hpetTicksFn and hpetEstimateFn are substituted by tests.
	hpetTicksFn    = hpet.Ticks
	hpetEstimateFn = hpet.Estimate
)

// SleepTicks marks t as sleeping and schedules it to be woken once the
// HPET's counter reaches tick. The caller is responsible for invoking
// Schedule to actually give up the CPU; SleepTicks only arms the wake-up.
func SleepTicks(t *Thread, tick uint64) {
	t.Sleeping = true

	sleepMu.Acquire()
	heap.Push(&sleepList, sleepEntry{wakeTick: tick, thread: t})
	sleepMu.Release()
}

// SleepFor is a convenience wrapper around SleepTicks that accepts a
// duration, per spec's sleep(ms) syscall semantics.
func SleepFor(t *Thread, d time.Duration) {
	SleepTicks(t, hpetTicksFn()+hpetEstimateFn(d))
}

// wakeDueThreads moves every sleeper whose wake tick has arrived back onto
// the ready queue. It is called on every timer tick, not just when a sleep
// is known to expire, since the HPET counter is free-running and shared.
func wakeDueThreads() {
	now := hpetTicksFn()

	sleepMu.Acquire()
	for len(sleepList) > 0 && sleepList[0].wakeTick <= now {
		e := heap.Pop(&sleepList).(sleepEntry)
		e.thread.Sleeping = false
		Add(e.thread)
	}
	sleepMu.Release()
}

// PreemptTick returns the handler kernel/gate should register for the local
// APIC timer vector on cpuIdx: it wakes any expired sleepers, makes a
// scheduling decision and replays whichever thread context Schedule picked
// back onto the interrupt frame before EOI.
func PreemptTick(cpuIdx int) func(*gate.Registers) {
	return func(regs *gate.Registers) {
		wakeDueThreads()

		ctx := FromRegisters(regs)
		if next := Schedule(cpuIdx, &ctx); next != nil {
			next.ToRegisters(regs)
		}

		apic.EndOfInterrupt()
	}
}
