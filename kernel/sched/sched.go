// Package sched implements the kernel's preemptive scheduler: a per-CPU
// notion of the currently running thread, a single FIFO ready queue shared
// across CPUs, and the context-switch bookkeeping (descriptor table RSP0,
// address space activation) needed to hand a CPU from one thread to
// another. kernel/proc builds processes and threads on top of this
// package; to avoid an import cycle (a thread belongs to a process, a
// process owns its threads) sched only depends on the minimal
// AddressSpaceOwner view of a process rather than importing kernel/proc.
package sched

import (
	"corekernel/kernel"
	"corekernel/kernel/gate"
	"corekernel/kernel/gdt"
	"corekernel/kernel/ksync"
	"corekernel/kernel/mem/vmm"
	"sync/atomic"
)

// ThreadID uniquely identifies a thread for the lifetime of the kernel.
type ThreadID uint64

// AddressSpaceOwner is the view of a process the scheduler needs: an
// identity and the address space to activate when one of its threads runs.
// kernel/proc.Process implements this interface.
type AddressSpaceOwner interface {
	AddressSpace() vmm.AddressSpace
}

// Context holds the full register state saved across a context switch: the
// general-purpose registers plus the IRETQ frame (RIP/CS/RFlags/RSP/SS) and
// the address space to activate, mirroring kernel/gate.Registers with the
// addition of CR3.
type Context struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP, CS, RFlags, RSP, SS uint64

	CR3 uintptr
}

// Thread is a single schedulable unit of execution: its own kernel stack
// and saved context, optionally sleeping, belonging to a process (nil for
// pure kernel threads with no user address space of their own).
type Thread struct {
	ID ThreadID

	// KernelStack is the top of the stack used while this thread runs in
	// ring 0 (syscalls, interrupts taken while already in the kernel).
	KernelStack uintptr

	Ctx     Context
	Process AddressSpaceOwner

	Sleeping bool

	// exited marks a thread Remove has already reaped; Schedule skips it
	// if it is still sitting in the ready queue for any reason.
	exited bool
}

var (
	errAlreadyInitialized = &kernel.Error{Module: "sched", Message: "scheduler already initialized"}

	mu ksync.Spinlock

	currentThreads [gdt.MaxCPUs]*Thread
	readyThreads   []*Thread

	nextThreadID uint64

	// activateFn and setRing0RSPFn are substituted by tests.
	activateFn   = func(as vmm.AddressSpace) { as.Activate() }
	setRing0RSPFn = gdt.SetRing0RSP

	initialized uint32
)

// Init marks the scheduler ready and wires kernel/ksync's spinlocks to
// yield through Yield instead of busy-waiting a whole timeslice away.
func Init() *kernel.Error {
	if !atomic.CompareAndSwapUint32(&initialized, 0, 1) {
		return errAlreadyInitialized
	}
	ksync.SetYieldFn(func() { Yield(0) })
	return nil
}

// NewThreadID hands out a fresh, process-wide-unique thread identifier.
func NewThreadID() ThreadID {
	return ThreadID(atomic.AddUint64(&nextThreadID, 1))
}

// Add appends t to the ready queue, making it eligible to run the next time
// Schedule looks for work.
func Add(t *Thread) {
	mu.Acquire()
	readyThreads = append(readyThreads, t)
	mu.Release()
}

// Remove excises t from the ready queue (if present) and marks it exited so
// Schedule will never hand a CPU to it again, even if a stale reference is
// still queued.
func Remove(t *Thread) {
	mu.Acquire()
	t.exited = true
	for i, cand := range readyThreads {
		if cand == t {
			readyThreads = append(readyThreads[:i], readyThreads[i+1:]...)
			break
		}
	}
	mu.Release()
}

// Current returns the thread currently running on cpuIdx, or nil if that
// CPU is idle.
func Current(cpuIdx int) *Thread {
	mu.Acquire()
	defer mu.Release()
	return currentThreads[cpuIdx]
}

// popReady removes and returns the head of the ready queue, or nil if it is
// empty. Callers must hold mu.
func popReady() *Thread {
	for len(readyThreads) > 0 {
		t := readyThreads[0]
		readyThreads = readyThreads[1:]
		if !t.exited && !t.Sleeping {
			return t
		}
	}
	return nil
}

// Schedule saves the outgoing thread's context into savedCtx (the register
// snapshot an interrupt/syscall handler captured on entry), requeues it if
// it is still runnable, and picks the next ready thread to run on cpuIdx.
// It returns the context the caller should restore before returning to
// user/kernel code; if no other thread is ready it hands the same thread
// back when that thread is still runnable, and otherwise (nothing was
// running, or the outgoing thread is sleeping or exited) a nil context
// meaning "halt and wait".
func Schedule(cpuIdx int, savedCtx *Context) *Context {
	mu.Acquire()

	outgoing := currentThreads[cpuIdx]
	if outgoing != nil {
		outgoing.Ctx = *savedCtx
		if !outgoing.exited && !outgoing.Sleeping {
			readyThreads = append(readyThreads, outgoing)
		}
	}

	next := popReady()
	currentThreads[cpuIdx] = next
	mu.Release()

	if next == nil {
		return nil
	}

	if next.Process != nil {
		activateFn(next.Process.AddressSpace())
	}
	setRing0RSPFn(cpuIdx, next.KernelStack)
	sampleFn(hpetTicksFn(), cpuIdx, next.ID)

	return &next.Ctx
}

// FromRegisters copies an interrupt frame into a Context, for handlers that
// need to stash the interrupted thread's state before calling Schedule.
func FromRegisters(r *gate.Registers) Context {
	return Context{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX,
		RSI: r.RSI, RDI: r.RDI, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		RIP: r.RIP, CS: r.CS, RFlags: r.RFlags, RSP: r.RSP, SS: r.SS,
	}
}

// ToRegisters writes c back into an interrupt frame, so the common
// trampoline's IRETQ resumes whichever thread Schedule picked.
func (c *Context) ToRegisters(r *gate.Registers) {
	r.RAX, r.RBX, r.RCX, r.RDX = c.RAX, c.RBX, c.RCX, c.RDX
	r.RSI, r.RDI, r.RBP = c.RSI, c.RDI, c.RBP
	r.R8, r.R9, r.R10, r.R11 = c.R8, c.R9, c.R10, c.R11
	r.R12, r.R13, r.R14, r.R15 = c.R12, c.R13, c.R14, c.R15
	r.RIP, r.CS, r.RFlags, r.RSP, r.SS = c.RIP, c.CS, c.RFlags, c.RSP, c.SS
}

// Yield voluntarily gives up cpuIdx's remaining timeslice. It is meant to
// be called from contexts that already have a safe point to resume at
// (principally kernel/ksync's spinlock backoff); it is a no-op until Init
// has run.
func Yield(cpuIdx int) {
	if atomic.LoadUint32(&initialized) == 0 {
		return
	}

	mu.Acquire()
	current := currentThreads[cpuIdx]
	mu.Release()
	if current == nil {
		return
	}

	Schedule(cpuIdx, &current.Ctx)
}
