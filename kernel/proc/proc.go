// Package proc builds processes and kernel/user threads on top of
// kernel/sched: the thread and process factories spec'd for bringing up
// both kernel-internal worker threads and ELF-loaded user programs.
package proc

import (
	"corekernel/kernel"
	"corekernel/kernel/elf"
	"corekernel/kernel/gdt"
	"corekernel/kernel/ksync"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/heap"
	"corekernel/kernel/mem/vmm"
	"corekernel/kernel/sched"
	"reflect"
	"sync/atomic"
	"unsafe"
)

// ProcessID uniquely identifies a process for the lifetime of the kernel.
type ProcessID uint64

// flagsInterruptEnable is the RFLAGS.IF bit every new thread starts with:
// threads are always created interruptible.
const flagsInterruptEnable = 0x200

var (
	errNoLoadableSegments = &kernel.Error{Module: "proc", Message: "process image has no loadable segments"}

	nextProcessID uint64

	procMu        ksync.Spinlock
	kernelProcess *Process

	// The following seams let tests substitute the address-space/memory
	// machinery without touching real page tables or the kernel heap.
	allocKernelStackFn    = allocKernelStack
	deepCopyFn            = vmm.DeepCopy
	currentAddressSpaceFn = vmm.CurrentAddressSpace
	freeUserPagesFn       = vmm.FreeUserPages
	allocRangeFn          = vmm.AllocRange
	parseELFFn            = elf.Parse

	// activateFn is substituted by tests to avoid executing the real
	// CR3-switching instruction outside a running kernel.
	activateFn = func(as vmm.AddressSpace) { as.Activate() }
)

// Process is a collection of threads sharing one address space.
type Process struct {
	ID   ProcessID
	Name string

	as vmm.AddressSpace

	mu      ksync.Spinlock
	threads []*sched.Thread
}

// AddressSpace implements sched.AddressSpaceOwner.
func (p *Process) AddressSpace() vmm.AddressSpace { return p.as }

func (p *Process) addThread(t *sched.Thread) {
	p.mu.Acquire()
	p.threads = append(p.threads, t)
	p.mu.Release()
}

// Threads returns a snapshot of the process's current thread list.
func (p *Process) Threads() []*sched.Thread {
	p.mu.Acquire()
	defer p.mu.Release()
	out := make([]*sched.Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

// KernelProcess returns the lazily constructed process wrapping the
// address space the kernel booted into. Every kernel thread belongs to it.
func KernelProcess() *Process {
	procMu.Acquire()
	defer procMu.Release()
	if kernelProcess == nil {
		kernelProcess = &Process{
			ID:   ProcessID(atomic.AddUint64(&nextProcessID, 1)),
			Name: "kernel",
			as:   currentAddressSpaceFn(),
		}
	}
	return kernelProcess
}

// allocKernelStack reserves size bytes on the kernel heap for a thread's
// kernel-mode stack and returns its top (stacks grow down).
func allocKernelStack(size mem.Size) (uintptr, *kernel.Error) {
	base, err := heap.Alloc(uintptr(size))
	if err != nil {
		return 0, err
	}
	return base + uintptr(size), nil
}

// NewKernelThread creates a thread that runs entry in ring 0 within the
// kernel process, and makes it immediately schedulable.
func NewKernelThread(entry func()) (*sched.Thread, *kernel.Error) {
	stackTop, err := allocKernelStackFn(mem.KernelStackSize)
	if err != nil {
		return nil, err
	}

	kp := KernelProcess()
	t := &sched.Thread{
		ID:          sched.NewThreadID(),
		KernelStack: stackTop,
		Process:     kp,
		Ctx: sched.Context{
			RIP:    uint64(reflect.ValueOf(entry).Pointer()),
			RSP:    uint64(stackTop),
			CS:     uint64(gdt.SelKernelCode),
			SS:     uint64(gdt.SelKernelData),
			RFlags: flagsInterruptEnable,
			CR3:    kp.as.L4.Address(),
		},
	}

	kp.addThread(t)
	sched.Add(t)
	return t, nil
}

// NewUserThread creates a thread that starts running at entry in ring 3
// within process p, mapping it a fresh user stack, and makes it
// immediately schedulable.
func NewUserThread(p *Process, entry uintptr) (*sched.Thread, *kernel.Error) {
	stackTop, err := allocKernelStackFn(mem.KernelStackSize)
	if err != nil {
		return nil, err
	}

	userStackBase := mem.UserStackEnd - uintptr(mem.UserStackSize)
	if err := mapInAddressSpace(p.as, func() *kernel.Error {
		return allocRangeFn(userStackBase, mem.UserStackSize, vmm.UserData)
	}); err != nil {
		return nil, err
	}

	t := &sched.Thread{
		ID:          sched.NewThreadID(),
		KernelStack: stackTop,
		Process:     p,
		Ctx: sched.Context{
			RIP:    uint64(entry),
			RSP:    uint64(mem.UserStackEnd),
			CS:     uint64(gdt.SelUserCode),
			SS:     uint64(gdt.SelUserData),
			RFlags: flagsInterruptEnable,
			CR3:    p.as.L4.Address(),
		},
	}

	p.addThread(t)
	sched.Add(t)
	return t, nil
}

// Create deep-copies the kernel address space, loads elfImage's PT_LOAD
// segments into it and spawns a single user thread at the image's entry
// point, per the process-creation contract.
func Create(name string, elfImage []byte) (*Process, *kernel.Error) {
	img, err := parseELFFn(elfImage)
	if err != nil {
		return nil, err
	}
	if len(img.Segments) == 0 {
		return nil, errNoLoadableSegments
	}

	newAS, err := deepCopyFn(currentAddressSpaceFn())
	if err != nil {
		return nil, err
	}

	if err := mapInAddressSpace(newAS, func() *kernel.Error {
		return mapSegments(img.Segments)
	}); err != nil {
		freeUserPagesFn(newAS)
		return nil, err
	}

	p := &Process{
		ID:   ProcessID(atomic.AddUint64(&nextProcessID, 1)),
		Name: name,
		as:   newAS,
	}

	if _, err := NewUserThread(p, img.Entry); err != nil {
		freeUserPagesFn(newAS)
		return nil, err
	}

	return p, nil
}

// mapSegments allocates and populates every PT_LOAD segment of img in the
// currently active address space; the caller is responsible for having
// activated the target address space first (see mapInAddressSpace).
func mapSegments(segments []elf.Segment) *kernel.Error {
	for _, seg := range segments {
		pageStart := seg.Vaddr &^ (uintptr(mem.PageSize) - 1)
		pageEnd := (seg.Vaddr + seg.MemSize + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)

		if err := allocRangeFn(pageStart, mem.Size(pageEnd-pageStart), vmm.UserCode); err != nil {
			return err
		}

		if len(seg.Data) > 0 {
			kernel.Memcopy(uintptr(unsafe.Pointer(&seg.Data[0])), seg.Vaddr, uintptr(len(seg.Data)))
		}
	}
	return nil
}

// mapInAddressSpace activates as, runs fn, and restores whichever address
// space was active beforehand, regardless of fn's outcome. kernel/mem/vmm's
// Map family only ever walks the currently active page table, so building
// a not-yet-scheduled process's mappings requires switching CR3 to it
// temporarily.
func mapInAddressSpace(as vmm.AddressSpace, fn func() *kernel.Error) *kernel.Error {
	prev := currentAddressSpaceFn()
	activateFn(as)
	err := fn()
	activateFn(prev)
	return err
}

// Exit tears down p: every thread is pulled out of the scheduler, its
// address space's user mappings (and every interior page table backing
// them) are released, and the process is no longer schedulable.
func Exit(p *Process) {
	p.mu.Acquire()
	threads := p.threads
	p.threads = nil
	p.mu.Release()

	for _, t := range threads {
		sched.Remove(t)
	}

	freeUserPagesFn(p.as)
}
