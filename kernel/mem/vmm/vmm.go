// Package vmm implements virtual memory management: mapping, unmapping and
// fault handling for the kernel's higher-half direct map (HHDM) address
// space model.
package vmm

import (
	"corekernel/kernel"
	"corekernel/kernel/cpu"
	"corekernel/kernel/gate"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
)

// FrameAllocatorFn is a function that can allocate a single physical memory
// frame. It is the seam vmm uses to reach into the pmm package without
// importing a concrete allocator type, so bootstrap code can swap in the
// early bump allocator before the real bitmap allocator is available.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// FrameDeallocatorFn returns a physical memory frame to the allocator.
type FrameDeallocatorFn func(pmm.Frame)

var (
	frameAllocator   FrameAllocatorFn
	frameDeallocator FrameDeallocatorFn
)

// printfWriter adapts kfmt.Printf into an io.Writer so gate.Registers.DumpTo
// can share the kernel's single output sink.
type printfWriter struct{}

func (printfWriter) Write(p []byte) (int, error) {
	kfmt.Printf("%s", string(p))
	return len(p), nil
}

var regDumpWriter printfWriter

// SetFrameAllocator registers the function vmm uses to satisfy every
// physical frame allocation it needs (new page tables, CoW copies, AllocRange
// targets, ...).
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// SetFrameDeallocator registers the function vmm uses to release physical
// frames it no longer needs (FreeUserPages, a resolved CoW fault's stale
// shared frame, ...).
func SetFrameDeallocator(deallocFn FrameDeallocatorFn) {
	frameDeallocator = deallocFn
}

// Init reserves a permanently zeroed frame used to back copy-on-write
// mappings and installs the page-fault and general-protection-fault
// handlers. It must be called once the frame allocator is usable and
// interrupts can be routed through kernel/gate.
func Init() *kernel.Error {
	frame, err := reserveZeroedFrame()
	if err != nil {
		return err
	}

	ReservedZeroedFrame = frame
	protectReservedZeroedPage = true

	gate.HandleInterrupt(gate.PageFaultException, 0, handlePageFault)
	gate.HandleInterrupt(gate.GPFException, 0, handleGPF)

	return nil
}

// reserveZeroedFrame allocates a frame and clears its contents through the
// HHDM; the frame becomes ReservedZeroedFrame once Init finishes.
func reserveZeroedFrame() (pmm.Frame, *kernel.Error) {
	frame, err := frameAllocator()
	if err != nil {
		return pmm.InvalidFrame, err
	}

	zeroPage(frame.Address())
	return frame, nil
}

// pageFaultErrorCode mirrors the error code x86 pushes onto the stack for
// exception 14, decoded per the Intel SDM.
type pageFaultErrorCode uint64

const (
	pfPresent pageFaultErrorCode = 1 << 0
	pfWrite   pageFaultErrorCode = 1 << 1
	pfUser    pageFaultErrorCode = 1 << 2
)

// handlePageFault is installed as the #PF handler. Its only job beyond
// reporting is resolving copy-on-write faults: a write to a page mapped
// FlagCopyOnWrite gets a private, writable copy of the faulting frame; any
// other fault is fatal, since the kernel does not implement demand paging
// or swapping.
func handlePageFault(regs *gate.Registers) {
	faultAddr := uintptr(cpu.ReadCR2())
	errCode := pageFaultErrorCode(regs.Info)

	page := PageFromAddress(faultAddr)
	pte, lookupErr := pteForAddress(page.Address())
	if lookupErr == nil && errCode&pfWrite != 0 && pte.HasFlags(FlagCopyOnWrite) {
		if resolveCopyOnWrite(pte) {
			return
		}
	}

	kfmt.Printf("unrecoverable page fault at %16x (present=%t write=%t user=%t)\n",
		faultAddr, errCode&pfPresent != 0, errCode&pfWrite != 0, errCode&pfUser != 0)
	regs.DumpTo(regDumpWriter)
	cpu.Halt()
}

// resolveCopyOnWrite allocates a fresh frame, copies the shared page's
// contents into it and repoints pte at the copy with the CoW bit cleared
// and write access restored. It reports whether the fault was resolved.
func resolveCopyOnWrite(pte *pageTableEntry) bool {
	oldFrame := pte.Frame()

	newFrame, err := frameAllocator()
	if err != nil {
		return false
	}

	kernel.Memcopy(PhysToVirt(oldFrame.Address()), PhysToVirt(newFrame.Address()), uintptr(mem.PageSize))

	pte.SetFrame(newFrame)
	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagRW)

	if oldFrame != ReservedZeroedFrame {
		frameDeallocator(oldFrame)
	}

	return true
}

// handleGPF is installed as the #GPF handler. A general protection fault is
// always fatal; there is no recovery path for it.
func handleGPF(regs *gate.Registers) {
	kfmt.Printf("general protection fault (code=%d)\n", regs.Info)
	regs.DumpTo(regDumpWriter)
	cpu.Halt()
}
