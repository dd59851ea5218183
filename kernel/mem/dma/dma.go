// Package dma allocates physically contiguous memory regions for device
// drivers that cannot tolerate scatter-gather (ring buffers, command rings,
// HPET/APIC adjacent bounce buffers, ...). Every region is reachable through
// the HHDM immediately after allocation; there is no separate mapping step.
package dma

import (
	"corekernel/kernel"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
	"corekernel/kernel/mem/pmm/allocator"
	"corekernel/kernel/mem/vmm"
)

var (
	errZeroSizedRegion = &kernel.Error{Module: "dma", Message: "requested a zero-sized region"}

	// allocFramesFn and freeFrameFn are substituted by tests so they do not
	// depend on a live bitmap allocator.
	allocFramesFn = allocator.AllocFrames
	freeFrameFn   = allocator.FreeFrame
	physToVirtFn  = vmm.PhysToVirt
)

// Region describes a physically contiguous allocation and its matching HHDM
// virtual address.
type Region struct {
	Phys  uintptr
	Virt  uintptr
	Size  mem.Size
	frame pmm.Frame
}

// Alloc reserves enough contiguous physical frames to cover size bytes and
// returns the resulting region. The allocation is rounded up to a whole
// number of pages, as required by the underlying frame allocator.
func Alloc(size mem.Size) (Region, *kernel.Error) {
	if size == 0 {
		return Region{}, errZeroSizedRegion
	}

	frameCount := uint32((size + mem.PageSize - 1) >> mem.PageShift)

	frame, err := allocFramesFn(frameCount)
	if err != nil {
		return Region{}, err
	}

	phys := frame.Address()
	return Region{
		Phys:  phys,
		Virt:  physToVirtFn(phys),
		Size:  mem.Size(frameCount) * mem.PageSize,
		frame: frame,
	}, nil
}

// Free releases every frame backing r. Callers must not touch r.Virt/r.Phys
// afterwards.
func Free(r Region) {
	pageCount := uintptr(r.Size) >> mem.PageShift
	for i := uintptr(0); i < pageCount; i++ {
		freeFrameFn(pmm.FrameFromAddress(r.frame.Address() + i*uintptr(mem.PageSize)))
	}
}
