package vmm

import (
	"corekernel/kernel"
	"corekernel/kernel/cpu"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
	"unsafe"
)

// kernelHalfL4Index is the first top-level page table index that belongs to
// the negative (kernel) canonical half of the address space. Entries at or
// above this index are identical, by construction, across every address
// space in the system.
const kernelHalfL4Index = 256

var (
	// earlyReserveLastUsed tracks the last reserved page address and
	// decreases after each allocation request. It starts just below the
	// kernel heap arena, so the reservation window and the heap never
	// collide.
	earlyReserveLastUsed = mem.EarlyReserveWindowEnd

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory
// region of the requested size in the kernel address space and returns its
// virtual address. This function allocates regions starting below the
// kernel heap and growing down; it is only meant for the early kernel
// bring-up path (the Go allocator's sysReserve/sysAlloc hooks).
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}

// AddressSpace is a top-level (L4/PML4) page table together with the
// physical frame backing it (the value loaded into CR3 to activate it).
type AddressSpace struct {
	L4 pmm.Frame
}

// CurrentAddressSpace returns the address space currently loaded into CR3.
func CurrentAddressSpace() AddressSpace {
	return AddressSpace{L4: pmm.Frame(activePDTFn() >> mem.PageShift)}
}

// Activate loads this address space's L4 table into CR3.
func (as AddressSpace) Activate() {
	cpu.SwitchPDT(as.L4.Address())
}

// tableEntries returns the 512 page table entries backed by the frame at
// frameAddr, reached through the HHDM.
func tableEntries(frameAddr uintptr) *[512]pageTableEntry {
	return (*[512]pageTableEntry)(unsafe.Pointer(PhysToVirt(frameAddr)))
}

// DeepCopy allocates a new L4 table and clones kernelAS into it: kernel-half
// entries (HHDM, kernel image, kernel heap) are copied by value so their
// child tables remain the very same frames shared by every address space;
// user-half entries are recursively cloned table-by-table down to the leaf
// level, aliasing the leaf (data) frames rather than copying their
// contents. This implements spec §4.2's deep_copy.
func DeepCopy(kernelAS AddressSpace) (AddressSpace, *kernel.Error) {
	newL4, err := frameAllocator()
	if err != nil {
		return AddressSpace{}, err
	}
	zeroPage(newL4.Address())

	src := tableEntries(kernelAS.L4.Address())
	dst := tableEntries(newL4.Address())

	for i := 0; i < len(src); i++ {
		entry := src[i]
		if !entry.HasFlags(FlagPresent) {
			continue
		}

		if i >= kernelHalfL4Index || entry.HasFlags(FlagHugePage) {
			dst[i] = entry
			continue
		}

		clonedFrame, cloneErr := deepCopyTable(entry.Frame(), 1)
		if cloneErr != nil {
			return AddressSpace{}, cloneErr
		}

		dst[i] = entry
		dst[i].SetFrame(clonedFrame)
	}

	return AddressSpace{L4: newL4}, nil
}

// deepCopyTable recursively clones the interior table at srcFrame (at the
// given paging level) and returns the frame of the clone. Leaf-level (PT)
// tables are copied by value without recursing further, aliasing the data
// frames they reference.
func deepCopyTable(srcFrame pmm.Frame, level uint8) (pmm.Frame, *kernel.Error) {
	newFrame, err := frameAllocator()
	if err != nil {
		return pmm.InvalidFrame, err
	}

	src := tableEntries(srcFrame.Address())
	dst := tableEntries(newFrame.Address())

	if level == pageLevels-1 {
		*dst = *src
		return newFrame, nil
	}

	for i := 0; i < len(src); i++ {
		entry := src[i]
		if !entry.HasFlags(FlagPresent) {
			continue
		}
		if entry.HasFlags(FlagHugePage) {
			dst[i] = entry
			continue
		}

		childFrame, cloneErr := deepCopyTable(entry.Frame(), level+1)
		if cloneErr != nil {
			return pmm.InvalidFrame, cloneErr
		}

		dst[i] = entry
		dst[i].SetFrame(childFrame)
	}

	return newFrame, nil
}

// FreeUserPages walks an address space created by DeepCopy and releases
// every frame it uniquely owns: user-half leaf frames carrying the User
// flag, and every user-half interior table frame. Kernel-half entries (and
// the tables below them) are left untouched since those frames are shared
// globally. This implements spec §4.2's free_user_pages.
func FreeUserPages(as AddressSpace) {
	l4 := tableEntries(as.L4.Address())

	for i := 0; i < kernelHalfL4Index; i++ {
		entry := l4[i]
		if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
			continue
		}
		freeUserTable(entry.Frame(), 1)
	}

	frameDeallocator(as.L4)
}

// freeUserTable recursively frees the interior table at frame (at the given
// paging level) and, at the leaf level, every frame it maps that carries
// the User flag.
func freeUserTable(frame pmm.Frame, level uint8) {
	entries := tableEntries(frame.Address())

	if level == pageLevels-1 {
		for _, entry := range entries {
			if entry.HasFlags(FlagPresent) && entry.HasFlags(FlagUser) {
				frameDeallocator(entry.Frame())
			}
		}
		frameDeallocator(frame)
		return
	}

	for _, entry := range entries {
		if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
			continue
		}
		freeUserTable(entry.Frame(), level+1)
	}

	frameDeallocator(frame)
}
