package vmm

import (
	"corekernel/kernel"
	"corekernel/kernel/cpu"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
)

// zeroPage clears the page table at physAddr via the HHDM.
func zeroPage(physAddr uintptr) {
	kernel.Memset(PhysToVirt(physAddr), 0, uintptr(mem.PageSize))
}

// ReservedZeroedFrame is a special zero-cleared frame allocated by the vmm
// package's Init function. It backs on-demand (copy-on-write) allocations:
// a range is mapped read-only to this single frame with FlagCopyOnWrite set,
// and the first write fault copies it to a freshly allocated frame.
var ReservedZeroedFrame pmm.Frame

var (
	// protectReservedZeroedPage is flipped to true once ReservedZeroedFrame
	// is initialized, guarding against an accidental writable mapping of it.
	protectReservedZeroedPage bool

	// flushTLBEntryFn is substituted by tests to avoid executing invlpg,
	// which faults outside ring 0.
	flushTLBEntryFn = cpu.FlushTLBEntry

	earlyReserveRegionFn = EarlyReserveRegion

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}

	// errAlreadyMapped reports a leaf that was already FlagPresent. Map
	// treats it as fatal (spec §4.2's AllocFail/MapAlreadyMapped);
	// MapIdempotent treats it as fine.
	errAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page already mapped"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame in the currently active address space, allocating any missing
// interior page tables along the way via frameAllocator. Mapping an
// already-present leaf returns errAlreadyMapped.
//
// Attempts to map ReservedZeroedFrame with a RW flag are rejected.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = errAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := frameAllocator()
			if allocErr != nil {
				err = allocErr
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUser)
			zeroPage(newTableFrame.Address())
		}

		return true
	})

	return err
}

// MapIdempotent behaves like Map but tolerates (and is a no-op for) a leaf
// that is already present, per spec §4.2's map_range_to / §9's
// PageAlreadyMapped decision (MMIO ranges are re-mapped at multiple call
// sites). The existing entry is left as it is; its frame and flags are not
// compared with the requested ones.
func MapIdempotent(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if err := Map(page, frame, flags); err != nil && err != errAlreadyMapped {
		return err
	}
	return nil
}

// AllocRange allocates len(rounded up to pages) fresh physical frames and
// maps them at [vaddr, vaddr+len) with flags in the currently active address
// space. It implements spec §4.2's alloc_range.
func AllocRange(vaddr uintptr, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)
	pageCount := size >> mem.PageShift

	page := PageFromAddress(vaddr)
	for ; pageCount > 0; pageCount, page = pageCount-1, page+Page(mem.PageSize) {
		frame, err := frameAllocator()
		if err != nil {
			return err
		}
		if err := Map(page, frame, flags); err != nil {
			return err
		}
	}
	return nil
}

// MapRangeTo establishes an identity-style mapping for a known physical
// range (MMIO, the HHDM of a device's BAR, ...). It implements spec §4.2's
// map_range_to and tolerates a previously-mapped leaf.
func MapRangeTo(vaddr uintptr, startFrame pmm.Frame, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)
	pageCount := size >> mem.PageShift

	page, frame := PageFromAddress(vaddr), startFrame
	for ; pageCount > 0; pageCount, page, frame = pageCount-1, page+Page(mem.PageSize), frame+1 {
		if err := MapIdempotent(page, frame, flags); err != nil {
			return err
		}
	}
	return nil
}

// Unmap removes a mapping previously installed via Map. Unmapping an
// already-absent leaf is ErrInvalidMapping.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				err = ErrInvalidMapping
				return false
			}
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// MapRegion reserves the next available range in the kernel's early VA
// reservation window, maps it to the physical range starting at frame, and
// returns the Page the region begins at.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)
	startAddr, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	if err := MapRangeTo(startAddr, frame, size, flags); err != nil {
		return 0, err
	}

	return PageFromAddress(startAddr), nil
}
