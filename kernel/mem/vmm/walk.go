package vmm

import (
	"corekernel/kernel/cpu"
	"corekernel/kernel/mem"
	"unsafe"
)

// pageLevels is the depth of the amd64 paging hierarchy: PML4, PDPT, PD, PT.
const pageLevels = 4

// pageLevelShifts[i] is the bit offset of the index consumed by level i.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// pageLevelBits is the width, in bits, of each level's index (9 everywhere
// on amd64: 512 entries per table).
var pageLevelBits = [pageLevels]uint{9, 9, 9, 9}

var (
	// ptePtrFn maps a table's physical frame address to the pointer used to
	// read/write its entries. It defaults to the HHDM translation and is
	// substituted in tests with a function that indexes into a plain Go
	// slice standing in for a page table.
	ptePtrFn = func(tableFrameAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(PhysToVirt(tableFrameAddr))
	}

	// activePDTFn returns the physical address of the page table currently
	// loaded into CR3. Tests substitute this to walk a table built in Go
	// memory instead of the real root.
	activePDTFn = func() uintptr {
		return cpu.ActivePDT()
	}
)

// pageTableWalker is invoked by walk at every paging level for the page
// table entry that governs the requested virtual address. Returning false
// aborts the walk early.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for virtAddr against the page table
// currently loaded in CR3.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	walkTable(activePDTFn(), virtAddr, walkFn)
}

// walkTable performs a page table walk for virtAddr starting at the L4
// table whose physical address is rootTableAddr. Unlike the recursive
// self-mapping trick used by 32-bit paging, every table is reached directly
// through the HHDM, so no temporary mappings are required to inspect an
// address space that isn't currently active. Within this package only walk
// calls it, passing the root loaded in CR3.
func walkTable(rootTableAddr uintptr, virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := rootTableAddr

	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryPtr := (*pageTableEntry)(unsafe.Pointer(uintptr(ptePtrFn(tableAddr)) + (entryIndex << mem.PointerShift)))

		if !walkFn(level, entryPtr) {
			return
		}

		if level == pageLevels-1 {
			return
		}

		tableAddr = entryPtr.Frame().Address()
	}
}
