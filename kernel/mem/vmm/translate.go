package vmm

import "corekernel/kernel"

// Translate returns the physical address a virtual address currently maps
// to in the active address space, or ErrInvalidMapping if it is unmapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() | PageOffset(virtAddr), nil
}

// PageOffset returns the offset of virtAddr within its containing page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & uintptr(ptePageOffsetMask)
}

const ptePageOffsetMask = 0xfff
