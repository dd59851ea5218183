package vmm

import "corekernel/kernel/mem"

// Page describes a virtual, page-aligned address.
type Page uintptr

// PageFromAddress rounds addr down to the nearest page boundary and returns
// it as a Page.
func PageFromAddress(addr uintptr) Page {
	return Page(addr &^ uintptr(mem.PageSize-1))
}

// Address returns the virtual address for this page.
func (p Page) Address() uintptr {
	return uintptr(p)
}

// hhdmOffset is the kernel-global HHDM base handed to us by the bootloader
// (spec'd in the boot contract). Every physical frame is reachable at
// hhdmOffset+phys for the lifetime of the kernel.
var hhdmOffset uintptr

// SetHHDMOffset records the HHDM base. It must be called exactly once,
// before any call to PhysToVirt/VirtToPhys or to the page-table walker.
func SetHHDMOffset(offset uintptr) {
	hhdmOffset = offset
}

// HHDMOffset returns the currently configured HHDM base.
func HHDMOffset() uintptr {
	return hhdmOffset
}

// PhysToVirt returns the HHDM virtual address for a physical address.
func PhysToVirt(phys uintptr) uintptr {
	return hhdmOffset + phys
}

// VirtToPhys returns the physical address backing an HHDM virtual address.
// The result is only meaningful for addresses inside the HHDM region.
func VirtToPhys(virt uintptr) uintptr {
	return virt - hhdmOffset
}
