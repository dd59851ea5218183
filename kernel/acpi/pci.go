package acpi

import (
	"corekernel/kernel/acpi/table"
	"unsafe"
)

// PCISegment describes one PCI Express segment group's memory-mapped
// configuration space, as enumerated from the ACPI MCFG table.
type PCISegment struct {
	Base     uintptr
	Segment  uint16
	StartBus uint8
	EndBus   uint8
}

const mcfgSignature = "MCFG"

// PCISegments walks the MCFG table's variable-length entry list, the same
// way firstIOAPIC walks the MADT's. It returns nil if no MCFG table was
// found during Init, meaning the platform has no PCI Express ECAM (legacy
// PCI configuration-space access is out of scope).
func PCISegments() []PCISegment {
	header := LookupTable(mcfgSignature)
	if header == nil {
		return nil
	}

	mcfg := (*table.MCFG)(unsafe.Pointer(header))
	entrySize := unsafe.Sizeof(table.MCFGEntry{})

	end := uintptr(unsafe.Pointer(mcfg)) + uintptr(mcfg.Length)
	cur := uintptr(unsafe.Pointer(mcfg)) + unsafe.Sizeof(*mcfg)

	var segs []PCISegment
	for cur+entrySize <= end {
		e := (*table.MCFGEntry)(unsafe.Pointer(cur))
		segs = append(segs, PCISegment{
			Base:     uintptr(e.BaseAddress),
			Segment:  e.SegmentGroup,
			StartBus: e.StartBusNum,
			EndBus:   e.EndBusNum,
		})
		cur += entrySize
	}

	return segs
}
