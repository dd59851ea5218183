// Package pci exposes the PCI Express segment groups ACPI's MCFG table
// describes. Actual device enumeration/configuration-space access and any
// AHCI/NVMe/XHCI drivers sitting on top of it are out of scope; this is
// the external-collaborator interface spec.md lists PCI as, not a driver.
package pci

import "corekernel/kernel/acpi"

// Segment describes one PCI Express segment group's ECAM base address and
// bus range.
type Segment struct {
	Base     uintptr
	Segment  uint16
	StartBus uint8
	EndBus   uint8
}

var segmentsFn = acpi.PCISegments

// Segments returns every PCI Express segment group discovered in the
// platform's ACPI MCFG table, or nil if the platform has none.
func Segments() []Segment {
	acpiSegs := segmentsFn()
	if acpiSegs == nil {
		return nil
	}

	segs := make([]Segment, len(acpiSegs))
	for i, s := range acpiSegs {
		segs[i] = Segment{Base: s.Base, Segment: s.Segment, StartBus: s.StartBus, EndBus: s.EndBus}
	}
	return segs
}
