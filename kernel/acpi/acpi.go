// Package acpi walks the ACPI table chain the bootloader points us at (the
// RSDP address from the boot contract) and builds a lookup map keyed by
// table signature. The HHDM makes every physical table directly addressable,
// so unlike a self-mapped kernel there is no need to identity-map anything
// before parsing it.
package acpi

import (
	"corekernel/kernel"
	"corekernel/kernel/acpi/table"
	"corekernel/kernel/boot"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/mem/vmm"
	"io"
	"unsafe"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header"}

	rsdpAddrFn   = boot.RSDPAddr
	physToVirtFn = vmm.PhysToVirt

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
	fadtSignature = "FACP"

	rsdtAddr uintptr
	useXSDT  bool
	tableMap map[string]*table.SDTHeader
)

// Init locates the RSDP the bootloader handed us, walks the RSDT/XSDT and
// populates the table lookup map. It must be called after boot.Init and
// vmm.SetHHDMOffset.
func Init() *kernel.Error {
	addr := rsdpAddrFn()
	if addr == 0 {
		return errMissingRSDP
	}

	var err *kernel.Error
	rsdtAddr, useXSDT, err = parseRSDP(addr)
	if err != nil {
		return err
	}

	return enumerateTables()
}

// LookupTable returns the header for the ACPI table with the given
// signature, or nil if it was not found during enumeration.
func LookupTable(signature string) *table.SDTHeader {
	return tableMap[signature]
}

// PrintTableInfo writes a one-line summary for every discovered table to w.
func PrintTableInfo(w io.Writer) {
	for name, header := range tableMap {
		kfmt.Fprintf(w, "%s at 0x%16x %6x (%6s %8s)\n",
			name,
			uintptr(unsafe.Pointer(header)),
			header.Length,
			string(header.OEMID[:]),
			string(header.OEMTableID[:]),
		)
	}
}

// parseRSDP validates the RSDP at the given physical address and returns the
// physical address of the root table (RSDT or XSDT) along with a flag
// indicating which one it is.
func parseRSDP(rsdpAddr uintptr) (uintptr, bool, *kernel.Error) {
	virt := physToVirtFn(rsdpAddr)
	rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(virt))

	for i, b := range rsdpSignature {
		if rsdp.Signature[i] != b {
			return 0, false, errMissingRSDP
		}
	}

	if rsdp.Revision == acpiRev1 {
		if !validTable(virt, uint32(unsafe.Sizeof(*rsdp))) {
			return 0, false, errTableChecksumMismatch
		}
		return uintptr(rsdp.RSDTAddr), false, nil
	}

	// ACPI 2.0+ systems provide an extended RSDP at the same location.
	rsdp2 := (*table.ExtRSDPDescriptor)(unsafe.Pointer(virt))
	if !validTable(virt, uint32(unsafe.Sizeof(*rsdp2))) {
		return 0, false, errTableChecksumMismatch
	}

	return uintptr(rsdp2.XSDTAddr), true, nil
}

// enumerateTables walks the table pointer list referenced by the RSDT/XSDT
// and populates tableMap. It also peeks into the FADT (if found) to locate
// the DSDT, whose address is not listed in the root table.
func enumerateTables() *kernel.Error {
	header, sizeofHeader, err := mapACPITable(rsdtAddr)
	if err != nil {
		return err
	}

	tableMap = make(map[string]*table.SDTHeader)

	var (
		acpiRev      = header.Revision
		payloadLen   = header.Length - uint32(sizeofHeader)
		sdtAddresses []uintptr
		headerVirt   = physToVirtFn(rsdtAddr)
	)

	// RSDT entries are 4-byte physical pointers; XSDT entries are 8-byte.
	switch useXSDT {
	case true:
		sdtAddresses = make([]uintptr, payloadLen>>3)
		for curPtr, i := headerVirt+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+8, i+1 {
			sdtAddresses[i] = uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
		}
	default:
		sdtAddresses = make([]uintptr, payloadLen>>2)
		for curPtr, i := headerVirt+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+4, i+1 {
			sdtAddresses[i] = uintptr(*(*uint32)(unsafe.Pointer(curPtr)))
		}
	}

	for _, addr := range sdtAddresses {
		if header, _, err = mapACPITable(addr); err != nil {
			if err == errTableChecksumMismatch {
				continue
			}
			return err
		}

		signature := string(header.Signature[:])
		tableMap[signature] = header

		if signature == fadtSignature {
			fadt := (*table.FADT)(unsafe.Pointer(header))

			dsdtAddr := uintptr(fadt.Dsdt)
			if acpiRev >= acpiRev2Plus {
				dsdtAddr = uintptr(fadt.Ext.Dsdt)
			}

			if header, _, err = mapACPITable(dsdtAddr); err != nil {
				if err == errTableChecksumMismatch {
					continue
				}
				return err
			}

			tableMap[string(header.Signature[:])] = header
		}
	}

	return nil
}

// mapACPITable reads and validates the header for the ACPI table at the
// given physical address via the HHDM.
func mapACPITable(tableAddr uintptr) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	sizeofHeader = unsafe.Sizeof(table.SDTHeader{})
	virt := physToVirtFn(tableAddr)
	header = (*table.SDTHeader)(unsafe.Pointer(virt))

	if !validTable(virt, header.Length) {
		err = errTableChecksumMismatch
	}

	return header, sizeofHeader, err
}

// validTable sums the table's bytes and checks that they total zero, per the
// ACPI checksum convention.
func validTable(virtAddr uintptr, tableLength uint32) bool {
	var sum uint8
	for i := uint32(0); i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(virtAddr + uintptr(i)))
	}
	return sum == 0
}
