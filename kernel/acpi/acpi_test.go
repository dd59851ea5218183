package acpi

import (
	"corekernel/kernel/acpi/table"
	"testing"
	"unsafe"
)

func identityVirt(addr uintptr) uintptr { return addr }

func calcChecksum(addr uintptr, length uintptr) uint8 {
	var sum uint8
	for i := uintptr(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(addr + i))
	}
	return sum
}

func updateChecksum(header *table.SDTHeader) {
	header.Checksum = 0
	header.Checksum = -calcChecksum(uintptr(unsafe.Pointer(header)), uintptr(header.Length))
}

func TestParseRSDPRevisions(t *testing.T) {
	defer func() { physToVirtFn = identityVirt }()
	physToVirtFn = identityVirt

	t.Run("ACPI1", func(t *testing.T) {
		sizeofRSDP := unsafe.Sizeof(table.RSDPDescriptor{})
		buf := make([]byte, sizeofRSDP)
		rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(&buf[0]))
		rsdp.Signature = rsdpSignature
		rsdp.Revision = acpiRev1
		rsdp.RSDTAddr = 0xbadf00
		rsdp.Checksum = -calcChecksum(uintptr(unsafe.Pointer(rsdp)), sizeofRSDP)

		addr, xsdt, err := parseRSDP(uintptr(unsafe.Pointer(rsdp)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if xsdt {
			t.Fatal("expected parseRSDP to report RSDT, not XSDT")
		}
		if addr != uintptr(rsdp.RSDTAddr) {
			t.Fatalf("expected RSDT addr 0x%x; got 0x%x", rsdp.RSDTAddr, addr)
		}
	})

	t.Run("ACPI2+", func(t *testing.T) {
		sizeofExtRSDP := unsafe.Sizeof(table.ExtRSDPDescriptor{})
		buf := make([]byte, sizeofExtRSDP)
		rsdp := (*table.ExtRSDPDescriptor)(unsafe.Pointer(&buf[0]))
		rsdp.Signature = rsdpSignature
		rsdp.Revision = acpiRev2Plus
		rsdp.RSDTAddr = 0xbadf00 // must be ignored in favor of XSDTAddr
		rsdp.XSDTAddr = 0xc0ffee
		rsdp.ExtendedChecksum = -calcChecksum(uintptr(unsafe.Pointer(rsdp)), sizeofExtRSDP)

		addr, xsdt, err := parseRSDP(uintptr(unsafe.Pointer(rsdp)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !xsdt {
			t.Fatal("expected parseRSDP to report XSDT")
		}
		if addr != uintptr(rsdp.XSDTAddr) {
			t.Fatalf("expected XSDT addr 0x%x; got 0x%x", rsdp.XSDTAddr, addr)
		}
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		sizeofRSDP := unsafe.Sizeof(table.RSDPDescriptor{})
		buf := make([]byte, sizeofRSDP)
		rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(&buf[0]))
		rsdp.Signature = rsdpSignature
		rsdp.Revision = acpiRev1
		rsdp.Checksum = 0

		if _, _, err := parseRSDP(uintptr(unsafe.Pointer(rsdp))); err != errTableChecksumMismatch {
			t.Fatalf("expected checksum mismatch error; got %v", err)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		var rsdp table.RSDPDescriptor
		if _, _, err := parseRSDP(uintptr(unsafe.Pointer(&rsdp))); err != errMissingRSDP {
			t.Fatalf("expected missing RSDP error; got %v", err)
		}
	})
}

func TestEnumerateTables(t *testing.T) {
	defer func() { physToVirtFn = identityVirt }()
	physToVirtFn = identityVirt

	sizeofHeader := unsafe.Sizeof(table.SDTHeader{})

	ssdt := make([]byte, sizeofHeader)
	ssdtHdr := (*table.SDTHeader)(unsafe.Pointer(&ssdt[0]))
	ssdtHdr.Signature = [4]byte{'S', 'S', 'D', 'T'}
	ssdtHdr.Length = uint32(sizeofHeader)
	updateChecksum(ssdtHdr)

	dsdt := make([]byte, sizeofHeader)
	dsdtHdr := (*table.SDTHeader)(unsafe.Pointer(&dsdt[0]))
	dsdtHdr.Signature = [4]byte{'D', 'S', 'D', 'T'}
	dsdtHdr.Length = uint32(sizeofHeader)
	updateChecksum(dsdtHdr)

	fadtBuf := make([]byte, unsafe.Sizeof(table.FADT{}))
	fadt := (*table.FADT)(unsafe.Pointer(&fadtBuf[0]))
	fadt.Signature = [4]byte{'F', 'A', 'C', 'P'}
	fadt.Length = uint32(len(fadtBuf))
	fadt.Revision = acpiRev2Plus
	fadt.Ext.Dsdt = uint64(uintptr(unsafe.Pointer(dsdtHdr)))
	updateChecksum(&fadt.SDTHeader)

	rsdtBuf := make([]byte, int(sizeofHeader)+8*2)
	rsdtHdr := (*table.SDTHeader)(unsafe.Pointer(&rsdtBuf[0]))
	rsdtHdr.Signature = [4]byte{'R', 'S', 'D', 'T'}
	rsdtHdr.Revision = acpiRev2Plus
	rsdtHdr.Length = uint32(len(rsdtBuf))
	*(*uint64)(unsafe.Pointer(&rsdtBuf[sizeofHeader])) = uint64(uintptr(unsafe.Pointer(ssdtHdr)))
	*(*uint64)(unsafe.Pointer(&rsdtBuf[sizeofHeader+8])) = uint64(uintptr(unsafe.Pointer(&fadt.SDTHeader)))
	updateChecksum(rsdtHdr)

	rsdtAddr = uintptr(unsafe.Pointer(rsdtHdr))
	useXSDT = true

	if err := enumerateTables(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{"SSDT", "FACP", "DSDT"} {
		if LookupTable(name) == nil {
			t.Fatalf("expected to discover table %q", name)
		}
	}
}
