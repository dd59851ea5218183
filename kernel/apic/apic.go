// Package apic drives the local APIC (one per CPU, timer + IPI + EOI) and
// the I/O APIC (external IRQ routing), discovered by walking the ACPI MADT.
// Both are memory-mapped and, like every other physical structure in this
// kernel, reached directly through the HHDM.
package apic

import (
	"corekernel/kernel"
	"corekernel/kernel/acpi"
	"corekernel/kernel/acpi/table"
	"corekernel/kernel/hpet"
	"corekernel/kernel/mem/vmm"
	"time"
	"unsafe"
)

// Interrupt vectors this kernel assigns to LAPIC-local and I/O-APIC-routed
// sources. The 0-31 range is reserved for CPU exceptions (kernel/gate).
const (
	VectorLAPICTimer   = 32
	VectorAPICError    = 33
	VectorAPICSpurious = 34

	VectorKeyboard = 36
	VectorMouse    = 37
	VectorHpetTimer = 38
)

// Legacy IRQ numbers routed through the I/O APIC to the vectors above.
const (
	irqKeyboard = 1
	irqMouse    = 12
	irqHpetTimer = 20
)

const (
	lapicRegID             = 0x020
	lapicRegEOI            = 0x0b0
	lapicRegSVR            = 0x0f0
	lapicRegLVTError       = 0x370
	lapicRegLVTTimer       = 0x320
	lapicRegTimerInitCount = 0x380
	lapicRegTimerCurCount  = 0x390
	lapicRegTimerDivide    = 0x3e0

	svrAPICEnable = 1 << 8

	lvtMasked        = 1 << 16
	lvtTimerPeriodic = 1 << 17

	divideBy16 = 0x3

	ioapicRegSel = 0x00
	ioapicRegWin = 0x10
	ioredtblBase = 0x10

	ioredtblMasked = 1 << 16

	calibrationWindow = 10 * time.Millisecond
)

var (
	errNoMADT          = &kernel.Error{Module: "apic", Message: "ACPI MADT table not present"}
	errNoIOAPIC        = &kernel.Error{Module: "apic", Message: "MADT contains no I/O APIC entry"}

	lookupTableFn = acpi.LookupTable
	physToVirtFn  = vmm.PhysToVirt
	hpetTicksFn   = hpet.Ticks
	hpetEstimateFn = hpet.Estimate

	lapicBase       uintptr
	ioapicBase      uintptr
	ioapicGSIBase   uint32
	calibratedCount uint32
)

// Init discovers the local APIC and the first I/O APIC listed in the MADT,
// enables the local APIC, masks every I/O APIC redirection entry and
// calibrates the local APIC timer against the HPET. It must run after
// acpi.Init and hpet.Init.
func Init() *kernel.Error {
	header := lookupTableFn("APIC")
	if header == nil {
		return errNoMADT
	}

	madt := (*table.MADT)(unsafe.Pointer(header))
	lapicBase = physToVirtFn(uintptr(madt.LocalControllerAddress))

	ioBase, gsiBase, found := firstIOAPIC(madt)
	if !found {
		return errNoIOAPIC
	}
	ioapicBase = physToVirtFn(ioBase)
	ioapicGSIBase = gsiBase

	EnableLocal()

	for gsi := uint32(0); gsi < ioapicRedirectionCount(); gsi++ {
		writeRedirection(gsi, ioredtblMasked)
	}

	calibratedCount = calibrateTimer()

	RouteIRQ(irqKeyboard, VectorKeyboard)
	RouteIRQ(irqMouse, VectorMouse)
	RouteIRQ(irqHpetTimer, VectorHpetTimer)

	return nil
}

// firstIOAPIC walks the MADT's variable-length entry list and returns the
// address and GSI base of the first I/O APIC entry found.
func firstIOAPIC(madt *table.MADT) (addr uintptr, gsiBase uint32, found bool) {
	end := uintptr(unsafe.Pointer(madt)) + uintptr(madt.Length)
	cur := uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(*madt)

	for cur < end {
		entry := (*table.MADTEntry)(unsafe.Pointer(cur))
		if entry.Length == 0 {
			break
		}

		if entry.Type == table.MADTEntryTypeIOAPIC {
			ioapic := (*table.MADTEntryIOAPIC)(unsafe.Pointer(cur + unsafe.Sizeof(*entry)))
			return uintptr(ioapic.Address), ioapic.SysInterruptBase, true
		}

		cur += uintptr(entry.Length)
	}

	return 0, 0, false
}

// LocalID returns the calling CPU's local APIC id.
func LocalID() uint32 {
	return readLAPIC(lapicRegID) >> 24
}

// EnableLocal enables the calling CPU's own local APIC and programs its
// error/spurious vectors. kernel/smp calls this on every application
// processor during bring-up since each core's local APIC register bank,
// despite aliasing the same physical MMIO address, must be enabled
// independently.
func EnableLocal() {
	writeLAPIC(lapicRegSVR, svrAPICEnable|VectorAPICSpurious)
	writeLAPIC(lapicRegLVTError, VectorAPICError)
}

// EndOfInterrupt signals the local APIC that the current interrupt has been
// serviced. It must be called at the end of every LAPIC-delivered or
// I/O-APIC-routed interrupt handler.
func EndOfInterrupt() {
	writeLAPIC(lapicRegEOI, 0)
}

// StartTimer arms the local APIC timer using the count calibrated by Init.
// periodic selects continuous retriggering (used for the scheduler's
// preemption tick) versus a single firing (used for one-shot sleep wakeups
// scheduled by kernel/sched's timer heap).
func StartTimer(periodic bool) {
	mode := uint32(0)
	if periodic {
		mode = lvtTimerPeriodic
	}

	writeLAPIC(lapicRegTimerDivide, divideBy16)
	writeLAPIC(lapicRegLVTTimer, VectorLAPICTimer|mode)
	writeLAPIC(lapicRegTimerInitCount, calibratedCount)
}

// StopTimer disarms the local APIC timer.
func StopTimer() {
	writeLAPIC(lapicRegTimerInitCount, 0)
}

// RouteIRQ points the I/O APIC redirection entry for the given legacy IRQ
// number at vector, unmasked, delivered to the bootstrap processor.
func RouteIRQ(irq uint8, vector uint8) {
	gsi := uint32(irq) - ioapicGSIBase
	writeRedirection(gsi, uint32(vector))
}

// MaskIRQ masks the I/O APIC redirection entry for the given legacy IRQ.
func MaskIRQ(irq uint8) {
	gsi := uint32(irq) - ioapicGSIBase
	entry := readRedirectionLow(gsi)
	writeRedirectionLow(gsi, entry|ioredtblMasked)
}

// UnmaskIRQ clears the mask bit on the I/O APIC redirection entry for the
// given legacy IRQ.
func UnmaskIRQ(irq uint8) {
	gsi := uint32(irq) - ioapicGSIBase
	entry := readRedirectionLow(gsi)
	writeRedirectionLow(gsi, entry&^ioredtblMasked)
}

// calibrateTimer busy-waits for calibrationWindow using the HPET as a
// reference clock while the local APIC timer free-runs from its maximum
// count, then derives the initial count that yields the same window.
func calibrateTimer() uint32 {
	writeLAPIC(lapicRegTimerDivide, divideBy16)
	writeLAPIC(lapicRegTimerInitCount, 0xffffffff)

	startTicks := hpetTicksFn()
	deadline := startTicks + hpetEstimateFn(calibrationWindow)
	for hpetTicksFn() < deadline {
	}

	elapsed := uint32(0xffffffff) - readLAPIC(lapicRegTimerCurCount)
	writeLAPIC(lapicRegTimerInitCount, 0)

	return elapsed
}

func ioapicRedirectionCount() uint32 {
	writeIOAPIC32(ioapicRegSel, 0x01)
	ver := readIOAPIC32(ioapicRegWin)
	return ((ver >> 16) & 0xff) + 1
}

func readRedirectionLow(gsi uint32) uint32 {
	writeIOAPIC32(ioapicRegSel, uint32(ioredtblBase+2*gsi))
	return readIOAPIC32(ioapicRegWin)
}

func writeRedirectionLow(gsi uint32, low uint32) {
	writeIOAPIC32(ioapicRegSel, uint32(ioredtblBase+2*gsi))
	writeIOAPIC32(ioapicRegWin, low)
}

func writeRedirection(gsi uint32, low uint32) {
	writeIOAPIC32(ioapicRegSel, uint32(ioredtblBase+2*gsi+1))
	writeIOAPIC32(ioapicRegWin, 0)
	writeRedirectionLow(gsi, low)
}

func readLAPIC(offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(lapicBase + offset))
}

func writeLAPIC(offset uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(lapicBase + offset)) = v
}

func readIOAPIC32(offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(ioapicBase + offset))
}

func writeIOAPIC32(offset uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(ioapicBase + offset)) = v
}
