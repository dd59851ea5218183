// Package hpet drives the Intel High Precision Event Timer: a monotonic
// 64-bit counter plus a bank of one-shot comparators used both to measure
// elapsed time and to schedule the tick that wakes the scheduler's sleep
// queue. The timer's register block is discovered through the ACPI HPET
// table and, like every other physical structure in this kernel, accessed
// directly through the HHDM rather than through a dedicated MMIO mapping.
package hpet

import (
	"corekernel/kernel"
	"corekernel/kernel/acpi"
	"corekernel/kernel/acpi/table"
	"corekernel/kernel/mem/vmm"
	"time"
	"unsafe"
)

const (
	regCapabilities = 0x000
	regConfig       = 0x010
	regMainCounter  = 0x0f0
	timerStride     = 0x20
	timerConfigBase = 0x100
	timerCompBase   = 0x108

	cfgEnable = 1 << 0

	capNumTimersShift = 8
	capNumTimersMask  = 0x1f
	capPeriodShift    = 32

	timerCfgIntTypeLevel = 1 << 1
	timerCfgIntEnable    = 1 << 2
	timerCfgPeriodic     = 1 << 3
	timerCfgRouteShift   = 9
	timerCfgRouteMask    = 0x1f

	// hpetTimerGSI is the I/O APIC global system interrupt HPET timer 0 is
	// routed to; the I/O APIC's redirection table maps it to vector 38.
	hpetTimerGSI = 20

	nsPerFemtosecond = 1_000_000
)

var (
	errNoHPETTable  = &kernel.Error{Module: "hpet", Message: "ACPI HPET table not present"}
	errInvalidTimer = &kernel.Error{Module: "hpet", Message: "timer index out of range"}

	lookupTableFn = acpi.LookupTable
	physToVirtFn  = vmm.PhysToVirt

	mmioBase            uintptr
	femtosecondsPerTick uint64
	numTimers           uint8
)

// Init locates the HPET through the ACPI table map, latches its clock
// period and timer count, zeroes the main counter and enables it. It must
// be called after acpi.Init.
func Init() *kernel.Error {
	header := lookupTableFn("HPET")
	if header == nil {
		return errNoHPETTable
	}

	hpetTable := (*table.HPET)(unsafe.Pointer(header))
	mmioBase = physToVirtFn(uintptr(hpetTable.BaseAddress.Address))

	caps := read64(regCapabilities)
	femtosecondsPerTick = caps >> capPeriodShift
	numTimers = uint8((caps>>capNumTimersShift)&capNumTimersMask) + 1

	write64(regMainCounter, 0)
	write64(regConfig, read64(regConfig)|cfgEnable)

	return nil
}

// NumTimers returns the number of comparators the HPET exposes.
func NumTimers() uint8 {
	return numTimers
}

// Elapsed returns the wall-clock time represented by the current counter
// value, measured from the moment Init zeroed it.
func Elapsed() time.Duration {
	return ticksToDuration(read64(regMainCounter))
}

// Ticks returns the raw counter value.
func Ticks() uint64 {
	return read64(regMainCounter)
}

// Estimate converts a duration into the number of counter ticks it spans,
// rounding down. Callers that need a wake deadline add this to the current
// Ticks() value.
func Estimate(d time.Duration) uint64 {
	return uint64(d.Nanoseconds()) * nsPerFemtosecond / femtosecondsPerTick
}

// SetTimer arms comparator n as a one-shot, edge-triggered interrupt source
// that fires when the main counter reaches tick, routed to the I/O APIC's
// GSI 20 input.
func SetTimer(n uint8, tick uint64) *kernel.Error {
	if n >= numTimers {
		return errInvalidTimer
	}

	cfgOff := uintptr(timerConfigBase) + uintptr(n)*timerStride
	cmpOff := uintptr(timerCompBase) + uintptr(n)*timerStride

	cfg := read64(cfgOff)
	cfg &^= timerCfgIntTypeLevel | timerCfgPeriodic
	cfg &^= uint64(timerCfgRouteMask) << timerCfgRouteShift
	cfg |= timerCfgIntEnable | (uint64(hpetTimerGSI) << timerCfgRouteShift)

	write64(cfgOff, cfg)
	write64(cmpOff, tick)

	return nil
}

func ticksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks * femtosecondsPerTick / nsPerFemtosecond)
}

func read64(offset uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(mmioBase + offset))
}

func write64(offset uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(mmioBase + offset)) = v
}
