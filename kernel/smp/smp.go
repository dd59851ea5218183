// Package smp brings up the application processors the bootloader
// discovered via ACPI/MADT and reported through the boot contract
// (boot.ApplicationProcessors). Each AP is handed an entry point by writing
// it to the CPUInfo's GotoAddress; per the boot contract, the bootloader's
// own trampoline polls that field, loads the AP into 64-bit long mode on a
// bootloader-provided stack and jumps to it, so this package never touches
// real-mode INIT/SIPI sequencing itself.
package smp

import (
	"corekernel/kernel"
	"corekernel/kernel/apic"
	"corekernel/kernel/boot"
	"corekernel/kernel/gdt"
	"corekernel/kernel/kfmt"
	"reflect"
	"sync/atomic"
)

var (
	errTooManyCPUs = &kernel.Error{Module: "smp", Message: "more application processors than gdt.MaxCPUs supports"}
	errAPTimeout   = &kernel.Error{Module: "smp", Message: "application processor failed to signal readiness"}

	// perCPUReady gives each BSP-assigned cpu index its own flag so Start
	// can detect a specific AP that never reported in.
	perCPUReady [gdt.MaxCPUs]uint32

	// lapicIDToCPUIdx maps a local APIC id to the cpu index Start assigned
	// it, so apEntry can self-identify once it starts running.
	lapicIDToCPUIdx [gdt.MaxCPUs]uint32

	// applicationProcessorsFn and spinFn are substituted by tests.
	applicationProcessorsFn = boot.ApplicationProcessors
	spinFn                  = func() {}
)

// Start assigns a cpu index (1..N; 0 is reserved for the bootstrap
// processor) to every application processor the bootloader reported,
// points its GotoAddress at apEntry and waits for each to signal readiness.
// It must run after the BSP has completed its own gdt.Init(0) and
// apic.Init.
//
// TODO: apEntry runs on a stack the bootloader handed the AP, with no
// per-core Go M/g0 attached; it brings up this core's descriptor tables
// and local APIC and then halts in a loop; it does not enter kernel/sched. Attaching a real Go M to an
// AP-originated thread needs runtime.procresize support this kernel's
// goruntime package does not yet provide.
func Start() *kernel.Error {
	aps := applicationProcessorsFn()
	if len(aps) >= gdt.MaxCPUs {
		return errTooManyCPUs
	}

	entry := uintptr(reflect.ValueOf(apEntry).Pointer())

	for i := range aps {
		cpuIdx := i + 1
		lapicIDToCPUIdx[aps[i].LAPICID] = uint32(cpuIdx)
		aps[i].GotoAddress = entry
	}

	for i := range aps {
		cpuIdx := i + 1
		if !waitForReady(cpuIdx) {
			kfmt.Printf("smp: cpu %d did not come up\n", cpuIdx)
			return errAPTimeout
		}
	}

	return nil
}

// waitForReady spins until perCPUReady[cpuIdx] is set or a bounded number
// of polls have elapsed.
func waitForReady(cpuIdx int) bool {
	const maxPolls = 10_000_000
	for i := 0; i < maxPolls; i++ {
		if atomic.LoadUint32(&perCPUReady[cpuIdx]) != 0 {
			return true
		}
		spinFn()
	}
	return false
}

// apEntry is the function every application processor jumps into. It
// resolves its own cpu index from the local APIC id, brings up its
// descriptor tables and local APIC, signals readiness and then halts in a
// loop that never exits; it takes no part in scheduling.
func apEntry() {
	cpuIdx := int(lapicIDToCPUIdx[apic.LocalID()])

	gdt.Init(cpuIdx)
	apic.EnableLocal()

	atomic.StoreUint32(&perCPUReady[cpuIdx], 1)

	for {
		cpuHalt()
	}
}

// cpuHalt parks the calling core until the next interrupt.
func cpuHalt()
