package main

import (
	"corekernel/kernel"
	"corekernel/kernel/apic"
	"corekernel/kernel/boot"
	"corekernel/kernel/driver/pci"
	"corekernel/kernel/driver/rtc"
	"corekernel/kernel/driver/serial"
	"corekernel/kernel/driver/tty"
	"corekernel/kernel/gate"
	"corekernel/kernel/mem/vmm"
	"corekernel/kernel/sched"

	"io"
	"testing"
)

// withFakeSubsystems swaps every seam kernelMain calls for a call-recording
// no-op so the whole boot sequence can run under go test without touching
// real hardware, and restores the originals on cleanup.
func withFakeSubsystems(t *testing.T) *[]string {
	t.Helper()
	var calls []string

	origBootInit, origHHDM, origBounds := bootInitFn, setHHDMOffsetFn, kernelImageBoundsFn
	origAllocInit, origSetAlloc, origSetDealloc := allocatorInitFn, setFrameAllocatorFn, setFrameDeallocatorFn
	origVmmInit, origGoruntimeInit, origHeapInit := vmmInitFn, goruntimeInitFn, heapInitFn
	origGateInit, origAcpiInit, origHpetInit := gateInitFn, acpiInitFn, hpetInitFn
	origGdtInit, origHandleInterrupt, origApicInit := gdtInitFn, handleInterruptFn, apicInitFn
	origSchedInit, origSyscallInit, origSmpStart := schedInitFn, syscallInitFn, smpStartFn
	origStartTimer, origNewKernelThread := startTimerFn, newKernelThreadFn
	origKeyboardInit, origMouseInit := keyboardInitFn, mouseInitFn
	origRTCRead, origPCISegments := rtcReadFn, pciSegmentsFn
	origEnableInterrupts, origHalt, origPark := enableInterruptsFn, haltFn, parkFn
	origCom1Port, origSetOutputSink, origSetActiveTTY := com1PortFn, setOutputSinkFn, setActiveTTYFn
	origDisassembleAt := disassembleAtFn
	origPanicFn := panicFn

	bootInitFn = func(boot.Info) { calls = append(calls, "boot.Init") }
	setHHDMOffsetFn = func(uintptr) { calls = append(calls, "vmm.SetHHDMOffset") }
	kernelImageBoundsFn = func() (uintptr, uintptr) { return 0x1000, 0x2000 }
	allocatorInitFn = func(uintptr, uintptr) *kernel.Error { calls = append(calls, "allocator.Init"); return nil }
	setFrameAllocatorFn = func(vmm.FrameAllocatorFn) {}
	setFrameDeallocatorFn = func(vmm.FrameDeallocatorFn) {}
	vmmInitFn = func() *kernel.Error { calls = append(calls, "vmm.Init"); return nil }
	goruntimeInitFn = func() *kernel.Error { calls = append(calls, "goruntime.Init"); return nil }
	heapInitFn = func() *kernel.Error { calls = append(calls, "heap.Init"); return nil }
	gateInitFn = func() { calls = append(calls, "gate.Init") }
	acpiInitFn = func() *kernel.Error { calls = append(calls, "acpi.Init"); return nil }
	hpetInitFn = func() *kernel.Error { calls = append(calls, "hpet.Init"); return nil }
	gdtInitFn = func(int) *kernel.Error { calls = append(calls, "gdt.Init"); return nil }
	handleInterruptFn = func(gate.InterruptNumber, uint8, func(*gate.Registers)) {
		calls = append(calls, "gate.HandleInterrupt")
	}
	apicInitFn = func() *kernel.Error { calls = append(calls, "apic.Init"); return nil }
	schedInitFn = func() *kernel.Error { calls = append(calls, "sched.Init"); return nil }
	syscallInitFn = func() { calls = append(calls, "syscall.Init") }
	smpStartFn = func() *kernel.Error { calls = append(calls, "smp.Start"); return nil }
	startTimerFn = func(bool) { calls = append(calls, "apic.StartTimer") }
	keyboardInitFn = func() { calls = append(calls, "keyboard.Init") }
	mouseInitFn = func() { calls = append(calls, "mouse.Init") }
	rtcReadFn = func() rtc.Time { return rtc.Time{} }
	pciSegmentsFn = func() []pci.Segment { return nil }
	newKernelThreadFn = func(func()) (*sched.Thread, *kernel.Error) {
		calls = append(calls, "proc.NewKernelThread")
		return &sched.Thread{}, nil
	}
	enableInterruptsFn = func() { calls = append(calls, "cpu.EnableInterrupts") }
	haltFn = func() {}
	parkFn = func() { calls = append(calls, "park") }
	com1PortFn = func() *serial.Port { return nil }
	setOutputSinkFn = func(io.Writer) {}
	setActiveTTYFn = func(tty.Tty) { calls = append(calls, "tty.SetActive") }
	disassembleAtFn = func(uint64) string { return "(fake disassembly)" }
	panicFn = func(interface{}) { calls = append(calls, "panic") }

	t.Cleanup(func() {
		bootInitFn, setHHDMOffsetFn, kernelImageBoundsFn = origBootInit, origHHDM, origBounds
		allocatorInitFn, setFrameAllocatorFn, setFrameDeallocatorFn = origAllocInit, origSetAlloc, origSetDealloc
		vmmInitFn, goruntimeInitFn, heapInitFn = origVmmInit, origGoruntimeInit, origHeapInit
		gateInitFn, acpiInitFn, hpetInitFn = origGateInit, origAcpiInit, origHpetInit
		gdtInitFn, handleInterruptFn, apicInitFn = origGdtInit, origHandleInterrupt, origApicInit
		schedInitFn, syscallInitFn, smpStartFn = origSchedInit, origSyscallInit, origSmpStart
		startTimerFn, newKernelThreadFn = origStartTimer, origNewKernelThread
		keyboardInitFn, mouseInitFn = origKeyboardInit, origMouseInit
		rtcReadFn, pciSegmentsFn = origRTCRead, origPCISegments
		enableInterruptsFn, haltFn, parkFn = origEnableInterrupts, origHalt, origPark
		com1PortFn, setOutputSinkFn, setActiveTTYFn = origCom1Port, origSetOutputSink, origSetActiveTTY
		disassembleAtFn = origDisassembleAt
		panicFn = origPanicFn
	})

	return &calls
}

func TestKernelMainRunsEveryInitStepInDependencyOrder(t *testing.T) {
	calls := withFakeSubsystems(t)

	kernelMain(boot.Info{HHDMBase: 0xffff800000000000})

	want := []string{
		"boot.Init", "vmm.SetHHDMOffset", "allocator.Init",
		"gate.Init", "vmm.Init", "goruntime.Init", "heap.Init",
		"acpi.Init", "hpet.Init", "gdt.Init",
		"gate.HandleInterrupt", "gate.HandleInterrupt",
		"apic.Init", "keyboard.Init", "mouse.Init",
		"sched.Init", "syscall.Init", "gate.HandleInterrupt",
		"tty.SetActive", "smp.Start", "apic.StartTimer",
		"proc.NewKernelThread", "cpu.EnableInterrupts", "park",
	}
	if len(*calls) != len(want) {
		t.Fatalf("expected %d calls; got %d: %v", len(want), len(*calls), *calls)
	}
	for i, name := range want {
		if (*calls)[i] != name {
			t.Fatalf("call %d: expected %q; got %q (full sequence: %v)", i, name, (*calls)[i], *calls)
		}
	}
}

func TestKernelMainPanicsOnInitFailureAndStopsTheSequence(t *testing.T) {
	calls := withFakeSubsystems(t)
	vmmInitFn = func() *kernel.Error { return &kernel.Error{Module: "vmm", Message: "boom"} }

	kernelMain(boot.Info{})

	found := false
	for _, c := range *calls {
		if c == "panic" {
			found = true
		}
		if c == "apic.Init" {
			t.Fatalf("expected the sequence to stop before apic.Init once vmm.Init fails")
		}
	}
	if !found {
		t.Fatalf("expected panicFn to be called on vmm.Init failure")
	}
}

func TestHandleFatalFaultDisassemblesTheFaultingInstruction(t *testing.T) {
	withFakeSubsystems(t)

	var gotRIP uint64
	disassembleAtFn = func(rip uint64) string {
		gotRIP = rip
		return "(fake disassembly)"
	}
	var panicked bool
	panicFn = func(interface{}) { panicked = true }

	handleFatalFault(&gate.Registers{RIP: 0xdeadbeef, Info: 0})

	if gotRIP != 0xdeadbeef {
		t.Fatalf("expected disassembleAtFn to be called with the faulting RIP; got %#x", gotRIP)
	}
	if !panicked {
		t.Fatalf("expected handleFatalFault to panic")
	}
}

func TestKernelMainRegistersLAPICTimerWithPreemptTick(t *testing.T) {
	withFakeSubsystems(t)

	var gotVector gate.InterruptNumber
	handleInterruptFn = func(n gate.InterruptNumber, ist uint8, _ func(*gate.Registers)) {
		if n == apic.VectorLAPICTimer {
			gotVector = n
		}
	}

	kernelMain(boot.Info{})

	if gotVector != apic.VectorLAPICTimer {
		t.Fatalf("expected the LAPIC timer vector to be registered")
	}
}
