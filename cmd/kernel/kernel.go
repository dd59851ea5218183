package main

import (
	"corekernel/kernel"
	"corekernel/kernel/acpi"
	"corekernel/kernel/apic"
	"corekernel/kernel/boot"
	"corekernel/kernel/cpu"
	"corekernel/kernel/driver/keyboard"
	"corekernel/kernel/driver/mouse"
	"corekernel/kernel/driver/pci"
	"corekernel/kernel/driver/rtc"
	"corekernel/kernel/driver/serial"
	"corekernel/kernel/driver/tty"
	"corekernel/kernel/gate"
	"corekernel/kernel/gdt"
	"corekernel/kernel/goruntime"
	"corekernel/kernel/hpet"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/mem/heap"
	"corekernel/kernel/mem/pmm/allocator"
	"corekernel/kernel/mem/vmm"
	"corekernel/kernel/panicx"
	"corekernel/kernel/proc"
	"corekernel/kernel/sched"
	"corekernel/kernel/smp"
	"corekernel/kernel/syscall"
)

var (
	errKernelMainReturned = &kernel.Error{Module: "kernel", Message: "kernelMain returned"}
	errFatalFault         = &kernel.Error{Module: "kernel", Message: "unrecoverable double fault or NMI"}
)

// The following seams let kernelMain run end to end under go test without
// touching real hardware: every step that would otherwise execute a
// privileged instruction or block on real devices is swapped out.
var (
	bootInitFn            = boot.Init
	setHHDMOffsetFn       = vmm.SetHHDMOffset
	kernelImageBoundsFn   = boot.KernelImageBounds
	allocatorInitFn       = allocator.Init
	setFrameAllocatorFn   = vmm.SetFrameAllocator
	setFrameDeallocatorFn = vmm.SetFrameDeallocator
	vmmInitFn             = vmm.Init
	goruntimeInitFn       = goruntime.Init
	heapInitFn            = heap.Init
	gateInitFn            = gate.Init
	acpiInitFn            = acpi.Init
	hpetInitFn            = hpet.Init
	gdtInitFn             = gdt.Init
	handleInterruptFn     = gate.HandleInterrupt
	apicInitFn            = apic.Init
	schedInitFn           = sched.Init
	syscallInitFn         = syscall.Init
	smpStartFn            = smp.Start
	startTimerFn          = apic.StartTimer
	newKernelThreadFn     = proc.NewKernelThread
	keyboardInitFn        = keyboard.Init
	mouseInitFn           = mouse.Init
	rtcReadFn             = rtc.Read
	pciSegmentsFn         = pci.Segments

	enableInterruptsFn = cpu.EnableInterrupts
	haltFn             = cpu.Halt

	// parkFn is the bootstrap processor's terminal idle loop. Tests replace
	// it with a no-op so kernelMain returns instead of spinning forever.
	parkFn = func() {
		for {
			haltFn()
		}
	}

	com1PortFn      = serial.COM1Port
	setOutputSinkFn = kfmt.SetOutputSink
	setActiveTTYFn  = tty.SetActive

	disassembleAtFn = panicx.DisassembleAt

	panicFn = kfmt.Panic
)

// kernelMain wires together every subsystem in dependency order and never
// returns in production; it parks the bootstrap processor in parkFn once
// the rest of the system (APs, the scheduler, the syscall boundary) is
// running.
func kernelMain(info boot.Info) {
	bootInitFn(info)
	setHHDMOffsetFn(info.HHDMBase)

	port := com1PortFn()
	setOutputSinkFn(port)

	kernelStart, kernelEnd := kernelImageBoundsFn()
	if err := allocatorInitFn(kernelStart, kernelEnd); err != nil {
		panicFn(err)
		return
	}
	setFrameAllocatorFn(allocator.AllocFrame)
	setFrameDeallocatorFn(allocator.FreeFrame)

	gateInitFn()

	if err := vmmInitFn(); err != nil {
		panicFn(err)
		return
	}
	if err := goruntimeInitFn(); err != nil {
		panicFn(err)
		return
	}
	if err := heapInitFn(); err != nil {
		panicFn(err)
		return
	}

	if err := acpiInitFn(); err != nil {
		panicFn(err)
		return
	}
	if err := hpetInitFn(); err != nil {
		panicFn(err)
		return
	}
	if err := gdtInitFn(0); err != nil {
		panicFn(err)
		return
	}

	// gdt.Init(0) already pointed IST1 at the BSP's fault stack; routing
	// double faults and NMIs through istOffset 1 here is what actually
	// switches the CPU onto it on fault entry.
	handleInterruptFn(gate.DoubleFault, 1, handleFatalFault)
	handleInterruptFn(gate.NMI, 1, handleFatalFault)

	if err := apicInitFn(); err != nil {
		panicFn(err)
		return
	}
	keyboardInitFn()
	mouseInitFn()

	now := rtcReadFn()
	kfmt.Printf("boot time: %d-%d-%d %d:%d:%d\n", now.Year, now.Month, now.Day, now.Hour, now.Minute, now.Second)

	if segs := pciSegmentsFn(); len(segs) > 0 {
		kfmt.Printf("pci: %d ECAM segment(s)\n", len(segs))
	}

	if err := schedInitFn(); err != nil {
		panicFn(err)
		return
	}
	syscallInitFn()

	handleInterruptFn(apic.VectorLAPICTimer, 0, sched.PreemptTick(0))

	setActiveTTYFn(tty.NewTerm(port, 80, 25))

	if err := smpStartFn(); err != nil {
		panicFn(err)
		return
	}

	startTimerFn(true)

	if _, err := newKernelThreadFn(idleLoop); err != nil {
		panicFn(err)
		return
	}

	enableInterruptsFn()
	parkFn()
}

// handleFatalFault is installed for #DF and NMI. Neither has a recovery
// path: both indicate the kernel has already failed to handle some other
// fault, so the only useful thing left to do is report and halt.
func handleFatalFault(regs *gate.Registers) {
	kfmt.Printf("fatal fault (code=%d)\n", regs.Info)
	kfmt.Printf("faulting instruction: %s\n", disassembleAtFn(regs.RIP))
	regs.DumpTo(faultDumpWriter)
	panicFn(errFatalFault)
}

type kfmtWriter struct{}

func (kfmtWriter) Write(p []byte) (int, error) {
	kfmt.Printf("%s", string(p))
	return len(p), nil
}

var faultDumpWriter kfmtWriter

// idleLoop is the bootstrap processor's own kernel thread: it exists purely
// so the scheduler always has somewhere runnable to switch back to once
// every user thread is sleeping or gone.
func idleLoop() {
	parkFn()
}

func main() {
	kernelMain(bootInfo)
	panicFn(errKernelMainReturned)
}
