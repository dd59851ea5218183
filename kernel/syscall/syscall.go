// Package syscall implements the user-mode system-call boundary: the
// SYSCALL/SYSRET MSR setup and the dispatch table backing the six-entry
// syscall ABI (read, write, mmap, yield, sleep, exit). The entry
// trampoline follows the same globals-bridge trick kernel/gate's interrupt
// dispatch uses to call from a naked assembly stub into Go.
package syscall

import (
	"corekernel/kernel/cpu"
	"corekernel/kernel/driver/tty"
	"corekernel/kernel/gdt"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/vmm"
	"corekernel/kernel/proc"
	"corekernel/kernel/sched"
	"reflect"
	"time"
	"unicode/utf8"
	"unsafe"
)

// Syscall indices, matching the dispatch table in the syscall boundary
// design: the index a user program loads into rax before executing
// SYSCALL.
const (
	Read  = 0
	Write = 1
	Mmap  = 2
	Yield = 3
	Sleep = 4
	Exit  = 5
)

const (
	msrEFER   = 0xc0000080
	msrSTAR   = 0xc0000081
	msrLSTAR  = 0xc0000082
	msrSFMASK = 0xc0000084

	eferSCE = 1 << 0

	flagsInterruptEnable = 1 << 9
)

var (
	readMSRFn  = cpu.ReadMSR
	writeMSRFn = cpu.WriteMSR

	allocRangeFn = vmm.AllocRange

	// cpuIdxFn resolves which scheduler cpu slot trapped into the syscall
	// handler. Single-CPU until kernel/smp attaches a real per-core Go
	// runtime to application processors (see kernel/smp's ap_entry TODO).
	cpuIdxFn = func() int { return 0 }
)

// syscallEntryStub is the naked SYSCALL target installed into LSTAR; its
// body lives in syscall_amd64.s.
func syscallEntryStub()

// Init configures the SYSCALL/SYSRET MSRs: LSTAR points at the entry
// trampoline, STAR encodes the GDT selector arrangement syscall/sysret
// load (spec's user_code/user_data/kernel_code/kernel_data ordering),
// SFMASK masks RFLAGS.IF so the matcher always runs with interrupts
// disabled, and EFER.SCE turns the instruction pair on at all.
func Init() {
	writeMSRFn(msrSFMASK, flagsInterruptEnable)
	writeMSRFn(msrLSTAR, uint64(reflect.ValueOf(syscallEntryStub).Pointer()))
	writeMSRFn(msrSTAR, (uint64(gdt.StarUserBase)<<48)|(uint64(gdt.SelKernelCode)<<32))
	writeMSRFn(msrEFER, readMSRFn(msrEFER)|eferSCE)
}

// The following globals are the bridge between syscallEntryStub (which
// cannot follow a Go function call's stack-argument ABI by hand) and
// dispatchFromAsm: the stub stages the syscall index and its six
// arguments here before calling into Go, and reads scResult back out
// before SYSRETQ.
var (
	scIndex uint64
	scArg1  uint64
	scArg2  uint64
	scArg3  uint64
	scArg4  uint64
	scArg5  uint64
	scArg6  uint64
	scResult uint64
)

// dispatchFromAsm is invoked by syscallEntryStub with no arguments; it
// reads the staged index/arguments, runs the matcher and stages the result
// back for the trampoline to load into rax.
func dispatchFromAsm() {
	scResult = uint64(matcher(scIndex, scArg1, scArg2, scArg3, scArg4, scArg5, scArg6))
}

// matcher routes a syscall index to its handler. Invalid indices return -1,
// same as any other rejected request; there is no panic path here since an
// untrusted user program controls rax.
func matcher(index, a1, a2, a3, a4, a5, a6 uint64) int64 {
	switch index {
	case Read:
		return read(uintptr(a1), uintptr(a2))
	case Write:
		return write(uintptr(a1), uintptr(a2))
	case Mmap:
		return mmap(uintptr(a1), uintptr(a2))
	case Yield:
		return doYield()
	case Sleep:
		return sleep(a1)
	case Exit:
		return exit()
	default:
		return -1
	}
}

// read is unimplemented; spec reserves index 0 for a future read path.
func read(buf, length uintptr) int64 {
	return -1
}

// write validates that [buf, buf+length) is well-formed UTF-8 and, if so,
// appends it to the active terminal channel. Malformed input is silently
// dropped rather than rejected with an error code.
func write(buf, length uintptr) int64 {
	if length == 0 {
		return 0
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(buf)), length)
	if !utf8.Valid(data) {
		return 0
	}

	t := tty.Active()
	if t == nil {
		return 0
	}

	n, err := t.Write(data)
	if err != nil {
		return -1
	}
	return int64(n)
}

// mmap allocates length bytes of fresh, user-writable memory at addr in the
// currently active (faulting thread's) address space. The frames are not
// cleared: the memory keeps whatever the frames last held.
func mmap(addr, length uintptr) int64 {
	if length == 0 {
		return -1
	}
	if err := allocRangeFn(addr, mem.Size(length), vmm.UserData); err != nil {
		return -1
	}
	return int64(length)
}

// doYield hands the CPU to the scheduler immediately, the software
// equivalent of the periodic LAPIC-timer preemption.
func doYield() int64 {
	sched.Yield(cpuIdxFn())
	return 0
}

// sleep arms a wake-up deadline ms milliseconds out for the calling thread
// and yields the CPU. It fails only if there is no current thread to
// register the deadline against, which should not happen in practice.
func sleep(ms uint64) int64 {
	cur := sched.Current(cpuIdxFn())
	if cur == nil {
		return -1
	}
	sched.SleepFor(cur, time.Duration(ms)*time.Millisecond)
	sched.Yield(cpuIdxFn())
	return 0
}

// exit tears down the calling thread's process (every thread, every user
// mapping) and yields; it never returns to its caller.
func exit() int64 {
	cur := sched.Current(cpuIdxFn())
	if cur != nil {
		if owner, ok := cur.Process.(*proc.Process); ok {
			proc.Exit(owner)
		}
	}
	sched.Yield(cpuIdxFn())
	return -1
}
