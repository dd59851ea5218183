// Package gdt builds and loads the per-CPU Global Descriptor Table and Task
// State Segment. Besides the flat kernel/user code and data segments that
// every descriptor-table-based CPU needs, the TSS supplies two things the
// rest of the kernel depends on: RSP0, the stack the CPU switches to on a
// ring3->ring0 transition (interrupt or syscall), and IST1, a dedicated
// stack reserved for faults that must never run on a possibly-corrupt
// thread stack (cmd/kernel routes the double fault and NMI vectors to it).
package gdt

import (
	"corekernel/kernel"
	"unsafe"
)

// Segment selectors. These values are load-bearing: kernel/gate's idtEntry
// selector field and kernel/syscall's STAR MSR layout are both written
// against this exact arrangement, so the ordering must not change.
const (
	SelKernelCode uint16 = 0x08
	SelKernelData uint16 = 0x10

	// selUserCode32 is never loaded into CS; the slot exists purely so the
	// SYSRET selector arithmetic (user data = base+8, user code = base+16)
	// lands user data and user code on the following two entries.
	selUserCode32 uint16 = 0x18

	// SelUserData and SelUserCode already carry RPL 3.
	SelUserData uint16 = 0x20 | 3
	SelUserCode uint16 = 0x28 | 3

	selTSS uint16 = 0x30

	// StarUserBase is the selector STAR[63:48] must be loaded with so that
	// SYSRET derives SelUserData/SelUserCode per the formula above.
	StarUserBase uint16 = selUserCode32
)

// FaultStackSize is the size of the per-CPU IST1 stack. The specification
// leaves the exact size an open question and settles on one page: a double
// fault handler that walks the stack and prints a backtrace cannot safely
// be squeezed into less.
const FaultStackSize = 4096

// MaxCPUs bounds how many per-CPU GDT/TSS bundles are reserved. It is sized
// generously for a desktop/workstation target; kernel/smp rejects bringing
// up more application processors than this.
const MaxCPUs = 16

const (
	descKernelCode uint64 = 0x00af9a000000ffff
	descKernelData uint64 = 0x00cf92000000ffff
	descUserCode32 uint64 = 0x0000000000000000
	descUserData   uint64 = 0x00cff2000000ffff
	descUserCode   uint64 = 0x00affa000000ffff

	tssAccessByte = 0x89 // present, DPL0, system, type=9 (64-bit TSS available)

	gdtEntries = 8 // null, kcode, kdata, ucode32(unused), udata, ucode, tss-low, tss-high
)

var errCPUIndexOutOfRange = &kernel.Error{Module: "gdt", Message: "cpu index out of range"}

// taskStateSegment is the 64-bit TSS layout (Intel SDM Vol.3 7.7).
type taskStateSegment struct {
	reserved0 uint32
	rsp       [3]uint64
	reserved1 uint64
	ist       [7]uint64
	reserved2 uint64
	reserved3 uint16
	ioMapBase uint16
}

// cpuTable is a per-CPU bundle of the GDT, its TSS and the dedicated fault
// stack IST1 points at.
type cpuTable struct {
	gdt        [gdtEntries]uint64
	tss        taskStateSegment
	faultStack [FaultStackSize]byte

	// gdtrBuf holds the packed (limit, base) pair LGDT consumes. A Go
	// struct would pad base to its own alignment so the bytes are laid
	// out by hand, as kernel/gate's idtrBuf already does.
	gdtrBuf [10]byte
}

var cpus [MaxCPUs]cpuTable

// loadGDT executes LGDT with the descriptor pointed to by ptr.
func loadGDT(ptr unsafe.Pointer)

// loadTSS executes LTR with the given selector.
func loadTSS(selector uint16)

// reloadCodeSegment performs a far return to reload CS with sel, the only
// way to change CS without a control transfer.
func reloadCodeSegment(sel uint16)

// reloadDataSegments reloads DS/ES/FS/GS/SS with sel.
func reloadDataSegments(sel uint16)

// Init builds the GDT and TSS for the CPU at index cpuIdx and loads them
// onto the currently executing core. cpuIdx must match the core this runs
// on; kernel/smp is responsible for calling Init on each AP after it starts
// executing Go code.
func Init(cpuIdx int) *kernel.Error {
	if cpuIdx < 0 || cpuIdx >= MaxCPUs {
		return errCPUIndexOutOfRange
	}

	c := &cpus[cpuIdx]

	c.gdt[0] = 0
	c.gdt[1] = descKernelCode
	c.gdt[2] = descKernelData
	c.gdt[3] = descUserCode32
	c.gdt[4] = descUserData
	c.gdt[5] = descUserCode

	tssBase := uintptr(unsafe.Pointer(&c.tss))
	low, high := tssDescriptor(tssBase, uint32(unsafe.Sizeof(c.tss)-1))
	c.gdt[6] = low
	c.gdt[7] = high

	c.tss.rsp[0] = 0 // SetRing0RSP installs the real value once a thread exists
	c.tss.ist[0] = uint64(uintptr(unsafe.Pointer(&c.faultStack[0])) + FaultStackSize)
	c.tss.ioMapBase = uint16(unsafe.Sizeof(c.tss))

	limit := uint16(unsafe.Sizeof(c.gdt) - 1)
	c.gdtrBuf[0] = byte(limit)
	c.gdtrBuf[1] = byte(limit >> 8)
	base := uint64(uintptr(unsafe.Pointer(&c.gdt[0])))
	for i := 0; i < 8; i++ {
		c.gdtrBuf[2+i] = byte(base >> (8 * uint(i)))
	}

	loadGDT(unsafe.Pointer(&c.gdtrBuf[0]))
	reloadCodeSegment(SelKernelCode)
	reloadDataSegments(SelKernelData)
	loadTSS(selTSS)

	return nil
}

// SetRing0RSP updates the stack pointer the CPU switches to whenever a
// ring3->ring0 transition occurs without an IST override (ordinary
// interrupts, the syscall entry trampoline). It must be called every time
// the scheduler switches to a different thread's kernel stack.
func SetRing0RSP(cpuIdx int, rsp uintptr) *kernel.Error {
	if cpuIdx < 0 || cpuIdx >= MaxCPUs {
		return errCPUIndexOutOfRange
	}
	cpus[cpuIdx].tss.rsp[0] = uint64(rsp)
	return nil
}

// FaultStackTop returns the top of the IST1 fault stack reserved for
// cpuIdx, the same address already installed in its TSS.
func FaultStackTop(cpuIdx int) uintptr {
	return uintptr(unsafe.Pointer(&cpus[cpuIdx].faultStack[0])) + FaultStackSize
}

// tssDescriptor builds the two 64-bit words of a 64-bit TSS system
// descriptor pointing at base with the given limit.
func tssDescriptor(base uintptr, limit uint32) (low, high uint64) {
	b := uint64(base)

	low = uint64(limit&0xffff) |
		((b & 0xffffff) << 16) |
		(uint64(tssAccessByte) << 40) |
		(uint64((limit>>16)&0xf) << 48) |
		(((b >> 24) & 0xff) << 56)

	high = (b >> 32) & 0xffffffff

	return low, high
}
