package gate

import "unsafe"

const (
	idtEntryCount      = 256
	kernelCodeSelector = 0x08
	gateTypeInterrupt  = 0xe
	gatePresent        = 0x80
)

// idtEntry is the on-disk layout of an x86_64 interrupt gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

var (
	idt [idtEntryCount]idtEntry

	// idtrBuf holds the packed (limit, base) pair consumed by the LIDT
	// instruction. A Go struct would pad base to its own alignment so the
	// bytes are laid out by hand instead.
	idtrBuf [10]byte

	handlers [idtEntryCount]func(*Registers)

	currentVector  uint8
	currentRegsPtr uintptr
)

// gateStubTable holds the address of the per-vector entry trampoline
// generated in gate_stubs_amd64.s; its contents are populated by the
// assembler, not by Go code.
var gateStubTable [idtEntryCount]uintptr

// loadIDT executes LIDT with the descriptor pointed to by ptr.
func loadIDT(ptr unsafe.Pointer)

// installIDT populates idt with a gate descriptor for every vector pointing
// at the matching entry trampoline and loads it into the CPU. All gates
// start out with a nil handler; dispatch silently drops interrupts that
// fire before HandleInterrupt has registered one.
func installIDT() {
	for vector := 0; vector < idtEntryCount; vector++ {
		setGate(vector, gateStubTable[vector])
	}

	limit := uint16(unsafe.Sizeof(idt) - 1)
	idtrBuf[0] = byte(limit)
	idtrBuf[1] = byte(limit >> 8)

	base := uint64(uintptr(unsafe.Pointer(&idt[0])))
	for i := 0; i < 8; i++ {
		idtrBuf[2+i] = byte(base >> (8 * uint(i)))
	}

	loadIDT(unsafe.Pointer(&idtrBuf[0]))
}

func setGate(vector int, handlerAddr uintptr) {
	e := &idt[vector]
	e.offsetLow = uint16(handlerAddr)
	e.selector = kernelCodeSelector
	e.ist = 0
	e.typeAttr = gatePresent | gateTypeInterrupt
	e.offsetMid = uint16(handlerAddr >> 16)
	e.offsetHigh = uint32(handlerAddr >> 32)
	e.reserved = 0
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) {
	handlers[intNumber] = handler
	idt[intNumber].ist = istOffset & 0x7
}

// dispatch routes vector to its registered handler, if any. It is called
// by dispatchFromAsm once the common interrupt trampoline has filled in
// regs from the trapped context.
func dispatch(vector uint8, regs *Registers) {
	if h := handlers[vector]; h != nil {
		h(regs)
	}
}

// dispatchFromAsm is invoked by interruptCommonStub (gate_dispatch_amd64.s)
// with no arguments; it reads the vector/regs pointer the trampoline staged
// into package globals since a freestanding amd64 call site cannot easily
// follow a Go function's stack-argument ABI by hand.
func dispatchFromAsm() {
	dispatch(currentVector, (*Registers)(unsafe.Pointer(currentRegsPtr)))
}
