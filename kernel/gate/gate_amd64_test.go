package gate

import (
	"testing"
	"unsafe"
)

func resetGateState() {
	idt = [idtEntryCount]idtEntry{}
	handlers = [idtEntryCount]func(*Registers){}
}

func TestSetGate(t *testing.T) {
	defer resetGateState()
	resetGateState()

	addr := uintptr(0x1122334455667788)
	setGate(42, addr)

	e := idt[42]
	if e.offsetLow != uint16(addr) {
		t.Fatalf("expected offsetLow 0x%x; got 0x%x", uint16(addr), e.offsetLow)
	}
	if e.offsetMid != uint16(addr>>16) {
		t.Fatalf("expected offsetMid 0x%x; got 0x%x", uint16(addr>>16), e.offsetMid)
	}
	if e.offsetHigh != uint32(addr>>32) {
		t.Fatalf("expected offsetHigh 0x%x; got 0x%x", uint32(addr>>32), e.offsetHigh)
	}
	if e.selector != kernelCodeSelector {
		t.Fatalf("expected selector 0x%x; got 0x%x", kernelCodeSelector, e.selector)
	}
	if e.typeAttr != gatePresent|gateTypeInterrupt {
		t.Fatalf("expected typeAttr 0x%x; got 0x%x", gatePresent|gateTypeInterrupt, e.typeAttr)
	}
}

func TestHandleInterrupt(t *testing.T) {
	defer resetGateState()
	resetGateState()

	var called bool
	var seen *Registers
	HandleInterrupt(GPFException, 3, func(r *Registers) {
		called = true
		seen = r
	})

	if idt[GPFException].ist != 3 {
		t.Fatalf("expected ist offset 3; got %d", idt[GPFException].ist)
	}

	regs := &Registers{Info: 0xdead}
	dispatch(uint8(GPFException), regs)

	if !called {
		t.Fatal("expected registered handler to run")
	}
	if seen != regs {
		t.Fatal("expected handler to receive the dispatched Registers pointer")
	}
}

func TestDispatchWithoutHandlerIsNoop(t *testing.T) {
	defer resetGateState()
	resetGateState()

	dispatch(uint8(DivideByZero), &Registers{})
}

func TestDispatchFromAsmReadsGlobals(t *testing.T) {
	defer resetGateState()
	resetGateState()

	var called bool
	HandleInterrupt(NMI, 0, func(*Registers) { called = true })

	regs := &Registers{}
	currentVector = uint8(NMI)
	currentRegsPtr = uintptr(unsafe.Pointer(regs))

	dispatchFromAsm()

	if !called {
		t.Fatal("expected dispatchFromAsm to route to the registered handler")
	}
}
