package keyboard

import (
	"corekernel/kernel/apic"
	"corekernel/kernel/gate"
	"testing"
)

func resetRing(t *testing.T) {
	t.Helper()
	head, tail, dropped = 0, 0, 0
	t.Cleanup(func() { head, tail, dropped = 0, 0, 0 })
}

func TestInitRegistersTheKeyboardVector(t *testing.T) {
	orig := handleInterrupt
	defer func() { handleInterrupt = orig }()

	var gotVector gate.InterruptNumber
	handleInterrupt = func(n gate.InterruptNumber, ist uint8, _ func(*gate.Registers)) {
		gotVector = n
	}

	Init()

	if gotVector != gate.InterruptNumber(apic.VectorKeyboard) {
		t.Fatalf("expected the keyboard vector to be registered; got %d", gotVector)
	}
}

func TestHandleScancodePushesTheByteRead(t *testing.T) {
	resetRing(t)
	origIn := inBFn
	defer func() { inBFn = origIn }()
	inBFn = func(uint16) byte { return 0x1e } // scancode for 'A' press

	handleScancode(nil)

	b, ok := ReadScancode()
	if !ok || b != 0x1e {
		t.Fatalf("expected to read back 0x1e; got %#x, ok=%v", b, ok)
	}
}

func TestReadScancodeOnEmptyRingReturnsFalse(t *testing.T) {
	resetRing(t)
	if _, ok := ReadScancode(); ok {
		t.Fatalf("expected no scancode pending")
	}
}

func TestPushDropsOldestWhenRingIsFull(t *testing.T) {
	resetRing(t)
	for i := 0; i < bufSize-1; i++ {
		push(byte(i))
	}
	if Dropped() != 0 {
		t.Fatalf("expected no drops yet; got %d", Dropped())
	}

	push(0xff)
	if Dropped() != 1 {
		t.Fatalf("expected one drop once the ring overflows; got %d", Dropped())
	}

	first, ok := ReadScancode()
	if !ok || first != 1 {
		t.Fatalf("expected the oldest surviving scancode to be 1; got %#x", first)
	}
}
