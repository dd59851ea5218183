package apic

import (
	"testing"
	"time"
	"unsafe"
)

func withFakeMMIO(t *testing.T) {
	t.Helper()

	lapicBuf := make([]byte, 0x400)
	ioBuf := make([]byte, 0x20)

	lapicBase = uintptr(unsafe.Pointer(&lapicBuf[0]))
	ioapicBase = uintptr(unsafe.Pointer(&ioBuf[0]))
	ioapicGSIBase = 0

	// Report 24 redirection entries (max index 23) for the version register probe.
	writeIOAPIC32(ioapicRegSel, 0x01)
	writeIOAPIC32(ioapicRegWin, 23<<16)

	origTicks, origEstimate := hpetTicksFn, hpetEstimateFn
	var tick uint64
	hpetTicksFn = func() uint64 { tick++; return tick }
	hpetEstimateFn = func(d time.Duration) uint64 { return 3 }

	t.Cleanup(func() {
		hpetTicksFn, hpetEstimateFn = origTicks, origEstimate
		_ = lapicBuf
		_ = ioBuf
	})
}

func TestLocalIDReadsTopByteOfIDRegister(t *testing.T) {
	withFakeMMIO(t)

	writeLAPIC(lapicRegID, 7<<24)
	if got := LocalID(); got != 7 {
		t.Fatalf("expected local id 7; got %d", got)
	}
}

func TestEnableLocalProgramsSVRAndErrorVector(t *testing.T) {
	withFakeMMIO(t)

	EnableLocal()

	if svr := readLAPIC(lapicRegSVR); svr&svrAPICEnable == 0 || svr&0xff != VectorAPICSpurious {
		t.Fatalf("expected SVR enabled with spurious vector; got %#x", svr)
	}
	if lvt := readLAPIC(lapicRegLVTError); lvt != VectorAPICError {
		t.Fatalf("expected LVT error vector %d; got %d", VectorAPICError, lvt)
	}
}

func TestEndOfInterruptWritesEOIRegister(t *testing.T) {
	withFakeMMIO(t)

	writeLAPIC(lapicRegEOI, 0xff)
	EndOfInterrupt()

	if got := readLAPIC(lapicRegEOI); got != 0 {
		t.Fatalf("expected EOI register cleared to 0; got %#x", got)
	}
}

func TestIoapicRedirectionCountReadsVersionRegister(t *testing.T) {
	withFakeMMIO(t)

	if got := ioapicRedirectionCount(); got != 24 {
		t.Fatalf("expected 24 redirection entries; got %d", got)
	}
}

func TestRouteIRQSetsVectorAndClearsMask(t *testing.T) {
	withFakeMMIO(t)

	RouteIRQ(irqKeyboard, VectorKeyboard)

	low := readRedirectionLow(uint32(irqKeyboard))
	if low&ioredtblMasked != 0 {
		t.Fatalf("expected redirection entry unmasked")
	}
	if low&0xff != VectorKeyboard {
		t.Fatalf("expected vector %d; got %d", VectorKeyboard, low&0xff)
	}
}

func TestMaskAndUnmaskIRQ(t *testing.T) {
	withFakeMMIO(t)

	RouteIRQ(irqMouse, VectorMouse)
	MaskIRQ(irqMouse)

	if low := readRedirectionLow(uint32(irqMouse)); low&ioredtblMasked == 0 {
		t.Fatalf("expected redirection entry masked")
	}

	UnmaskIRQ(irqMouse)
	if low := readRedirectionLow(uint32(irqMouse)); low&ioredtblMasked != 0 {
		t.Fatalf("expected redirection entry unmasked")
	}
}

func TestCalibrateTimerDerivesCountFromHPETWindow(t *testing.T) {
	withFakeMMIO(t)

	writeLAPIC(lapicRegTimerCurCount, 0xffffffef)
	got := calibrateTimer()
	if got != 0x10 {
		t.Fatalf("expected elapsed count 0x10; got %#x", got)
	}
}
