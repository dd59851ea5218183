package hpet

import (
	"testing"
	"time"
	"unsafe"
)

// withFakeMMIO points mmioBase at a plain Go byte buffer sized to cover the
// registers this package touches, with a timer count and clock period
// preloaded into the capabilities register.
func withFakeMMIO(t *testing.T, femtoseconds uint64, timers uint8) {
	t.Helper()

	buf := make([]byte, timerConfigBase+8*int(timerStride))
	mmioBase = uintptr(unsafe.Pointer(&buf[0]))

	caps := (femtoseconds << capPeriodShift) | (uint64(timers-1) << capNumTimersShift)
	write64(regCapabilities, caps)

	femtosecondsPerTick = femtoseconds
	numTimers = timers

	t.Cleanup(func() { _ = buf })
}

func TestElapsedConvertsTicksToDuration(t *testing.T) {
	withFakeMMIO(t, 100_000_000, 3) // 100ns per tick, like a typical HPET

	write64(regMainCounter, 10) // 10 ticks = 1000ns
	if got := Elapsed(); got != 1000*time.Nanosecond {
		t.Fatalf("expected 1000ns; got %v", got)
	}
}

func TestEstimateConvertsDurationToTicks(t *testing.T) {
	withFakeMMIO(t, 100_000_000, 3)

	if got := Estimate(1000 * time.Nanosecond); got != 10 {
		t.Fatalf("expected 10 ticks; got %d", got)
	}
}

func TestSetTimerWritesComparatorAndRoute(t *testing.T) {
	withFakeMMIO(t, 100_000_000, 3)

	if err := SetTimer(1, 5000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cmpOff := uintptr(timerCompBase) + 1*timerStride
	if got := read64(cmpOff); got != 5000 {
		t.Fatalf("expected comparator value 5000; got %d", got)
	}

	cfgOff := uintptr(timerConfigBase) + 1*timerStride
	cfg := read64(cfgOff)
	if cfg&timerCfgIntEnable == 0 {
		t.Fatalf("expected interrupt enable bit set")
	}
	if route := (cfg >> timerCfgRouteShift) & timerCfgRouteMask; route != hpetTimerGSI {
		t.Fatalf("expected route %d; got %d", hpetTimerGSI, route)
	}
}

func TestSetTimerRejectsOutOfRangeIndex(t *testing.T) {
	withFakeMMIO(t, 100_000_000, 3)

	if err := SetTimer(5, 1); err != errInvalidTimer {
		t.Fatalf("expected errInvalidTimer; got %v", err)
	}
}

func TestNumTimers(t *testing.T) {
	withFakeMMIO(t, 100_000_000, 4)

	if NumTimers() != 4 {
		t.Fatalf("expected 4 timers; got %d", NumTimers())
	}
}
