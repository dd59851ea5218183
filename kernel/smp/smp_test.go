package smp

import (
	"corekernel/kernel/boot"
	"sync/atomic"
	"testing"
)

func withFakeAPs(t *testing.T, aps []boot.CPUInfo) {
	t.Helper()

	origFn, origSpin := applicationProcessorsFn, spinFn
	applicationProcessorsFn = func() []boot.CPUInfo { return aps }

	t.Cleanup(func() {
		applicationProcessorsFn, spinFn = origFn, origSpin
		for i := range perCPUReady {
			atomic.StoreUint32(&perCPUReady[i], 0)
		}
	})
}

func TestStartSucceedsWhenEveryAPReportsReady(t *testing.T) {
	aps := []boot.CPUInfo{{ProcessorID: 1, LAPICID: 1}, {ProcessorID: 2, LAPICID: 2}}
	withFakeAPs(t, aps)

	polls := 0
	spinFn = func() {
		polls++
		if polls == 1 {
			atomic.StoreUint32(&perCPUReady[1], 1)
			atomic.StoreUint32(&perCPUReady[2], 1)
		}
	}

	if err := Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aps[0].GotoAddress == 0 || aps[1].GotoAddress == 0 {
		t.Fatalf("expected GotoAddress to be populated for every AP")
	}
}

func TestStartRejectsTooManyCPUs(t *testing.T) {
	aps := make([]boot.CPUInfo, maxCPUsForTest())
	withFakeAPs(t, aps)

	if err := Start(); err != errTooManyCPUs {
		t.Fatalf("expected errTooManyCPUs; got %v", err)
	}
}

// maxCPUsForTest exposes gdt.MaxCPUs to the test without importing gdt
// directly into the test file's assertions on error identity.
func maxCPUsForTest() int {
	return len(perCPUReady)
}
