package vmm

import (
	"corekernel/kernel"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
	"testing"
	"unsafe"
)

// testFrameCount bounds the fake physical memory backing a testFixture; it
// must be large enough for the deepest page-table walk a test performs.
const testFrameCount = 64

var errOutOfTestFrames = &kernel.Error{Module: "vmmtest", Message: "out of fake test frames"}

// testFixture wires the vmm package's test seams (frameAllocator,
// frameDeallocator, activePDTFn, flushTLBEntryFn, the HHDM offset) to a flat
// slab of Go memory standing in for physical RAM, and restores every
// overridden package variable once the enclosing test finishes.
type testFixture struct {
	t        *testing.T
	buf      []byte
	nextFree uint64
	root     pmm.Frame
	freed    map[pmm.Frame]bool
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	buf := make([]byte, testFrameCount*int(mem.PageSize))

	savedHHDM := HHDMOffset()
	SetHHDMOffset(uintptr(unsafe.Pointer(&buf[0])))
	t.Cleanup(func() { SetHHDMOffset(savedHHDM) })

	fx := &testFixture{t: t, buf: buf}

	root, err := fx.allocFrame()
	if err != nil {
		t.Fatalf("allocating root table frame: %v", err)
	}
	fx.root = root
	kernel.Memset(PhysToVirt(root.Address()), 0, uintptr(mem.PageSize))

	savedActivePDT := activePDTFn
	activePDTFn = func() uintptr { return fx.root.Address() }
	t.Cleanup(func() { activePDTFn = savedActivePDT })

	savedFlush := flushTLBEntryFn
	flushTLBEntryFn = func(uintptr) {}
	t.Cleanup(func() { flushTLBEntryFn = savedFlush })

	savedAlloc := frameAllocator
	frameAllocator = fx.allocFrame
	t.Cleanup(func() { frameAllocator = savedAlloc })

	savedDealloc := frameDeallocator
	fx.freed = map[pmm.Frame]bool{}
	frameDeallocator = fx.freeFrame
	t.Cleanup(func() { frameDeallocator = savedDealloc })

	return fx
}

func (fx *testFixture) allocFrame() (pmm.Frame, *kernel.Error) {
	if fx.nextFree >= testFrameCount {
		return pmm.InvalidFrame, errOutOfTestFrames
	}
	f := pmm.Frame(fx.nextFree)
	fx.nextFree++
	return f, nil
}

func (fx *testFixture) freeFrame(f pmm.Frame) {
	fx.freed[f] = true
}
