package heap

import (
	"corekernel/kernel"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/vmm"
	"testing"
	"unsafe"
)

// withFakeArena substitutes the real page-table-backed arena with a plain Go
// byte slice so the allocator can be exercised under go test.
func withFakeArena(t *testing.T, size mem.Size) {
	t.Helper()

	arena := make([]byte, size)
	arenaAddr := uintptr(unsafe.Pointer(&arena[0]))

	origAllocRange := allocRangeFn
	allocRangeFn = func(vaddr uintptr, size mem.Size, flags vmm.PageTableEntryFlag) *kernel.Error {
		return nil
	}
	_ = origAllocRange

	initialized = false
	heapStart = arenaAddr
	heapEnd = arenaAddr + uintptr(size)
	root := (*blockHeader)(unsafe.Pointer(heapStart))
	root.size = uintptr(size)
	root.next = nil
	freeList = root
	initialized = true

	t.Cleanup(func() {
		initialized = false
		freeList = nil
		// keep arena alive until cleanup runs
		_ = arena
	})
}

func TestAllocReturnsZeroedDistinctRegions(t *testing.T) {
	withFakeArena(t, 4*mem.Kb)

	a, err := Alloc(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Alloc(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a == b {
		t.Fatalf("expected distinct allocations")
	}

	pa := (*[64]byte)(unsafe.Pointer(a))
	for _, v := range pa {
		if v != 0 {
			t.Fatalf("expected zeroed memory")
		}
	}
}

func TestAllocFailsWhenArenaExhausted(t *testing.T) {
	withFakeArena(t, 256)

	if _, err := Alloc(4096); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}
}

func TestFreeReturnsBlockToFreeListForReuse(t *testing.T) {
	withFakeArena(t, 4*mem.Kb)

	a, err := Alloc(128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Free(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b, err := Alloc(128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected freed block to be reused first-fit")
	}
}

func TestFreeRejectsPointerOutsideArena(t *testing.T) {
	withFakeArena(t, 4*mem.Kb)

	if err := Free(heapStart - 1); err != errInvalidFree {
		t.Fatalf("expected errInvalidFree; got %v", err)
	}
	if err := Free(heapEnd + 1); err != errInvalidFree {
		t.Fatalf("expected errInvalidFree; got %v", err)
	}
}
