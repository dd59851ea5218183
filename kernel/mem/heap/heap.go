// Package heap implements the kernel's general-purpose dynamic allocator: a
// single global arena, reserved once at a fixed virtual address and grown no
// further, used for kernel objects whose lifetime is managed explicitly
// (kernel/proc allocates each thread's kernel stack from it)
// rather than left to the Go garbage collector. It is a classic intrusive
// free-list allocator so it has no dependency on the Go runtime heap that
// goruntime.Init brings up separately.
package heap

import (
	"corekernel/kernel"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/vmm"
	"unsafe"
)

var (
	errOutOfMemory  = &kernel.Error{Module: "heap", Message: "kernel heap exhausted"}
	errAlreadyInit  = &kernel.Error{Module: "heap", Message: "kernel heap already initialized"}
	errInvalidFree  = &kernel.Error{Module: "heap", Message: "free of pointer not owned by the kernel heap"}

	// allocRangeFn is substituted by tests so they do not require a live
	// page table.
	allocRangeFn = vmm.AllocRange

	initialized bool
	freeList    *blockHeader

	heapStart uintptr
	heapEnd   uintptr
)

// blockHeader prefixes every free block in the arena. size includes the
// header itself. Allocated blocks carry the same header (minus the next
// pointer, which is meaningless once the block leaves the free list) so
// Free can recover their size without a side table.
type blockHeader struct {
	size uintptr
	next *blockHeader
}

const headerSize = unsafe.Sizeof(blockHeader{})

// minBlockSize is the smallest block the allocator will ever hand out or
// leave behind after a split; it must fit a blockHeader.
const minBlockSize = headerSize * 2

// Init reserves and maps the kernel heap arena and seeds the free list with
// a single block spanning it. It must be called exactly once, after the
// frame allocator and page table manager are usable.
func Init() *kernel.Error {
	if initialized {
		return errAlreadyInit
	}

	if err := allocRangeFn(mem.HeapStart, mem.HeapSize, vmm.KernelData); err != nil {
		return err
	}

	heapStart = mem.HeapStart
	heapEnd = mem.HeapStart + uintptr(mem.HeapSize)

	root := (*blockHeader)(unsafe.Pointer(heapStart))
	root.size = uintptr(mem.HeapSize)
	root.next = nil
	freeList = root

	initialized = true
	return nil
}

// Alloc returns a pointer to a zero-filled region of at least size bytes,
// carved out of the kernel heap arena using first fit.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	need := align(size+headerSize, unsafe.Alignof(blockHeader{}))
	if need < minBlockSize {
		need = minBlockSize
	}

	var prev *blockHeader
	for blk := freeList; blk != nil; prev, blk = blk, blk.next {
		if blk.size < need {
			continue
		}

		if blk.size-need >= minBlockSize {
			remainder := (*blockHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(blk)) + need))
			remainder.size = blk.size - need
			remainder.next = blk.next
			blk.size = need

			if prev == nil {
				freeList = remainder
			} else {
				prev.next = remainder
			}
		} else if prev == nil {
			freeList = blk.next
		} else {
			prev.next = blk.next
		}

		dataAddr := uintptr(unsafe.Pointer(blk)) + headerSize
		kernel.Memset(dataAddr, 0, blk.size-headerSize)
		return dataAddr, nil
	}

	return 0, errOutOfMemory
}

// Free returns the block at addr (as previously returned by Alloc) to the
// free list. Adjacent free blocks are not coalesced; fragmentation is
// acceptable for the kernel's own bookkeeping allocations, which are few and
// long-lived relative to the 32 MiB arena.
func Free(addr uintptr) *kernel.Error {
	if addr < heapStart+headerSize || addr >= heapEnd {
		return errInvalidFree
	}

	blk := (*blockHeader)(unsafe.Pointer(addr - headerSize))
	blk.next = freeList
	freeList = blk
	return nil
}

func align(v uintptr, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}
