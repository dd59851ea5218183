package allocator

import (
	"corekernel/kernel"
	"corekernel/kernel/boot"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/ksync"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
	"corekernel/kernel/mem/vmm"
	"math"
	"reflect"
	"unsafe"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}

	// reserveRegionFn and mapFn are substituted by tests to avoid depending
	// on a real page table.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map

	// bitmapAlloc is the system-wide bitmap allocator, brought up by Init.
	bitmapAlloc BitmapAllocator

	// initialized flips to true once Init has handed allocation duties from
	// earlyAllocator over to bitmapAlloc.
	initialized bool
)

// Init hands off frame allocation from the early bump allocator to a bitmap
// allocator that additionally supports freeing and contiguous allocation, as
// required by spec §4.1. kernelStart/kernelEnd bound the loaded kernel
// image so its frames are excluded from the pool.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	if err := bitmapAlloc.init(); err != nil {
		return err
	}

	initialized = true
	return nil
}

// AllocFrame reserves and returns a single physical memory frame, using
// whichever allocator (the early bump allocator, or the bitmap allocator
// once Init has run) currently owns allocation duties.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	if !initialized {
		return earlyAllocator.AllocFrame()
	}
	return bitmapAlloc.AllocFrame()
}

// AllocFrames reserves n contiguous physical memory frames and returns the
// first one. It requires the bitmap allocator to be initialized.
func AllocFrames(n uint32) (pmm.Frame, *kernel.Error) {
	if !initialized {
		return pmm.InvalidFrame, errBitmapAllocOutOfMemory
	}
	return bitmapAlloc.AllocFrames(n)
}

// FreeFrame releases a frame previously allocated via AllocFrame or
// AllocFrames. It requires the bitmap allocator to be initialized; frames
// allocated by the early bump allocator cannot be individually freed.
func FreeFrame(frame pmm.Frame) *kernel.Error {
	if !initialized {
		return errBitmapAllocFrameNotManaged
	}
	return bitmapAlloc.FreeFrame(frame)
}

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// framePool tracks free/reserved frames for one contiguous, bootloader
// reported MemAvailable region via a bitmap: bit i sets means frame
// (startFrame+i) is reserved.
type framePool struct {
	startFrame pmm.Frame
	endFrame   pmm.Frame

	freeCount uint32

	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// BitmapAllocator implements spec §4.1's bitmap frame allocator: it tracks
// frame reservations across every usable memory pool reported by the
// bootloader using one free/reserved bitmap per pool.
type BitmapAllocator struct {
	mutex ksync.Spinlock

	totalPages    uint32
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// init places the pool/bitmap bookkeeping structures in freshly reserved
// virtual memory, flags frames occupied by the kernel image and by the
// early allocator's already-issued frames as reserved.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}

	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	alloc.printStats()
	return nil
}

// setupPoolBitmaps uses the early allocator and vmm's region reservation
// helper to initialize the list of available pools and their free bitmaps.
func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		pageSizeMinus1      = uint64(mem.PageSize - 1)
		requiredBitmapBytes uint64
	)

	boot.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		if region.Type != boot.MemAvailable {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mem.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame + 1)
		alloc.totalPages += pageCount

		// To represent the free page bitmap we need pageCount bits; round up
		// to a multiple of 64 bits since the bitmap uses a uint64 slice.
		requiredBitmapBytes += uint64(((pageCount + 63) &^ 63) >> 3)
		return true
	})

	requiredBytes := mem.Size((uintptr(alloc.poolsHdr.Len)*sizeofPool + uintptr(requiredBitmapBytes) + uintptr(pageSizeMinus1)) &^ uintptr(pageSizeMinus1))
	requiredPages := uintptr(requiredBytes) >> mem.PageShift

	startAddr, err := reserveRegionFn(requiredBytes)
	if err != nil {
		return err
	}
	alloc.poolsHdr.Data = startAddr

	for page, index := vmm.PageFromAddress(startAddr), uintptr(0); index < requiredPages; page, index = page+vmm.Page(mem.PageSize), index+1 {
		nextFrame, allocErr := earlyAllocator.AllocFrame()
		if allocErr != nil {
			return allocErr
		}

		if err := mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		kernel.Memset(page.Address(), 0, uintptr(mem.PageSize))
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	// Second pass: initialize the free bitmap slices for every pool.
	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	boot.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		if region.Type != boot.MemAvailable {
			return true
		}

		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mem.PageShift) - 1
		bitmapBytes := uintptr(((uint64(regionEndFrame-regionStartFrame+1) + 63) &^ 63) >> 3)

		alloc.pools[poolIndex].startFrame = regionStartFrame
		alloc.pools[poolIndex].endFrame = regionEndFrame
		alloc.pools[poolIndex].freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame pmm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1) << (63 - (relFrame - block<<6))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// poolForFrame returns the index of the pool containing frame, or -1 if no
// pool contains it (e.g. it falls in a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame pmm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}
	return -1
}

// reserveKernelFrames marks the bitmap entries for the frames occupied by
// the kernel image as reserved.
func (alloc *BitmapAllocator) reserveKernelFrames() {
	poolIndex := alloc.poolForFrame(earlyAllocator.kernelStartFrame)
	for frame := earlyAllocator.kernelStartFrame; frame <= earlyAllocator.kernelEndFrame; frame++ {
		alloc.markFrame(poolIndex, frame, markReserved)
	}
}

// reserveEarlyAllocatorFrames marks the bitmap entries for every frame the
// early bump allocator has already handed out as reserved. The early
// allocator tracks only an allocation count, not individual frames, so we
// reset its state and replay the allocations to recover them.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	allocCount := earlyAllocator.allocCount
	earlyAllocator.allocCount, earlyAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := earlyAllocator.AllocFrame()
		alloc.markFrame(alloc.poolForFrame(frame), frame, markReserved)
	}
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

// AllocFrame reserves and returns a single physical memory frame. It
// implements spec §4.1's allocate_frames(1).
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	frame, err := alloc.AllocFrames(1)
	return frame, err
}

// AllocFrames scans for the first run of n contiguous free frames, reserves
// them and returns the base frame. Ties are broken by lowest address. It
// implements spec §4.1's allocate_frames(n).
func (alloc *BitmapAllocator) AllocFrames(n uint32) (pmm.Frame, *kernel.Error) {
	if n == 0 {
		n = 1
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < n {
			continue
		}

		run := uint32(0)
		var runStart pmm.Frame

		for blockIndex, block := range pool.freeBitmap {
			if block == math.MaxUint64 && run == 0 {
				continue
			}

			for blockOffset, mask := 0, uint64(1<<63); mask > 0; blockOffset, mask = blockOffset+1, mask>>1 {
				frame := pool.startFrame + pmm.Frame((blockIndex<<6)+blockOffset)
				if frame > pool.endFrame {
					break
				}

				if block&mask != 0 {
					run = 0
					continue
				}

				if run == 0 {
					runStart = frame
				}
				run++

				if run == n {
					alloc.markRange(poolIndex, runStart, n, markReserved)
					return runStart, nil
				}
			}
		}
	}

	return pmm.InvalidFrame, errBitmapAllocOutOfMemory
}

// markRange marks n frames starting at start as reserved or free.
func (alloc *BitmapAllocator) markRange(poolIndex int, start pmm.Frame, n uint32, flag markAs) {
	for i := uint32(0); i < n; i++ {
		alloc.markFrame(poolIndex, start+pmm.Frame(i), flag)
	}
}

// FreeFrame releases a frame previously allocated via AllocFrame or
// AllocFrames. Freeing a frame not owned by this allocator, or one that is
// already free, returns an error; the underlying bit is never cleared
// twice. It implements spec §4.1's deallocate_frame.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocFrameNotManaged
	}

	pool := &alloc.pools[poolIndex]
	relFrame := frame - pool.startFrame
	block := relFrame >> 6
	mask := uint64(1) << (63 - (relFrame - block<<6))

	if pool.freeBitmap[block]&mask == 0 {
		return errBitmapAllocDoubleFree
	}

	pool.freeBitmap[block] &^= mask
	pool.freeCount++
	alloc.reservedPages--
	return nil
}
