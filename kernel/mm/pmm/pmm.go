// Package pmm implements the physical frame allocator. Free memory is taken
// from the usable regions in the bootloader memory map; frames are handed
// out by a bump cursor and reclaimed frames are kept on an intrusive free
// list whose links live inside the free frames themselves.
package pmm

import (
	"nucleos/kernel"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/kernel/sync"
	"nucleos/multiboot"
	"unsafe"
)

const (
	// maxRegions is the number of usable memory regions that the allocator
	// can track. Regions that are split by the kernel image count twice.
	maxRegions = 32
)

var (
	// ErrOutOfMemory is returned by AllocFrame when all usable frames have
	// been handed out.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "frame allocator already initialized"}
	errNoUsableMemory     = &kernel.Error{Module: "pmm", Message: "memory map contains no usable region"}
	errTooManyRegions     = &kernel.Error{Module: "pmm", Message: "too many usable memory regions"}
	errFrameOutOfRange    = &kernel.Error{Module: "pmm", Message: "frame does not belong to a usable memory region"}

	// visitMemRegionsFn is used by tests to supply a memory map.
	visitMemRegionsFn = multiboot.VisitMemRegions

	allocator frameAllocator
	lock      sync.IRQSpinlock
)

// region is a run of usable frames in [start, end).
type region struct {
	start, end mm.Frame
}

// frameAllocator tracks the usable physical memory. Its bookkeeping is a
// fixed-size array plus links stored in the free frames, so allocating a
// frame never requires allocating memory.
type frameAllocator struct {
	initialized bool

	regions     [maxRegions]region
	regionCount int

	// cursorRegion and cursor point to the next never-allocated frame.
	cursorRegion int
	cursor       mm.Frame

	// freeList is the most recently reclaimed frame or mm.InvalidFrame.
	freeList mm.Frame

	// reserved holds the frames of the kernel image and of the boot
	// information; they are excluded from every usable region.
	reserved [2]region

	totalFrames, allocatedFrames uint64

	// initErr is set by the memory map visitor while Init runs.
	initErr *kernel.Error
}

// Init sets up the frame allocator using the memory map supplied by the
// bootloader. Frames overlapping the kernel image [kernelStart, kernelEnd)
// or the boot information [infoStart, infoEnd) are never handed out. Once
// initialized, the allocator is registered with mm.SetFrameAllocator.
func Init(kernelStart, kernelEnd, infoStart, infoEnd mm.PhysAddr) *kernel.Error {
	lock.Acquire()
	err := allocator.init(kernelStart, kernelEnd, infoStart, infoEnd)
	lock.Release()

	if err != nil {
		return err
	}

	allocator.printMemoryMap(kernelStart, kernelEnd, infoStart, infoEnd)
	mm.SetFrameAllocator(AllocFrame)
	return nil
}

// AllocFrame reserves a physical frame. Reclaimed frames are preferred over
// frames that were never allocated. ErrOutOfMemory is returned when no frame
// is available.
func AllocFrame() (mm.Frame, *kernel.Error) {
	lock.Acquire()
	frame, err := allocator.alloc()
	lock.Release()
	return frame, err
}

// FreeFrame returns a frame to the allocator. The caller must have removed
// every mapping to the frame. Freeing a frame twice is not detected.
func FreeFrame(frame mm.Frame) *kernel.Error {
	lock.Acquire()
	err := allocator.free(frame)
	lock.Release()
	return err
}

// Stats returns the number of allocated frames and the number of frames
// that are still available.
func Stats() (allocated, free uint64) {
	lock.Acquire()
	allocated, free = allocator.allocatedFrames, allocator.totalFrames-allocator.allocatedFrames
	lock.Release()
	return allocated, free
}

func (alloc *frameAllocator) init(kernelStart, kernelEnd, infoStart, infoEnd mm.PhysAddr) *kernel.Error {
	if alloc.initialized {
		return errAlreadyInitialized
	}

	alloc.reserved[0] = reservedFrames(kernelStart, kernelEnd)
	alloc.reserved[1] = reservedFrames(infoStart, infoEnd)
	alloc.regionCount = 0
	alloc.totalFrames = 0
	alloc.initErr = nil

	visitMemRegionsFn(addRegion)
	if alloc.initErr != nil {
		return alloc.initErr
	}

	if alloc.regionCount == 0 {
		return errNoUsableMemory
	}

	alloc.cursorRegion = 0
	alloc.cursor = alloc.regions[0].start
	alloc.freeList = mm.InvalidFrame
	alloc.allocatedFrames = 0
	alloc.initialized = true
	return nil
}

// addRegion is the memory map visitor used by init. It is a top-level
// function so that passing it to the visitor does not allocate a closure.
func addRegion(entry *multiboot.MemoryMapEntry) bool {
	if !entry.Usable() || entry.Length < uint64(mm.PageSize) {
		return true
	}

	// Reported addresses may not be page-aligned; round the start up and
	// the end down to frame boundaries.
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	start := mm.Frame(((entry.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
	end := mm.Frame(((entry.PhysAddress + entry.Length) &^ pageSizeMinus1) >> mm.PageShift)

	return allocator.appendUsable(start, end, 0)
}

// reservedFrames rounds [start, end) outwards to frame boundaries.
func reservedFrames(start, end mm.PhysAddr) region {
	if end <= start {
		return region{}
	}
	return region{
		start: mm.FrameFromAddress(start),
		end:   mm.FrameFromAddress(end + mm.PhysAddr(mm.PageSize-1)),
	}
}

// appendUsable appends the frames in [start, end) that do not overlap
// alloc.reserved[index:].
func (alloc *frameAllocator) appendUsable(start, end mm.Frame, index int) bool {
	for ; index < len(alloc.reserved); index++ {
		res := alloc.reserved[index]
		if start >= res.end || res.start >= end {
			continue
		}

		if start < res.start && !alloc.appendUsable(start, res.start, index+1) {
			return false
		}
		if res.end >= end {
			return true
		}
		start = res.end
	}

	return alloc.appendRegion(start, end)
}

func (alloc *frameAllocator) appendRegion(start, end mm.Frame) bool {
	if start >= end {
		return true
	}

	if alloc.regionCount == maxRegions {
		alloc.initErr = errTooManyRegions
		return false
	}

	alloc.regions[alloc.regionCount] = region{start: start, end: end}
	alloc.regionCount++
	alloc.totalFrames += uint64(end - start)
	return true
}

func (alloc *frameAllocator) alloc() (mm.Frame, *kernel.Error) {
	if alloc.freeList != mm.InvalidFrame {
		frame := alloc.freeList
		alloc.freeList = *freeListLink(frame)
		alloc.allocatedFrames++
		return frame, nil
	}

	for ; alloc.cursorRegion < alloc.regionCount; alloc.cursorRegion++ {
		if reg := alloc.regions[alloc.cursorRegion]; alloc.cursor >= reg.start && alloc.cursor < reg.end {
			frame := alloc.cursor
			alloc.cursor++
			alloc.allocatedFrames++
			return frame, nil
		}

		if next := alloc.cursorRegion + 1; next < alloc.regionCount {
			alloc.cursor = alloc.regions[next].start
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

func (alloc *frameAllocator) free(frame mm.Frame) *kernel.Error {
	if !alloc.contains(frame) {
		return errFrameOutOfRange
	}

	*freeListLink(frame) = alloc.freeList
	alloc.freeList = frame
	alloc.allocatedFrames--
	return nil
}

func (alloc *frameAllocator) contains(frame mm.Frame) bool {
	for i := 0; i < alloc.regionCount; i++ {
		if frame >= alloc.regions[i].start && frame < alloc.regions[i].end {
			return true
		}
	}
	return false
}

// freeListLink returns a pointer to the free list link stored in the first
// word of a free frame.
func freeListLink(frame mm.Frame) *mm.Frame {
	return (*mm.Frame)(unsafe.Pointer(mm.PhysToVirt(frame.Address()).Pointer()))
}

// printMemoryMap prints the system memory map and the frames that the
// allocator manages.
func (alloc *frameAllocator) printMemoryMap(kernelStart, kernelEnd, infoStart, infoEnd mm.PhysAddr) {
	kfmt.Printf("[pmm] system memory map:\n")
	visitMemRegionsFn(printRegion)
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(mm.Size(alloc.totalFrames<<mm.PageShift)/mm.Kb))
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", uint64(kernelStart), uint64(kernelEnd))
	kfmt.Printf("[pmm] size: %d bytes, reserved pages: %d\n",
		uint64(kernelEnd-kernelStart),
		uint64(alloc.reserved[0].end-alloc.reserved[0].start),
	)
	if infoEnd > infoStart {
		kfmt.Printf("[pmm] boot info at 0x%x - 0x%x, reserved pages: %d\n",
			uint64(infoStart), uint64(infoEnd),
			uint64(alloc.reserved[1].end-alloc.reserved[1].start),
		)
	}
}

func printRegion(region *multiboot.MemoryMapEntry) bool {
	kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
	return true
}
