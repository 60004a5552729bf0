// Package heap implements the kernel heap: a fixed virtual region that is
// backed by physical frames at boot and carved into blocks by a first-fit
// allocator. Free blocks are kept in an address-ordered singly linked list
// whose nodes are stored inside the free memory itself.
package heap

import (
	"nucleos/kernel"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/pmm"
	"nucleos/kernel/mm/vmm"
	"nucleos/kernel/sync"
	"unsafe"
)

const (
	// Start is the virtual address where the kernel heap begins.
	Start = uintptr(0x4444_4444_0000)

	// Size is the size of the kernel heap.
	Size = uintptr(100 * mm.Kb)

	// minBlockSize is the granularity of every allocation. A free block
	// must be able to hold a freeBlock header.
	minBlockSize = unsafe.Sizeof(freeBlock{})
)

var (
	// ErrOutOfMemory is returned when no free block can satisfy an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	errInvalidAlignment   = &kernel.Error{Module: "heap", Message: "alignment must be a power of 2"}
	errAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap already initialized"}

	// the following variables are overridden by tests.
	mapFn        = vmm.Map
	unmapFn      = vmm.Unmap
	allocFrameFn = mm.AllocFrame
	freeFrameFn  = pmm.FreeFrame
	heapStart    = Start

	lock       sync.IRQSpinlock
	kernelHeap allocator
)

// freeBlock is the header written at the start of each free block.
type freeBlock struct {
	size uintptr
	next uintptr
}

// allocator manages the free blocks of a contiguous memory region.
type allocator struct {
	initialized bool

	start, end uintptr

	// head is the address of the first free block or 0 if there is no
	// free memory left.
	head uintptr

	used uintptr
}

// Init maps the heap region to freshly allocated physical frames and sets up
// the allocator so that the whole region is available. If mapping fails, the
// pages mapped so far are unmapped and their frames released.
func Init() *kernel.Error {
	if kernelHeap.initialized {
		return errAlreadyInitialized
	}

	var (
		flags     = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
		firstPage = mm.PageFromAddress(mm.VirtAddr(heapStart))
		pageCount = (Size + mm.PageSize - 1) >> mm.PageShift
	)
	for index := uintptr(0); index < pageCount; index++ {
		frame, err := allocFrameFn()
		if err != nil {
			releasePages(firstPage, index)
			return err
		}

		if err = mapFn(firstPage+mm.Page(index), frame, flags); err != nil {
			_ = freeFrameFn(frame)
			releasePages(firstPage, index)
			return err
		}
	}

	lock.Acquire()
	kernelHeap.init(heapStart, Size)
	lock.Release()

	kfmt.Printf("[heap] %dKb at 0x%x\n", uint64(Size/uintptr(mm.Kb)), heapStart)
	return nil
}

// releasePages unmaps count pages starting at firstPage and returns their
// frames to the frame allocator.
func releasePages(firstPage mm.Page, count uintptr) {
	for index := uintptr(0); index < count; index++ {
		if frame, err := unmapFn(firstPage + mm.Page(index)); err == nil {
			_ = freeFrameFn(frame)
		}
	}
}

// Alloc reserves a block of at least size bytes whose address is a multiple
// of align. An align of 0 requests the default alignment of 16 bytes.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	lock.Acquire()
	addr, err := kernelHeap.alloc(size, align)
	lock.Release()
	return addr, err
}

// Free returns a block obtained by Alloc to the heap. The size must match
// the one passed to Alloc. Freeing a block twice or freeing an address that
// was not returned by Alloc corrupts the heap.
func Free(addr, size uintptr) {
	lock.Acquire()
	kernelHeap.free(addr, size)
	lock.Release()
}

// Stats returns the number of bytes in use and the number of bytes still
// available.
func Stats() (used, free uintptr) {
	lock.Acquire()
	used, free = kernelHeap.used, kernelHeap.end-kernelHeap.start-kernelHeap.used
	lock.Release()
	return used, free
}

func (a *allocator) init(start, size uintptr) {
	start = alignUp(start, minBlockSize)
	end := (start + size) &^ (minBlockSize - 1)

	a.start, a.end, a.used = start, end, 0
	a.head = 0
	if end > start {
		a.head = start
		*blockAt(start) = freeBlock{size: end - start}
	}
	a.initialized = true
}

func (a *allocator) alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if align&(align-1) != 0 {
		return 0, errInvalidAlignment
	}
	if align < minBlockSize {
		align = minBlockSize
	}
	if size > a.end-a.start {
		return 0, ErrOutOfMemory
	}
	if size == 0 {
		size = minBlockSize
	}
	size = alignUp(size, minBlockSize)

	var prev uintptr
	for cur := a.head; cur != 0; prev, cur = cur, blockAt(cur).next {
		block := blockAt(cur)
		blockEnd := cur + block.size

		allocStart := alignUp(cur, align)
		if allocStart < cur || allocStart > blockEnd || blockEnd-allocStart < size {
			continue
		}
		allocEnd := allocStart + size

		// Both remainders are multiples of minBlockSize so they can
		// always hold a header.
		next := block.next
		if blockEnd > allocEnd {
			*blockAt(allocEnd) = freeBlock{size: blockEnd - allocEnd, next: next}
			next = allocEnd
		}
		if allocStart > cur {
			block.size = allocStart - cur
			block.next = next
			next = cur
		}
		a.setNext(prev, next)

		a.used += size
		return allocStart, nil
	}

	return 0, ErrOutOfMemory
}

func (a *allocator) free(addr, size uintptr) {
	if size == 0 {
		size = minBlockSize
	}
	size = alignUp(size, minBlockSize)
	a.used -= size

	// Find the free blocks surrounding addr.
	var prev uintptr
	next := a.head
	for next != 0 && next < addr {
		prev, next = next, blockAt(next).next
	}

	block := blockAt(addr)
	*block = freeBlock{size: size, next: next}
	if next != 0 && addr+size == next {
		block.size += blockAt(next).size
		block.next = blockAt(next).next
	}

	if prev != 0 && prev+blockAt(prev).size == addr {
		blockAt(prev).size += block.size
		blockAt(prev).next = block.next
		return
	}
	a.setNext(prev, addr)
}

// setNext links next after the free block at prev, or makes it the list
// head if prev is 0.
func (a *allocator) setNext(prev, next uintptr) {
	if prev == 0 {
		a.head = next
		return
	}
	blockAt(prev).next = next
}

func blockAt(addr uintptr) *freeBlock {
	return (*freeBlock)(unsafe.Pointer(addr))
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}
