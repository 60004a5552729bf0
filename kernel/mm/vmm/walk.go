package vmm

import (
	"nucleos/kernel/mm"
	"unsafe"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the top-level table stored in pdtFrame. It calls the suppplied walkFn with
// the page table entry that corresponds to each page table level. If walkFn
// returns false then the walk is aborted. Otherwise, the walk continues with
// the table pointed to by the entry, so walkFn may install a new table
// before returning.
//
// Tables are accessed through the direct physical memory mapping, which
// allows walking both the active and inactive page directory tables.
func walk(pdtFrame mm.Frame, virtAddr mm.VirtAddr, walkFn pageTableWalker) {
	tableFrame := pdtFrame
	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (uintptr(virtAddr) >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		pte := tableEntry(tableFrame, entryIndex)
		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// tableEntry returns a pointer to the entry at index in the table stored in
// tableFrame.
func tableEntry(tableFrame mm.Frame, index uintptr) *pageTableEntry {
	tableAddr := mm.PhysToVirt(tableFrame.Address()).Pointer()
	return (*pageTableEntry)(unsafe.Pointer(tableAddr + (index << mm.PointerShift)))
}
