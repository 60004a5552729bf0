package vmm

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// PageDirectoryTable describes the top-most table in a multi-level paging scheme.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// activePDT returns the page directory table loaded in CR3.
func activePDT() PageDirectoryTable {
	return PageDirectoryTable{pdtFrame: mm.FrameFromAddress(mm.PhysAddr(activePDTFn()))}
}

// Init sets up the page table directory stored in pdtFrame. The frame
// contents are cleared so the new directory starts without any mappings.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame) *kernel.Error {
	if !pdtFrame.Valid() {
		return ErrInvalidMapping
	}

	pdt.pdtFrame = pdtFrame
	kernel.Memset(mm.PhysToVirt(pdtFrame.Address()).Pointer(), 0, mm.PageSize)
	return nil
}

// Frame returns the physical frame that holds the top-level table.
func (pdt PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// isActive returns true if this is the page directory table loaded in CR3.
func (pdt PageDirectoryTable) isActive() bool {
	return mm.FrameFromAddress(mm.PhysAddr(activePDTFn())) == pdt.pdtFrame
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated with mm.AllocFrame and
// cleared before being linked. FlagPresent is always added to flags.
//
// Map refuses to replace an existing mapping and returns ErrAlreadyMapped;
// the page must be unmapped first.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var (
		err     *kernel.Error
		parents [pageLevels - 1]*pageTableEntry
	)

	walk(pdt.pdtFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			// Access checks use the most restrictive flags along the
			// walk so intermediate entries must allow user access if
			// any mapping below them does.
			if flags&FlagUserAccessible != 0 {
				for _, parent := range parents {
					parent.SetFlags(FlagUserAccessible)
				}
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			if pdt.isActive() {
				flushTLBEntryFn(page.Address().Pointer())
			}
			return true
		}

		if pte.HasFlags(FlagPresent | FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents before linking it.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = mm.AllocFrame()
			if err != nil {
				return false
			}

			kernel.Memset(mm.PhysToVirt(newTableFrame.Address()).Pointer(), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		parents[pteLevel] = pte
		return true
	})

	return err
}

// Unmap removes a mapping previously installed by Map and returns the frame
// it pointed to. The caller owns the returned frame. ErrInvalidMapping is
// returned if the page is not mapped. Intermediate tables are never freed.
func (pdt PageDirectoryTable) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	var (
		frame = mm.InvalidFrame
		err   = ErrInvalidMapping
	)

	walk(pdt.pdtFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			frame, err = pte.Frame(), nil
			*pte = 0
			if pdt.isActive() {
				flushTLBEntryFn(page.Address().Pointer())
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return frame, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Huge 1GiB and 2MiB mappings are
// supported.
func (pdt PageDirectoryTable) Translate(virtAddr mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	var (
		physAddr mm.PhysAddr
		err      = ErrInvalidMapping
	)

	walk(pdt.pdtFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 || (pteLevel > 0 && pte.HasFlags(FlagHugePage)) {
			// Calculate the physical address by taking the physical
			// frame address and appending the offset from the
			// virtual address
			offsetMask := uintptr(1)<<pageLevelShifts[pteLevel] - 1
			physAddr = mm.PhysAddr((uintptr(*pte) & ptePhysPageMask &^ offsetMask) | (uintptr(virtAddr) & offsetMask))
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// Activate enables this page directory table and flushes the TLB
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(uintptr(pdt.pdtFrame.Address()))
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using the currently active page directory table.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return activePDT().Map(page, frame, flags)
}

// Unmap removes a mapping from the currently active page directory table
// and returns the frame it pointed to.
func Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	return activePDT().Unmap(page)
}

// Translate returns the physical address that corresponds to virtAddr in the
// currently active page directory table.
func Translate(virtAddr mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	return activePDT().Translate(virtAddr)
}

// mapRange maps pageCount consecutive pages starting at startPage to the
// consecutive frames starting at startFrame.
func (pdt PageDirectoryTable) mapRange(startPage mm.Page, startFrame mm.Frame, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	for ; pageCount > 0; pageCount, startPage, startFrame = pageCount-1, startPage+1, startFrame+1 {
		if err := pdt.Map(startPage, startFrame, flags); err != nil {
			return err
		}
	}
	return nil
}
