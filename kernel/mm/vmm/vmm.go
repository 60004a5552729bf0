// Package vmm manages the 4-level page table hierarchy. Page tables are
// reached through the direct physical memory mapping set up by the
// bootloader, so every PageDirectoryTable can be edited whether or not it is
// loaded in CR3.
package vmm

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/multiboot"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn          = cpu.ReadCR2
	panicFn            = kfmt.Panic
	visitElfSectionsFn = multiboot.VisitElfSections
	visitMemRegionsFn  = multiboot.VisitMemRegions

	// kernelPDT is the page directory table built by Init.
	kernelPDT PageDirectoryTable

	// kernelPageOffset and initErr are used by the section and memory
	// region visitors while Init runs.
	kernelPageOffset uintptr
	initErr          *kernel.Error

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// Init builds a new page directory table for the kernel and activates it.
// The new table maps the kernel ELF sections at their link addresses with
// permissions derived from the section flags and the direct physical memory
// mapping for every region reported by the bootloader. Init also installs
// the page fault and general protection fault handlers.
func Init(pageOffset uintptr) *kernel.Error {
	if err := setupPDTForKernel(pageOffset); err != nil {
		return err
	}

	// Install arch-specific handlers for vmm-related faults.
	return installFaultHandlers()
}

// KernelPDT returns the page directory table built by Init.
func KernelPDT() PageDirectoryTable {
	return kernelPDT
}

func setupPDTForKernel(pageOffset uintptr) *kernel.Error {
	// Allocate frame for the page directory and initialize it
	kernelPDTFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	if err = kernelPDT.Init(kernelPDTFrame); err != nil {
		return err
	}

	kernelPageOffset, initErr = pageOffset, nil

	// The visitors are top-level functions so passing them does not
	// allocate a closure.
	visitElfSectionsFn(mapKernelSection)
	if initErr != nil {
		return initErr
	}

	visitMemRegionsFn(mapPhysicalRegion)
	if initErr != nil {
		return initErr
	}

	// Activate the new PDT. After this point, the bootloader page tables
	// are no longer used.
	kernelPDT.Activate()
	kfmt.Printf("[vmm] kernel page directory table at 0x%x\n", uintptr(kernelPDTFrame.Address()))

	return nil
}

// mapKernelSection maps an ELF section of the kernel image using the
// appropriate flags (e.g. NX for data sections, RW for writable sections).
// Sections not using the kernel's VMA are ignored.
func mapKernelSection(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
	// Bail out if we have encountered an error
	if initErr != nil || secAddress < kernelPageOffset || secSize == 0 {
		return
	}

	flags := FlagPresent

	if (secFlags & multiboot.ElfSectionExecutable) == 0 {
		flags |= FlagNoExecute
	}

	if (secFlags & multiboot.ElfSectionWritable) != 0 {
		flags |= FlagRW
	}

	// Map the start and end VMA addresses for the section contents into
	// a start and end (inclusive) page number. To figure out the
	// physical start frame we just need to subtract the kernel's VMA
	// offset from the virtual address and round that down to the nearest
	// frame number.
	curPage := mm.PageFromAddress(mm.VirtAddr(secAddress))
	lastPage := mm.PageFromAddress(mm.VirtAddr(secAddress + uintptr(secSize-1)))
	curFrame := mm.FrameFromAddress(mm.PhysAddr(secAddress - kernelPageOffset))
	for ; curPage <= lastPage; curFrame, curPage = curFrame+1, curPage+1 {
		// Sections may share a page; the first mapping wins.
		if err := kernelPDT.Map(curPage, curFrame, flags); err != nil && err != ErrAlreadyMapped {
			initErr = err
			return
		}
	}
}

// mapPhysicalRegion adds a memory map region to the direct physical memory
// mapping of the kernel PDT.
func mapPhysicalRegion(region *multiboot.MemoryMapEntry) bool {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startFrame := mm.FrameFromAddress(mm.PhysAddr(region.PhysAddress))
	endFrame := mm.FrameFromAddress(mm.PhysAddr((region.PhysAddress + region.Length + pageSizeMinus1) &^ pageSizeMinus1))

	for frame := startFrame; frame < endFrame; frame++ {
		page := mm.PageFromAddress(mm.PhysToVirt(frame.Address()))

		// Regions reported by the bootloader may overlap at their
		// unaligned edges.
		if err := kernelPDT.Map(page, frame, FlagPresent|FlagRW|FlagNoExecute); err != nil && err != ErrAlreadyMapped {
			initErr = err
			return false
		}
	}

	return true
}
