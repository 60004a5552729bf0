package vmm

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/gate"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/multiboot"
	"testing"
	"unsafe"
)

var errTestOutOfMemory = &kernel.Error{Module: "test", Message: "out of simulated physical memory"}

// physMem simulates the physical memory of the machine with a page-aligned
// Go buffer. Physical frame N is the Nth page of the buffer and is visible
// through the direct map since the physical memory offset is set to the
// buffer address.
type physMem struct {
	buf        []byte
	base       uintptr
	nextFrame  mm.Frame
	frameCount mm.Frame
	allocCount int

	activeFrame mm.Frame
	flushed     []uintptr
	switchedTo  []uintptr
}

func setupPhysMem(t *testing.T, frameCount int) *physMem {
	t.Helper()

	pm := &physMem{
		buf:         make([]byte, (frameCount+1)*int(mm.PageSize)),
		frameCount:  mm.Frame(frameCount),
		activeFrame: mm.InvalidFrame,
	}
	pm.base = (uintptr(unsafe.Pointer(&pm.buf[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)

	// Fill memory with garbage so that tests notice tables that are not
	// cleared before use.
	for i := range pm.buf {
		pm.buf[i] = 0xa5
	}

	mm.SetPhysicalMemoryOffset(pm.base)
	mm.SetFrameAllocator(pm.alloc)
	activePDTFn = func() uintptr { return uintptr(pm.activeFrame.Address()) }
	flushTLBEntryFn = func(addr uintptr) { pm.flushed = append(pm.flushed, addr) }
	switchPDTFn = func(addr uintptr) {
		pm.switchedTo = append(pm.switchedTo, addr)
		pm.activeFrame = mm.FrameFromAddress(mm.PhysAddr(addr))
	}

	t.Cleanup(func() {
		mm.SetPhysicalMemoryOffset(0)
		mm.SetFrameAllocator(nil)
		activePDTFn = cpu.ActivePDT
		flushTLBEntryFn = cpu.FlushTLBEntry
		switchPDTFn = cpu.SwitchPDT
		readCR2Fn = cpu.ReadCR2
		panicFn = kfmt.Panic
		handleInterruptFn = gate.HandleInterrupt
		visitElfSectionsFn = multiboot.VisitElfSections
		visitMemRegionsFn = multiboot.VisitMemRegions
		kernelPDT = PageDirectoryTable{}
		kfmt.SetOutputSink(nil)
		_ = pm.buf[0]
	})

	return pm
}

func (pm *physMem) alloc() (mm.Frame, *kernel.Error) {
	if pm.nextFrame == pm.frameCount {
		return mm.InvalidFrame, errTestOutOfMemory
	}

	pm.allocCount++
	pm.nextFrame++
	return pm.nextFrame - 1, nil
}

// frameBytes returns the simulated memory contents of frame.
func (pm *physMem) frameBytes(frame mm.Frame) []byte {
	start := pm.base - uintptr(unsafe.Pointer(&pm.buf[0])) + uintptr(frame.Address())
	return pm.buf[start : start+mm.PageSize]
}

// newPDT allocates and initializes a page directory table.
func (pm *physMem) newPDT(t *testing.T) PageDirectoryTable {
	t.Helper()

	frame, err := pm.alloc()
	if err != nil {
		t.Fatal(err)
	}

	var pdt PageDirectoryTable
	if err = pdt.Init(frame); err != nil {
		t.Fatal(err)
	}
	return pdt
}

// leafEntry returns the last level entry for virtAddr or nil if any of the
// intermediate tables is missing.
func leafEntry(pdt PageDirectoryTable, virtAddr mm.VirtAddr) *pageTableEntry {
	var entry *pageTableEntry
	walk(pdt.Frame(), virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			entry = pte
			return false
		}
		return pte.HasFlags(FlagPresent)
	})
	return entry
}
