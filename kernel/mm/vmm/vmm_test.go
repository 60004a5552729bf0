package vmm

import (
	"bytes"
	"nucleos/kernel"
	"nucleos/kernel/gate"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/multiboot"
	"testing"
)

const testKernelPageOffset = uintptr(0xffffffff80000000)

type fakeSection struct {
	name  string
	flags multiboot.ElfSectionFlag
	addr  uintptr
	size  uint64
}

func fakeElfSections(sections ...fakeSection) func(multiboot.ElfSectionVisitor) {
	return func(visitor multiboot.ElfSectionVisitor) {
		for _, sec := range sections {
			visitor(sec.name, sec.flags, sec.addr, sec.size)
		}
	}
}

func fakeMemoryMap(entries ...multiboot.MemoryMapEntry) func(multiboot.MemRegionVisitor) {
	return func(visitor multiboot.MemRegionVisitor) {
		for i := range entries {
			if !visitor(&entries[i]) {
				return
			}
		}
	}
}

func TestInit(t *testing.T) {
	pm := setupPhysMem(t, 64)
	kfmt.SetOutputSink(&bytes.Buffer{})

	visitElfSectionsFn = fakeElfSections(
		fakeSection{".text", multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, 0xffffffff80100000, 0x1800},
		fakeSection{".rodata", multiboot.ElfSectionAllocated, 0xffffffff80101800, 0x1000},
		fakeSection{".data", multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, 0xffffffff80103000, 0x1000},
		fakeSection{".bss", multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, 0xffffffff80104000, 0},
		fakeSection{".boot", multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, 0x100000, 0x1000},
	)
	visitMemRegionsFn = fakeMemoryMap(
		multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		multiboot.MemoryMapEntry{PhysAddress: 0xb8000, Length: 0x8000, Type: multiboot.MemReserved},
	)

	installed := make(map[gate.InterruptNumber]bool)
	handleInterruptFn = func(vector gate.InterruptNumber, ist uint8, _ func(*gate.Registers)) *kernel.Error {
		if ist != 0 {
			t.Errorf("expected handler for vector %d not to use an IST; got %d", vector, ist)
		}
		installed[vector] = true
		return nil
	}

	if err := Init(testKernelPageOffset); err != nil {
		t.Fatal(err)
	}

	pdt := KernelPDT()
	if pm.activeFrame != pdt.Frame() {
		t.Fatalf("expected kernel PDT (frame %d) to be activated; active frame is %d", pdt.Frame(), pm.activeFrame)
	}

	specs := []struct {
		virt     mm.VirtAddr
		expPhys  mm.PhysAddr
		expFlags PageTableEntryFlag
	}{
		// .text spans two pages and shares its last page with .rodata
		{0xffffffff80100000, 0x100000, FlagPresent},
		{0xffffffff80101fff, 0x101fff, FlagPresent},
		// .rodata
		{0xffffffff80102000, 0x102000, FlagPresent | FlagNoExecute},
		// .data
		{0xffffffff80103010, 0x103010, FlagPresent | FlagRW | FlagNoExecute},
		// direct map
		{mm.PhysToVirt(0), 0, FlagPresent | FlagRW | FlagNoExecute},
		{mm.PhysToVirt(0x9f123), 0x9f123, FlagPresent | FlagRW | FlagNoExecute},
		{mm.PhysToVirt(0xbf000), 0xbf000, FlagPresent | FlagRW | FlagNoExecute},
	}

	for specIndex, spec := range specs {
		got, err := pdt.Translate(spec.virt)
		if err != nil {
			t.Errorf("[spec %d] unable to translate 0x%x: %v", specIndex, uintptr(spec.virt), err)
			continue
		}

		if got != spec.expPhys {
			t.Errorf("[spec %d] expected 0x%x to translate to 0x%x; got 0x%x", specIndex, uintptr(spec.virt), uintptr(spec.expPhys), uintptr(got))
		}

		entry := leafEntry(pdt, spec.virt)
		if gotFlags := PageTableEntryFlag(uintptr(*entry) &^ ptePhysPageMask); gotFlags != spec.expFlags {
			t.Errorf("[spec %d] expected flags 0x%x; got 0x%x", specIndex, uintptr(spec.expFlags), uintptr(gotFlags))
		}
	}

	for specIndex, virt := range []mm.VirtAddr{
		// empty .bss and sections outside the kernel VMA are skipped
		0xffffffff80104000,
		0x100000,
		// past the end of the memory map
		mm.PhysToVirt(0xc0000),
	} {
		if _, err := pdt.Translate(virt); err != ErrInvalidMapping {
			t.Errorf("[unmapped spec %d] expected 0x%x to be unmapped; got %v", specIndex, uintptr(virt), err)
		}
	}

	for _, vector := range []gate.InterruptNumber{gate.PageFaultException, gate.GPFException} {
		if !installed[vector] {
			t.Errorf("expected a handler to be installed for vector %d", vector)
		}
	}
}

func TestInitErrors(t *testing.T) {
	t.Run("no frame for the PDT", func(t *testing.T) {
		setupPhysMem(t, 0)

		if err := Init(testKernelPageOffset); err != errTestOutOfMemory {
			t.Fatalf("expected errTestOutOfMemory; got %v", err)
		}
	})

	t.Run("out of memory while mapping sections", func(t *testing.T) {
		pm := setupPhysMem(t, 2)
		visitElfSectionsFn = fakeElfSections(
			fakeSection{".text", multiboot.ElfSectionExecutable, 0xffffffff80100000, 0x1000},
		)
		visitMemRegionsFn = fakeMemoryMap()

		if err := Init(testKernelPageOffset); err != errTestOutOfMemory {
			t.Fatalf("expected errTestOutOfMemory; got %v", err)
		}
		if len(pm.switchedTo) != 0 {
			t.Fatal("expected the kernel PDT not to be activated")
		}
	})

	t.Run("out of memory while building the direct map", func(t *testing.T) {
		setupPhysMem(t, 3)
		visitElfSectionsFn = fakeElfSections()
		visitMemRegionsFn = fakeMemoryMap(
			multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x1000, Type: multiboot.MemAvailable},
		)

		if err := Init(testKernelPageOffset); err != errTestOutOfMemory {
			t.Fatalf("expected errTestOutOfMemory; got %v", err)
		}
	})

	t.Run("handler already bound", func(t *testing.T) {
		setupPhysMem(t, 16)
		kfmt.SetOutputSink(&bytes.Buffer{})
		visitElfSectionsFn = fakeElfSections()
		visitMemRegionsFn = fakeMemoryMap()

		expErr := &kernel.Error{Module: "test", Message: "already bound"}
		handleInterruptFn = func(gate.InterruptNumber, uint8, func(*gate.Registers)) *kernel.Error {
			return expErr
		}

		if err := Init(testKernelPageOffset); err != expErr {
			t.Fatalf("expected %v; got %v", expErr, err)
		}
	})
}
