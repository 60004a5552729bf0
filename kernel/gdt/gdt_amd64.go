// Package gdt sets up the global descriptor table and the task state segment
// required by 64-bit mode. The TSS provides a dedicated interrupt stack that
// the double fault handler switches to, so a double fault caused by a
// corrupted or exhausted kernel stack can still be reported.
package gdt

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"
	"unsafe"
)

const (
	// KernelCodeSelector is the selector for the 64-bit ring 0 code segment.
	KernelCodeSelector = uint16(1 << 3)

	// KernelDataSelector is the selector for the ring 0 data segment.
	KernelDataSelector = uint16(2 << 3)

	// TSSSelector is the selector for the task state segment. The TSS
	// descriptor occupies two GDT slots.
	TSSSelector = uint16(3 << 3)

	// DoubleFaultIST is the interrupt stack table slot used by the double
	// fault handler. IST slots are numbered from 1; 0 means "no IST".
	DoubleFaultIST = uint8(1)

	// doubleFaultStackSize is the size of the double fault stack.
	doubleFaultStackSize = 5 * mm.PageSize
)

// Segment descriptor bits.
const (
	descAccessed   = uint64(1) << 40
	descRW         = uint64(1) << 41
	descExecutable = uint64(1) << 43
	descUser       = uint64(1) << 44 // code or data segment (S bit)
	descPresent    = uint64(1) << 47
	descLongMode   = uint64(1) << 53

	// descTSSAvailable is the system segment type of an available 64-bit TSS.
	descTSSAvailable = uint64(0x9) << 40

	kernelCodeDescriptor = descUser | descPresent | descExecutable | descRW | descLongMode | descAccessed
	kernelDataDescriptor = descUser | descPresent | descRW | descAccessed
)

var (
	errAlreadyInitialized = &kernel.Error{Module: "gdt", Message: "descriptor tables already initialized"}

	// the following functions are mocked by tests.
	loadGDTFn          = cpu.LoadGDT
	reloadSegmentsFn   = cpu.ReloadSegments
	loadTaskRegisterFn = cpu.LoadTaskRegister

	initialized bool

	table [5]uint64
	gdtr  cpu.DescriptorTablePointer
	tss   taskStateSegment

	doubleFaultStack [doubleFaultStackSize + 16]byte
)

// taskStateSegment is the 104-byte 64-bit TSS. 64-bit fields are split into
// low/high dwords because the hardware layout places them at 4-byte aligned
// offsets.
type taskStateSegment struct {
	_   uint32
	rsp [3 * 2]uint32
	_   [2]uint32
	ist [7 * 2]uint32
	_   [2]uint32
	_   uint16

	// ioMapBase is the offset of the I/O permission bitmap from the TSS
	// base. Values past the TSS limit deny all port accesses from CPL > 0.
	ioMapBase uint16
}

// setIST sets the stack pointer for IST slot index (1-7).
func (t *taskStateSegment) setIST(index uint8, stackTop uintptr) {
	t.ist[2*(index-1)] = uint32(stackTop)
	t.ist[2*(index-1)+1] = uint32(stackTop >> 32)
}

// getIST returns the stack pointer for IST slot index (1-7).
func (t *taskStateSegment) getIST(index uint8) uintptr {
	return uintptr(t.ist[2*(index-1)]) | uintptr(t.ist[2*(index-1)+1])<<32
}

// tssDescriptor encodes the 16-byte system segment descriptor for a TSS
// located at base and returns its low and high quadwords.
func tssDescriptor(base uintptr, limit uint32) (low, high uint64) {
	low = uint64(limit&0xffff) |
		uint64(base&0xffffff)<<16 |
		descTSSAvailable |
		descPresent |
		uint64((limit>>16)&0xf)<<48 |
		uint64((base>>24)&0xff)<<56
	high = uint64(base >> 32)
	return low, high
}

// doubleFaultStackTop returns the 16-byte aligned top of the double fault
// stack.
func doubleFaultStackTop() uintptr {
	return (uintptr(unsafe.Pointer(&doubleFaultStack[0])) + uintptr(len(doubleFaultStack))) &^ 15
}

// Init builds the GDT and the TSS, loads them and reloads the segment
// registers. It must be called exactly once, before interrupts are enabled.
func Init() *kernel.Error {
	if initialized {
		return errAlreadyInitialized
	}

	tss.setIST(DoubleFaultIST, doubleFaultStackTop())
	tss.ioMapBase = uint16(unsafe.Sizeof(tss))

	table[0] = 0
	table[KernelCodeSelector>>3] = kernelCodeDescriptor
	table[KernelDataSelector>>3] = kernelDataDescriptor
	table[TSSSelector>>3], table[TSSSelector>>3+1] = tssDescriptor(uintptr(unsafe.Pointer(&tss)), uint32(unsafe.Sizeof(tss)-1))

	gdtr.Set(uintptr(unsafe.Pointer(&table[0])), unsafe.Sizeof(table))
	loadGDTFn(uintptr(unsafe.Pointer(&gdtr)))
	reloadSegmentsFn(KernelCodeSelector, KernelDataSelector)
	loadTaskRegisterFn(TSSSelector)

	initialized = true
	return nil
}

// Initialized returns true if Init has completed.
func Initialized() bool {
	return initialized
}
