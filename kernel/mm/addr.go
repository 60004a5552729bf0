package mm

// PhysAddr is a physical memory address. It is never dereferenced directly:
// code that needs to access the memory behind a PhysAddr must first convert
// it into a VirtAddr using PhysToVirt or a page table mapping.
type PhysAddr uintptr

// VirtAddr is a virtual memory address in the active address space.
type VirtAddr uintptr

var (
	// physMemOffset is the virtual address where the bootloader mapped
	// the start of physical memory.
	physMemOffset uintptr
)

// SetPhysicalMemoryOffset registers the virtual address at which the whole
// physical address space is linearly mapped. It must be called once, using
// the value from the boot handoff, before any other code in this package
// family touches physical memory.
func SetPhysicalMemoryOffset(offset uintptr) { physMemOffset = offset }

// PhysicalMemoryOffset returns the value registered via
// SetPhysicalMemoryOffset.
func PhysicalMemoryOffset() uintptr { return physMemOffset }

// PhysToVirt translates a physical address into the virtual address where it
// is visible through the direct physical memory mapping.
func PhysToVirt(physAddr PhysAddr) VirtAddr {
	return VirtAddr(uintptr(physAddr) + physMemOffset)
}

// Pointer returns the address as a uintptr suitable for unsafe pointer
// arithmetic.
func (a VirtAddr) Pointer() uintptr { return uintptr(a) }

// PageOffset returns the offset of the address inside its page.
func (a VirtAddr) PageOffset() uintptr { return uintptr(a) & (PageSize - 1) }

// IsAligned returns true if the address is page-aligned.
func (a PhysAddr) IsAligned() bool { return uintptr(a)&(PageSize-1) == 0 }

// IsAligned returns true if the address is page-aligned.
func (a VirtAddr) IsAligned() bool { return uintptr(a)&(PageSize-1) == 0 }
