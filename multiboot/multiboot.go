// Package multiboot parses the multiboot2 information structure that the
// bootloader hands over to the kernel. All accessors walk the tag list in
// place and never allocate.
package multiboot

import (
	"nucleos/kernel/mm"
	"unsafe"
)

var (
	infoData uintptr
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType

	reserved uint32
}

// Usable returns true if the region can be handed to the frame allocator.
func (e *MemoryMapEntry) Usable() bool { return e.Type == MemAvailable }

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

type elfSections struct {
	numSections        uint32
	sectionSize        uint32
	strtabSectionIndex uint32
	sectionData        [0]byte
}

type elfSection64 struct {
	nameIndex   uint32
	sectionType uint32
	flags       uint64
	address     uint64
	offset      uint64
	size        uint64
	link        uint32
	info        uint32
	addrAlign   uint64
	entSize     uint64
}

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionVisitor defies a visitor function that gets invoked by VisitElfSections
// for rach ELF section that belongs to the loaded kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// VisitElfSections invokes visitor for each ELF entry that belongs to the
// loaded kernel image. Section names point straight into the string table
// loaded by the bootloader, which is reached through the direct physical
// memory mapping.
func VisitElfSections(visitor ElfSectionVisitor) {
	curPtr, size := findTagByType(tagElfSymbols)
	if size == 0 {
		return
	}

	var (
		ptrElfSections = (*elfSections)(unsafe.Pointer(curPtr))
		secPtr         = uintptr(unsafe.Pointer(&ptrElfSections.sectionData))
		sizeofSection  = uintptr(ptrElfSections.sectionSize)
		strTable       = (*elfSection64)(unsafe.Pointer(secPtr + uintptr(ptrElfSections.strtabSectionIndex)*sizeofSection))
		strTableAddr   = mm.PhysToVirt(mm.PhysAddr(strTable.address)).Pointer()
	)

	for secIndex := uint32(0); secIndex < ptrElfSections.numSections; secIndex, secPtr = secIndex+1, secPtr+sizeofSection {
		secData := (*elfSection64)(unsafe.Pointer(secPtr))
		if secData.size == 0 {
			continue
		}

		visitor(cString(strTableAddr+uintptr(secData.nameIndex), ^uintptr(0)), ElfSectionFlag(secData.flags), uintptr(secData.address), secData.size)
	}
}

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoSize returns the size of the multiboot information structure or 0 if
// SetInfoPtr has not been called.
func InfoSize() uintptr {
	if infoData == 0 {
		return 0
	}
	return uintptr((*info)(unsafe.Pointer(infoData)).totalSize)
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr < endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// CmdLineVisitor is invoked by VisitBootCmdLine for each space-separated
// argument of the kernel command line. Arguments of the form "key=value" are
// split at the first '='; bare flags are reported with value equal to key.
// The visitor must return true to continue or false to abort the scan. The
// strings alias the bootloader-provided memory and must not be retained.
type CmdLineVisitor func(key, value string) bool

// VisitBootCmdLine invokes visitor for each argument passed to the kernel on
// the boot command line.
func VisitBootCmdLine(visitor CmdLineVisitor) {
	curPtr, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return
	}

	var (
		cmdLine = cString(curPtr, uintptr(size))
		start   = -1
		eqIndex = -1
	)

	for i := 0; i <= len(cmdLine); i++ {
		if i == len(cmdLine) || cmdLine[i] == ' ' || cmdLine[i] == '\t' {
			if start == -1 {
				continue
			}

			var key, value string
			if eqIndex == -1 {
				key, value = cmdLine[start:i], cmdLine[start:i]
			} else {
				key, value = cmdLine[start:eqIndex], cmdLine[eqIndex+1:i]
			}

			if !visitor(key, value) {
				return
			}

			start, eqIndex = -1, -1
			continue
		}

		if start == -1 {
			start = i
		}
		if cmdLine[i] == '=' && eqIndex == -1 {
			eqIndex = i
		}
	}
}

// cString returns a string that aliases the NULL-terminated byte sequence
// starting at ptr. At most maxLen bytes are scanned.
func cString(ptr, maxLen uintptr) string {
	var end uintptr
	for ; end < maxLen && *(*byte)(unsafe.Pointer(ptr + end)) != 0; end++ {
	}

	if end == 0 {
		return ""
	}
	return unsafe.String((*byte)(unsafe.Pointer(ptr)), int(end))
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	var (
		ptrTagHeader *tagHeader
		endPtr       = infoData + uintptr((*info)(unsafe.Pointer(infoData)).totalSize)
	)

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); curPtr < endPtr && ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
