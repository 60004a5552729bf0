// Package cpu exposes the privileged x86_64 instructions used by the kernel.
// Functions without a body are implemented in cpu_amd64.s; calling any of
// them outside ring 0 raises a general protection fault.
package cpu

var (
	cpuidFn = ID

	// the following functions are mocked by tests.
	portWriteByteFn = PortWriteByte
	haltForeverFn   = HaltForever
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled returns true if the interrupt flag (RFLAGS.IF) is set.
func InterruptsEnabled() bool

// Halt stops instruction execution until the next interrupt arrives.
func Halt()

// HaltForever disables interrupts and halts the CPU. It never returns.
func HaltForever()

// Breakpoint raises a breakpoint exception (INT3).
func Breakpoint()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// LoadGDT loads the GDT register from the 10-byte pseudo-descriptor (16-bit
// limit followed by the 64-bit base address) located at gdtrAddr.
func LoadGDT(gdtrAddr uintptr)

// LoadIDT loads the IDT register from the 10-byte pseudo-descriptor located
// at idtrAddr.
func LoadIDT(idtrAddr uintptr)

// LoadTaskRegister loads the task register with the supplied TSS selector.
func LoadTaskRegister(selector uint16)

// ReloadSegments loads CS with codeSelector (via a far return) and the
// DS, ES and SS registers with dataSelector. FS and GS are left untouched:
// loading a selector into them clears the FS base that holds the Go g
// pointer.
func ReloadSegments(codeSelector, dataSelector uint16)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (eax, ebx, ecx, edx uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// Reset pulses the CPU reset line through the 8042 keyboard controller. If
// the controller ignores the request the CPU is halted instead.
func Reset() {
	portWriteByteFn(0x64, 0xfe)
	haltForeverFn()
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortWriteWord writes a uint16 value to the requested port.
func PortWriteWord(port uint16, val uint16)

// PortWriteDword writes a uint32 value to the requested port.
func PortWriteDword(port uint16, val uint32)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

// PortReadWord reads a uint16 value from the requested port.
func PortReadWord(port uint16) uint16

// PortReadDword reads a uint32 value from the requested port.
func PortReadDword(port uint16) uint32
