// Package gate manages the interrupt descriptor table. Every one of the 256
// vectors is routed through a generated entry stub to a single dispatcher
// that looks up the handler bound to the vector.
package gate

import (
	"io"
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/gdt"
	"nucleos/kernel/kfmt"
	"unsafe"
)

//go:generate go run nucleos/tools/gengate generate -out gate_entries_amd64.s

// fpuStateSize is the size of the FXSAVE64 area that commonEntry reserves
// below the Registers snapshot for the duration of a handler.
const fpuStateSize = 512

// Registers contains a snapshot of all register values when an exception or
// interrupt occurs. The layout matches the stack built by the entry stubs:
// general purpose registers, the vector number, the error code and the
// return frame pushed by the CPU.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the interrupt number that triggered the entry.
	Vector uint64

	// ErrorCode is the error code pushed by the CPU for exceptions that
	// supply one (see HasErrorCode) and 0 for all other vectors.
	ErrorCode uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// Debug is raised by debug traps and instruction breakpoints.
	Debug = InterruptNumber(1)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint is raised by the INT3 instruction. It is the only
	// exception that is expected to return to the interrupted code.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)

	// ControlProtection is raised by CET control flow violations.
	ControlProtection = InterruptNumber(21)

	// VMMCommunication is raised by SEV-ES guests.
	VMMCommunication = InterruptNumber(29)

	// SecurityException is raised by SVM security events.
	SecurityException = InterruptNumber(30)

	// maxIST is the highest interrupt stack table slot.
	maxIST = 7
)

// HasErrorCode returns true if the CPU pushes an error code to the stack
// before invoking the handler for vector.
func HasErrorCode(vector InterruptNumber) bool {
	switch vector {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GPFException, PageFaultException, AlignmentCheck,
		ControlProtection, VMMCommunication, SecurityException:
		return true
	}
	return false
}

// GateType is the descriptor type of an IDT entry.
type GateType uint8

const (
	// InterruptGate clears IF on entry.
	InterruptGate GateType = 0xe

	// TrapGate leaves IF unchanged on entry.
	TrapGate GateType = 0xf
)

const (
	entryPresent = uint8(1 << 7)
	entryDPLMask = uint8(3 << 5)
)

// Entry is a 16-byte IDT gate descriptor.
type Entry struct {
	OffsetLow uint16
	Selector  uint16

	// IST holds the interrupt stack table slot in its low 3 bits.
	IST uint8

	// Attributes holds the present bit, the DPL and the gate type.
	Attributes uint8

	OffsetMid  uint16
	OffsetHigh uint32
	_          uint32
}

// SetHandler points the entry at handlerAddr and marks it as present with
// DPL 0.
func (e *Entry) SetHandler(handlerAddr uintptr, selector uint16, gateType GateType) {
	e.OffsetLow = uint16(handlerAddr)
	e.OffsetMid = uint16(handlerAddr >> 16)
	e.OffsetHigh = uint32(handlerAddr >> 32)
	e.Selector = selector
	e.Attributes = entryPresent | uint8(gateType)
}

// HandlerAddress returns the address of the code invoked for this entry.
func (e *Entry) HandlerAddress() uintptr {
	return uintptr(e.OffsetLow) | uintptr(e.OffsetMid)<<16 | uintptr(e.OffsetHigh)<<32
}

// Present returns true if the present bit is set.
func (e *Entry) Present() bool { return e.Attributes&entryPresent != 0 }

// DPL returns the descriptor privilege level.
func (e *Entry) DPL() uint8 { return (e.Attributes & entryDPLMask) >> 5 }

// Type returns the gate type.
func (e *Entry) Type() GateType { return GateType(e.Attributes & 0xf) }

var (
	errAlreadyInitialized = &kernel.Error{Module: "gate", Message: "IDT already initialized"}
	errAlreadyBound       = &kernel.Error{Module: "gate", Message: "a handler is already bound to this vector"}
	errInvalidIST         = &kernel.Error{Module: "gate", Message: "interrupt stack table index out of range"}
	errNilHandler         = &kernel.Error{Module: "gate", Message: "nil interrupt handler"}
	errUnhandled          = &kernel.Error{Module: "gate", Message: "unhandled interrupt"}
	errDoubleFault        = &kernel.Error{Module: "gate", Message: "double fault"}

	// the following functions are mocked by tests.
	loadIDTFn      = cpu.LoadIDT
	entryAddressFn = entryAddress
	panicFn        = kfmt.Panic

	initialized bool

	idt      [256]Entry
	idtr     cpu.DescriptorTablePointer
	handlers [256]func(*Registers)
)

// Init fills all 256 IDT entries with the address of their entry stub, loads
// the IDT and binds the breakpoint and double fault handlers. Vectors without
// a bound handler are reported by unhandledInterrupt.
func Init() *kernel.Error {
	if initialized {
		return errAlreadyInitialized
	}

	for vector := 0; vector < len(idt); vector++ {
		idt[vector] = Entry{}
		idt[vector].SetHandler(entryAddressFn(vector), gdt.KernelCodeSelector, InterruptGate)
		handlers[vector] = nil
	}

	idtr.Set(uintptr(unsafe.Pointer(&idt[0])), unsafe.Sizeof(idt))
	loadIDTFn(uintptr(unsafe.Pointer(&idtr)))
	initialized = true

	if err := HandleInterrupt(Breakpoint, 0, breakpointHandler); err != nil {
		return err
	}

	return HandleInterrupt(DoubleFault, gdt.DoubleFaultIST, doubleFaultHandler)
}

// HandleInterrupt binds handler to vector. The istIndex argument selects the
// interrupt stack table slot that the CPU switches to before invoking the
// handler (0 keeps the current stack). A vector can only be bound once.
func HandleInterrupt(vector InterruptNumber, istIndex uint8, handler func(*Registers)) *kernel.Error {
	switch {
	case handler == nil:
		return errNilHandler
	case istIndex > maxIST:
		return errInvalidIST
	case handlers[vector] != nil:
		return errAlreadyBound
	}

	idt[vector].IST = istIndex
	handlers[vector] = handler
	return nil
}

// dispatchInterrupt is invoked by the common entry code with a pointer to the
// register snapshot on the interrupted stack. Changes that a returning
// handler makes to regs are restored into the interrupted context.
func dispatchInterrupt(regs *Registers) {
	if handler := handlers[uint8(regs.Vector)]; handler != nil {
		handler(regs)
		return
	}

	unhandledInterrupt(regs)
}

func unhandledInterrupt(regs *Registers) {
	kfmt.Printf("\n[gate] unhandled interrupt %d (%s), error code: 0x%x\n", regs.Vector, exceptionName(regs.Vector), regs.ErrorCode)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())
	panicFn(errUnhandled)
}

func breakpointHandler(regs *Registers) {
	kfmt.Printf("[gate] breakpoint at RIP 0x%x\n", regs.RIP)
}

func doubleFaultHandler(regs *Registers) {
	kfmt.Printf("\n[gate] double fault, error code: 0x%x\n", regs.ErrorCode)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())
	panicFn(errDoubleFault)
}

// exceptionName returns a short description for CPU exception vectors.
func exceptionName(vector uint64) string {
	switch InterruptNumber(vector) {
	case DivideByZero:
		return "divide error"
	case Debug:
		return "debug"
	case NMI:
		return "non-maskable interrupt"
	case Breakpoint:
		return "breakpoint"
	case Overflow:
		return "overflow"
	case BoundRangeExceeded:
		return "bound range exceeded"
	case InvalidOpcode:
		return "invalid opcode"
	case DeviceNotAvailable:
		return "device not available"
	case DoubleFault:
		return "double fault"
	case InvalidTSS:
		return "invalid TSS"
	case SegmentNotPresent:
		return "segment not present"
	case StackSegmentFault:
		return "stack-segment fault"
	case GPFException:
		return "general protection fault"
	case PageFaultException:
		return "page fault"
	case FloatingPointException:
		return "x87 floating-point exception"
	case AlignmentCheck:
		return "alignment check"
	case MachineCheck:
		return "machine check"
	case SIMDFloatingPointException:
		return "SIMD floating-point exception"
	case ControlProtection:
		return "control protection"
	case VMMCommunication:
		return "VMM communication"
	case SecurityException:
		return "security exception"
	}

	if vector < 32 {
		return "reserved"
	}
	return "external interrupt"
}

// entryAddress returns the address of the generated entry stub for vector.
func entryAddress(vector int) uintptr

// commonEntry saves the interrupted context and calls dispatchInterrupt. It
// is only reached by a jump from an entry stub.
func commonEntry()
