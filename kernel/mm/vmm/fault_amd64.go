package vmm

import (
	"nucleos/kernel"
	"nucleos/kernel/gate"
	"nucleos/kernel/kfmt"
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt
)

// Page fault error code bits.
const (
	faultPresent          = uint64(1 << 0)
	faultWrite            = uint64(1 << 1)
	faultUser             = uint64(1 << 2)
	faultReservedBit      = uint64(1 << 3)
	faultInstructionFetch = uint64(1 << 4)
)

func installFaultHandlers() *kernel.Error {
	if err := handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler); err != nil {
		return err
	}
	return handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// FaultReason decodes a page fault error code into a description of the
// access that caused the fault.
func FaultReason(errorCode uint64) string {
	present := errorCode&faultPresent != 0

	switch {
	case errorCode&faultReservedBit != 0:
		return "page table has reserved bit set"
	case errorCode&faultInstructionFetch != 0 && present:
		return "page protection violation (instruction fetch)"
	case errorCode&faultInstructionFetch != 0:
		return "instruction fetch from non-present page"
	case errorCode&faultWrite != 0 && present:
		return "page protection violation (write)"
	case errorCode&faultWrite != 0:
		return "write to non-present page"
	case present:
		return "page protection violation (read)"
	default:
		return "read from non-present page"
	}
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails. There is no backing store, so every page fault
// is reported and the machine is halted.
func pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())

	kfmt.Printf("\n[vmm] page fault (vector %d) while accessing address: 0x%16x\n", regs.Vector, faultAddress)
	kfmt.Printf("[vmm] error code: 0x%x, user-mode: %t\nReason: %s\n", regs.ErrorCode, regs.ErrorCode&faultUser != 0, FaultReason(regs.ErrorCode))
	kfmt.Printf("\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
//
// A non-zero error code holds the index of the offending selector.
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\n[vmm] general protection fault at RIP 0x%16x, error code: 0x%x\n", regs.RIP, regs.ErrorCode)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}
