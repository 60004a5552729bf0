// Package kmain contains the kernel entrypoint invoked by the rt0 code.
package kmain

import (
	"nucleos/device"
	"nucleos/device/kbd"
	"nucleos/device/serial"
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/gate"
	"nucleos/kernel/gdt"
	"nucleos/kernel/hal"
	"nucleos/kernel/irq"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/heap"
	"nucleos/kernel/mm/pmm"
	"nucleos/kernel/mm/vmm"
	"nucleos/multiboot"
)

var (
	// the following functions are mocked by tests.
	registerDriverFn    = device.RegisterDriver
	detectHardwareFn    = hal.DetectHardware
	gdtInitFn           = gdt.Init
	gateInitFn          = gate.Init
	irqInitFn           = irq.Init
	setTimerFrequencyFn = irq.SetTimerFrequency
	enableInterruptsFn  = cpu.EnableInterrupts
	pmmInitFn           = pmm.Init
	vmmInitFn           = vmm.Init
	heapInitFn          = heap.Init
	haltFn              = cpu.Halt
	tryReadScanCodeFn   = kbd.TryRead
	panicFn             = kfmt.Panic
	resetFn             = cpu.Reset
	isIntelFn           = cpu.IsIntel

	// timerHz is set by the irqhz boot argument.
	timerHz uint32

	// modifier key state tracked by the idle loop.
	ctrlDown, altDown bool
)

// Raw set 1 scan codes used for the reboot key combination.
const (
	scanCtrl        = 0x1d
	scanAlt         = 0x38
	scanDelete      = 0x53
	scanReleaseFlag = 0x80
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up a minimal g0 struct that allows Go code to use the stack
// allocated by the assembly code.
//
// The rt0 code passes the physical address of the multiboot info payload,
// the offset of the direct physical memory mapping, the physical addresses
// for the kernel start/end and the virtual address the kernel is linked at.
//
// Kmain never returns. Boot errors are fatal and halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, physMemOffset, kernelStart, kernelEnd, kernelPageOffset uintptr) {
	if err := boot(multibootInfoPtr, physMemOffset, kernelStart, kernelEnd, kernelPageOffset); err != nil {
		panicFn(err)
	}

	for {
		idle()
	}
}

// boot initializes the kernel subsystems in dependency order.
func boot(multibootInfoPtr, physMemOffset, kernelStart, kernelEnd, kernelPageOffset uintptr) *kernel.Error {
	mm.SetPhysicalMemoryOffset(physMemOffset)
	multiboot.SetInfoPtr(uintptr(mm.PhysToVirt(mm.PhysAddr(multibootInfoPtr))))

	var err *kernel.Error
	if err = registerDriverFn(&serial.DriverInfo); err != nil {
		return err
	} else if err = registerDriverFn(&kbd.DriverInfo); err != nil {
		return err
	}

	// The serial console is attached here; earlier output is buffered.
	detectHardwareFn(device.DetectOrderBeforeIRQ)
	kfmt.Printf("[kmain] starting nucleos (intel cpu: %t)\n", isIntelFn())

	if err = gdtInitFn(); err != nil {
		return err
	} else if err = gateInitFn(); err != nil {
		return err
	} else if err = irqInitFn(); err != nil {
		return err
	}

	timerHz = 0
	multiboot.VisitBootCmdLine(parseBootArg)
	if timerHz != 0 {
		divisor := setTimerFrequencyFn(timerHz)
		kfmt.Printf("[kmain] timer frequency set to %dHz (divisor: %d)\n", timerHz, divisor)
	}

	detectHardwareFn(device.DetectOrderLast)
	enableInterruptsFn()

	// vmm.Init reads the boot information after allocating page tables so
	// its frames must never be handed out.
	infoEnd := multibootInfoPtr + multiboot.InfoSize()
	if err = pmmInitFn(mm.PhysAddr(kernelStart), mm.PhysAddr(kernelEnd), mm.PhysAddr(multibootInfoPtr), mm.PhysAddr(infoEnd)); err != nil {
		return err
	} else if err = vmmInitFn(kernelPageOffset); err != nil {
		return err
	} else if err = heapInitFn(); err != nil {
		return err
	}

	kfmt.Printf("[kmain] boot complete\n")
	return nil
}

// idle waits for the next interrupt and reports any scan codes collected by
// the keyboard driver. Pressing ctrl+alt+delete resets the machine.
func idle() {
	haltFn()

	for {
		code, ok := tryReadScanCodeFn()
		if !ok {
			return
		}
		kfmt.Printf("[kmain] scan code: 0x%2x\n", code)

		pressed := code&scanReleaseFlag == 0
		switch code &^ scanReleaseFlag {
		case scanCtrl:
			ctrlDown = pressed
		case scanAlt:
			altDown = pressed
		case scanDelete:
			if pressed && ctrlDown && altDown {
				kfmt.Printf("[kmain] rebooting\n")
				resetFn()
			}
		}
	}
}

// parseBootArg is invoked for each argument on the kernel command line.
func parseBootArg(key, value string) bool {
	if key != "irqhz" {
		return true
	}

	hz, ok := parseUint32(value)
	if !ok || hz == 0 {
		kfmt.Printf("[kmain] ignoring invalid irqhz value: %s\n", value)
		return true
	}

	timerHz = hz
	return true
}

// parseUint32 parses a decimal number without allocating.
func parseUint32(s string) (uint32, bool) {
	if len(s) == 0 {
		return 0, false
	}

	var val uint64
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}

		val = val*10 + uint64(s[i]-'0')
		if val > 0xffffffff {
			return 0, false
		}
	}

	return uint32(val), true
}
