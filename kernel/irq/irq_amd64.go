// Package irq drives the legacy 8259 programmable interrupt controller pair
// and the 8254 interval timer. Hardware interrupts are remapped above the
// CPU exception vectors and dispatched to per-line handlers.
package irq

import (
	"nucleos/kernel"
	"nucleos/kernel/gate"
	"nucleos/kernel/kfmt"
)

const (
	// PIC1Offset is the vector assigned to IRQ line 0.
	PIC1Offset = uint8(32)

	// PIC2Offset is the vector assigned to IRQ line 8.
	PIC2Offset = uint8(40)

	// NumLines is the number of IRQ lines provided by the two PICs.
	NumLines = 16

	// Well-known IRQ lines.
	TimerLine    = uint8(0)
	KeyboardLine = uint8(1)
	CascadeLine  = uint8(2)
)

var (
	errAlreadyInitialized = &kernel.Error{Module: "irq", Message: "PIC already initialized"}
	errInvalidLine        = &kernel.Error{Module: "irq", Message: "invalid IRQ line"}
	errAlreadyBound       = &kernel.Error{Module: "irq", Message: "IRQ line already has a handler"}
	errNilHandler         = &kernel.Error{Module: "irq", Message: "nil IRQ handler"}

	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt

	initialized bool

	handlers [NumLines]func(*gate.Registers)

	spuriousCount uint64
)

// Init remaps the PICs to PIC1Offset and PIC2Offset, masks every line except
// for the cascade and timer lines and starts the timer at TimerFrequency.
// Interrupts remain disabled; the caller enables them once all handlers are
// in place.
func Init() *kernel.Error {
	if initialized {
		return errAlreadyInitialized
	}

	Remap(PIC1Offset, PIC2Offset)
	portWriteByteFn(pic1Data, 0xff)
	portWriteByteFn(pic2Data, 0xff)

	for line := uint8(0); line < NumLines; line++ {
		vector := PIC1Offset + line
		if line >= 8 {
			vector = PIC2Offset + line - 8
		}

		if err := handleInterruptFn(gate.InterruptNumber(vector), 0, dispatchIRQ); err != nil {
			return err
		}
	}
	initialized = true

	divisor := SetTimerFrequency(TimerFrequency)
	if err := HandleIRQ(TimerLine, timerHandler); err != nil {
		return err
	}

	SetMask(CascadeLine, true)
	SetMask(TimerLine, true)

	kfmt.Printf("[irq] PIC remapped to vectors %d-%d, timer divisor: %d\n", PIC1Offset, PIC2Offset+7, divisor)
	return nil
}

// HandleIRQ binds handler to line. The handler runs with interrupts disabled
// and the line is acknowledged after it returns. Lines stay masked until
// enabled with SetMask.
func HandleIRQ(line uint8, handler func(*gate.Registers)) *kernel.Error {
	switch {
	case line >= NumLines:
		return errInvalidLine
	case handler == nil:
		return errNilHandler
	case handlers[line] != nil:
		return errAlreadyBound
	}

	handlers[line] = handler
	return nil
}

// SpuriousCount returns the number of spurious interrupts that were ignored.
func SpuriousCount() uint64 {
	return spuriousCount
}

// dispatchIRQ is bound to every PIC vector.
func dispatchIRQ(regs *gate.Registers) {
	line, ok := vectorLine(uint8(regs.Vector))
	if !ok {
		return
	}

	if spurious(line) {
		spuriousCount++
		return
	}

	if handler := handlers[line]; handler != nil {
		handler(regs)
	} else {
		kfmt.Printf("[irq] no handler for IRQ %d\n", line)
	}

	EndOfInterrupt(line)
}
