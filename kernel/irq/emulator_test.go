package irq

import (
	"nucleos/kernel/cpu"
	"nucleos/kernel/gate"
	"testing"
)

// portWrite records a single OUT instruction.
type portWrite struct {
	Port  uint16
	Value uint8
}

// i8259 emulates the registers of one 8259 PIC that are visible to the
// driver.
type i8259 struct {
	irr, isr, imr uint8
	offset        uint8
	cascade, icw4 uint8

	// icwStep is the next initialization word expected on the data
	// port or 0 once the chip is initialized.
	icwStep int
	readISR bool
}

func (c *i8259) writeCommand(val uint8) {
	switch {
	case val&0x10 != 0:
		// ICW1 clears the mask and restarts initialization
		c.imr, c.isr, c.irr = 0, 0, 0
		c.icwStep = 2
	case val == ocw2EOI:
		// non-specific EOI clears the highest priority in-service bit
		for line := uint8(0); line < 8; line++ {
			if c.isr&(1<<line) != 0 {
				c.isr &^= 1 << line
				break
			}
		}
	case val == ocw3ReadISR:
		c.readISR = true
	case val == 0x0a:
		c.readISR = false
	}
}

func (c *i8259) writeData(val uint8) {
	switch c.icwStep {
	case 2:
		c.offset, c.icwStep = val, 3
	case 3:
		c.cascade, c.icwStep = val, 4
	case 4:
		c.icw4, c.icwStep = val, 0
	default:
		c.imr = val
	}
}

func (c *i8259) readCommand() uint8 {
	if c.readISR {
		return c.isr
	}
	return c.irr
}

// pending returns the highest priority line that is requested, unmasked and
// not blocked by an in-service line of higher or equal priority.
func (c *i8259) pending() (uint8, bool) {
	for line := uint8(0); line < 8; line++ {
		if c.isr&(1<<line) != 0 {
			return 0, false
		}
		if (c.irr&^c.imr)&(1<<line) != 0 {
			return line, true
		}
	}
	return 0, false
}

// picEmulator emulates a primary/secondary 8259 pair, the PIT and the
// wait port. Every port write is recorded.
type picEmulator struct {
	primary, secondary i8259
	writes             []portWrite
}

func setupEmulator(t *testing.T) *picEmulator {
	t.Helper()

	emu := &picEmulator{}
	// Lines are masked at power-on by the firmware.
	emu.primary.imr, emu.secondary.imr = 0xff, 0xff

	portWriteByteFn = emu.write
	portReadByteFn = emu.read

	t.Cleanup(func() {
		portWriteByteFn = cpu.PortWriteByte
		portReadByteFn = cpu.PortReadByte
		handleInterruptFn = gate.HandleInterrupt
		pic1Offset, pic2Offset = 0, 0
		handlers = [NumLines]func(*gate.Registers){}
		initialized = false
		spuriousCount = 0
	})

	return emu
}

func (emu *picEmulator) write(port uint16, val uint8) {
	emu.writes = append(emu.writes, portWrite{port, val})

	switch port {
	case pic1Command:
		emu.primary.writeCommand(val)
	case pic1Data:
		emu.primary.writeData(val)
	case pic2Command:
		emu.secondary.writeCommand(val)
	case pic2Data:
		emu.secondary.writeData(val)
	}
}

func (emu *picEmulator) read(port uint16) uint8 {
	switch port {
	case pic1Command:
		return emu.primary.readCommand()
	case pic1Data:
		return emu.primary.imr
	case pic2Command:
		return emu.secondary.readCommand()
	case pic2Data:
		return emu.secondary.imr
	}
	return 0xff
}

// pulse raises an edge on line.
func (emu *picEmulator) pulse(line uint8) {
	if line >= 8 {
		emu.secondary.irr |= 1 << (line - 8)
		return
	}
	emu.primary.irr |= 1 << line
}

// acknowledge performs the CPU side of the interrupt acknowledge cycle and
// returns the vector delivered by the PIC pair.
func (emu *picEmulator) acknowledge() (uint8, bool) {
	if _, ok := emu.secondary.pending(); ok {
		emu.primary.irr |= 1 << CascadeLine
	} else {
		emu.primary.irr &^= 1 << CascadeLine
	}

	line, ok := emu.primary.pending()
	if !ok {
		return 0, false
	}
	emu.primary.irr &^= 1 << line
	emu.primary.isr |= 1 << line

	if line != CascadeLine {
		return emu.primary.offset + line, true
	}

	line, _ = emu.secondary.pending()
	emu.secondary.irr &^= 1 << line
	emu.secondary.isr |= 1 << line
	return emu.secondary.offset + line, true
}

// writesTo returns the values written to port.
func (emu *picEmulator) writesTo(port uint16) []uint8 {
	var vals []uint8
	for _, w := range emu.writes {
		if w.Port == port {
			vals = append(vals, w.Value)
		}
	}
	return vals
}
