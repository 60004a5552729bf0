package irq

import "nucleos/kernel/cpu"

const (
	pic1Command = uint16(0x20)
	pic1Data    = uint16(0x21)
	pic2Command = uint16(0xa0)
	pic2Data    = uint16(0xa1)

	// Writing to this unused port gives the PIC time to process the
	// previous command.
	waitPort = uint16(0x80)

	icw1Init       = uint8(0x11) // edge triggered, cascade mode, ICW4 follows
	icw3Secondary  = uint8(1 << CascadeLine)
	icw3CascadeID  = uint8(CascadeLine)
	icw4Mode8086   = uint8(0x01)
	ocw2EOI        = uint8(0x20)
	ocw3ReadISR    = uint8(0x0b)
	spuriousLineLo = uint8(7)
	spuriousLineHi = uint8(15)
)

var (
	// the following functions are mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	// vector offsets programmed by the last call to Remap.
	pic1Offset, pic2Offset uint8
)

func ioWait() {
	portWriteByteFn(waitPort, 0)
}

// Remap re-initializes the two cascaded 8259 PICs so that IRQ lines 0-7 are
// delivered as vectors offset1..offset1+7 and lines 8-15 as vectors
// offset2..offset2+7. The line masks in effect before the call are restored.
func Remap(offset1, offset2 uint8) {
	mask1, mask2 := portReadByteFn(pic1Data), portReadByteFn(pic2Data)

	portWriteByteFn(pic1Command, icw1Init)
	ioWait()
	portWriteByteFn(pic2Command, icw1Init)
	ioWait()

	portWriteByteFn(pic1Data, offset1)
	ioWait()
	portWriteByteFn(pic2Data, offset2)
	ioWait()

	portWriteByteFn(pic1Data, icw3Secondary)
	ioWait()
	portWriteByteFn(pic2Data, icw3CascadeID)
	ioWait()

	portWriteByteFn(pic1Data, icw4Mode8086)
	ioWait()
	portWriteByteFn(pic2Data, icw4Mode8086)
	ioWait()

	portWriteByteFn(pic1Data, mask1)
	portWriteByteFn(pic2Data, mask2)

	pic1Offset, pic2Offset = offset1, offset2
}

// SetMask enables or disables the delivery of IRQ line.
func SetMask(line uint8, enabled bool) {
	port := pic1Data
	if line >= 8 {
		port, line = pic2Data, line-8
	}

	mask := portReadByteFn(port)
	if enabled {
		mask &^= 1 << line
	} else {
		mask |= 1 << line
	}
	portWriteByteFn(port, mask)
}

// Mask returns the combined line mask of both PICs. Bit N is set if line N
// is disabled.
func Mask() uint16 {
	return uint16(portReadByteFn(pic2Data))<<8 | uint16(portReadByteFn(pic1Data))
}

// EndOfInterrupt acknowledges the IRQ currently being serviced on line. No
// further interrupts of the same or lower priority are delivered until it is
// called.
func EndOfInterrupt(line uint8) {
	if line >= 8 {
		portWriteByteFn(pic2Command, ocw2EOI)
	}
	portWriteByteFn(pic1Command, ocw2EOI)
}

// inService returns the combined in-service register of both PICs.
func inService() uint16 {
	portWriteByteFn(pic1Command, ocw3ReadISR)
	portWriteByteFn(pic2Command, ocw3ReadISR)
	return uint16(portReadByteFn(pic2Command))<<8 | uint16(portReadByteFn(pic1Command))
}

// spurious checks whether an interrupt on one of the lowest priority lines
// was raised without a matching in-service bit. Spurious interrupts must not
// be acknowledged on the PIC that generated them; a spurious IRQ from the
// secondary PIC still occupies the cascade line of the primary so the
// primary receives an EOI.
func spurious(line uint8) bool {
	if line != spuriousLineLo && line != spuriousLineHi {
		return false
	}

	if inService()&(1<<line) != 0 {
		return false
	}

	if line == spuriousLineHi {
		portWriteByteFn(pic1Command, ocw2EOI)
	}
	return true
}

// vectorLine maps an interrupt vector back to the IRQ line that raised it.
func vectorLine(vector uint8) (uint8, bool) {
	switch {
	case vector >= pic1Offset && vector < pic1Offset+8:
		return vector - pic1Offset, true
	case vector >= pic2Offset && vector < pic2Offset+8:
		return vector - pic2Offset + 8, true
	default:
		return 0, false
	}
}
