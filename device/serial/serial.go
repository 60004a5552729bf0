// Package serial provides a driver for the 16550 UART attached to the first
// serial port. The port is used as the kernel diagnostics console.
package serial

import (
	"io"
	"nucleos/device"
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/kfmt"
)

// COM1 is the I/O base address of the first serial port.
const COM1 = uint16(0x3f8)

// UART register offsets from the port base.
const (
	regData         = 0 // DLL when DLAB is set
	regIntEnable    = 1 // DLM when DLAB is set
	regFifoControl  = 2
	regLineControl  = 3
	regModemControl = 4
	regLineStatus   = 5
	regScratch      = 7

	lcrDLAB         = uint8(0x80)
	lcr8N1          = uint8(0x03)
	fcrEnableClear  = uint8(0xc7) // enable and clear FIFOs, 14-byte threshold
	mcrDTRRTS       = uint8(0x03)
	lsrTxEmpty      = uint8(1 << 5)
	baseBaudRate    = 115200
	divisor         = uint8(1)
	scratchTestByte = uint8(0xae)
)

var (
	// the following functions are mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	// DriverInfo registers the COM1 driver so that it is probed before any
	// other device.
	DriverInfo = device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForCOM1,
	}

	com1 = Port{base: COM1}
)

// Port is a 16550 compatible UART.
type Port struct {
	base uint16
}

// DriverName returns the name of this driver.
func (p *Port) DriverName() string {
	return "serial"
}

// DriverVersion returns the version of this driver.
func (p *Port) DriverVersion() (uint16, uint16, uint16) {
	return 1, 0, 0
}

// DriverInit programs the UART for 115200 baud, 8 data bits, no parity and
// one stop bit with FIFOs enabled. Interrupts are left disabled; output is
// polled.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	portWriteByteFn(p.base+regIntEnable, 0)
	portWriteByteFn(p.base+regLineControl, lcrDLAB)
	portWriteByteFn(p.base+regData, divisor)
	portWriteByteFn(p.base+regIntEnable, 0)
	portWriteByteFn(p.base+regLineControl, lcr8N1)
	portWriteByteFn(p.base+regFifoControl, fcrEnableClear)
	portWriteByteFn(p.base+regModemControl, mcrDTRRTS)

	kfmt.Fprintf(w, "port 0x%x, %d baud\n", p.base, baseBaudRate/int(divisor))
	return nil
}

// Write implements io.Writer. Each byte is sent once the transmit holding
// register is empty.
func (p *Port) Write(b []byte) (int, error) {
	for _, ch := range b {
		for portReadByteFn(p.base+regLineStatus)&lsrTxEmpty == 0 {
		}
		portWriteByteFn(p.base+regData, ch)
	}

	return len(b), nil
}

// probeForCOM1 checks that a UART responds at COM1 by round-tripping a byte
// through its scratch register.
func probeForCOM1() device.Driver {
	portWriteByteFn(com1.base+regScratch, scratchTestByte)
	if portReadByteFn(com1.base+regScratch) != scratchTestByte {
		return nil
	}

	return &com1
}
