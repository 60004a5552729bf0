// Package kbd provides a driver for the PS/2 keyboard. Raw scan codes are
// collected by the IRQ1 handler into a bounded queue; translating them into
// characters is left to the consumer.
package kbd

import (
	"io"
	"nucleos/device"
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/gate"
	"nucleos/kernel/irq"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/sync"
)

const (
	dataPort   = uint16(0x60)
	statusPort = uint16(0x64)

	// statusOutputFull is set while a byte is waiting in the data port.
	statusOutputFull = uint8(1 << 0)

	// queueSize is the number of scan codes buffered between the IRQ
	// handler and the consumer.
	queueSize = 128

	// maxDrain bounds the number of stale bytes discarded at init.
	maxDrain = 16
)

var (
	// the following functions are mocked by tests.
	portReadByteFn = cpu.PortReadByte
	handleIRQFn    = irq.HandleIRQ
	setMaskFn      = irq.SetMask

	// DriverInfo registers the keyboard driver. It is probed once IRQ
	// delivery has been configured.
	DriverInfo = device.DriverInfo{
		Order: device.DetectOrderIRQ,
		Probe: probeForKeyboard,
	}

	kbd Keyboard
)

// scanCodeQueue is a fixed-size FIFO. When full, new scan codes are dropped
// so that the producer never blocks.
type scanCodeQueue struct {
	buf   [queueSize]byte
	head  int
	count int

	dropped uint64
}

func (q *scanCodeQueue) push(code byte) bool {
	if q.count == queueSize {
		q.dropped++
		return false
	}

	q.buf[(q.head+q.count)%queueSize] = code
	q.count++
	return true
}

func (q *scanCodeQueue) pop() (byte, bool) {
	if q.count == 0 {
		return 0, false
	}

	code := q.buf[q.head]
	q.head = (q.head + 1) % queueSize
	q.count--
	return code, true
}

// Keyboard is the PS/2 keyboard driver.
type Keyboard struct {
	queue scanCodeQueue
}

// DriverName returns the name of this driver.
func (k *Keyboard) DriverName() string {
	return "ps2_keyboard"
}

// DriverVersion returns the version of this driver.
func (k *Keyboard) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit discards any bytes left in the controller by the firmware,
// binds the IRQ1 handler and unmasks the keyboard line.
func (k *Keyboard) DriverInit(w io.Writer) *kernel.Error {
	drained := 0
	for ; drained < maxDrain && portReadByteFn(statusPort)&statusOutputFull != 0; drained++ {
		portReadByteFn(dataPort)
	}

	if err := handleIRQFn(irq.KeyboardLine, irqHandler); err != nil {
		return err
	}
	setMaskFn(irq.KeyboardLine, true)

	kfmt.Fprintf(w, "listening on IRQ %d, discarded %d stale bytes\n", irq.KeyboardLine, drained)
	return nil
}

// TryRead returns the oldest buffered scan code. The second result is false
// if the queue is empty.
func (k *Keyboard) TryRead() (byte, bool) {
	state := sync.DisableInterrupts()
	code, ok := k.queue.pop()
	sync.RestoreInterrupts(state)
	return code, ok
}

// Dropped returns the number of scan codes discarded because the queue was
// full.
func (k *Keyboard) Dropped() uint64 {
	state := sync.DisableInterrupts()
	dropped := k.queue.dropped
	sync.RestoreInterrupts(state)
	return dropped
}

// TryRead returns the oldest scan code buffered by the keyboard driver.
func TryRead() (byte, bool) {
	return kbd.TryRead()
}

// Dropped returns the number of scan codes discarded by the keyboard driver.
func Dropped() uint64 {
	return kbd.Dropped()
}

// irqHandler runs with interrupts disabled so it can update the queue
// without locking. The IRQ is acknowledged by the irq package.
func irqHandler(_ *gate.Registers) {
	kbd.queue.push(portReadByteFn(dataPort))
}

func probeForKeyboard() device.Driver {
	return &kbd
}
