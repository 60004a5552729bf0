package irq

import (
	"nucleos/kernel/gate"
	"sync/atomic"
)

const (
	pitChannel0 = uint16(0x40)
	pitCommand  = uint16(0x43)

	// channel 0, lobyte/hibyte access, mode 3 (square wave generator)
	pitMode = uint8(0x36)

	// pitBaseFrequency is the input clock of the PIT in Hz.
	pitBaseFrequency = uint32(1193182)

	// TimerFrequency is the default frequency of the timer interrupt.
	TimerFrequency = uint32(100)
)

var ticks uint64

// SetTimerFrequency programs PIT channel 0 to fire at approximately hz
// interrupts per second and returns the reload value that was used. The
// reload value is clamped to the range supported by the PIT so very low or
// very high frequencies are approximated by the closest supported one.
func SetTimerFrequency(hz uint32) uint16 {
	divisor := uint32(0xffff)
	if hz != 0 {
		divisor = pitBaseFrequency / hz
	}

	switch {
	case divisor < 1:
		divisor = 1
	case divisor > 0xffff:
		divisor = 0xffff
	}

	portWriteByteFn(pitCommand, pitMode)
	portWriteByteFn(pitChannel0, uint8(divisor))
	portWriteByteFn(pitChannel0, uint8(divisor>>8))
	return uint16(divisor)
}

// Ticks returns the number of timer interrupts received since boot.
func Ticks() uint64 {
	return atomic.LoadUint64(&ticks)
}

func timerHandler(_ *gate.Registers) {
	atomic.AddUint64(&ticks, 1)
}
