package sync

import "nucleos/kernel/cpu"

var (
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// InterruptState records whether interrupts were enabled before a call to
// DisableInterrupts.
type InterruptState bool

// DisableInterrupts disables interrupt delivery and returns the state that
// must later be passed to RestoreInterrupts. Calls may nest.
func DisableInterrupts() InterruptState {
	state := InterruptState(interruptsEnabledFn())
	if state {
		disableInterruptsFn()
	}
	return state
}

// RestoreInterrupts re-enables interrupts if they were enabled when the
// matching DisableInterrupts call was made.
func RestoreInterrupts(state InterruptState) {
	if state {
		enableInterruptsFn()
	}
}

// SetInterruptControl overrides the functions used to query, disable and
// enable interrupts. Code running outside ring 0 (e.g. tests) uses it to
// replace the privileged CLI/STI instructions. Passing nil for any argument
// restores the CPU implementation for that function.
func SetInterruptControl(enabled func() bool, disable, enable func()) {
	if enabled == nil {
		enabled = cpu.InterruptsEnabled
	}
	if disable == nil {
		disable = cpu.DisableInterrupts
	}
	if enable == nil {
		enable = cpu.EnableInterrupts
	}

	interruptsEnabledFn, disableInterruptsFn, enableInterruptsFn = enabled, disable, enable
}

// IRQSpinlock is a Spinlock whose critical section runs with interrupts
// disabled. It protects state shared between foreground code and interrupt
// handlers: a handler can never observe the protected state mid-update since
// it cannot run while the lock is held.
type IRQSpinlock struct {
	lock  Spinlock
	state InterruptState
}

// Acquire disables interrupts and acquires the lock.
func (l *IRQSpinlock) Acquire() {
	state := DisableInterrupts()
	l.lock.Acquire()
	l.state = state
}

// Release releases the lock and restores the interrupt state that was active
// when Acquire was called.
func (l *IRQSpinlock) Release() {
	state := l.state
	l.lock.Release()
	RestoreInterrupts(state)
}
