package kfmt

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
)

// cpuHaltFn is mocked by tests.
var cpuHaltFn = cpu.HaltForever

// Panic reports err on the console and halts the CPU with interrupts
// disabled. It never returns. Boot errors, double faults, unresolved page
// faults, general protection faults and unhandled vectors all end up here.
//
// The report is written even if no console has been attached yet; it then
// stays in the early output buffer where a debugger can find it.
func Panic(err *kernel.Error) {
	Printf("\n[kernel] *** panic ***\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("[kernel] system halted\n")

	cpuHaltFn()
}
