package kfmt

import (
	"github.com/kitty744/Cane/kernel"
	"github.com/kitty744/Cane/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt
)

// Panic outputs the supplied error to the console and halts the CPU. Calls
// to Panic never return.
func Panic(err *kernel.Error) {
	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
