package vmm

import (
	"github.com/kitty744/Cane/kernel/cpu"
	"github.com/kitty744/Cane/kernel/kfmt"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn = cpu.ReadCR2
	haltFn    = cpu.Halt
)

// PageFaultHandler reports an unrecoverable page fault and halts the system.
// The interrupt gate collaborator invokes it with the error code pushed by
// the CPU; the faulting virtual address is read from CR2. Without per-task
// address spaces there is nothing to isolate and kill, so no recovery path
// exists and this function never returns.
func PageFaultHandler(errorCode uint64) {
	faultAddr := uintptr(readCR2Fn())

	kfmt.Printf("\n--- FATAL PAGE FAULT ---\n")
	kfmt.Printf("Address: 0x%16x\n", faultAddr)
	kfmt.Printf("Error Code: %d", errorCode)

	if errorCode&1 != 0 {
		kfmt.Printf(" [Protection Violation]")
	} else {
		kfmt.Printf(" [Non-present Page]")
	}

	if errorCode&2 != 0 {
		kfmt.Printf(" [Write]")
	} else {
		kfmt.Printf(" [Read]")
	}

	if errorCode&4 != 0 {
		kfmt.Printf(" [User Mode]")
	} else {
		kfmt.Printf(" [Kernel Mode]")
	}

	kfmt.Printf("\nSystem Halted.")
	haltFn()
}
