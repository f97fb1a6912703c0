// Package cpu provides access to amd64-specific CPU instructions that are
// not directly expressible in Go. All functions in this package are backed
// by assembly implementations and most of them require kernel privileges;
// tests that exercise code depending on them must substitute the function
// variables the callers expose instead of invoking them directly.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupt handling and halts the CPU in a low-power wait
// loop. Calls to Halt never return.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register. While handling a
// page fault, CR2 holds the virtual address whose access triggered the
// fault.
func ReadCR2() uint64
