package vmm

import (
	"unsafe"

	"github.com/kitty744/Cane/kernel"
	"github.com/kitty744/Cane/kernel/mm"
)

var (
	// physToPtr converts a physical address into a pointer the kernel can
	// dereference. Physical memory is reachable through the higher-half
	// window that the boot code establishes and Init rebuilds. Tests
	// override this so page tables can live in regular Go memory.
	physToPtr = func(physAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(physAddr + kernelVirtOffset)
	}
)

// pageTableEntry describes an entry in one of the 4 page table levels. Each
// entry encodes a physical frame address plus a set of EntryFlag bits.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags EntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags EntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags EntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// pteAt returns a pointer to entry index of the page table stored in the
// given physical frame.
func pteAt(tableFrame mm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(physToPtr(tableFrame.Address() + (index << mm.PointerShift)))
}

// zeroTable clears the page table stored in the given physical frame.
func zeroTable(tableFrame mm.Frame) {
	kernel.Memset(uintptr(physToPtr(tableFrame.Address())), 0, mm.PageSize)
}
