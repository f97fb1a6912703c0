package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// tableEntryCount is the number of entries in a page table at any level.
	tableEntryCount = uintptr(512)

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// kernelVirtOffset is the offset where the kernel image and the
	// physical memory window live in the higher half of the address
	// space. The boot code identity-maps the first portion of physical
	// memory at this offset before handing control to the kernel, and
	// Init rebuilds the same window with 2M pages.
	kernelVirtOffset = uintptr(0xFFFFFFFF80000000)

	// physWindowSize is the amount of physical memory mapped at
	// kernelVirtOffset by Init. Page table frames and the PFA bitmap must
	// fall inside this window to be addressable.
	physWindowSize = uintptr(1 << 30)

	// kernelHeapBase is the virtual address where Alloc starts handing
	// out kernel address space. It sits right above the physical memory
	// window.
	kernelHeapBase = kernelVirtOffset + physWindowSize

	// hugePageSize is the amount of memory mapped by a single PD-level
	// (level 2) entry with the huge page flag set.
	hugePageSize = uintptr(1 << 21)
)

var (
	// pageLevelShifts defines the shift required to extract each page
	// table index from a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// EntryFlag describes a flag that can be applied to a page table entry. The
// bit positions match the amd64 page-table encoding and must never change.
type EntryFlag uintptr

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent EntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when a PD-level entry maps a 2M page directly
	// instead of pointing to a page table.
	FlagHugePage
)
