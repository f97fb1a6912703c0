package vmm

import (
	"github.com/kitty744/Cane/kernel"
	"github.com/kitty744/Cane/kernel/cpu"
	"github.com/kitty744/Cane/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errHugeEntryOnPath = &kernel.Error{Module: "vmm", Message: "virtual address resolves through a huge page entry"}
)

// walkToLevel descends the page table tree for virt and returns the entry at
// targetLevel (0 = PML4, 3 = PT). With create set, missing intermediate
// tables are backed by zeroed PFA frames installed as present+writable;
// without it, an absent or huge intermediate entry aborts the walk.
//
// Callers must hold the address space lock.
func (as *addressSpace) walkToLevel(virt uintptr, targetLevel int, create bool) (*pageTableEntry, *kernel.Error) {
	tableFrame := as.root

	for level := 0; ; level++ {
		index := (virt >> pageLevelShifts[level]) & (tableEntryCount - 1)
		pte := pteAt(tableFrame, index)

		if level == targetLevel {
			return pte, nil
		}

		if pte.HasFlags(FlagHugePage) {
			return nil, errHugeEntryOnPath
		}

		if !pte.HasFlags(FlagPresent) {
			if !create {
				return nil, ErrInvalidMapping
			}

			newTableFrame, err := mm.AllocFrame()
			if err != nil {
				return nil, err
			}

			zeroTable(newTableFrame)
			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		tableFrame = pte.Frame()
	}
}

// mapPage installs a 4K leaf mapping for virt, overwriting any previous
// mapping at that page. Callers must hold the address space lock.
func (as *addressSpace) mapPage(virt, phys uintptr, flags EntryFlag) *kernel.Error {
	pte, err := as.walkToLevel(virt, pageLevels-1, true)
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(mm.FrameFromAddress(phys))
	pte.SetFlags(flags)
	flushTLBEntryFn(virt)

	return nil
}

// mapHugePage installs a PD-level 2M leaf mapping for virt. Callers must
// hold the address space lock.
func (as *addressSpace) mapHugePage(virt, phys uintptr, flags EntryFlag) *kernel.Error {
	pte, err := as.walkToLevel(virt, pageLevels-2, true)
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(mm.FrameFromAddress(phys))
	pte.SetFlags(flags | FlagHugePage)
	flushTLBEntryFn(virt)

	return nil
}

// unmapPage clears the leaf entry for virt. Intermediate tables that become
// empty are intentionally not reclaimed. Callers must hold the address space
// lock.
func (as *addressSpace) unmapPage(virt uintptr) *kernel.Error {
	pte, err := as.walkToLevel(virt, pageLevels-1, false)
	if err != nil {
		return err
	}

	if !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	*pte = 0
	flushTLBEntryFn(virt)

	return nil
}

// translate resolves virt walking the tree without mutating it. Huge-page
// entries resolve at the PD level. Callers must hold the address space lock.
func (as *addressSpace) translate(virt uintptr) (uintptr, *kernel.Error) {
	tableFrame := as.root

	for level := 0; level < pageLevels; level++ {
		index := (virt >> pageLevelShifts[level]) & (tableEntryCount - 1)
		pte := pteAt(tableFrame, index)

		if !pte.HasFlags(FlagPresent) {
			return 0, ErrInvalidMapping
		}

		if level == pageLevels-1 {
			return pte.Frame().Address() + (virt & (mm.PageSize - 1)), nil
		}

		if pte.HasFlags(FlagHugePage) {
			return pte.Frame().Address() + (virt & (hugePageSize - 1)), nil
		}

		tableFrame = pte.Frame()
	}

	return 0, ErrInvalidMapping
}

// Map establishes a mapping between a virtual page and a physical memory
// frame in the kernel address space. Missing intermediate page tables are
// allocated from the physical frame allocator. An existing mapping at that
// virtual page is overwritten.
func Map(virt, phys uintptr, flags EntryFlag) *kernel.Error {
	kernelSpace.lock.Acquire()
	err := kernelSpace.mapPage(virt, phys, flags)
	kernelSpace.lock.Release()
	return err
}

// MapRange maps ceil(size/PageSize) consecutive 4K pages starting at the
// given virtual and physical addresses.
func MapRange(virt, phys, size uintptr, flags EntryFlag) *kernel.Error {
	kernelSpace.lock.Acquire()
	defer kernelSpace.lock.Release()

	pageCount := (size + mm.PageSize - 1) >> mm.PageShift
	for i := uintptr(0); i < pageCount; i++ {
		offset := i << mm.PageShift
		if err := kernelSpace.mapPage(virt+offset, phys+offset, flags); err != nil {
			return err
		}
	}

	return nil
}

// Unmap removes the leaf mapping for the page containing virt. The
// intermediate page tables on its path are left in place even when they end
// up empty.
func Unmap(virt uintptr) *kernel.Error {
	kernelSpace.lock.Acquire()
	err := kernelSpace.unmapPage(virt)
	kernelSpace.lock.Release()
	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func Translate(virt uintptr) (uintptr, *kernel.Error) {
	kernelSpace.lock.Acquire()
	phys, err := kernelSpace.translate(virt)
	kernelSpace.lock.Release()
	return phys, err
}
