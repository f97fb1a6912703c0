// Package vmm maintains the kernel's 4-level page table tree: the virtual to
// physical translations the MMU resolves, the higher-half window over
// physical memory, and page-granular allocation of kernel address space.
package vmm

import (
	"github.com/kitty744/Cane/kernel"
	"github.com/kitty744/Cane/kernel/cpu"
	"github.com/kitty744/Cane/kernel/mm"
	"github.com/kitty744/Cane/kernel/sync"
)

var (
	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT
	// which will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// kernelSpace is the single address space this kernel maintains. All
	// tasks share it; there is no per-task isolation.
	kernelSpace addressSpace
)

// addressSpace tracks the root of a page table tree together with the bump
// pointer used for reserving kernel virtual address regions. The lock
// serializes every mutation of the tree including the PFA frame acquisitions
// mapping may trigger; vmm mutation is never independently atomic from pmm
// mutation.
type addressSpace struct {
	lock sync.Spinlock

	// root is the frame holding the PML4 table.
	root mm.Frame

	// allocNext is the next unused virtual address handed out by Alloc.
	// Address space is never returned; the cursor only moves up.
	allocNext uintptr
}

// Init builds the initial kernel translation tree: the first 1G of physical
// memory is mapped at the higher-half offset using 2M pages and the new tree
// is activated as the live translation root. Init must complete before the
// heap or any virtual pointer into the PFA bitmap can be used.
func Init() *kernel.Error {
	rootFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	zeroTable(rootFrame)
	kernelSpace.root = rootFrame
	kernelSpace.allocNext = kernelHeapBase

	kernelSpace.lock.Acquire()
	defer kernelSpace.lock.Release()

	for off := uintptr(0); off < physWindowSize; off += hugePageSize {
		if err := kernelSpace.mapHugePage(kernelVirtOffset+off, off, FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	switchPDTFn(rootFrame.Address())
	return nil
}

// Alloc reserves pageCount pages of unused kernel virtual address space,
// backs each page with a frame from the physical frame allocator and maps it
// with the supplied flags. If any frame acquisition or mapping step fails
// mid-way, every frame already obtained by this call is released and the
// whole operation fails; no partially mapped region leaks.
func Alloc(pageCount int, flags EntryFlag) (uintptr, *kernel.Error) {
	kernelSpace.lock.Acquire()
	defer kernelSpace.lock.Release()

	base := kernelSpace.allocNext

	for i := 0; i < pageCount; i++ {
		virt := base + uintptr(i)<<mm.PageShift

		frame, err := mm.AllocFrame()
		if err != nil {
			kernelSpace.rollbackAlloc(base, i)
			return 0, err
		}

		if err := kernelSpace.mapPage(virt, frame.Address(), flags); err != nil {
			mm.ReleaseFrame(frame)
			kernelSpace.rollbackAlloc(base, i)
			return 0, err
		}
	}

	kernelSpace.allocNext += uintptr(pageCount) << mm.PageShift
	return base, nil
}

// rollbackAlloc releases the frames backing the first pageCount pages at
// base and clears their mappings. Intermediate tables created by the failed
// call stay in place, matching Unmap's no-reclaim behavior. Callers must
// hold the address space lock.
func (as *addressSpace) rollbackAlloc(base uintptr, pageCount int) {
	for i := 0; i < pageCount; i++ {
		virt := base + uintptr(i)<<mm.PageShift

		pte, err := as.walkToLevel(virt, pageLevels-1, false)
		if err != nil || !pte.HasFlags(FlagPresent) {
			continue
		}

		mm.ReleaseFrame(pte.Frame())
		*pte = 0
		flushTLBEntryFn(virt)
	}
}
