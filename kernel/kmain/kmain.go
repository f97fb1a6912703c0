// Package kmain contains the kernel entry point that the assembly bootstrap
// jumps to once the CPU is in long mode and the Go runtime stubs are live.
package kmain

import (
	"github.com/kitty744/Cane/kernel/kfmt"
	"github.com/kitty744/Cane/kernel/mm"
	"github.com/kitty744/Cane/kernel/mm/kheap"
	"github.com/kitty744/Cane/kernel/mm/pmm"
	"github.com/kitty744/Cane/kernel/mm/vmm"
	"github.com/kitty744/Cane/kernel/task"
	"github.com/kitty744/Cane/multiboot"
)

// timerFrequency is the PIT frequency in Hz programmed by the interrupt
// collaborator. The scheduler derives the time slice length from it.
const timerFrequency = 50

// Kmain is the kernel entry point. multibootInfoPtr holds the address of the
// multiboot info section handed over by the bootloader, bitmapAddr the
// already-mapped scratch region reserved for the frame bitmap and memSize
// the detected amount of physical memory in bytes.
//
// Kmain is invoked with interrupts disabled and never returns: once the
// subsystems are initialized it hands control to the scheduler.
func Kmain(multibootInfoPtr, bitmapAddr uintptr, memSize uint64) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	kfmt.Printf("BOOT: SUCCESS\n")
	kfmt.Printf("CaneOS v0.1\n")
	kfmt.Printf("Memory Management: Loading...\n")

	pmm.Init(bitmapAddr, memSize)
	releaseBootloaderRegions(memSize)
	kfmt.Printf("[pmm] memory: %d KB total, %d KB used, %d KB free\n",
		pmm.TotalKB(), pmm.UsedKB(), pmm.FreeKB())

	if err := vmm.Init(); err != nil {
		kfmt.Panic(err)
	}

	if err := kheap.Init(); err != nil {
		kfmt.Panic(err)
	}

	task.Init(timerFrequency)

	if _, err := task.Create(idleTask, "idle"); err != nil {
		kfmt.Panic(err)
	}

	// Hand control to the first task. The timer interrupt drives the
	// scheduler from here on.
	task.Schedule()
}

// releaseBootloaderRegions walks the bootloader memory map and returns every
// frame of the available regions to the frame allocator. Frames past the end
// of the bitmap-tracked range are left reserved.
func releaseBootloaderRegions(memSize uint64) {
	kfmt.Printf("[pmm] system memory map:\n")

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the first whole frame and round down past the region end.
		pageSizeMinus1 := uint64(mm.PageSize - 1)
		start := (region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1
		end := (region.PhysAddress + region.Length) & ^pageSizeMinus1

		if end > memSize {
			end = memSize & ^pageSizeMinus1
		}

		for addr := start; addr < end; addr += uint64(mm.PageSize) {
			pmm.MarkFree(uintptr(addr))
		}
		return true
	})
}

// idleTask runs when nothing else is runnable. Yield gives any freshly
// created task a chance to run immediately instead of waiting for the next
// slice boundary.
func idleTask() {
	for {
		task.Yield()
	}
}
