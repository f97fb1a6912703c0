// Package pmm implements the physical frame allocator: a bitmap that tracks
// the used/free state of every 4K frame of physical memory.
//
// The allocator starts with every frame flagged as used; the boot code is
// expected to walk the memory map supplied by the bootloader and explicitly
// mark the available regions as free. Anything never marked free (device
// mappings, firmware areas, holes) stays permanently reserved.
package pmm

import (
	"unsafe"

	"github.com/kitty744/Cane/kernel"
	"github.com/kitty744/Cane/kernel/mm"
	"github.com/kitty744/Cane/kernel/sync"
)

// lowMemCutoff marks the end of the reserved low-memory region. The first
// 2M of physical memory hold the BIOS data areas, the kernel image and the
// bootstrap page tables; AllocPage never hands out frames below it even if
// they have been marked free.
const lowMemCutoff = uintptr(0x200000)

var (
	// frameAllocator is the BitmapAllocator instance that tracks the
	// entire physical memory of the machine.
	frameAllocator BitmapAllocator

	// ErrOutOfMemory is returned by AllocPage when no free frame above the
	// low-memory cutoff exists.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
)

// BitmapAllocator tracks the used/free state of physical page frames using
// one bit per frame. All mutating operations and bit scans execute under a
// spinlock; frame allocations can be triggered from interrupt context (a
// fault handler or the scheduler needing backing storage) and must be atomic
// with respect to the interrupted code.
type BitmapAllocator struct {
	lock sync.Spinlock

	// bitmap overlays the memory region supplied to Init. A set bit marks
	// the corresponding frame as used.
	bitmap []uint8

	totalPages uint64
	usedPages  uint64
}

// Init points the allocator bitmap at the already-mapped virtual address
// bitmapAddr and sizes it for memSize bytes of physical memory. Every frame
// starts flagged as used; free regions must be declared afterwards via
// MarkFree.
func (a *BitmapAllocator) Init(bitmapAddr uintptr, memSize uint64) {
	a.totalPages = memSize / uint64(mm.PageSize)
	a.usedPages = a.totalPages

	bitmapSize := (a.totalPages + 7) / 8
	a.bitmap = unsafe.Slice((*uint8)(unsafe.Pointer(bitmapAddr)), bitmapSize)

	for i := range a.bitmap {
		a.bitmap[i] = 0xFF
	}
}

// MarkFree flags the frame containing physAddr as free. Calls with an
// address beyond the tracked physical memory or an already-free frame are
// no-ops.
func (a *BitmapAllocator) MarkFree(physAddr uintptr) {
	a.lock.Acquire()

	block := uint64(physAddr) / uint64(mm.PageSize)
	if block < a.totalPages && a.bitmap[block/8]&(1<<(block%8)) != 0 {
		a.bitmap[block/8] &^= 1 << (block % 8)
		if a.usedPages > 0 {
			a.usedPages--
		}
	}

	a.lock.Release()
}

// MarkUsed flags the frame containing physAddr as used. Calls with an
// address beyond the tracked physical memory or an already-used frame are
// no-ops.
func (a *BitmapAllocator) MarkUsed(physAddr uintptr) {
	a.lock.Acquire()

	block := uint64(physAddr) / uint64(mm.PageSize)
	if block < a.totalPages && a.bitmap[block/8]&(1<<(block%8)) == 0 {
		a.bitmap[block/8] |= 1 << (block % 8)
		a.usedPages++
	}

	a.lock.Release()
}

// AllocPage reserves the first free frame above the low-memory cutoff and
// returns its physical address. It returns ErrOutOfMemory when no such frame
// exists.
func (a *BitmapAllocator) AllocPage() (uintptr, *kernel.Error) {
	a.lock.Acquire()

	for i := 0; i < len(a.bitmap); i++ {
		if a.bitmap[i] == 0xFF {
			continue
		}

		for j := uint(0); j < 8; j++ {
			if a.bitmap[i]&(1<<j) != 0 {
				continue
			}

			addr := uintptr(uint64(i)*8+uint64(j)) * mm.PageSize
			if addr < lowMemCutoff {
				continue
			}

			a.bitmap[i] |= 1 << j
			a.usedPages++

			a.lock.Release()
			return addr, nil
		}
	}

	a.lock.Release()
	return 0, ErrOutOfMemory
}

// FreePage returns the frame at physAddr to the allocator.
func (a *BitmapAllocator) FreePage(physAddr uintptr) {
	a.MarkFree(physAddr)
}

// TotalKB returns the amount of tracked physical memory in kilobytes.
func (a *BitmapAllocator) TotalKB() uint64 {
	a.lock.Acquire()
	total := a.totalPages * 4
	a.lock.Release()
	return total
}

// UsedKB returns the amount of reserved physical memory in kilobytes.
func (a *BitmapAllocator) UsedKB() uint64 {
	a.lock.Acquire()
	used := a.usedPages * 4
	a.lock.Release()
	return used
}

// FreeKB returns the amount of available physical memory in kilobytes.
func (a *BitmapAllocator) FreeKB() uint64 {
	a.lock.Acquire()
	var free uint64
	if a.totalPages > a.usedPages {
		free = (a.totalPages - a.usedPages) * 4
	}
	a.lock.Release()
	return free
}

// Init sets up the kernel physical memory allocation sub-system and registers
// it as the frame allocator used by the vmm and heap packages. The bitmap is
// placed at the (already-mapped) virtual address bitmapAddr and covers
// memSize bytes of physical memory.
func Init(bitmapAddr uintptr, memSize uint64) {
	frameAllocator.Init(bitmapAddr, memSize)

	mm.SetFrameAllocator(allocFrame)
	mm.SetFrameReleaser(releaseFrame)
}

// allocFrame adapts AllocPage to the mm frame allocator hook.
func allocFrame() (mm.Frame, *kernel.Error) {
	addr, err := frameAllocator.AllocPage()
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addr), nil
}

// releaseFrame adapts FreePage to the mm frame releaser hook.
func releaseFrame(frame mm.Frame) {
	frameAllocator.FreePage(frame.Address())
}

// MarkFree flags the frame containing physAddr as free.
func MarkFree(physAddr uintptr) { frameAllocator.MarkFree(physAddr) }

// MarkUsed flags the frame containing physAddr as used.
func MarkUsed(physAddr uintptr) { frameAllocator.MarkUsed(physAddr) }

// AllocPage reserves a free frame and returns its physical address.
func AllocPage() (uintptr, *kernel.Error) { return frameAllocator.AllocPage() }

// FreePage returns the frame at physAddr to the allocator.
func FreePage(physAddr uintptr) { frameAllocator.FreePage(physAddr) }

// TotalKB returns the amount of tracked physical memory in kilobytes.
func TotalKB() uint64 { return frameAllocator.TotalKB() }

// UsedKB returns the amount of reserved physical memory in kilobytes.
func UsedKB() uint64 { return frameAllocator.UsedKB() }

// FreeKB returns the amount of available physical memory in kilobytes.
func FreeKB() uint64 { return frameAllocator.FreeKB() }
