// Package kheap implements the kernel heap: a free-list allocator that
// serves arbitrary-size allocations out of page-granular regions obtained
// from the vmm. Task control blocks and task stacks live here.
package kheap

import (
	"unsafe"

	"github.com/kitty744/Cane/kernel"
	"github.com/kitty744/Cane/kernel/mm"
	"github.com/kitty744/Cane/kernel/mm/vmm"
	"github.com/kitty744/Cane/kernel/sync"
)

const (
	// minAlign is the alignment of every pointer returned by Alloc and
	// the minimum payload size of a block.
	minAlign = uintptr(16)

	// headerSize is the in-band bookkeeping overhead of every block.
	headerSize = unsafe.Sizeof(blockHeader{})

	// minGrowPages is the minimum number of pages requested from the vmm
	// when the free list cannot satisfy an allocation.
	minGrowPages = 4
)

var (
	// vmmAllocFn is used by tests to mock calls to the vmm package and is
	// automatically inlined by the compiler.
	vmmAllocFn = vmm.Alloc

	// kernelHeap is the heap instance backing Alloc and Free.
	kernelHeap heap

	errCorruptedFreeList = &kernel.Error{Module: "kheap", Message: "grown free list cannot satisfy the allocation"}
)

// blockHeader precedes every heap block. size is the payload size in bytes;
// next links free blocks in ascending address order and is only meaningful
// while the block sits on the free list.
type blockHeader struct {
	size uintptr
	next uintptr
}

// heap tracks the free list of an allocator instance. Blocks are kept sorted
// by address so adjacent free blocks can be coalesced on free.
type heap struct {
	lock sync.Spinlock

	// head is the address of the first free block header or 0 when the
	// free list is empty.
	head uintptr
}

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func align(size uintptr) uintptr {
	return (size + minAlign - 1) &^ (minAlign - 1)
}

// alloc returns the address of a payload region of at least size bytes.
func (h *heap) alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		size = minAlign
	}
	size = align(size)

	h.lock.Acquire()
	defer h.lock.Release()

	// A failed first fit grows the pool and rescans; the grown pool is
	// guaranteed to hold a block large enough for size.
	for attempt := 0; attempt < 2; attempt++ {
		var prev uintptr
		for cur := h.head; cur != 0; cur = headerAt(cur).next {
			hdr := headerAt(cur)
			if hdr.size >= size {
				h.carve(prev, cur, size)
				return cur + headerSize, nil
			}
			prev = cur
		}

		if err := h.grow(size); err != nil {
			return 0, err
		}
	}

	// not reached: the second pass always finds the grown block
	return 0, errCorruptedFreeList
}

// carve removes the block at cur from the free list, splitting off the
// remainder as a new free block when it is large enough to be useful.
func (h *heap) carve(prev, cur uintptr, size uintptr) {
	hdr := headerAt(cur)

	if hdr.size >= size+headerSize+minAlign {
		splitAddr := cur + headerSize + size
		splitHdr := headerAt(splitAddr)
		splitHdr.size = hdr.size - size - headerSize
		splitHdr.next = hdr.next
		hdr.size = size
		h.setLink(prev, splitAddr)
	} else {
		h.setLink(prev, hdr.next)
	}

	hdr.next = 0
}

func (h *heap) setLink(prev, next uintptr) {
	if prev == 0 {
		h.head = next
	} else {
		headerAt(prev).next = next
	}
}

// grow requests enough whole pages from the vmm to satisfy an allocation of
// size bytes and seeds the free list with the new region. Callers must hold
// the heap lock.
func (h *heap) grow(size uintptr) *kernel.Error {
	pageCount := int((size + headerSize + mm.PageSize - 1) >> mm.PageShift)
	if pageCount < minGrowPages {
		pageCount = minGrowPages
	}

	region, err := vmmAllocFn(pageCount, vmm.FlagPresent|vmm.FlagRW)
	if err != nil {
		return err
	}

	hdr := headerAt(region)
	hdr.size = uintptr(pageCount)<<mm.PageShift - headerSize
	hdr.next = 0
	h.freeBlock(region)

	return nil
}

// freeBlock links the block whose header lives at blockAddr into the free
// list, coalescing it with adjacent free blocks. Callers must hold the heap
// lock.
func (h *heap) freeBlock(blockAddr uintptr) {
	hdr := headerAt(blockAddr)

	var prev uintptr
	cur := h.head
	for cur != 0 && cur < blockAddr {
		prev = cur
		cur = headerAt(cur).next
	}

	hdr.next = cur
	h.setLink(prev, blockAddr)

	// Coalesce with the successor when the two regions touch
	if cur != 0 && blockAddr+headerSize+hdr.size == cur {
		hdr.size += headerSize + headerAt(cur).size
		hdr.next = headerAt(cur).next
	}

	// Coalesce with the predecessor
	if prev != 0 {
		prevHdr := headerAt(prev)
		if prev+headerSize+prevHdr.size == blockAddr {
			prevHdr.size += headerSize + hdr.size
			prevHdr.next = hdr.next
		}
	}
}

func (h *heap) free(addr uintptr) {
	if addr == 0 {
		return
	}

	h.lock.Acquire()
	h.freeBlock(addr - headerSize)
	h.lock.Release()
}

// Init seeds the kernel heap with its initial pool. It must be invoked after
// vmm.Init and before the first call to Alloc.
func Init() *kernel.Error {
	kernelHeap.lock.Acquire()
	defer kernelHeap.lock.Release()

	kernelHeap.head = 0
	return kernelHeap.grow(0)
}

// Alloc returns the address of a 16-byte aligned region of at least size
// bytes. When the current pool is exhausted the heap transparently grows by
// whole pages obtained from the vmm; Alloc fails only when physical memory
// itself is exhausted.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	return kernelHeap.alloc(size)
}

// Free returns the region at addr to the heap. Passing 0 is a no-op. The
// region must have been obtained from Alloc and not freed since; double
// frees are not detected.
func Free(addr uintptr) {
	kernelHeap.free(addr)
}
