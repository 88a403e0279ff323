// Package heap implements the kernel's free-list heap allocator (C2),
// layered above the physical page allocator (C1). Allocations at or above a
// page, or page-aligned, bypass the free list entirely and go straight to
// the page allocator; everything else is served from a singly linked,
// first-fit free list with a 16-byte header, mirroring
// kernel/src/memory/heap.rs from original_source/ and the "single mutex,
// null on failure" discipline spec.md §4.2 specifies.
package heap

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
	"github.com/tinyrange/rv39kernel/internal/memory/pagealloc"
)

// block is the 16-byte free-list node: a next pointer (valid only while the
// block is free) and the block's usable size, including this header.
type block struct {
	next *block
	size uintptr
}

const headerSize = unsafe.Sizeof(block{})

// minBlock is the smallest block the free list will track; remainders of a
// split smaller than this are not reinserted (they are wasted as padding
// inside the surviving allocation instead, per spec.md §4.2).
const minBlock = headerSize

// Allocator is the free-list heap allocator.
type Allocator struct {
	mu    sync.Mutex
	pages *pagealloc.Allocator

	arena     []byte
	arenaBase uintptr

	freeHead *block

	allocatedMemory uint64

	bigAllocs map[uintptr]int // base -> page count, for allocations routed to C1

	logger *slog.Logger
}

// New creates a heap allocator that reserves all of pages up front as its
// managed arena (real kernels grow this on demand; this kernel's heap region
// is a fixed size carved out by the linker per spec.md §3).
func New(pages *pagealloc.Allocator, reservePages int, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	pinned, ok := pages.Alloc(reservePages)
	if !ok {
		panic("heap: failed to reserve initial arena from page allocator")
	}
	arena := pinned.Bytes()
	a := &Allocator{
		pages:     pages,
		arena:     arena,
		arenaBase: uintptr(unsafe.Pointer(&arena[0])),
		bigAllocs: make(map[uintptr]int),
		logger:    logger,
	}
	a.pushFree(a.blockAt(0), uintptr(len(arena)))
	return a
}

// AllocatedMemory returns the number of bytes currently attributed to live
// small (free-list-served) allocations, for diagnostics (spec.md §8 heap
// roundtrip property).
func (a *Allocator) AllocatedMemory() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocatedMemory
}

func (a *Allocator) blockAt(offset uintptr) *block {
	return (*block)(unsafe.Pointer(a.arenaBase + offset))
}

func (a *Allocator) offsetOf(b *block) uintptr {
	return uintptr(unsafe.Pointer(b)) - a.arenaBase
}

func (a *Allocator) pushFree(b *block, size uintptr) {
	b.size = size
	b.next = a.freeHead
	a.freeHead = b
}

// Alloc returns a pointer to size bytes, or nil on allocation failure.
// align must be a power of two. Requests of page.Size or more, or with align
// equal to page.Size, come back page-aligned; every other request is aligned
// only to the machine word, whatever align asks for.
func (a *Allocator) Alloc(size, align uintptr) unsafe.Pointer {
	if size == 0 {
		size = 1
	}
	if size >= page.Size || align == page.Size {
		return a.allocLarge(size)
	}

	want := addr.AlignUp(uint64(size), uint64(unsafe.Alignof(uintptr(0))))
	if want < uint64(minBlock) {
		want = uint64(minBlock)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var prev *block
	cur := a.freeHead
	for cur != nil {
		if uintptr(want) <= cur.size {
			// Remove from the free list.
			if prev == nil {
				a.freeHead = cur.next
			} else {
				prev.next = cur.next
			}
			remainder := cur.size - uintptr(want)
			if remainder >= minBlock {
				split := a.blockAt(a.offsetOf(cur) + uintptr(want))
				a.pushFree(split, remainder)
			}
			a.allocatedMemory += want
			base := unsafe.Pointer(cur)
			a.logger.Debug("heap: alloc", "size", want, "align", align)
			return base
		}
		prev = cur
		cur = cur.next
	}
	a.logger.Warn("heap: out of memory", "size", want)
	return nil
}

func (a *Allocator) allocLarge(size uintptr) unsafe.Pointer {
	n := int(addr.AlignUp(uint64(size), page.Size) / page.Size)
	pinned, ok := a.pages.Alloc(n)
	if !ok {
		return nil
	}
	base := uintptr(unsafe.Pointer(&pinned.Bytes()[0]))
	a.mu.Lock()
	a.bigAllocs[base] = n
	a.mu.Unlock()
	return unsafe.Pointer(base)
}

// Dealloc frees a pointer previously returned by Alloc. size/align must
// match the original request; double-free and use-after-free are, per
// spec.md §8, not supported and have no contract.
func (a *Allocator) Dealloc(ptr unsafe.Pointer, size, align uintptr) {
	if ptr == nil {
		return
	}
	if size >= page.Size || align == page.Size {
		a.mu.Lock()
		n, ok := a.bigAllocs[uintptr(ptr)]
		if ok {
			delete(a.bigAllocs, uintptr(ptr))
		}
		a.mu.Unlock()
		if !ok {
			panic("heap: Dealloc of unknown large allocation")
		}
		a.pages.Dealloc(addr.PhysAddr(uintptr(ptr)), n)
		return
	}

	want := addr.AlignUp(uint64(size), uint64(unsafe.Alignof(uintptr(0))))
	if want < uint64(minBlock) {
		want = uint64(minBlock)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	b := (*block)(ptr)
	a.pushFree(b, uintptr(want))
	a.allocatedMemory -= want
	a.logger.Debug("heap: dealloc", "size", want)
}
