// Package page defines the kernel's page-granularity memory primitives.
package page

import "github.com/tinyrange/rv39kernel/internal/memory/addr"

// Size is the byte size of one page.
const Size = addr.PageSize

// Page is a 4096-byte aligned block of raw bytes.
type Page [Size]byte

// Zero clears the page.
func (p *Page) Zero() {
	for i := range p {
		p[i] = 0
	}
}

// PinnedHeapPages is an owned, contiguous run of pages whose physical
// address is stable for its lifetime. It never moves or is reclaimed by a
// moving GC because it is backed by a pinned byte slice allocated once and
// referenced by physical "address" (an index into the backing arena, in this
// simulation) for the whole lifetime of the owner.
type PinnedHeapPages struct {
	base  addr.PhysAddr
	bytes []byte
}

// NewPinnedHeapPages wraps an already-allocated, page-aligned byte range
// (typically returned by the physical page allocator) as an owned resource.
func NewPinnedHeapPages(base addr.PhysAddr, bytes []byte) *PinnedHeapPages {
	return &PinnedHeapPages{base: base, bytes: bytes}
}

// Addr returns the physical base address of the run.
func (h *PinnedHeapPages) Addr() addr.PhysAddr { return h.base }

// Size returns the number of bytes owned.
func (h *PinnedHeapPages) Size() int { return len(h.bytes) }

// Bytes returns the backing slice. Callers must not retain it past the
// owner's lifetime.
func (h *PinnedHeapPages) Bytes() []byte { return h.bytes }
