package linux

import (
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/pagealloc"
)

// zeroPage is the kernel's singleton physical zero page, backing every
// PROT_NONE mmap (spec.md §4.10: "PROT_NONE creates a read-only mapping
// backed by the zero page"). It is allocated once and never returned to
// the page allocator; every PROT_NONE mapping, however large, maps each of
// its virtual pages onto this same physical frame read-only, so no
// userspace write can ever observe anything but zeros and no physical
// memory is wasted backing unreadable/unwritable reservations.
type zeroPage struct {
	addr addr.PhysAddr
	ok   bool
}

func newZeroPage(alloc *pagealloc.Allocator) *zeroPage {
	pages, ok := alloc.Alloc(1)
	if !ok {
		return &zeroPage{ok: false}
	}
	for i := range pages.Bytes() {
		pages.Bytes()[i] = 0
	}
	return &zeroPage{addr: pages.Addr(), ok: true}
}
