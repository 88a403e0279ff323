// Package pagealloc implements the kernel's physical page allocator (C1): a
// bitmap-backed free-list handing out page-aligned frames from a
// kernel-owned arena. Grounded on the bump/bitmap style used throughout the
// teacher's internal/hv/riscv/rv64 package for RAM-backed device memory, and
// on kernel/src/memory/page.rs's "heap_start..heap_end carved out by the
// linker" framing from original_source/.
package pagealloc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
)

// Allocator hands out page-aligned contiguous physical frames from
// [start, start+len(arena)) at page granularity.
type Allocator struct {
	mu     sync.Mutex
	start  addr.PhysAddr
	arena  []byte
	used   []bool // one entry per page
	logger *slog.Logger
}

// New creates an allocator owning the given backing arena, whose physical
// base address is start. len(arena) must be a multiple of page.Size.
func New(start addr.PhysAddr, arena []byte, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	if len(arena)%page.Size != 0 {
		panic("pagealloc: arena size is not page-aligned")
	}
	return &Allocator{
		start:  start,
		arena:  arena,
		used:   make([]bool, len(arena)/page.Size),
		logger: logger,
	}
}

// TotalPages returns the number of pages owned by the arena.
func (a *Allocator) TotalPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// FreePages returns the number of currently unallocated pages.
func (a *Allocator) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := 0
	for _, u := range a.used {
		if !u {
			free++
		}
	}
	return free
}

// Alloc finds n contiguous free pages (first-fit), marks them used, and
// returns the backing PinnedHeapPages. It reports ok=false instead of
// panicking when the arena is exhausted or fragmented — allocation failure
// is never fatal to the caller (spec.md §4.1).
func (a *Allocator) Alloc(n int) (pages *page.PinnedHeapPages, ok bool) {
	if n <= 0 {
		panic("pagealloc: Alloc requires n > 0")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	run := 0
	for i := 0; i <= len(a.used)-n; {
		if a.used[i] {
			i++
			continue
		}
		run = 0
		j := i
		for j < len(a.used) && !a.used[j] && run < n {
			run++
			j++
		}
		if run == n {
			for k := i; k < i+n; k++ {
				a.used[k] = true
			}
			base := a.start.Add(uint64(i) * page.Size)
			bytes := a.arena[i*page.Size : (i+n)*page.Size]
			a.logger.Debug("pagealloc: allocated", "pages", n, "base", base)
			return page.NewPinnedHeapPages(base, bytes), true
		}
		i = j + 1
	}
	a.logger.Warn("pagealloc: out of memory", "requested_pages", n)
	return nil, false
}

// Bytes returns the backing slice for the length bytes of physical memory
// starting at phys, letting a caller holding only a PhysAddr (e.g. one
// obtained by walking a page table) reach the actual storage it names. It
// panics if the range falls outside the arena — callers are expected to have
// validated the address against a page table first.
func (a *Allocator) Bytes(phys addr.PhysAddr, length uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(phys) < uint64(a.start) {
		panic(fmt.Sprintf("pagealloc: address %s below arena base %s", phys, a.start))
	}
	offset := uint64(phys) - uint64(a.start)
	if offset+length > uint64(len(a.arena)) {
		panic(fmt.Sprintf("pagealloc: range [%s, %+d) exceeds arena", phys, length))
	}
	return a.arena[offset : offset+length]
}

// Dealloc frees the n-page run starting at start, returning n. It panics if
// the run falls outside the arena or any page in it is not currently
// allocated — a kernel bug, not a userspace-triggerable condition. It does
// not check that start is where an earlier Alloc began.
func (a *Allocator) Dealloc(start addr.PhysAddr, n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(start) < uint64(a.start) {
		panic(fmt.Sprintf("pagealloc: Dealloc address %s below arena base %s", start, a.start))
	}
	offsetPages := (uint64(start) - uint64(a.start)) / page.Size
	if offsetPages+uint64(n) > uint64(len(a.used)) {
		panic("pagealloc: Dealloc range exceeds arena")
	}
	for i := offsetPages; i < offsetPages+uint64(n); i++ {
		if !a.used[i] {
			panic(fmt.Sprintf("pagealloc: double free at page %d", i))
		}
		a.used[i] = false
	}
	a.logger.Debug("pagealloc: freed", "pages", n, "base", start)
	return n
}
