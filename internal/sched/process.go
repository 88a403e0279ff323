package sched

import (
	"fmt"
	"sync"

	"github.com/tinyrange/rv39kernel/internal/config"
	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/fd"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
	"github.com/tinyrange/rv39kernel/internal/memory/pagetable"
)

// Process owns an address space, a file-descriptor table, and (via strong
// references) every thread currently belonging to it. Mirrors Process in
// kernel/src/processes/process.rs (original_source/).
type Process struct {
	mu sync.Mutex

	Pid       uint64
	Name      string
	ParentTid uint64
	PageTable *pagetable.RootPageTableHolder
	FdTable   *fd.Table
	MainTid   uint64
	Brk       addr.VirtAddr
	brkLimit  addr.VirtAddr // end of the fixed, pre-mapped brk region

	// AllocatedPages backs this process's stack, PT_LOAD segments, and brk
	// region (package loader's Loaded.AllocatedPages). Set once at process
	// creation and never mutated afterward, so reading it needs no lock.
	// Mirrors allocated_pages in kernel/src/processes/process.rs
	// (original_source/), which Drop for Process walks to reclaim physical
	// pages; here ProcessTable.Kill walks it the same way instead of relying
	// on a destructor.
	AllocatedPages []*page.PinnedHeapPages

	threads map[uint64]*Thread

	// mmapAllocations tracks every anonymous mapping's backing pages, keyed
	// by its base virtual address, so munmap can release exactly what mmap
	// handed out.
	mmapAllocations map[uint64]mmapRegion
	freeMmapCursor  uint64
}

// mmapRegion is one entry in Process.mmapAllocations. shared marks a
// region backed by the kernel's singleton zero page (PROT_NONE mmaps,
// spec.md §4.10): munmap must unmap its PTEs but must never hand the
// shared zero page back to the physical page allocator.
type mmapRegion struct {
	pages  *page.PinnedHeapPages
	shared bool
}

// newProcess constructs a Process around an already-built address space
// (produced by the ELF loader, package loader) with brk seeded at
// brkStart..brkStart+4 pages, per spec.md §4.10's brk semantics.
// allocatedPages is Loaded.AllocatedPages: the stack/segment/brk pages the
// loader allocated, kept for ProcessTable.Kill to release on exit.
func newProcess(pid uint64, name string, pt *pagetable.RootPageTableHolder, fdt *fd.Table, brkStart addr.VirtAddr, parentTid uint64, allocatedPages []*page.PinnedHeapPages) *Process {
	return &Process{
		Pid:             pid,
		Name:            name,
		ParentTid:       parentTid,
		PageTable:       pt,
		FdTable:         fdt,
		MainTid:         pid,
		Brk:             brkStart,
		brkLimit:        brkStart.Add(config.BrkRegionPages * page.Size),
		AllocatedPages:  allocatedPages,
		threads:         make(map[uint64]*Thread),
		mmapAllocations: make(map[uint64]mmapRegion),
		freeMmapCursor:  config.FreeMmapStartAddress,
	}
}

// AdjustBrk implements the brk syscall: grows or shrinks the brk pointer
// within the pre-mapped region, returning the (possibly unchanged) current
// value if the request falls outside [brkStart, brkLimit).
func (p *Process) AdjustBrk(requested addr.VirtAddr) addr.VirtAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if requested < p.brkLimit-addr.VirtAddr(config.BrkRegionPages*page.Size) || requested >= p.brkLimit {
		return p.Brk
	}
	p.Brk = requested
	return p.Brk
}

// ReserveMmapAddress hands out the next cursor position for an anonymous
// mapping of the given size and advances the cursor, mirroring
// free_mmap_address in process.rs: a fixed-start, monotonically increasing
// allocator with no reuse of freed ranges.
func (p *Process) ReserveMmapAddress(size uint64) addr.VirtAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.freeMmapCursor
	p.freeMmapCursor += size
	return addr.NewVirtAddr(v)
}

// RecordMmap remembers the backing pages for an mmap'd range so Munmap can
// later release them. shared marks a region backed by the shared zero page
// (see mmapRegion).
func (p *Process) RecordMmap(base addr.VirtAddr, pages *page.PinnedHeapPages, shared bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mmapAllocations[base.Uint64()] = mmapRegion{pages: pages, shared: shared}
}

// Munmap removes a mapping previously installed by mmap at base, returning
// its backing pages (for the caller to unmap and, unless shared, return to
// the physical page allocator) or EINVAL if no mapping starts at base, or
// if length does not match the recorded allocation's length — in which
// case the entry is left untouched, matching
// munmap_wrong_length_returns_einval in process.rs ("state is unchanged on
// failure").
func (p *Process) Munmap(base addr.VirtAddr, length uint64) (pages *page.PinnedHeapPages, shared bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	region, ok := p.mmapAllocations[base.Uint64()]
	if !ok {
		return nil, false, errno.EINVAL
	}
	if uint64(region.pages.Size()) != length {
		return nil, false, errno.EINVAL
	}
	delete(p.mmapAllocations, base.Uint64())
	return region.pages, region.shared, nil
}

// DrainMmapAllocations removes and returns every still-recorded mmap
// region, for ProcessTable.Kill to release their backing pages (other than
// those marked shared, which back the kernel's singleton zero page and must
// never be returned to the physical allocator).
func (p *Process) DrainMmapAllocations() []mmapRegion {
	p.mu.Lock()
	defer p.mu.Unlock()
	regions := make([]mmapRegion, 0, len(p.mmapAllocations))
	for _, r := range p.mmapAllocations {
		regions = append(regions, r)
	}
	p.mmapAllocations = make(map[uint64]mmapRegion)
	return regions
}

// addThread registers t as belonging to this process (strong reference).
func (p *Process) addThread(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[t.Tid] = t
}

// ThreadCount reports how many threads currently belong to this process.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

func (p *Process) String() string {
	return fmt.Sprintf("Process{pid=%d name=%q brk=%s threads=%d}", p.Pid, p.Name, p.Brk, len(p.threads))
}
