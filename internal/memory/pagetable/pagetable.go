// Package pagetable implements the kernel's Sv39 address-space manager
// (C3): per-process three-level page tables, mapping/unmapping of
// contiguous virtual ranges with the largest aligned leaf size available
// (1 GiB, 2 MiB, then 4 KiB), userspace pointer validation, and SATP value
// derivation. Grounded on kernel/src/memory/page_tables.rs from
// original_source/ (RootPageTableHolder / MappingEntry / PageTable) and on
// the PTE bit vocabulary in the teacher's internal/hv/riscv/rv64/mmu.go
// (SatpModeSv39, PPN width, V/R/W/X/U bits) — read here from the opposite
// side: that package emulates an Sv39 MMU from the hypervisor/M-mode side,
// this package is the S-mode kernel building the tables that MMU walks.
package pagetable

import (
	"fmt"
	"sync"

	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
	"github.com/tinyrange/rv39kernel/internal/memory/pagealloc"
)

const (
	satpModeSv39 = 8
	ppnMask      = 0xfff_ffff_ffff // 44 bits, per mmu.go's PpnBits
)

// pageTable is one level of the three-level Sv39 tree: 512 entries, one per
// VPN field.
type pageTable struct {
	entries [512]pte
}

func leafSizeForLevel(level int) uint64 {
	switch level {
	case 2:
		return 1 << 30 // 1 GiB
	case 1:
		return 1 << 21 // 2 MiB
	default:
		return page.Size // 4 KiB
	}
}

// MapError is returned by Map when the requested range cannot be mapped.
type MapError struct {
	Reason string
}

func (e *MapError) Error() string { return "pagetable: map failed: " + e.Reason }

// KernelMapping describes one identity mapping NewWithKernelMapping should
// install. The actual section boundaries (text/rodata/data/bss/heap, PLIC,
// CLINT, UART MMIO) come from the linker script and boot stub — external
// collaborators outside this package's scope — so callers supply them here.
type KernelMapping struct {
	Name  string
	Virt  addr.VirtAddr
	Phys  addr.PhysAddr
	Size  uint64
	Privs Privileges
}

// RootPageTableHolder owns one process's (or the kernel's) Sv39 page table
// tree and the bookkeeping needed to detect overlapping mappings and answer
// userspace pointer validity questions.
type RootPageTableHolder struct {
	mu sync.Mutex

	pageAlloc *pagealloc.Allocator

	root     *pageTable
	rootPhys addr.PhysAddr

	// owned holds the physical page backing every table node (root and
	// interior) allocated by this holder, so Destroy can return them to C1.
	owned []addr.PhysAddr

	mappings []mappingEntry

	activeCount int
}

func (r *RootPageTableHolder) newTable() (*pageTable, addr.PhysAddr) {
	pinned, ok := r.pageAlloc.Alloc(1)
	if !ok {
		panic("pagetable: out of physical pages for page-table allocation")
	}
	r.owned = append(r.owned, pinned.Addr())
	return &pageTable{}, pinned.Addr()
}

// NewEmpty returns an address space with no mappings at all, not even the
// kernel's own text/data — used for the few callers that build up mappings
// entirely by hand.
func NewEmpty(pageAlloc *pagealloc.Allocator) *RootPageTableHolder {
	r := &RootPageTableHolder{pageAlloc: pageAlloc}
	root, phys := r.newTable()
	r.root = root
	r.rootPhys = phys
	return r
}

// NewWithKernelMapping returns an address space with the kernel's identity
// mappings pre-installed, so the kernel keeps running across the SATP
// switch into this address space. The supplied mappings are the external,
// boot-stub-provided linker-symbol ranges (text/rodata/data/bss/heap) plus,
// optionally, device MMIO windows (PLIC/CLINT/UART/virtio).
func NewWithKernelMapping(pageAlloc *pagealloc.Allocator, mappings []KernelMapping) (*RootPageTableHolder, error) {
	r := NewEmpty(pageAlloc)
	for _, km := range mappings {
		if err := r.mapRange(km.Virt, km.Phys, km.Size, km.Privs, false, km.Name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Map maps size bytes of contiguous virtual address space starting at virt
// to size bytes of contiguous physical address space starting at phys, with
// the given permissions. Both addresses must be page-aligned and size must
// be a multiple of the page size. It chooses the largest aligned leaf size
// (1 GiB, then 2 MiB, then 4 KiB) for each step, exactly as
// RootPageTableHolder::map in page_tables.rs does.
func (r *RootPageTableHolder) Map(virt addr.VirtAddr, phys addr.PhysAddr, size uint64, privs Privileges, user bool) error {
	return r.mapRange(virt, phys, size, privs, user, "")
}

func (r *RootPageTableHolder) mapRange(virt addr.VirtAddr, phys addr.PhysAddr, size uint64, privs Privileges, user bool, name string) error {
	if size == 0 {
		return &MapError{Reason: "zero-length mapping"}
	}
	if !virt.IsPageAligned() || !phys.IsAlignedTo(page.Size) || size%page.Size != 0 {
		return &MapError{Reason: "unaligned virt/phys/size"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	end := virt.Add(size - 1)
	for _, m := range r.mappings {
		if m.touches(virt, end) {
			return &MapError{Reason: fmt.Sprintf("overlaps existing mapping %s", m.start)}
		}
	}

	v, p, remaining := virt, phys, size
	for remaining > 0 {
		level := 0
		for lvl := 2; lvl >= 0; lvl-- {
			ls := leafSizeForLevel(lvl)
			if v.IsAlignedTo(ls) && p.IsAlignedTo(ls) && remaining >= ls {
				level = lvl
				break
			}
		}
		if err := r.setLeaf(v, p, level, privs, user); err != nil {
			return err
		}
		step := leafSizeForLevel(level)
		v = v.Add(step)
		p = p.Add(step)
		remaining -= step
	}

	r.mappings = append(r.mappings, mappingEntry{start: virt, end: end, privs: privs, user: user})
	_ = name
	return nil
}

// setLeaf walks from the root down to the requested leaf level, creating
// interior tables on demand, and installs a leaf entry there.
func (r *RootPageTableHolder) setLeaf(v addr.VirtAddr, p addr.PhysAddr, leafLevel int, privs Privileges, user bool) error {
	table := r.root
	for lvl := 2; lvl > leafLevel; lvl-- {
		idx := v.Vpn(uint(lvl))
		e := &table.entries[idx]
		if !e.Valid() {
			child, _ := r.newTable()
			e.SetChild(child)
			e.SetValid(true)
		} else if e.IsLeaf() {
			return &MapError{Reason: "already mapped at a coarser granularity"}
		}
		table = e.Child()
	}
	idx := v.Vpn(uint(leafLevel))
	e := &table.entries[idx]
	if e.Valid() {
		return &MapError{Reason: "already mapped"}
	}
	e.SetLeafAddress(p)
	e.SetPrivileges(privs)
	e.SetUser(user)
	e.SetValid(true)
	return nil
}

// UnmapUserspace removes every mapping entry covering [virt, virt+size).
// Like unmap_userspace in page_tables.rs (original_source/, lines 548-552),
// it looks up the mapping entry whose start equals the address it's
// currently unwinding — via self.already_mapped.iter().position(...).
// expect(...) there — and panics if none exists, before touching that
// entry's PTEs; finding an unmapped or invalid PTE mid-walk afterward is
// likewise a structural kernel bug and panics, matching the
// assert-as-you-walk style of the same method. A single call may need to
// remove more than one mapping entry: mmapZeroBacked installs the shared
// zero page as one entry per page (the physical address doesn't advance
// between pages), so unmapping a multi-page zero-backed region walks
// entry by entry, requiring each subsequent entry to also begin exactly
// where the previous one ended.
func (r *RootPageTableHolder) UnmapUserspace(virt addr.VirtAddr, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := virt.Add(size - 1)
	v := virt
	for v <= end {
		idx := -1
		for i, m := range r.mappings {
			if m.start == v {
				idx = i
				break
			}
		}
		if idx == -1 {
			panic(fmt.Sprintf("pagetable: unmap_userspace: no mapping starts at %s", v))
		}
		entry := r.mappings[idx]
		last := len(r.mappings) - 1
		r.mappings[idx] = r.mappings[last]
		r.mappings = r.mappings[:last]

		r.clearEntryPtes(entry)
		v = entry.end.Add(1)
	}
}

// clearEntryPtes walks the leaves spanning a single mapping entry and
// invalidates them. Called only after the entry has already been removed
// from r.mappings, so a missing or non-leaf PTE found along the way can
// only mean the page table and the mapping bookkeeping have diverged — a
// structural kernel bug, not a userspace error.
func (r *RootPageTableHolder) clearEntryPtes(entry mappingEntry) {
	v := entry.start
	for v <= entry.end {
		table := r.root
		var leaf *pte
		leafSize := uint64(page.Size)
		for lvl := 2; lvl >= 0; lvl-- {
			vpn := v.Vpn(uint(lvl))
			e := &table.entries[vpn]
			if !e.Valid() {
				panic(fmt.Sprintf("pagetable: unmap of unmapped address %s", v))
			}
			if e.IsLeaf() {
				leaf = e
				leafSize = leafSizeForLevel(lvl)
				break
			}
			table = e.Child()
		}
		leaf.SetValid(false)
		leaf.SetLeafAddress(0)
		leaf.SetPrivileges(PrivNone)
		v = v.Add(leafSize)
	}
}

// IsUserspaceAddress reports whether v is currently mapped valid and
// user-accessible in this address space, matching is_userspace_address in
// page_tables.rs: userspace-ness is a property of the live mapping (the
// user bit on its PTE), not a static split of the address space, since
// this kernel maps its own identity range at low addresses alongside user
// code and places the user stack near the top of the 64-bit range.
func (r *RootPageTableHolder) IsUserspaceAddress(v addr.VirtAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _, user, ok := r.translateLocked(v)
	return ok && user
}

// Translate walks the page table for vaddr and returns the physical address
// it maps to along with its permissions, or ok=false if vaddr is unmapped.
func (r *RootPageTableHolder) Translate(v addr.VirtAddr) (phys addr.PhysAddr, privs Privileges, user bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.translateLocked(v)
}

func (r *RootPageTableHolder) translateLocked(v addr.VirtAddr) (addr.PhysAddr, Privileges, bool, bool) {
	table := r.root
	for lvl := 2; lvl >= 0; lvl-- {
		idx := v.Vpn(uint(lvl))
		e := &table.entries[idx]
		if !e.Valid() {
			return 0, PrivNone, false, false
		}
		if e.IsLeaf() {
			ls := leafSizeForLevel(lvl)
			offset := v.Uint64() & (ls - 1)
			return e.LeafAddress().Add(offset), e.Privileges(), e.User(), true
		}
		table = e.Child()
	}
	return 0, PrivNone, false, false
}

// IsValidUserspaceFatPtr reports whether every page spanning [start,
// start+length) is valid, user-accessible, and (if needWrite) writable —
// the check the native and Linux syscall ABIs run before dereferencing any
// userspace buffer, mirroring is_valid_userspace_fat_ptr in
// page_tables.rs.
func (r *RootPageTableHolder) IsValidUserspaceFatPtr(start addr.VirtAddr, length uint64, needWrite bool) bool {
	if length == 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	end := start.Add(length - 1)
	first := addr.NewVirtAddr(start.Uint64() &^ (page.Size - 1))
	for v := first; v <= end; v = v.Add(page.Size) {
		_, privs, user, ok := r.translateLocked(v)
		if !ok || !user {
			return false
		}
		if needWrite {
			if !privs.Writable() {
				return false
			}
		} else if !privs.Readable() {
			return false
		}
	}
	return true
}

// GetSatpValue returns the value to write to satp to activate this address
// space: mode Sv39 (8) in the top 4 bits, root table PPN in the low 44
// bits, per get_satp_value_from_page_tables in page_tables.rs.
func (r *RootPageTableHolder) GetSatpValue() uint64 {
	return (uint64(satpModeSv39) << 60) | (r.rootPhys.PageNumber() & ppnMask)
}

// Activate marks this address space as currently installed on some hart's
// satp. Destroy refuses to run while activeCount > 0.
func (r *RootPageTableHolder) Activate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeCount++
}

// Deactivate undoes a prior Activate.
func (r *RootPageTableHolder) Deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeCount == 0 {
		panic("pagetable: Deactivate without matching Activate")
	}
	r.activeCount--
}

// Destroy returns every page-table page owned by this holder to the
// physical page allocator. It panics if the holder is still active on any
// hart — tearing down a live address space is a kernel bug.
func (r *RootPageTableHolder) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeCount != 0 {
		panic("pagetable: Destroy of an active address space")
	}
	for _, phys := range r.owned {
		r.pageAlloc.Dealloc(phys, 1)
	}
	r.owned = nil
	r.root = nil
}
