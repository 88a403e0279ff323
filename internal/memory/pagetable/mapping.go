package pagetable

import "github.com/tinyrange/rv39kernel/internal/memory/addr"

// mappingEntry records one caller-visible virtual range carved out of an
// address space, for overlap detection and bookkeeping. Kept as a plain
// slice scanned linearly rather than a sorted structure, mirroring
// already_mapped in kernel/src/processes/process.rs (original_source/),
// which is itself a Vec walked with swap_remove — mapping counts per process
// are small enough that this is simpler than keeping an ordered tree in
// sync.
type mappingEntry struct {
	start addr.VirtAddr
	end   addr.VirtAddr // inclusive
	privs Privileges
	user  bool
}

// touches reports whether two ranges share any address, using the inclusive
// endpoint test from MappingEntry::contains in
// kernel/src/memory/page_tables.rs: self.start <= other.end && other.start
// <= self.end.
func (m mappingEntry) touches(start, end addr.VirtAddr) bool {
	return m.start <= end && start <= m.end
}
