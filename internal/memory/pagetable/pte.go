package pagetable

import "github.com/tinyrange/rv39kernel/internal/memory/addr"

// Privileges is the XWR encoding a leaf PTE carries. The zero value,
// PrivNone, marks a non-leaf (interior) entry: spec.md §3 "leaf vs interior
// is determined by R/W/X != 000".
type Privileges int

const (
	PrivNone Privileges = iota
	PrivReadOnly
	PrivReadWrite
	PrivExecute
	PrivReadExecute
	PrivReadWriteExecute
)

func (p Privileges) String() string {
	switch p {
	case PrivNone:
		return "---"
	case PrivReadOnly:
		return "R--"
	case PrivReadWrite:
		return "RW-"
	case PrivExecute:
		return "--X"
	case PrivReadExecute:
		return "R-X"
	case PrivReadWriteExecute:
		return "RWX"
	default:
		return "???"
	}
}

// Writable reports whether the W bit is set.
func (p Privileges) Writable() bool { return p == PrivReadWrite || p == PrivReadWriteExecute }

// Readable reports whether the R bit is set.
func (p Privileges) Readable() bool {
	return p == PrivReadOnly || p == PrivReadWrite || p == PrivReadExecute || p == PrivReadWriteExecute
}

// Executable reports whether the X bit is set.
func (p Privileges) Executable() bool {
	return p == PrivExecute || p == PrivReadExecute || p == PrivReadWriteExecute
}

// pte is the kernel's in-memory page table entry. This is the Go adaptation
// called for by spec.md §9's "replace manual pointer arithmetic on
// page-table entries with a tagged record of (valid, user, perms,
// leaf-ppn OR child-ptr)" — rather than hand-packing a 64-bit word, validity,
// permissions, and the leaf-address-or-child-pointer union are held as
// independent, independently-settable fields, satisfying the PTE roundtrip
// property of spec.md §8 by construction.
type pte struct {
	valid bool
	user  bool
	privs Privileges
	child *pageTable     // set when non-leaf
	leaf  addr.PhysAddr  // set when leaf
}

func (e *pte) Valid() bool { return e.valid }

func (e *pte) SetValid(v bool) { e.valid = v }

func (e *pte) User() bool { return e.user }

func (e *pte) SetUser(v bool) { e.user = v }

// IsLeaf reports whether this entry's privileges make it a leaf (R, W, or X
// set), matching spec.md §3's "leaf vs interior is determined by R/W/X != 0".
func (e *pte) IsLeaf() bool { return e.privs != PrivNone }

func (e *pte) Privileges() Privileges { return e.privs }

func (e *pte) SetPrivileges(p Privileges) { e.privs = p }

// LeafAddress returns the physical page this leaf PTE maps.
func (e *pte) LeafAddress() addr.PhysAddr { return e.leaf }

// SetLeafAddress marks the entry as a leaf pointing at pa. Permissions must
// be set separately via SetPrivileges.
func (e *pte) SetLeafAddress(pa addr.PhysAddr) {
	e.child = nil
	e.leaf = pa
}

// Child returns the next-level table for a non-leaf entry, or nil.
func (e *pte) Child() *pageTable { return e.child }

// SetChild marks the entry as non-leaf, pointing at the given table.
func (e *pte) SetChild(t *pageTable) {
	e.leaf = 0
	e.privs = PrivNone
	e.child = t
}
