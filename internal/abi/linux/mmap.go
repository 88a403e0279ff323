package linux

import (
	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
	"github.com/tinyrange/rv39kernel/internal/memory/pagetable"
	"golang.org/x/sys/unix"
)

// sysMmap implements mmap (spec.md §4.10): only MAP_ANONYMOUS|MAP_PRIVATE,
// optionally MAP_FIXED; fd must be -1, offset 0, length a page multiple.
func (d *Dispatcher) sysMmap(c *call) int64 {
	hint, length, prot, flags := c.args[0], c.args[1], c.args[2], c.args[3]
	fdArg, offset := int64(c.args[4]), c.args[5]

	if fdArg != -1 || offset != 0 || length == 0 || length%addr.PageSize != 0 {
		return errno.EINVAL.Negated()
	}
	if flags&unix.MAP_ANONYMOUS == 0 || flags&unix.MAP_PRIVATE == 0 {
		return errno.EINVAL.Negated()
	}
	fixed := flags&unix.MAP_FIXED != 0
	if fixed && (hint == 0 || hint%addr.PageSize != 0) {
		return errno.EINVAL.Negated()
	}

	pageCount := length / addr.PageSize

	var base addr.VirtAddr
	if fixed {
		base = addr.NewVirtAddr(hint)
	} else {
		base = c.proc.ReserveMmapAddress(length)
	}

	if prot == unix.PROT_NONE {
		return d.mmapZeroBacked(c, base, pageCount, length, fixed)
	}

	privs, err := protToPrivileges(prot)
	if err != nil {
		return errno.EINVAL.Negated()
	}

	pages, ok := d.pageAlloc.Alloc(int(pageCount))
	if !ok {
		return errno.ENOMEM.Negated()
	}
	if mapErr := c.pt.Map(base, pages.Addr(), length, privs, true); mapErr != nil {
		d.pageAlloc.Dealloc(pages.Addr(), int(pageCount))
		if fixed {
			return errno.EEXIST.Negated()
		}
		return errno.EINVAL.Negated()
	}
	c.proc.RecordMmap(base, pages, false)
	return int64(base.Uint64())
}

// mmapZeroBacked maps pageCount pages starting at base onto the kernel's
// shared zero page, read-only, one leaf PTE per page (the zero page isn't
// physically contiguous with itself, so pagetable.Map's single-call,
// advancing-physical-address walk doesn't apply here).
func (d *Dispatcher) mmapZeroBacked(c *call, base addr.VirtAddr, pageCount, length uint64, fixed bool) int64 {
	if !d.zeroPage.ok {
		return errno.ENOMEM.Negated()
	}
	mapped := uint64(0)
	for i := uint64(0); i < pageCount; i++ {
		v := base.Add(i * addr.PageSize)
		if err := c.pt.Map(v, d.zeroPage.addr, addr.PageSize, pagetable.PrivReadOnly, true); err != nil {
			// Roll back whatever this call already installed.
			if mapped > 0 {
				c.pt.UnmapUserspace(base, mapped*addr.PageSize)
			}
			if fixed {
				return errno.EEXIST.Negated()
			}
			return errno.EINVAL.Negated()
		}
		mapped++
	}
	c.proc.RecordMmap(base, page.NewPinnedHeapPages(d.zeroPage.addr, make([]byte, length)), true)
	return int64(base.Uint64())
}

// sysMunmap implements munmap: it unmaps the PTEs mmap installed at addr
// and, unless the region was the shared zero page, returns its backing
// pages to the physical allocator.
func (d *Dispatcher) sysMunmap(c *call) int64 {
	base := addr.NewVirtAddr(c.args[0])
	length := c.args[1]
	if length == 0 || length%addr.PageSize != 0 {
		return errno.EINVAL.Negated()
	}

	pages, shared, err := c.proc.Munmap(base, length)
	if err != nil {
		return asErrno(err)
	}
	c.pt.UnmapUserspace(base, length)
	if !shared {
		d.pageAlloc.Dealloc(pages.Addr(), int(length/addr.PageSize))
	}
	return 0
}

// protToPrivileges maps a non-PROT_NONE prot value onto the page table's
// leaf-permission encoding, per spec.md §4.10 ("Other prot values translate
// to {R, RX, RW, X}"). A request combining all three (R|W|X) is permitted
// in full rather than silently dropping X, since the page table already has
// a PrivReadWriteExecute encoding for it; a bare PROT_WRITE (write without
// read) collapses to PrivReadWrite, since the XWR encoding has no
// write-only leaf state — an Open Question the source leaves unresolved,
// decided here in DESIGN.md.
func protToPrivileges(prot uint64) (pagetable.Privileges, error) {
	r := prot&unix.PROT_READ != 0
	w := prot&unix.PROT_WRITE != 0
	x := prot&unix.PROT_EXEC != 0
	switch {
	case (r && w && x) || (w && x):
		return pagetable.PrivReadWriteExecute, nil
	case r && x:
		return pagetable.PrivReadExecute, nil
	case r && w:
		return pagetable.PrivReadWrite, nil
	case r:
		return pagetable.PrivReadOnly, nil
	case w:
		return pagetable.PrivReadWrite, nil
	case x:
		return pagetable.PrivExecute, nil
	default:
		return 0, errno.EINVAL
	}
}
