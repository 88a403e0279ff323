package pagetable

import (
	"testing"

	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
	"github.com/tinyrange/rv39kernel/internal/memory/pagealloc"
)

func newTestAllocator(t *testing.T, pages int) *pagealloc.Allocator {
	t.Helper()
	arena := make([]byte, pages*page.Size)
	return pagealloc.New(addr.NewPhysAddr(0x8000_0000), arena, nil)
}

func TestMapTranslateRoundtrip(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)

	v := addr.NewVirtAddr(0x1000)
	p := addr.NewPhysAddr(0x8000_1000)
	if err := rpt.Map(v, p, page.Size, PrivReadWrite, true); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, privs, user, ok := rpt.Translate(v.Add(0x10))
	if !ok {
		t.Fatal("Translate: expected mapped")
	}
	if got != p.Add(0x10) {
		t.Errorf("Translate address = %s, want %s", got, p.Add(0x10))
	}
	if privs != PrivReadWrite || !user {
		t.Errorf("Translate perms = %v user=%v, want RW user", privs, user)
	}
}

func TestMapOverlapRejected(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)

	v := addr.NewVirtAddr(0x2000)
	p := addr.NewPhysAddr(0x8000_2000)
	if err := rpt.Map(v, p, 2*page.Size, PrivReadWrite, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := rpt.Map(v.Add(page.Size), p.Add(3*page.Size), page.Size, PrivReadOnly, true); err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestUnmapClearsMapping(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)

	v := addr.NewVirtAddr(0x3000)
	p := addr.NewPhysAddr(0x8000_3000)
	if err := rpt.Map(v, p, page.Size, PrivReadWrite, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	rpt.UnmapUserspace(v, page.Size)

	if _, _, _, ok := rpt.Translate(v); ok {
		t.Fatal("expected unmapped after UnmapUserspace")
	}
	// Remapping the same range must now succeed since it was released.
	if err := rpt.Map(v, p, page.Size, PrivReadOnly, true); err != nil {
		t.Fatalf("remap after unmap: %v", err)
	}
}

func TestUnmapUserspaceRemovesMultiplePerPageEntries(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)

	// Mirrors mmapZeroBacked: one Map call per page, all onto the same
	// physical page, so three independent mapping entries cover one
	// virtually-contiguous region.
	v := addr.NewVirtAddr(0x10000)
	zero := addr.NewPhysAddr(0x8000_5000)
	for i := uint64(0); i < 3; i++ {
		pg := v.Add(i * page.Size)
		if err := rpt.Map(pg, zero, page.Size, PrivReadOnly, true); err != nil {
			t.Fatalf("Map page %d: %v", i, err)
		}
	}
	if len(rpt.mappings) != 3 {
		t.Fatalf("mappings = %d, want 3", len(rpt.mappings))
	}

	rpt.UnmapUserspace(v, 3*page.Size)

	if len(rpt.mappings) != 0 {
		t.Fatalf("mappings after unmap = %d, want 0 (all three entries removed)", len(rpt.mappings))
	}
	for i := uint64(0); i < 3; i++ {
		if _, _, _, ok := rpt.Translate(v.Add(i * page.Size)); ok {
			t.Fatalf("page %d still mapped after unmap", i)
		}
	}
}

func TestUnmapUserspacePanicsWhenNoMappingStartsAtAddress(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)

	v := addr.NewVirtAddr(0x4000)
	p := addr.NewPhysAddr(0x8000_4000)
	if err := rpt.Map(v, p, 2*page.Size, PrivReadWrite, true); err != nil {
		t.Fatalf("Map: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when no mapping starts exactly at the given address")
		}
		// The PTE-clearing loop must not have run: the leaf it would have
		// touched is still valid.
		if _, _, _, ok := rpt.Translate(v); !ok {
			t.Fatal("expected mapping to survive a rejected unmap at a non-start address")
		}
	}()
	rpt.UnmapUserspace(v.Add(page.Size), page.Size)
}

func TestIsValidUserspaceFatPtr(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)

	v := addr.NewVirtAddr(0x4000)
	p := addr.NewPhysAddr(0x8000_4000)
	if err := rpt.Map(v, p, page.Size, PrivReadOnly, true); err != nil {
		t.Fatalf("Map: %v", err)
	}

	if !rpt.IsValidUserspaceFatPtr(v, 16, false) {
		t.Error("expected valid read-only fat ptr")
	}
	if rpt.IsValidUserspaceFatPtr(v, 16, true) {
		t.Error("expected invalid write fat ptr over read-only mapping")
	}
	if rpt.IsValidUserspaceFatPtr(v.Add(page.Size), 16, false) {
		t.Error("expected invalid fat ptr outside mapping")
	}
}

func TestGetSatpValueEncodesSv39Mode(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)

	satp := rpt.GetSatpValue()
	if mode := satp >> 60; mode != satpModeSv39 {
		t.Errorf("satp mode = %d, want %d", mode, satpModeSv39)
	}
}

func TestDestroyPanicsWhileActive(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)
	rpt.Activate()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic destroying an active address space")
		}
	}()
	rpt.Destroy()
}

func TestIsUserspaceAddress(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)

	userAddr := addr.NewVirtAddr(0x1000)
	if err := rpt.Map(userAddr, addr.NewPhysAddr(0x8000_1000), page.Size, PrivReadWrite, true); err != nil {
		t.Fatalf("Map user: %v", err)
	}
	kernelAddr := addr.NewVirtAddr(0x8000_0000)
	if err := rpt.Map(kernelAddr, addr.NewPhysAddr(0x8000_0000), page.Size, PrivReadWrite, false); err != nil {
		t.Fatalf("Map kernel: %v", err)
	}
	// Exercises the "user stack mapped near the top of the address space"
	// layout package loader uses: only the live mapping's user bit decides.
	stackAddr := addr.NewVirtAddr(0xffff_ffff_ffff_f000)
	if err := rpt.Map(stackAddr, addr.NewPhysAddr(0x8000_2000), page.Size, PrivReadWrite, true); err != nil {
		t.Fatalf("Map stack: %v", err)
	}

	if !rpt.IsUserspaceAddress(userAddr) {
		t.Error("expected low user-mapped address to be userspace")
	}
	if rpt.IsUserspaceAddress(kernelAddr) {
		t.Error("expected low kernel-mapped (non-user) address to not be userspace")
	}
	if !rpt.IsUserspaceAddress(stackAddr) {
		t.Error("expected high user-mapped stack address to be userspace")
	}
	if rpt.IsUserspaceAddress(addr.NewVirtAddr(0x9000)) {
		t.Error("expected unmapped address to not be userspace")
	}
}
