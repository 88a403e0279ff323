package pagetable

import (
	"testing"

	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
)

func TestReadWriteBytesRoundtrip(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)

	v := addr.NewVirtAddr(0x5000)
	p := addr.NewPhysAddr(0x8000_5000)
	if err := rpt.Map(v, p, page.Size, PrivReadWrite, true); err != nil {
		t.Fatalf("Map: %v", err)
	}

	if !rpt.WriteBytes(v.Add(10), []byte("hello")) {
		t.Fatal("WriteBytes failed")
	}
	got, ok := rpt.ReadBytes(v.Add(10), 5)
	if !ok || string(got) != "hello" {
		t.Fatalf("ReadBytes = %q, %v, want hello, true", got, ok)
	}
}

func TestReadBytesSpanningTwoMappings(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)

	v1 := addr.NewVirtAddr(0x6000)
	if err := rpt.Map(v1, addr.NewPhysAddr(0x8000_6000), page.Size, PrivReadWrite, true); err != nil {
		t.Fatalf("Map 1: %v", err)
	}
	v2 := v1.Add(page.Size)
	if err := rpt.Map(v2, addr.NewPhysAddr(0x8000_9000), page.Size, PrivReadWrite, true); err != nil {
		t.Fatalf("Map 2: %v", err)
	}

	tail := make([]byte, 8)
	for i := range tail {
		tail[i] = byte(0xA0 + i)
	}
	head := make([]byte, 8)
	for i := range head {
		head[i] = byte(i)
	}
	if !rpt.WriteBytes(v1.Add(page.Size-8), tail) {
		t.Fatal("write tail of first page failed")
	}
	if !rpt.WriteBytes(v2, head) {
		t.Fatal("write head of second page failed")
	}

	got, ok := rpt.ReadBytes(v1.Add(page.Size-8), 16)
	if !ok {
		t.Fatal("ReadBytes spanning mappings failed")
	}
	want := append(append([]byte{}, tail...), head...)
	if string(got) != string(want) {
		t.Fatalf("ReadBytes = %x, want %x", got, want)
	}
}

func TestReadBytesUnmappedFails(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)
	if _, ok := rpt.ReadBytes(addr.NewVirtAddr(0x7000), 8); ok {
		t.Fatal("expected ReadBytes over unmapped address to fail")
	}
}

func TestUint32Roundtrip(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)
	v := addr.NewVirtAddr(0x8000)
	if err := rpt.Map(v, addr.NewPhysAddr(0x8000_8000), page.Size, PrivReadWrite, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !rpt.WriteUint32(v, 0xdeadbeef) {
		t.Fatal("WriteUint32 failed")
	}
	got, ok := rpt.ReadUint32(v)
	if !ok || got != 0xdeadbeef {
		t.Fatalf("ReadUint32 = %#x, %v, want 0xdeadbeef, true", got, ok)
	}
}

func TestReadCStringStopsAtNul(t *testing.T) {
	pa := newTestAllocator(t, 64)
	rpt := NewEmpty(pa)
	v := addr.NewVirtAddr(0x9000)
	if err := rpt.Map(v, addr.NewPhysAddr(0x8000_a000), page.Size, PrivReadWrite, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	rpt.WriteBytes(v, []byte("hi\x00trailing"))
	s, ok := rpt.ReadCString(v, 64)
	if !ok || s != "hi" {
		t.Fatalf("ReadCString = %q, %v, want hi, true", s, ok)
	}
}
