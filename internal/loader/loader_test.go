package loader

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
	"github.com/tinyrange/rv39kernel/internal/memory/pagealloc"
	"github.com/tinyrange/rv39kernel/internal/memory/pagetable"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
)

func newTestAllocator(t *testing.T, pages int) *pagealloc.Allocator {
	t.Helper()
	arena := make([]byte, pages*page.Size)
	return pagealloc.New(addr.NewPhysAddr(0x9000_0000), arena, nil)
}

// testSegment describes one PT_LOAD program header to bake into a
// hand-built ELF64 image.
type testSegment struct {
	vaddr  uint64
	flags  uint32 // elf.PF_R | elf.PF_W | elf.PF_X
	data   []byte
	memsz  uint64 // if 0, defaults to len(data)
}

// buildTestELF hand-assembles a minimal little-endian riscv64 ELF64
// executable with one program header per segment, laid out contiguously
// in the file starting right after the header+phdr table. Mirrors the
// byte-level header construction in the teacher's internal/asm/amd64
// StandaloneELF, adapted for EM_RISCV and multiple segments.
func buildTestELF(entry uint64, segments []testSegment) []byte {
	phOff := uint64(elfHeaderSize)
	dataOff := phOff + uint64(len(segments))*elfProgramHeaderSize

	var data []byte
	fileOffsets := make([]uint64, len(segments))
	for i, seg := range segments {
		fileOffsets[i] = dataOff + uint64(len(data))
		data = append(data, seg.data...)
	}

	buf := make([]byte, dataOff+uint64(len(data)))

	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little-endian
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:], 2)      // e_type = ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], 0xf3)   // e_machine = EM_RISCV
	binary.LittleEndian.PutUint32(buf[20:], 1)      // e_version = EV_CURRENT
	binary.LittleEndian.PutUint64(buf[24:], entry)  // e_entry
	binary.LittleEndian.PutUint64(buf[32:], phOff)  // e_phoff
	binary.LittleEndian.PutUint16(buf[52:], elfHeaderSize)
	binary.LittleEndian.PutUint16(buf[54:], elfProgramHeaderSize)
	binary.LittleEndian.PutUint16(buf[56:], uint16(len(segments)))

	for i, seg := range segments {
		memsz := seg.memsz
		if memsz == 0 {
			memsz = uint64(len(seg.data))
		}
		ph := buf[phOff+uint64(i)*elfProgramHeaderSize:]
		binary.LittleEndian.PutUint32(ph[0:], 1) // p_type = PT_LOAD
		binary.LittleEndian.PutUint32(ph[4:], seg.flags)
		binary.LittleEndian.PutUint64(ph[8:], fileOffsets[i])
		binary.LittleEndian.PutUint64(ph[16:], seg.vaddr)
		binary.LittleEndian.PutUint64(ph[24:], seg.vaddr)
		binary.LittleEndian.PutUint64(ph[32:], uint64(len(seg.data)))
		binary.LittleEndian.PutUint64(ph[40:], memsz)
		binary.LittleEndian.PutUint64(ph[48:], page.Size)

		copy(buf[fileOffsets[i]:], seg.data)
	}

	return buf
}

func TestLoadSimpleProgram(t *testing.T) {
	pa := newTestAllocator(t, 256)

	const codeVaddr = 0x10000
	code := []byte{0x13, 0x00, 0x00, 0x00} // addi x0, x0, 0 (nop)
	elfData := buildTestELF(codeVaddr, []testSegment{
		{vaddr: codeVaddr, flags: 0x5, data: code}, // R|X
	})

	loaded, err := Load(pa, nil, elfData, "prog", []string{"a", "bb"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.EntryPC != codeVaddr {
		t.Errorf("EntryPC = %#x, want %#x", loaded.EntryPC, codeVaddr)
	}
	if loaded.InitialSP <= stackEnd || loaded.InitialSP >= stackStart {
		t.Fatalf("InitialSP %#x outside stack range [%#x, %#x)", loaded.InitialSP, stackEnd, stackStart)
	}
	if loaded.InitialSP%8 != 0 {
		t.Errorf("InitialSP %#x is not 8-byte aligned", loaded.InitialSP)
	}

	wantBrk := addr.AlignUp(codeVaddr+uint64(len(code)), page.Size)
	if loaded.BrkStart.Uint64() != wantBrk {
		t.Errorf("BrkStart = %#x, want %#x", loaded.BrkStart.Uint64(), wantBrk)
	}

	phys, privs, user, ok := loaded.PageTable.Translate(addr.NewVirtAddr(codeVaddr))
	if !ok {
		t.Fatal("code segment not mapped")
	}
	if !user {
		t.Error("code segment not marked user-accessible")
	}
	if !privs.Readable() || !privs.Executable() || privs.Writable() {
		t.Errorf("code segment privs = %v, want R-X", privs)
	}
	got := pa.Bytes(phys, uint64(len(code)))
	if string(got) != string(code) {
		t.Errorf("code bytes = %x, want %x", got, code)
	}

	argc, ok := loaded.PageTable.ReadUint64(addr.NewVirtAddr(loaded.InitialSP))
	if !ok {
		t.Fatal("failed to read argc off the built stack")
	}
	if argc != 3 { // name + 2 args
		t.Errorf("argc = %d, want 3", argc)
	}

	argv0Ptr, ok := loaded.PageTable.ReadUint64(addr.NewVirtAddr(loaded.InitialSP + 8))
	if !ok {
		t.Fatal("failed to read argv[0] pointer")
	}
	name, ok := loaded.PageTable.ReadCString(addr.NewVirtAddr(argv0Ptr), 64)
	if !ok || name != "prog" {
		t.Errorf("argv[0] = %q, %v, want \"prog\", true", name, ok)
	}

	argv1Ptr, ok := loaded.PageTable.ReadUint64(addr.NewVirtAddr(loaded.InitialSP + 16))
	if !ok {
		t.Fatal("failed to read argv[1] pointer")
	}
	arg1, ok := loaded.PageTable.ReadCString(addr.NewVirtAddr(argv1Ptr), 64)
	if !ok || arg1 != "a" {
		t.Errorf("argv[1] = %q, %v, want \"a\", true", arg1, ok)
	}
}

func TestLoadZeroFillsBSS(t *testing.T) {
	pa := newTestAllocator(t, 256)

	const dataVaddr = 0x20000
	initialized := []byte{1, 2, 3, 4}
	elfData := buildTestELF(dataVaddr, []testSegment{
		{vaddr: dataVaddr, flags: 0x6, data: initialized, memsz: page.Size}, // R|W, bss past the data
	})

	loaded, err := Load(pa, nil, elfData, "prog", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	bss, ok := loaded.PageTable.ReadBytes(addr.NewVirtAddr(dataVaddr+uint64(len(initialized))), 16)
	if !ok {
		t.Fatal("bss region not mapped")
	}
	for i, b := range bss {
		if b != 0 {
			t.Fatalf("bss[%d] = %d, want 0", i, b)
		}
	}
}

func TestLoadRejectsNon64BitClass(t *testing.T) {
	pa := newTestAllocator(t, 64)
	elfData := buildTestELF(0x1000, []testSegment{{vaddr: 0x1000, flags: 0x5, data: []byte{0}}})
	elfData[4] = 1 // ELFCLASS32

	if _, err := Load(pa, nil, elfData, "prog", nil); err == nil {
		t.Fatal("expected Load to reject a 32-bit ELF class")
	}
}

func TestLoadCarriesKernelMappings(t *testing.T) {
	pa := newTestAllocator(t, 256)
	kmPhys, ok := pa.Alloc(1)
	if !ok {
		t.Fatal("alloc kernel page")
	}
	mappings := []pagetable.KernelMapping{
		{Name: "KTEXT", Virt: addr.NewVirtAddr(0x8000_0000), Phys: kmPhys.Addr(), Size: page.Size, Privs: pagetable.PrivReadExecute},
	}

	elfData := buildTestELF(0x1000, []testSegment{{vaddr: 0x1000, flags: 0x5, data: []byte{0x13, 0, 0, 0}}})
	loaded, err := Load(pa, mappings, elfData, "prog", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, _, user, ok := loaded.PageTable.Translate(addr.NewVirtAddr(0x8000_0000))
	if !ok {
		t.Fatal("kernel mapping missing from the loaded address space")
	}
	if user {
		t.Error("kernel mapping should not be marked user-accessible")
	}
}
