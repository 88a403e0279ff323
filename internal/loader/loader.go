// Package loader implements the ELF loader (C13): it parses a userspace
// ELF64 binary, builds a fresh address space with a mapped stack and its
// PT_LOAD segments, and lays out the argv/envp/auxv vector a libc startup
// sequence expects to find on the initial stack. Grounded on
// kernel/src/processes/loader.rs from original_source/. ELF parsing itself
// uses the standard library's debug/elf, the same approach the teacher
// takes for segment walking in linux/boot/amd64/elf.go.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"

	"github.com/tinyrange/rv39kernel/internal/config"
	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/fd"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
	"github.com/tinyrange/rv39kernel/internal/memory/pagealloc"
	"github.com/tinyrange/rv39kernel/internal/memory/pagetable"
)

const (
	// stackStart is STACK_START from loader.rs: the very top of the
	// address space; the stackSizePages pages ending here hold the initial stack.
	stackStart     = ^uint64(0)
	stackSizePages = config.UserStackPages
	stackSize      = uint64(stackSizePages) * page.Size
	stackEnd       = stackStart - stackSize + 1

	// atPagesz/atNull are the Linux auxv tags the original loader writes;
	// AT_PAGESZ's value (6) and the AT_NULL terminator (0) are part of the
	// generic Linux ABI, not anything riscv64-specific.
	atPagesz = 6
	atNull   = 0
)

// Loaded is the address space and bookkeeping sched.ProcessTable.StartProgram
// needs to register a freshly loaded program.
type Loaded struct {
	EntryPC   uint64
	InitialSP uint64
	PageTable *pagetable.RootPageTableHolder
	FdTable   *fd.Table
	BrkStart  addr.VirtAddr

	// AllocatedPages keeps every backing allocation (stack, segments, brk)
	// reachable for the process's lifetime. The page-table's own nodes are
	// tracked separately by RootPageTableHolder and released by Destroy;
	// these are the data pages that Destroy does not know about.
	AllocatedPages []*page.PinnedHeapPages
}

// Load parses an ELF64 executable and builds a ready-to-run address space
// for it, named name and invoked with args (argv[0] is always name).
// kernelMappings are the boot-stub-provided identity mappings (kernel
// text/data/heap, device MMIO) that every address space must also carry so
// the kernel keeps running once satp switches into it.
func Load(pageAlloc *pagealloc.Allocator, kernelMappings []pagetable.KernelMapping, elfData []byte, name string, args []string) (*Loaded, error) {
	f, err := elf.NewFile(bytes.NewReader(elfData))
	if err != nil {
		return nil, fmt.Errorf("loader: parse elf: %w", err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 {
		return nil, errno.ENOEXEC
	}

	pt, err := pagetable.NewWithKernelMapping(pageAlloc, kernelMappings)
	if err != nil {
		return nil, fmt.Errorf("loader: kernel mapping: %w", err)
	}

	var allocated []*page.PinnedHeapPages

	stackPages, ok := pageAlloc.Alloc(stackSizePages)
	if !ok {
		return nil, errno.ENOMEM
	}
	allocated = append(allocated, stackPages)

	argsStart, err := layoutArguments(stackPages.Bytes(), name, args)
	if err != nil {
		return nil, err
	}

	if err := pt.Map(addr.NewVirtAddr(stackEnd), stackPages.Addr(), stackSize, pagetable.PrivReadWrite, true); err != nil {
		return nil, fmt.Errorf("loader: map stack: %w", err)
	}

	var bssEnd uint64
	haveLoad := false
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		data, err := io.ReadAll(prog.Open())
		if err != nil {
			return nil, fmt.Errorf("loader: read segment: %w", err)
		}
		if uint64(len(data)) > prog.Memsz {
			return nil, fmt.Errorf("loader: segment file size exceeds memory size")
		}

		offset := prog.Vaddr % page.Size
		sizeInPages := minimumPages(offset + prog.Memsz)

		pages, ok := pageAlloc.Alloc(int(sizeInPages))
		if !ok {
			return nil, errno.ENOMEM
		}
		copy(pages.Bytes()[offset:], data)
		allocated = append(allocated, pages)

		privs, err := privilegesFor(prog.Flags)
		if err != nil {
			return nil, err
		}
		segVirt := addr.NewVirtAddr(prog.Vaddr - offset)
		if err := pt.Map(segVirt, pages.Addr(), sizeInPages*page.Size, privs, true); err != nil {
			return nil, fmt.Errorf("loader: map segment: %w", err)
		}

		if end := prog.Vaddr + prog.Memsz; end > bssEnd {
			bssEnd = end
		}
		haveLoad = true
	}

	var brkStart addr.VirtAddr
	if haveLoad {
		brkStart = addr.NewVirtAddr(addr.AlignUp(bssEnd, page.Size))
		brkPages, ok := pageAlloc.Alloc(config.BrkRegionPages)
		if !ok {
			return nil, errno.ENOMEM
		}
		if err := pt.Map(brkStart, brkPages.Addr(), config.BrkRegionPages*page.Size, pagetable.PrivReadWrite, true); err != nil {
			return nil, fmt.Errorf("loader: map brk: %w", err)
		}
		allocated = append(allocated, brkPages)
	}

	return &Loaded{
		EntryPC:        f.Entry,
		InitialSP:      argsStart,
		PageTable:      pt,
		FdTable:        fd.NewTable(),
		BrkStart:       brkStart,
		AllocatedPages: allocated,
	}, nil
}

func minimumPages(size uint64) uint64 {
	return (size + page.Size - 1) / page.Size
}

// privilegesFor maps an ELF program header's R/W/X flags onto the page
// table's Privileges encoding, mirroring access_flags.into() (XWRMode) in
// loader.rs.
func privilegesFor(flags elf.ProgFlag) (pagetable.Privileges, error) {
	r := flags&elf.PF_R != 0
	w := flags&elf.PF_W != 0
	x := flags&elf.PF_X != 0
	switch {
	case r && w && x:
		return pagetable.PrivReadWriteExecute, nil
	case r && x:
		return pagetable.PrivReadExecute, nil
	case r && w:
		return pagetable.PrivReadWrite, nil
	case r:
		return pagetable.PrivReadOnly, nil
	case x:
		return pagetable.PrivExecute, nil
	default:
		return 0, fmt.Errorf("loader: PT_LOAD segment has no R/W/X flags set")
	}
}
