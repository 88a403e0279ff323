package loader

import (
	"encoding/binary"

	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
)

const wordSize = 8

// layoutArguments writes the initial-stack layout set_up_arguments in
// loader.rs builds:
//
//	[argc, argv[0..n], NULL, envp NULL, auxv (AT_PAGESZ, AT_NULL), name, args...]
//
// packed into the tail of stackBytes (the stack's backing storage, whose
// lowest address maps to the userspace stack's lowest address), 8-byte
// aligned as riscv64's usize width requires. It returns the userspace
// virtual address of the resulting stack pointer.
func layoutArguments(stackBytes []byte, name string, args []string) (uint64, error) {
	argc := uint64(1 + len(args))
	argv := make([]uint64, len(args)+2) // name, each arg, NULL terminator
	envp := []uint64{0}
	auxv := []uint64{atPagesz, page.Size, atNull, 0}

	var strings []byte
	strings = append(strings, name...)
	strings = append(strings, 0)
	for _, a := range args {
		strings = append(strings, a...)
		strings = append(strings, 0)
	}

	startOfStringsOffset := wordSize + len(argv)*wordSize + len(envp)*wordSize + len(auxv)*wordSize
	totalLength := addr.AlignUp(uint64(startOfStringsOffset+len(strings)), wordSize)

	if totalLength >= uint64(len(stackBytes)) {
		return 0, errno.ENOMEM
	}

	realStart := stackStart - totalLength + 1
	addrCurrentString := realStart + uint64(startOfStringsOffset)

	argv[0] = addrCurrentString
	addrCurrentString += uint64(len(name)) + 1
	for i, a := range args {
		argv[i+1] = addrCurrentString
		addrCurrentString += uint64(len(a)) + 1
	}

	offset := uint64(len(stackBytes)) - totalLength
	buf := stackBytes[offset:]

	cursor := 0
	writeWord := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[cursor:cursor+wordSize], v)
		cursor += wordSize
	}

	writeWord(argc)
	for _, v := range argv {
		writeWord(v)
	}
	for _, v := range envp {
		writeWord(v)
	}
	for _, v := range auxv {
		writeWord(v)
	}
	copy(buf[cursor:], strings)

	return realStart, nil
}
