// Package config centralizes the fixed memory-layout and timing constants
// the kernel boots with. These mirror the memory map baked into the
// teacher's internal/hv/riscv/rv64/cpu.go (RAMBase, CLINTBase, PLICBase,
// UARTBase, VirtIOBase) and spec.md §6's External Interfaces section — on
// real hardware these would come from a device tree, but this kernel (like
// the teacher's emulator) treats them as build-time constants.
package config

const (
	// RAMBase is the physical base address of RAM.
	RAMBase = 0x8000_0000

	// CLINTBase and CLINTSize locate the Core Local Interruptor.
	CLINTBase = 0x0200_0000
	CLINTSize = 0x000c_0000

	// PLICBase and PLICSize locate the Platform-Level Interrupt Controller.
	PLICBase = 0x0c00_0000
	PLICSize = 0x0400_0000

	// UARTBase and UARTSize locate the 16550-compatible UART.
	UARTBase = 0x1000_0000
	UARTSize = 0x1000

	// VirtIONetBase and VirtIONetSize locate the virtio-net PCI device's
	// MMIO window.
	VirtIONetBase = 0x1000_1000
	VirtIONetSize = 0x1000

	// KernelStackSize is the per-hart kernel stack size (spec.md §4.4).
	KernelStackSize = 512 * 1024

	// UARTIRQ is the PLIC interrupt source number wired to the UART.
	UARTIRQ = 10

	// PLICUARTPriority and PLICThreshold are the fixed priority/threshold
	// spec.md §6 requires: priority 1, threshold 0.
	PLICUARTPriority = 1
	PLICThreshold    = 0

	// UARTBaudDivisor is the DLAB divisor spec.md §6 specifies (≈2400 baud
	// on a 22.729 MHz reference clock).
	UARTBaudDivisor = 592

	// TimesliceUser is the timer interval while a user thread runs.
	TimesliceUser = 10_000_000 // 10ms in ns-scale ticks, see sched.Clock
	// TimesliceIdle is the timer interval while the powersave thread runs.
	TimesliceIdle = 50_000_000 // 50ms

	// StaticIP is the kernel's static network address (spec.md §6).
	StaticIP = "10.0.2.15"

	// BrkRegionPages is the fixed size of the pre-mapped brk region.
	BrkRegionPages = 4

	// UserStackPages is the number of pages mapped for a new process's
	// initial stack, placed one page below 2^64.
	UserStackPages = 4

	// FreeMmapStartAddress is the fixed starting cursor for anonymous mmap
	// placement, ported from FREE_MMAP_START_ADDRESS in
	// kernel/src/processes/process.rs (original_source/).
	FreeMmapStartAddress = 0x2000000000

	// AuxPageSize is the AT_PAGESZ auxv value the ELF loader writes.
	AuxPageSize = 4096
)
