// Package native implements the native, typed syscall ABI (C9): a0 carries
// the syscall number with its high bit set, a1 points at a fixed-size
// argument record, a2 at an uninitialized result record. Grounded on the
// syscalls! macro invocation in common/src/syscalls/definition.rs from
// original_source/, which fixes both the syscall numbering (declaration
// order) and each call's argument/return shape, and on the ecall
// convention in common/src/syscalls/macros.rs (a0=index|1<<63, a1=&args,
// a2=&mut ret, lateout a0=status). Rust's version passes args and ret by
// native in-process pointer since the ecall never actually crosses an
// address space; this port does cross one (kernel and user memory are
// separate Go-side byte slices behind a page table), so each record is
// given a concrete little-endian wire layout below instead of relying on
// struct layout.
package native

import (
	"log/slog"
	"net"
	"time"

	"github.com/tinyrange/rv39kernel/internal/cpu"
	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/fd"
	"github.com/tinyrange/rv39kernel/internal/loader"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/pagealloc"
	"github.com/tinyrange/rv39kernel/internal/memory/pagetable"
	"github.com/tinyrange/rv39kernel/internal/sched"
	"github.com/tinyrange/rv39kernel/internal/tty"
)

// Syscall numbers, fixed by the declaration order of the syscalls! macro
// invocation in definition.rs.
type Syscall uint64

const (
	Write Syscall = iota
	ReadInput
	ReadInputWait
	Exit
	Execute
	Wait
	MmapPages
	OpenUDPSocket
	WriteBackUDPSocket
	ReadUDPSocket
	Panic
	PrintPrograms
)

// Status is SyscallStatus from definition.rs: the discriminant the native
// ABI always writes into a0 on a synchronous (non-Pending) return,
// independent of whatever the syscall's own per-call Result says (that
// goes in the ret record instead).
type Status uint64

const (
	StatusSuccess Status = iota
	StatusInvalidSyscallNumber
	StatusInvalidArgPtr
	StatusInvalidRetPtr
)

// Per-syscall result-record status codes. Each syscall with a Result<_, E>
// return in definition.rs gets its own small status space at the front of
// its ret record: 0 is always the Ok case, non-zero values enumerate E's
// variants in the order definition.rs declares them.
const (
	writeOK         = 0
	writeInvalidPtr = 1

	waitOK         = 0
	waitInvalidPid = 1

	executeOK       = 0
	executeInvalid  = 1
	executeValidErr = 2

	socketOK                = 0
	socketPortInUse         = 1
	socketValidationErr     = 2
	socketInvalidDescriptor = 3
	socketNoReceiveIPYet    = 4
)

// ProgramProvider resolves a program name to its ELF bytes for execute.
// Userspace binaries and a filesystem are both out of scope (spec.md
// Non-goals); this kernel only ever runs a fixed, compiled-in set of
// programs, so the provider is as simple as a name-keyed lookup.
type ProgramProvider interface {
	Lookup(name string) (elfData []byte, ok bool)
}

// Dispatcher implements trap.NativeHandler.
type Dispatcher struct {
	table          *sched.ProcessTable
	pageAlloc      *pagealloc.Allocator
	kernelMappings []pagetable.KernelMapping
	stdin          *tty.StdinBuffer
	programs       ProgramProvider
	logger         *slog.Logger
}

// New returns a native-ABI dispatcher. kernelMappings is threaded into
// every process execute() spawns, the same set the boot path installs for
// the first process, so a freshly loaded address space keeps the kernel
// mapped in across the SATP switch.
func New(table *sched.ProcessTable, pageAlloc *pagealloc.Allocator, kernelMappings []pagetable.KernelMapping, stdin *tty.StdinBuffer, programs ProgramProvider, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		table:          table,
		pageAlloc:      pageAlloc,
		kernelMappings: kernelMappings,
		stdin:          stdin,
		programs:       programs,
		logger:         logger,
	}
}

// recordSizes returns the byte length of nr's argument and return
// records, or ok=false if nr is not a recognized syscall number.
func recordSizes(nr Syscall) (argLen, retLen int, ok bool) {
	switch nr {
	case Write:
		return 16, 8, true // {ptr, len} -> {status}
	case ReadInput:
		return 0, 16, true // {} -> {has_value, value}
	case ReadInputWait:
		return 0, 8, true // {} -> {value}
	case Exit:
		return 8, 0, true // {status} -> {}
	case Execute:
		return 16, 16, true // {name_ptr, name_len} -> {status, pid}
	case Wait:
		return 8, 8, true // {pid} -> {status}
	case MmapPages:
		return 8, 8, true // {page_count} -> {ptr}
	case OpenUDPSocket:
		return 8, 16, true // {port} -> {status, descriptor}
	case WriteBackUDPSocket:
		return 24, 16, true // {descriptor, buf_ptr, buf_len} -> {status, n}
	case ReadUDPSocket:
		return 24, 16, true // {descriptor, buf_ptr, buf_len} -> {status, n}
	case Panic:
		return 0, 0, true
	case PrintPrograms:
		return 0, 0, true
	default:
		return 0, 0, false
	}
}

// Handle dispatches one native-ABI ecall. It validates both record
// pointers before touching either, matching dispatch()'s own
// validate-then-run order in macros.rs.
func (d *Dispatcher) Handle(t *sched.Thread, frame *cpu.TrapFrame) sched.Outcome {
	proc := t.Process()
	if proc == nil {
		panic("native: ecall from a thread with no process")
	}

	nr := Syscall(frame.Get(cpu.A0) &^ (uint64(1) << 63))
	argPtr := addr.NewVirtAddr(frame.Get(cpu.A1))
	retPtr := addr.NewVirtAddr(frame.Get(cpu.A2))

	argLen, retLen, ok := recordSizes(nr)
	if !ok {
		frame.Set(cpu.A0, uint64(StatusInvalidSyscallNumber))
		return sched.Completed
	}
	if argLen > 0 && !proc.PageTable.IsValidUserspaceFatPtr(argPtr, uint64(argLen), false) {
		frame.Set(cpu.A0, uint64(StatusInvalidArgPtr))
		return sched.Completed
	}
	if retLen > 0 && !proc.PageTable.IsValidUserspaceFatPtr(retPtr, uint64(retLen), true) {
		frame.Set(cpu.A0, uint64(StatusInvalidRetPtr))
		return sched.Completed
	}

	var argBytes []byte
	if argLen > 0 {
		argBytes, _ = proc.PageTable.ReadBytes(argPtr, uint64(argLen))
	}

	outcome, status := d.dispatch(t, proc, nr, argBytes, retPtr)
	if outcome == sched.Completed {
		frame.Set(cpu.A0, uint64(status))
	}
	return outcome
}

func (d *Dispatcher) dispatch(t *sched.Thread, proc *sched.Process, nr Syscall, arg []byte, retPtr addr.VirtAddr) (sched.Outcome, Status) {
	pt := proc.PageTable

	switch nr {
	case Write:
		ptr := addr.NewVirtAddr(readU64(arg, 0))
		length := readU64(arg, 8)
		var result uint64 = writeOK
		if data, ok := pt.ReadBytes(ptr, length); ok {
			d.logger.Info(string(data))
		} else {
			result = writeInvalidPtr
		}
		pt.WriteUint64(retPtr, result)
		return sched.Completed, StatusSuccess

	case ReadInput:
		var buf [1]byte
		n, wouldBlock := d.stdin.Read(buf[:])
		if wouldBlock || n == 0 {
			writeU64Pair(pt, retPtr, 0, 0)
		} else {
			writeU64Pair(pt, retPtr, 1, uint64(buf[0]))
		}
		return sched.Completed, StatusSuccess

	case ReadInputWait:
		task := &readInputWaitTask{stdin: d.stdin, pt: pt, retPtr: retPtr}
		w := d.table.NewThreadWaker(t)
		value, _, _, ready := task.Poll(w)
		if ready {
			return sched.Completed, Status(value)
		}
		t.SyscallTask = task
		return sched.Pending, 0

	case Exit:
		status := int64(readU64(arg, 0))
		d.table.Kill(t.Tid, int(status))
		return sched.Exited, 0

	case Execute:
		namePtr := addr.NewVirtAddr(readU64(arg, 0))
		nameLen := readU64(arg, 8)
		status, pid := d.sysExecute(t, namePtr, nameLen)
		writeU64Pair(pt, retPtr, status, pid)
		return sched.Completed, StatusSuccess

	case Wait:
		pid := int64(readU64(arg, 0))
		task := &waitTask{table: d.table, pt: pt, callerTid: t.Tid, pid: pid, retPtr: retPtr}
		w := d.table.NewThreadWaker(t)
		value, _, _, ready := task.Poll(w)
		if ready {
			return sched.Completed, Status(value)
		}
		t.SyscallTask = task
		return sched.Pending, 0

	case MmapPages:
		pageCount := readU64(arg, 0)
		ptrOut := d.sysMmapPages(proc, pageCount)
		pt.WriteUint64(retPtr, ptrOut)
		return sched.Completed, StatusSuccess

	case OpenUDPSocket:
		port := readU64(arg, 0)
		status, descriptor := d.sysOpenUDPSocket(proc, port)
		writeU64Pair(pt, retPtr, status, descriptor)
		return sched.Completed, StatusSuccess

	case WriteBackUDPSocket:
		descriptor := readU64(arg, 0)
		bufPtr := addr.NewVirtAddr(readU64(arg, 8))
		bufLen := readU64(arg, 16)
		status, n := d.sysWriteBackUDPSocket(proc, descriptor, bufPtr, bufLen)
		writeU64Pair(pt, retPtr, status, n)
		return sched.Completed, StatusSuccess

	case ReadUDPSocket:
		descriptor := readU64(arg, 0)
		bufPtr := addr.NewVirtAddr(readU64(arg, 8))
		bufLen := readU64(arg, 16)
		status, n := d.sysReadUDPSocket(proc, descriptor, bufPtr, bufLen)
		writeU64Pair(pt, retPtr, status, n)
		return sched.Completed, StatusSuccess

	case Panic:
		panic("native: sys_panic invoked by userspace")

	case PrintPrograms:
		d.logger.Info("process table", "dump", d.table.Dump())
		return sched.Completed, StatusSuccess
	}

	panic("native: unreachable syscall dispatch")
}

func (d *Dispatcher) sysExecute(t *sched.Thread, namePtr addr.VirtAddr, nameLen uint64) (status, pid uint64) {
	proc := t.Process()
	name, ok := proc.PageTable.ReadCString(namePtr, nameLen+1)
	if !ok {
		return executeValidErr, 0
	}
	elfData, ok := d.programs.Lookup(name)
	if !ok {
		return executeInvalid, 0
	}
	loaded, err := loader.Load(d.pageAlloc, d.kernelMappings, elfData, name, nil)
	if err != nil {
		return executeValidErr, 0
	}
	newPid := d.table.StartProgram(name, t.Tid, loaded.PageTable, loaded.FdTable, loaded.BrkStart, loaded.EntryPC, loaded.InitialSP, loaded.AllocatedPages)
	return executeOK, newPid
}

// sysMmapPages implements sys_mmap_pages: allocate numberOfPages fresh
// anonymous pages at the process's next free mmap cursor. definition.rs
// gives it no error channel (it returns a bare pointer, not a Result), so
// an out-of-memory allocator is reported the same way the original would
// report an allocator failure it has no way to surface: a null pointer.
func (d *Dispatcher) sysMmapPages(proc *sched.Process, pageCount uint64) uint64 {
	if pageCount == 0 {
		return 0
	}
	pages, ok := d.pageAlloc.Alloc(int(pageCount))
	if !ok {
		return 0
	}
	base := proc.ReserveMmapAddress(pageCount * addr.PageSize)
	if err := proc.PageTable.Map(base, pages.Addr(), pageCount*addr.PageSize, pagetable.PrivReadWrite, true); err != nil {
		d.pageAlloc.Dealloc(pages.Addr(), int(pageCount))
		return 0
	}
	proc.RecordMmap(base, pages, false)
	return base.Uint64()
}

func (d *Dispatcher) sysOpenUDPSocket(proc *sched.Process, port uint64) (status, descriptor uint64) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return socketPortInUse, 0
	}
	fdNum := proc.FdTable.Allocate(&fd.Descriptor{Kind: fd.KindUDPSocket, UDP: conn})
	return socketOK, uint64(fdNum)
}

func (d *Dispatcher) sysWriteBackUDPSocket(proc *sched.Process, descriptor uint64, bufPtr addr.VirtAddr, bufLen uint64) (status, n uint64) {
	desc, ok := proc.FdTable.Get(int(descriptor))
	if !ok || desc.Kind != fd.KindUDPSocket {
		return socketInvalidDescriptor, 0
	}
	if desc.LastRemote == nil {
		return socketNoReceiveIPYet, 0
	}
	data, ok := proc.PageTable.ReadBytes(bufPtr, bufLen)
	if !ok {
		return socketValidationErr, 0
	}
	written, err := desc.UDP.WriteToUDP(data, desc.LastRemote)
	if err != nil {
		return socketInvalidDescriptor, 0
	}
	return socketOK, uint64(written)
}

func (d *Dispatcher) sysReadUDPSocket(proc *sched.Process, descriptor uint64, bufPtr addr.VirtAddr, bufLen uint64) (status, n uint64) {
	desc, ok := proc.FdTable.Get(int(descriptor))
	if !ok || desc.Kind != fd.KindUDPSocket {
		return socketInvalidDescriptor, 0
	}
	buf := make([]byte, bufLen)
	// read_udp_socket is synchronous (handler.rs never suspends the
	// calling thread on it): poll the host socket for an already-queued
	// datagram instead of blocking on one arriving.
	_ = desc.UDP.SetReadDeadline(time.Now())
	read, remote, err := desc.UDP.ReadFromUDP(buf)
	if err != nil {
		return socketOK, 0
	}
	desc.LastRemote = remote
	if !proc.PageTable.WriteBytes(bufPtr, buf[:read]) {
		return socketValidationErr, 0
	}
	return socketOK, uint64(read)
}

func readU64(arg []byte, offset int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(arg[offset+i]) << (8 * i)
	}
	return v
}

func writeU64Pair(pt *pagetable.RootPageTableHolder, retPtr addr.VirtAddr, a, b uint64) {
	pt.WriteUint64(retPtr, a)
	pt.WriteUint64(retPtr.Add(8), b)
}

// readInputWaitTask is the SyscallTask backing sys_read_input_wait (C9's
// one genuinely blocking stdin call). Poll performs the actual write into
// the caller's ret slot as a side effect before reporting ready, so the
// scheduler's own completion path (which only ever writes a Linux-style
// isize/errno pair into a0) still lands the native ABI's Status::Success
// discriminant there: value is always 0 and hasErr is always false.
type readInputWaitTask struct {
	stdin  *tty.StdinBuffer
	pt     *pagetable.RootPageTableHolder
	retPtr addr.VirtAddr
}

func (r *readInputWaitTask) Poll(w sched.Waker) (value int64, errVal errno.Errno, hasErr bool, ready bool) {
	var buf [1]byte
	n, wouldBlock := r.stdin.Read(buf[:])
	if wouldBlock || n == 0 {
		r.stdin.RegisterReader(w)
		return 0, 0, false, false
	}
	r.pt.WriteUint64(r.retPtr, uint64(buf[0]))
	return 0, 0, false, true
}

// waitTask is the SyscallTask backing sys_wait. WaitChild already carries
// the try-then-register logic futex_wait/pipe reads share, so Poll just
// drives it and, once a matching child exits, writes the SysWaitError-style
// status word into the caller's ret slot.
type waitTask struct {
	table     *sched.ProcessTable
	pt        *pagetable.RootPageTableHolder
	callerTid uint64
	pid       int64
	retPtr    addr.VirtAddr
}

func (wt *waitTask) Poll(w sched.Waker) (value int64, errVal errno.Errno, hasErr bool, ready bool) {
	_, _, result, err := wt.table.WaitChild(wt.callerTid, wt.pid, false, w)
	switch result {
	case sched.WaitReady:
		status := uint64(waitOK)
		if err != nil {
			status = waitInvalidPid
		}
		wt.pt.WriteUint64(wt.retPtr, status)
		return 0, 0, false, true
	default:
		return 0, 0, false, false
	}
}
