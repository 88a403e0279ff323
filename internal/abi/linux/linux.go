// Package linux implements the Linux-compatible syscall ABI (C10): a7
// carries the syscall number, a0..a5 carry raw argument words, and the
// result is written into a0 as either a non-negative isize or a negated
// errno. Grounded on kernel/src/syscalls/linux/{mod,handler}.rs from
// original_source/ and, for the syscall-number vocabulary, the teacher's
// internal/linux/syscallnum package (read here from the opposite,
// guest-kernel side rather than the teacher's host-emulating side).
package linux

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/rv39kernel/internal/abi/linux/syscallnum"
	"github.com/tinyrange/rv39kernel/internal/cpu"
	"github.com/tinyrange/rv39kernel/internal/devices/uart"
	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/pagealloc"
	"github.com/tinyrange/rv39kernel/internal/memory/pagetable"
	"github.com/tinyrange/rv39kernel/internal/sched"
	"github.com/tinyrange/rv39kernel/internal/sleep"
	"github.com/tinyrange/rv39kernel/internal/tty"
)

// Clock is the tick source nanosleep deadlines are computed against. It has
// the same method set as sched.Clock, so one clock value satisfies both.
type Clock interface {
	NowTicks() uint64
}

// Dispatcher implements trap.LinuxHandler.
type Dispatcher struct {
	table     *sched.ProcessTable
	pageAlloc *pagealloc.Allocator
	sleeping  *sleep.Table
	stdin     *tty.StdinBuffer
	uart      uart.Device
	clock     Clock

	traceAllow map[string]bool
	logger     *slog.Logger

	zeroPage *zeroPage
}

// New returns a Linux-ABI dispatcher. traceAllow lists process names whose
// syscalls are logged with [SYSCALL ENTER]/[SYSCALL EXIT] lines (spec.md
// §4.10, "a configurable allow-list of process names enables per-process
// tracing").
func New(table *sched.ProcessTable, pageAlloc *pagealloc.Allocator, sleeping *sleep.Table, stdin *tty.StdinBuffer, uartDev uart.Device, clock Clock, traceAllow []string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	allow := make(map[string]bool, len(traceAllow))
	for _, n := range traceAllow {
		allow[n] = true
	}
	return &Dispatcher{
		table:      table,
		pageAlloc:  pageAlloc,
		sleeping:   sleeping,
		stdin:      stdin,
		uart:       uartDev,
		clock:      clock,
		traceAllow: allow,
		logger:     logger,
		zeroPage:   newZeroPage(pageAlloc),
	}
}

// call bundles the fixed set of values every per-syscall handler needs,
// so individual handler signatures don't each repeat (t, proc, pt, frame).
type call struct {
	t     *sched.Thread
	proc  *sched.Process
	pt    *pagetable.RootPageTableHolder
	frame *cpu.TrapFrame
	args  [6]uint64
}

// Handle decodes a7 and dispatches one Linux-ABI ecall.
func (d *Dispatcher) Handle(t *sched.Thread, frame *cpu.TrapFrame) sched.Outcome {
	proc := t.Process()
	if proc == nil {
		panic("linux: ecall from a thread with no process")
	}

	nr := int(frame.Get(cpu.A7))
	sc, ok := syscallnum.Lookup(nr)
	if !ok {
		panic(fmt.Sprintf("linux: unrecognized syscall number %d", nr))
	}

	c := call{
		t:    t,
		proc: proc,
		pt:   proc.PageTable,
		frame: frame,
		args: [6]uint64{
			frame.Get(cpu.A0), frame.Get(cpu.A1), frame.Get(cpu.A2),
			frame.Get(cpu.A3), frame.Get(cpu.A4), frame.Get(cpu.A5),
		},
	}

	traced := d.traceAllow[proc.Name]
	if traced {
		d.logger.Info("[SYSCALL ENTER]", "pid", proc.Pid, "syscall", sc, traceArgs(sc, c.args)...)
	}

	outcome, result := d.dispatch(sc, &c)

	if traced && outcome != sched.Pending {
		d.logger.Info("[SYSCALL EXIT]", "pid", proc.Pid, "syscall", sc, "result", result)
	}

	switch outcome {
	case sched.Completed:
		frame.Set(cpu.A0, uint64(result))
	case sched.Pending:
		// The handler has already installed t.SyscallTask; a0 is written
		// later by the scheduler once the task resolves.
	}
	return outcome
}

func (d *Dispatcher) dispatch(sc syscallnum.Syscall, c *call) (sched.Outcome, int64) {
	switch sc {
	case syscallnum.Read:
		return d.sysRead(c)
	case syscallnum.Write:
		return sched.Completed, d.sysWrite(c, addr.NewVirtAddr(c.args[1]), c.args[2])
	case syscallnum.Writev:
		return sched.Completed, d.sysWritev(c)
	case syscallnum.Brk:
		return sched.Completed, int64(c.proc.AdjustBrk(addr.NewVirtAddr(c.args[0])).Uint64())
	case syscallnum.Mmap:
		return sched.Completed, d.sysMmap(c)
	case syscallnum.Munmap:
		return sched.Completed, d.sysMunmap(c)
	case syscallnum.Ppoll:
		return sched.Completed, d.sysPpoll(c)
	case syscallnum.Nanosleep:
		return d.sysNanosleep(c)
	case syscallnum.RtSigaction:
		return sched.Completed, d.sysRtSigaction(c)
	case syscallnum.RtSigprocmask:
		return sched.Completed, d.sysRtSigprocmask(c)
	case syscallnum.Sigaltstack:
		return sched.Completed, d.sysSigaltstack(c)
	case syscallnum.SetTidAddress:
		c.t.ClearChildTid = ptrOrNil(c.args[0])
		return sched.Completed, int64(c.t.Tid)
	case syscallnum.ExitGroup:
		d.table.Kill(c.t.Tid, int(int8(c.args[0]&0xff)))
		return sched.Exited, 0
	case syscallnum.Gettid:
		return sched.Completed, int64(c.t.Tid)
	case syscallnum.Ioctl:
		return sched.Completed, d.sysIoctl(c)
	case syscallnum.Close:
		if err := c.proc.FdTable.Close(int(c.args[0])); err != nil {
			return sched.Completed, asErrno(err)
		}
		return sched.Completed, 0
	case syscallnum.Prctl:
		return sched.Completed, errno.EINVAL.Negated()
	}
	panic("linux: unreachable syscall dispatch")
}

func ptrOrNil(v uint64) *addr.VirtAddr {
	if v == 0 {
		return nil
	}
	a := addr.NewVirtAddr(v)
	return &a
}

// asErrno converts any error into its Linux-style negated a0 value. Every
// error this package raises internally is an errno.Errno; anything else is
// a programming mistake worth surfacing loudly in tests rather than
// silently mapping to EINVAL.
func asErrno(err error) int64 {
	e, ok := err.(errno.Errno)
	if !ok {
		panic(fmt.Sprintf("linux: non-errno error: %v", err))
	}
	return e.Negated()
}

// traceArgs formats a syscall's raw argument words for the [SYSCALL ENTER]
// line, per spec.md §4.10: "formatting each argument by declared kind
// (signed-decimal / hex / pointer)". Kinds are fixed per syscall, matching
// the argument shapes in §4.10's table.
func traceArgs(sc syscallnum.Syscall, args [6]uint64) []any {
	kinds := argKinds[sc]
	out := make([]any, 0, len(kinds)*2)
	for i, k := range kinds {
		out = append(out, fmt.Sprintf("a%d", i))
		switch k {
		case kindPtr:
			out = append(out, fmt.Sprintf("%#016x", args[i]))
		case kindHex:
			out = append(out, fmt.Sprintf("%#x", args[i]))
		default:
			out = append(out, int64(args[i]))
		}
	}
	return out
}

type argKind int

const (
	kindDec argKind = iota
	kindHex
	kindPtr
)

var argKinds = map[syscallnum.Syscall][]argKind{
	syscallnum.Read:          {kindDec, kindPtr, kindDec},
	syscallnum.Write:         {kindDec, kindPtr, kindDec},
	syscallnum.Writev:        {kindDec, kindPtr, kindDec},
	syscallnum.Brk:           {kindPtr},
	syscallnum.Mmap:          {kindPtr, kindDec, kindHex, kindHex, kindDec, kindDec},
	syscallnum.Munmap:        {kindPtr, kindDec},
	syscallnum.Ppoll:         {kindPtr, kindDec, kindPtr, kindPtr},
	syscallnum.Nanosleep:     {kindPtr, kindPtr},
	syscallnum.RtSigaction:   {kindDec, kindPtr, kindPtr},
	syscallnum.RtSigprocmask: {kindDec, kindPtr, kindPtr},
	syscallnum.Sigaltstack:   {kindPtr, kindPtr},
	syscallnum.SetTidAddress: {kindPtr},
	syscallnum.ExitGroup:     {kindDec},
	syscallnum.Gettid:        {},
	syscallnum.Ioctl:         {kindDec, kindHex, kindPtr},
	syscallnum.Close:         {kindDec},
	syscallnum.Prctl:         {kindDec},
}
