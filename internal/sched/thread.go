// Package sched implements the process/thread tables (C5), the per-hart
// scheduler (C6), and the async syscall task executor (C7). Grounded on
// kernel/src/processes/{process,thread,scheduler}.rs from original_source/,
// adapted per spec.md §9: cyclic process↔thread references become strong
// references in the containment direction (process owns its threads) and
// weak references in reverse (thread holds a weak reference to its
// process), using the standard library's weak package instead of a
// hand-rolled reference-counted pointer.
package sched

import (
	"weak"

	"github.com/tinyrange/rv39kernel/internal/cpu"
	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
)

// ThreadStateKind tags a Thread's scheduling state.
type ThreadStateKind int

const (
	StateRunnable ThreadStateKind = iota
	StateRunning
	StateWaiting
	StateZombie
)

// ThreadState is the tagged thread-state record from spec.md's Data Model:
// Running carries the owning CPU id, Zombie carries the exit status.
type ThreadState struct {
	Kind       ThreadStateKind
	CPU        int
	ExitStatus int
}

// SyscallTask is a suspended syscall of either ABI: a pinned future with output
// Result<isize, Errno> in the source terminology. Poll is called by the
// scheduler with the thread's own waker; w is passed explicitly (rather
// than via a context struct) since Go has no implicit task-local storage.
type SyscallTask interface {
	Poll(w Waker) (value int64, errVal errno.Errno, hasErr bool, ready bool)
}

// Waker is the futex/pipe/scheduler waker contract (internal/wake.Waker),
// named locally so syscall task implementations in other packages don't
// need to import both wake and sched.
type Waker interface {
	Wake()
}

const nsig = 64

// SigAction mirrors a POSIX struct sigaction closely enough to satisfy
// spec.md §4.10's rt_sigaction: storage only, no delivery mechanism (per
// spec.md §9's open question, these fields are "state-only, readable").
type SigAction struct {
	Handler uint64
	Flags   uint64
	Mask    uint64
}

// Thread is one schedulable unit of execution.
type Thread struct {
	Tid         uint64
	Pid         uint64
	ProcessName string

	Frame cpu.TrapFrame
	State ThreadState

	InKernelMode bool

	SyscallTask   SyscallTask
	wakeupPending bool

	processRef weak.Pointer[Process]

	ClearChildTid *addr.VirtAddr

	SigAltStack struct {
		SP    uint64
		Flags uint64
		Size  uint64
	}
	SigMask    uint64
	SigActions [nsig]SigAction
}

// Process returns the owning process, or nil if it has already been torn
// down (the weak reference has been cleared).
func (t *Thread) Process() *Process { return t.processRef.Value() }

// waker is the per-thread idempotent waker the scheduler hands to
// SyscallTask.Poll and registers with futex/pipe waiter lists. A duplicate
// Wake while the thread is not Waiting only sets wakeupPending, matching
// spec.md §5 ("duplicate wakes are absorbed by wakeup_pending").
type waker struct {
	thread weak.Pointer[Thread]
	table  *ProcessTable
}

func (w *waker) Wake() {
	t := w.thread.Value()
	if t == nil {
		return
	}
	w.table.mu.Lock()
	defer w.table.mu.Unlock()
	if t.State.Kind == StateWaiting {
		t.State = ThreadState{Kind: StateRunnable}
		w.table.runQueue = append(w.table.runQueue, t)
	} else {
		t.wakeupPending = true
	}
}
