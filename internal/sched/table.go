package sched

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"weak"

	"github.com/tinyrange/rv39kernel/internal/cpu"
	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/fd"
	"github.com/tinyrange/rv39kernel/internal/futex"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
	"github.com/tinyrange/rv39kernel/internal/memory/pagealloc"
	"github.com/tinyrange/rv39kernel/internal/memory/pagetable"
	"github.com/tinyrange/rv39kernel/internal/wake"
)

type zombieEntry struct {
	tid    uint64
	status int
}

// ProcessTable is the process table of spec.md §4.5: one instance owns
// every live process (strong references) and the global FIFO run queue.
// Not a package-level global — the kernel's single instance is built once
// at boot and threaded explicitly to every CpuScheduler,
// avoiding hidden mutable package state.
type ProcessTable struct {
	mu sync.Mutex

	processes map[uint64]*Process
	runQueue  []*Thread
	nextPid   uint64

	// zombies maps a parent tid to its exited-but-unreaped children.
	zombies map[uint64][]zombieEntry
	// waitWakers maps a parent tid to threads blocked in WaitChild.
	waitWakers map[uint64]*wake.List

	futex     *futex.Table
	pageAlloc *pagealloc.Allocator

	logger *slog.Logger
}

// NewTable returns an empty process table. pageAlloc may be nil (as in
// tests that build their own page tables directly, without going through
// package loader); Kill then skips releasing data pages rather than
// dereferencing a nil allocator.
func NewTable(futexTable *futex.Table, logger *slog.Logger) *ProcessTable {
	return NewTableWithAllocator(futexTable, nil, logger)
}

// NewTableWithAllocator is NewTable plus the physical page allocator Kill
// needs to release a process's data pages (stack, PT_LOAD segments, brk,
// mmap regions) on exit, mirroring Drop for Process in
// kernel/src/processes/process.rs (original_source/).
func NewTableWithAllocator(futexTable *futex.Table, pageAlloc *pagealloc.Allocator, logger *slog.Logger) *ProcessTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessTable{
		processes:  make(map[uint64]*Process),
		zombies:    make(map[uint64][]zombieEntry),
		waitWakers: make(map[uint64]*wake.List),
		nextPid:    1,
		futex:      futexTable,
		pageAlloc:  pageAlloc,
		logger:     logger,
	}
}

// NewThreadWaker returns a waker bound to t, suitable for registering with
// a futex, pipe, or nanosleep timer so that waking it reschedules t.
func (pt *ProcessTable) NewThreadWaker(t *Thread) Waker {
	return &waker{thread: weak.Make(t), table: pt}
}

// StartProgram registers a freshly loaded process (built by package loader)
// and its main thread, and pushes that thread onto the run queue. Returns
// the assigned tid (== pid, since every process's main thread shares its
// process's identifier in this kernel, as in the source). allocatedPages is
// Loaded.AllocatedPages — the stack/segment/brk pages package loader
// allocated — kept on the Process so Kill can release them on exit; callers
// that build a page table by hand (tests) may pass nil.
func (pt *ProcessTable) StartProgram(name string, parentTid uint64, pageTable *pagetable.RootPageTableHolder, fdTable *fd.Table, brkStart addr.VirtAddr, entryPC, initialSP uint64, allocatedPages []*page.PinnedHeapPages) uint64 {
	pt.mu.Lock()
	pid := pt.nextPid
	pt.nextPid++
	pt.mu.Unlock()

	proc := newProcess(pid, name, pageTable, fdTable, brkStart, parentTid, allocatedPages)
	t := &Thread{
		Tid:         pid,
		Pid:         pid,
		ProcessName: name,
		State:       ThreadState{Kind: StateRunnable},
	}
	t.Frame.PC = entryPC
	t.Frame.Set(cpu.SP, initialSP)
	t.processRef = weak.Make(proc)
	proc.addThread(t)

	pt.mu.Lock()
	pt.processes[pid] = proc
	pt.runQueue = append(pt.runQueue, t)
	pt.mu.Unlock()

	pt.logger.Info("process started", "pid", pid, "name", name)
	return pid
}

// NextRunnable pops the head of the run queue and transitions it to
// Running{cpuID}, or reports ok=false if the queue is empty.
func (pt *ProcessTable) NextRunnable(cpuID int) (*Thread, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if len(pt.runQueue) == 0 {
		return nil, false
	}
	t := pt.runQueue[0]
	pt.runQueue = pt.runQueue[1:]
	t.State = ThreadState{Kind: StateRunning, CPU: cpuID}
	return t, true
}

// pushRunnable re-queues a thread the scheduler just demoted from Running
// back to Runnable.
func (pt *ProcessTable) pushRunnable(t *Thread) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	t.State = ThreadState{Kind: StateRunnable}
	pt.runQueue = append(pt.runQueue, t)
}

// parkWaiting transitions a thread the scheduler just polled-and-found-
// pending into Waiting. The thread keeps its SyscallTask so the next poll
// resumes the same future; it leaves the run queue until some waker
// (futex, pipe, timer) moves it back to Runnable.
func (pt *ProcessTable) parkWaiting(t *Thread) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	t.State = ThreadState{Kind: StateWaiting}
}

// liveProcessSnapshot returns a stable copy of the live process set, for
// callers (like send_ctrl_c) that need to scan it without holding the
// table lock across further Kill calls.
func (pt *ProcessTable) liveProcessSnapshot() []*Process {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make([]*Process, 0, len(pt.processes))
	for _, p := range pt.processes {
		out = append(out, p)
	}
	return out
}

// IsEmpty reports whether there are no live processes left — the trigger
// for a clean shutdown (spec.md §4.6's prepare_next_process / §8 scenario
// "exit" ends with "shutting down system").
func (pt *ProcessTable) IsEmpty() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.processes) == 0
}

// GetThread looks up a thread by tid across all live processes.
func (pt *ProcessTable) GetThread(tid uint64) (*Thread, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, p := range pt.processes {
		p.mu.Lock()
		t, ok := p.threads[tid]
		p.mu.Unlock()
		if ok {
			return t, true
		}
	}
	return nil, false
}

// Kill marks the given thread's process as exited with status, frees its
// data pages (stack, PT_LOAD segments, brk region, and any live mmap
// regions), closes its file descriptors, wakes any futex waiter on its
// clear_child_tid address, and notifies wait wakers registered by its
// parent. It panics if the thread's process has more than one thread:
// multi-threaded teardown order is an open question the source leaves
// unresolved (spec.md §9), so this kernel only supports killing
// single-threaded processes, matching kill_current_process's documented
// assumption in scheduler.rs. Freeing data pages here, rather than in
// ReleaseDeadAddressSpace, mirrors Drop for Process in
// kernel/src/processes/process.rs (original_source/): the page-table nodes
// themselves stay live until the address space is no longer any hart's
// active SATP (ReleaseDeadAddressSpace), but the pages they map can be
// reclaimed as soon as the process is dead, per spec.md §4.5 ("kill ...
// frees its pages").
func (pt *ProcessTable) Kill(tid uint64, status int) {
	t, ok := pt.GetThread(tid)
	if !ok {
		return
	}
	proc := t.Process()
	if proc == nil {
		return
	}
	if proc.ThreadCount() != 1 {
		panic("sched: Kill of a thread in a multi-threaded process is unsupported")
	}

	t.State = ThreadState{Kind: StateZombie, ExitStatus: status}

	if t.ClearChildTid != nil {
		addrVal := *t.ClearChildTid
		if t.wakeupPending {
			t.wakeupPending = false
		}
		if proc.PageTable != nil {
			proc.PageTable.WriteUint32(addrVal, 0)
		}
		if pt.futex != nil {
			pt.futex.Wake(t.Tid, addrVal, 1<<30)
		}
	}

	for _, pages := range proc.AllocatedPages {
		pt.releasePages(pages)
	}
	for _, region := range proc.DrainMmapAllocations() {
		if !region.shared {
			pt.releasePages(region.pages)
		}
	}

	proc.FdTable.CloseAll()

	pt.mu.Lock()
	pt.zombies[proc.ParentTid] = append(pt.zombies[proc.ParentTid], zombieEntry{tid: t.Tid, status: status})
	w, hasWaker := pt.waitWakers[proc.ParentTid]
	if hasWaker {
		w.WakeAll()
		delete(pt.waitWakers, proc.ParentTid)
	}
	delete(pt.processes, proc.Pid)
	pt.mu.Unlock()

	pt.logger.Info("process exited", "pid", proc.Pid, "status", status)
}

// releasePages returns pages to the physical page allocator. A nil
// pageAlloc (tests that build a page table by hand, without package
// loader) or a nil pages entry is a silent no-op.
func (pt *ProcessTable) releasePages(pages *page.PinnedHeapPages) {
	if pt.pageAlloc == nil || pages == nil {
		return
	}
	pt.pageAlloc.Dealloc(pages.Addr(), pages.Size()/page.Size)
}

// ReleaseDeadAddressSpace deactivates and destroys a zombie thread's
// address space. Called by the scheduler once the thread is no longer the
// active SATP on any hart (spec.md §4.6 step 1: a thread whose state is not
// Running{this_cpu} when the scheduler looks at it was "already
// stolen/woken ... or suspended itself"; Zombie is the remaining case,
// handled here instead of being silently skipped).
func (pt *ProcessTable) ReleaseDeadAddressSpace(t *Thread) {
	proc := t.Process()
	if proc == nil {
		return
	}
	proc.PageTable.Deactivate()
	proc.PageTable.Destroy()
}

// TakeZombie implements take_zombie: returns and removes one zombie child
// of parentTid, filtered by pid (-1 matches any child).
func (pt *ProcessTable) TakeZombie(parentTid uint64, pid int64) (childTid uint64, status int, ok bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	list := pt.zombies[parentTid]
	for i, z := range list {
		if pid != -1 && int64(z.tid) != pid {
			continue
		}
		list[i] = list[len(list)-1]
		pt.zombies[parentTid] = list[:len(list)-1]
		return z.tid, z.status, true
	}
	return 0, 0, false
}

// HasAnyChildOf reports whether parentTid has any live or zombie child.
func (pt *ProcessTable) HasAnyChildOf(parentTid uint64) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if len(pt.zombies[parentTid]) > 0 {
		return true
	}
	for _, p := range pt.processes {
		if p.ParentTid == parentTid {
			return true
		}
	}
	return false
}

// RegisterWaitWaker queues w to be woken the next time any child of
// parentTid becomes a zombie.
func (pt *ProcessTable) RegisterWaitWaker(parentTid uint64, w wake.Waker) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	l, ok := pt.waitWakers[parentTid]
	if !ok {
		l = &wake.List{}
		pt.waitWakers[parentTid] = l
	}
	l.Add(w)
}

// WaitResult tags the outcome of WaitChild.
type WaitResult int

const (
	WaitReady WaitResult = iota
	WaitPending
	WaitNoChildYet
)

// WaitChild implements the wait/waitpid half of C12: if a matching zombie
// child exists, returns it immediately (WaitReady). Otherwise, if no child
// (live or zombie) matches at all, returns an ECHILD error. Otherwise, a
// live child exists but hasn't exited: with nohang set, returns
// WaitNoChildYet (tid 0, status 0); without it, registers w and returns
// WaitPending.
func (pt *ProcessTable) WaitChild(parentTid uint64, pid int64, nohang bool, w wake.Waker) (childTid uint64, status int, result WaitResult, err error) {
	if tid, st, ok := pt.TakeZombie(parentTid, pid); ok {
		return tid, st, WaitReady, nil
	}
	if !pt.HasAnyChildOf(parentTid) {
		return 0, 0, WaitReady, errno.ECHILD
	}
	if nohang {
		return 0, 0, WaitNoChildYet, nil
	}
	pt.RegisterWaitWaker(parentTid, w)
	return 0, 0, WaitPending, nil
}

// Dump renders a diagnostic listing of every live process and thread.
func (pt *ProcessTable) Dump() string {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var b strings.Builder
	for pid, p := range pt.processes {
		fmt.Fprintf(&b, "pid=%d name=%q threads=%d\n", pid, p.Name, p.ThreadCount())
	}
	return b.String()
}
