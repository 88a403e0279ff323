// Package futex implements the kernel's futex wait/wake primitive (part of
// C12). WaitChild, the other half of C12, lives in package sched because it
// operates directly on the process table's zombie list; this package
// covers only the address-keyed waiter table spec.md §4.12 describes for
// futex_wait/futex_wake.
package futex

import (
	"sync"

	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/wake"
)

// key identifies one futex word: the owning thread's main tid (processes
// are single-address-space, so addr alone would collide across processes)
// plus the userspace address.
type key struct {
	mainTid uint64
	addr    addr.VirtAddr
}

// Table is the global futex waiter table.
type Table struct {
	mu      sync.Mutex
	waiters map[key]*wake.List
}

// New returns an empty futex table.
func New() *Table {
	return &Table{waiters: make(map[key]*wake.List)}
}

// Reader is the minimal memory-access capability futex needs: reading one
// 32-bit word from a validated userspace address. Implemented by the
// process's page table in practice.
type Reader interface {
	ReadUint32(v addr.VirtAddr) (uint32, bool)
}

// Wait implements futex_wait: if the word at vaddr no longer equals
// expected, it returns ready=true at once ("complete
// immediately with 0" per spec.md §4.12). Otherwise it registers w under
// (mainTid, vaddr) and returns ready=false (Pending).
func (t *Table) Wait(mem Reader, mainTid uint64, vaddr addr.VirtAddr, expected uint32, w wake.Waker) (ready bool) {
	cur, ok := mem.ReadUint32(vaddr)
	if !ok || cur != expected {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{mainTid: mainTid, addr: vaddr}
	l, ok := t.waiters[k]
	if !ok {
		l = &wake.List{}
		t.waiters[k] = l
	}
	l.Add(w)
	return false
}

// Wake implements futex_wake: wakes and removes up to count waiters
// registered on (mainTid, vaddr), returning the count actually woken.
func (t *Table) Wake(mainTid uint64, vaddr addr.VirtAddr, count int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{mainTid: mainTid, addr: vaddr}
	l, ok := t.waiters[k]
	if !ok {
		return 0
	}
	n := l.WakeN(count)
	if l.Len() == 0 {
		delete(t.waiters, k)
	}
	return n
}
