// Package sleep implements the deadline half of the kernel's timeout
// primitives: a table of (deadline, waker) pairs drained by the timer
// interrupt path, backing nanosleep's async syscall task (internal/abi/linux).
// Kept separate from internal/futex even though both are "park until an
// event, wake via a waker list" tables, because futex keys on a userspace
// address and sleep keys on a monotonic deadline that must be scanned in
// order rather than looked up by key.
package sleep

import (
	"sort"
	"sync"

	"github.com/tinyrange/rv39kernel/internal/wake"
)

type entry struct {
	deadline uint64
	w        wake.Waker
}

// Table is the global set of threads parked in nanosleep, ordered by
// deadline so Wake only has to scan the expired prefix.
type Table struct {
	mu      sync.Mutex
	entries []entry
}

// New returns an empty sleep table.
func New() *Table { return &Table{} }

// Register parks w until now (per the caller's clock) reaches deadline.
func (t *Table) Register(deadline uint64, w wake.Waker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].deadline > deadline })
	t.entries = append(t.entries, entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = entry{deadline: deadline, w: w}
}

// Wake notifies and removes every entry whose deadline has passed, called
// from the timer-interrupt path on every tick. Returns the count woken.
func (t *Table) Wake(now uint64) int {
	t.mu.Lock()
	i := 0
	for i < len(t.entries) && t.entries[i].deadline <= now {
		i++
	}
	expired := t.entries[:i]
	t.entries = t.entries[i:]
	t.mu.Unlock()

	for _, e := range expired {
		e.w.Wake()
	}
	return len(expired)
}
