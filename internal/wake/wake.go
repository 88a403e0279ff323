// Package wake defines the minimal waker contract shared by every
// subsystem that can suspend a thread pending some event (pipes, futexes,
// the scheduler's async syscall tasks). Kept separate from sched so that
// lower-level packages (fd, futex) can register wakers without importing
// the scheduler, per spec.md §9's "wakers are per-thread and idempotent"
// design note.
package wake

// Waker is notified when the event a thread suspended on has occurred. A
// single Wake call must be safe to invoke more than once (idempotent);
// implementations are responsible for collapsing duplicate wakes, as
// spec.md §5 requires ("duplicate wakes are absorbed by wakeup_pending").
type Waker interface {
	Wake()
}

// List is a collection of wakers pending on one event, kept in registration
// order and drained under the owning subsystem's own lock.
type List struct {
	wakers []Waker
}

// Add registers w to be notified on the next WakeAll/WakeN.
func (l *List) Add(w Waker) {
	l.wakers = append(l.wakers, w)
}

// Len reports the number of currently registered wakers.
func (l *List) Len() int { return len(l.wakers) }

// WakeAll notifies and removes every registered waker, returning the count.
func (l *List) WakeAll() int {
	return l.WakeN(len(l.wakers))
}

// WakeN notifies and removes up to n registered wakers (oldest first),
// returning the count actually woken — min(n, len(l.wakers)), matching the
// futex_wake contract in spec.md §4.12/§8.
func (l *List) WakeN(n int) int {
	if n > len(l.wakers) {
		n = len(l.wakers)
	}
	for i := 0; i < n; i++ {
		l.wakers[i].Wake()
	}
	l.wakers = l.wakers[n:]
	return n
}
