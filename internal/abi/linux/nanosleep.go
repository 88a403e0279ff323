package linux

import (
	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/sched"
	"github.com/tinyrange/rv39kernel/internal/sleep"
)

// sysNanosleep implements nanosleep (spec.md §4.10): validates the request,
// then yields a future completing once the scheduler's clock reaches the
// deadline. The "remaining time" output (rem) is never written — this
// kernel has no signal-delivery mechanism to interrupt a sleep early
// (spec.md's Non-goals), so a sleep always runs to completion and rem
// would always read back zero.
func (d *Dispatcher) sysNanosleep(c *call) (sched.Outcome, int64) {
	reqPtr := addr.NewVirtAddr(c.args[0])
	req, ok := c.pt.ReadBytes(reqPtr, 16)
	if !ok {
		return sched.Completed, errno.EFAULT.Negated()
	}
	tvSec := int64(leU64(req, 0))
	tvNsec := int64(leU64(req, 8))
	if tvSec < 0 || tvNsec < 0 || tvNsec >= 1_000_000_000 {
		return sched.Completed, errno.EINVAL.Negated()
	}

	deadline := d.clock.NowTicks() + uint64(tvSec)*1_000_000_000 + uint64(tvNsec)
	task := &sleepTask{sleeping: d.sleeping, clock: d.clock, deadline: deadline}
	w := d.table.NewThreadWaker(c.t)
	if _, _, _, ready := task.Poll(w); ready {
		return sched.Completed, 0
	}
	c.t.SyscallTask = task
	return sched.Pending, 0
}

// sleepTask is the SyscallTask backing a pending nanosleep. It registers
// itself with the shared sleep table exactly once, on its first Poll (the
// one the ecall site performs before suspending); the timer-interrupt path
// (internal/trap) drains the table and re-wakes the thread once the
// deadline has passed.
type sleepTask struct {
	sleeping   *sleep.Table
	clock      Clock
	deadline   uint64
	registered bool
}

func (s *sleepTask) expired() bool { return s.clock.NowTicks() >= s.deadline }

func (s *sleepTask) Poll(w sched.Waker) (value int64, errVal errno.Errno, hasErr bool, ready bool) {
	if s.expired() {
		return 0, 0, false, true
	}
	if !s.registered {
		s.sleeping.Register(s.deadline, w)
		s.registered = true
	}
	return 0, 0, false, false
}
