package sched

import (
	"log/slog"
	"sort"

	"github.com/tinyrange/rv39kernel/internal/config"
	"github.com/tinyrange/rv39kernel/internal/cpu"
	"github.com/tinyrange/rv39kernel/internal/sbi"
)

// Clock is the tick source used to compute the next timer deadline. A real
// boot would read mtime off the CLINT; here it's injected so the scheduler
// doesn't depend on a concrete device.
type Clock interface {
	NowTicks() uint64
}

// CpuScheduler is one hart's scheduler (C6): it owns no resources itself
// beyond a handle to the shared process table, the currently running
// thread, and a dedicated powersave (idle) thread, mirroring
// kernel/src/processes/scheduler.rs's CpuScheduler.
type CpuScheduler struct {
	id        int
	table     *ProcessTable
	cpuState  *cpu.State
	current   *Thread
	powersave *Thread
	logger    *slog.Logger

	sbiClient sbi.Client
	clock     Clock
}

// SetSBIClient installs the SBI client used to arm the next timer
// interrupt (spec.md §6: timer.sbi_set_timer(stime)).
func (s *CpuScheduler) SetSBIClient(c sbi.Client, clock Clock) {
	s.sbiClient = c
	s.clock = clock
}

// New returns a scheduler for the given hart, idling on its own dedicated
// powersave thread until the first schedule() call picks real work.
func New(id int, table *ProcessTable, cpuState *cpu.State, logger *slog.Logger) *CpuScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	powersave := &Thread{
		Tid:         0,
		ProcessName: "powersave",
		State:       ThreadState{Kind: StateRunning, CPU: id},
	}
	s := &CpuScheduler{
		id:        id,
		table:     table,
		cpuState:  cpuState,
		current:   powersave,
		powersave: powersave,
		logger:    logger.With("hart", id),
	}
	cpuState.SetScheduler(s)
	return s
}

// Current returns the thread presently assigned to this hart.
func (s *CpuScheduler) Current() *Thread { return s.current }

// NowTicks returns the current tick count from the scheduler's installed
// clock, or 0 if none has been set yet (before SetSBIClient runs at boot).
func (s *CpuScheduler) NowTicks() uint64 {
	if s.clock == nil {
		return 0
	}
	return s.clock.NowTicks()
}

// Table returns the shared process table this scheduler draws work from.
func (s *CpuScheduler) Table() *ProcessTable { return s.table }

// Schedule runs the invariant sequence from spec.md §4.6: park the
// outgoing thread (or release its address space if it died), then repeatedly
// pop the next runnable thread and poll any pending syscall task until one
// is found that can actually resume in user mode (or the powersave thread,
// if none is runnable), then program the next timer interrupt and install
// its trap frame and address space.
func (s *CpuScheduler) Schedule() {
	old := s.current
	if old != s.powersave && old.State.Kind != StateZombie {
		if proc := old.Process(); proc != nil {
			proc.PageTable.Deactivate()
		}
	}
	switch old.State.Kind {
	case StateRunning:
		if old.State.CPU == s.id && old != s.powersave {
			old.Frame = *s.cpuState.TrapFrame()
			s.table.pushRunnable(old)
		}
		// Otherwise another hart already reassigned it; don't overwrite.
	case StateZombie:
		s.table.ReleaseDeadAddressSpace(old)
	}

	var next *Thread
	for {
		t, ok := s.table.NextRunnable(s.id)
		if !ok {
			s.powersave.State = ThreadState{Kind: StateRunning, CPU: s.id}
			next = s.powersave
			break
		}
		if t.SyscallTask == nil {
			next = t
			break
		}
		w := s.table.NewThreadWaker(t)
		value, errVal, hasErr, ready := t.SyscallTask.Poll(w)
		if ready {
			t.SyscallTask = nil
			if hasErr {
				t.Frame.Set(cpu.A0, uint64(errVal.Negated()))
			} else {
				t.Frame.Set(cpu.A0, uint64(value))
			}
			t.Frame.PC += 4 // step past the ecall that triggered the syscall
			next = t
			break
		}
		s.table.parkWaiting(t)
	}

	s.current = next
	if proc := next.Process(); proc != nil {
		proc.PageTable.Activate()
	}

	idle := next == s.powersave
	s.programTimer(idle)

	*s.cpuState.TrapFrame() = next.Frame
	s.cpuState.SetReturnToUser(next != s.powersave)
}

func (s *CpuScheduler) programTimer(idle bool) {
	interval := config.TimesliceUser
	if idle {
		interval = config.TimesliceIdle
	}
	s.cpuState.SetTimerEnabled(true)
	if s.sbiClient == nil || s.clock == nil {
		s.logger.Debug("timer armed (no SBI client wired)", "interval_ns", interval)
		return
	}
	deadline := s.clock.NowTicks() + uint64(interval)
	if err := s.sbiClient.SetTimer(deadline); err != nil {
		s.logger.Warn("sbi_set_timer failed", "err", err)
	}
}

// KillCurrentProcess terminates the currently running thread's process
// with the given exit status. Per spec.md §4.6, this assumes the process
// has exactly one thread (ProcessTable.Kill panics otherwise).
func (s *CpuScheduler) KillCurrentProcess(status int) {
	s.table.Kill(s.current.Tid, status)
}

// SendCtrlC implements send_ctrl_c: kills the highest-tid live process
// whose name is not in allowList (interactive shells), then reschedules.
func (s *CpuScheduler) SendCtrlC(allowList []string) {
	allowed := make(map[string]bool, len(allowList))
	for _, n := range allowList {
		allowed[n] = true
	}

	candidates := s.table.liveProcessSnapshot()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Pid > candidates[j].Pid })
	for _, p := range candidates {
		if allowed[p.Name] {
			continue
		}
		s.table.Kill(p.MainTid, 130) // 128+SIGINT, conventional shell exit code
		s.Schedule()
		return
	}
}
