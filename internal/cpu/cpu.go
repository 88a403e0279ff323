// Package cpu implements per-hart state (C4): the trap frame slot, kernel
// stack, kernel SATP, CPU id, and the handle onto that hart's scheduler.
// Grounded on spec.md §4.4 ("a single static per hart, reachable through
// the supervisor scratch register") and on the sscratch-anchored per-hart
// state the teacher's internal/hv/riscv/rv64/cpu.go models from the
// hypervisor side of the same register. Dropping a State is a kernel bug,
// per spec.md §4.4 — there is deliberately no destructor; callers build one
// per hart at boot and never discard it.
package cpu

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/rv39kernel/internal/config"
)

// TrapFrame holds the 31 general-purpose registers (x1..x31) saved on
// kernel entry and restored on user return, plus the saved program counter.
// Register indices follow the standard RISC-V ABI names via the Register
// constants below.
type TrapFrame struct {
	Regs [31]uint64
	PC   uint64
}

// Register names the general-purpose registers, indexed the way the RISC-V
// calling convention names them (x1=ra ... x31=t6), offset by one since x0
// is hardwired zero and never saved.
type Register int

const (
	RA Register = iota
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

// Get reads a general-purpose register by ABI name.
func (f *TrapFrame) Get(r Register) uint64 { return f.Regs[r] }

// Set writes a general-purpose register by ABI name.
func (f *TrapFrame) Set(r Register, v uint64) { f.Regs[r] = v }

// Scheduler is the subset of sched.CpuScheduler that per-CPU state needs to
// reference without importing the sched package (which in turn references
// cpu.State), avoiding an import cycle.
type Scheduler interface {
	Schedule()
}

// IPI is the interface used to signal other harts; backed in production by
// an SBI sbi_send_ipi call (spec.md §6), injected here so cpu does not
// depend on the sbi package's concrete client.
type IPI interface {
	SendIPI(hartMask uint64)
}

// State is one hart's per-CPU block. On boot, assembly (external to this
// package, per spec.md §6) installs a pointer to a State into sscratch;
// every subsequent trap entry/exit saves or loads TrapFrame at a
// compile-time offset from that pointer. This package models the same
// contract without the assembly: callers hold the *State directly instead
// of recovering it from sscratch.
type State struct {
	mu sync.Mutex

	id int

	frame TrapFrame

	kernelSATP uint64
	stack      []byte // KernelStackSize bytes, top-of-stack at len(stack)

	scheduler Scheduler
	ipi       IPI

	timerEnabled     bool
	returnToUser     bool
	softwareIntClear bool

	logger *slog.Logger
}

// New allocates one hart's per-CPU state. id is the hart id (mhartid).
func New(id int, kernelSATP uint64, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		id:         id,
		kernelSATP: kernelSATP,
		stack:      make([]byte, config.KernelStackSize),
		logger:     logger.With("hart", id),
	}
}

// ID returns the hart id.
func (s *State) ID() int { return s.id }

// TrapFrame returns a pointer to the saved trap frame slot.
func (s *State) TrapFrame() *TrapFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &s.frame
}

// StackTop returns the address of the top of this hart's kernel stack (the
// stack grows down from here).
func (s *State) StackTop() uintptr {
	if len(s.stack) == 0 {
		return 0
	}
	return uintptr(len(s.stack))
}

// SetScheduler installs this hart's scheduler handle.
func (s *State) SetScheduler(sched Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler = sched
}

// Scheduler returns this hart's scheduler handle.
func (s *State) Scheduler() Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler
}

// SetIPI installs the IPI sender used by SendIPIToOthers.
func (s *State) SetIPI(ipi IPI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ipi = ipi
}

// KernelSATP returns the satp value for the kernel's own address space.
func (s *State) KernelSATP() uint64 { return s.kernelSATP }

// SendIPIToOthers issues an SBI IPI to every hart but this one, identified
// by hartMask with this hart's bit cleared.
func (s *State) SendIPIToOthers(allHartsMask uint64) {
	s.mu.Lock()
	ipi := s.ipi
	s.mu.Unlock()
	if ipi == nil {
		return
	}
	ipi.SendIPI(allHartsMask &^ (1 << uint(s.id)))
}

// SetTimerEnabled toggles the supervisor timer interrupt enable bit this
// hart tracks locally (the CSR write itself is issued by the trap/boot
// layer; this is bookkeeping consulted by the scheduler).
func (s *State) SetTimerEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerEnabled = v
}

// TimerEnabled reports the locally tracked timer-enable bit.
func (s *State) TimerEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timerEnabled
}

// SetReturnToUser toggles the bit that controls which privilege level
// sret drops to (sstatus.SPP).
func (s *State) SetReturnToUser(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnToUser = v
}

// ReturnToUser reports the tracked return-privilege bit.
func (s *State) ReturnToUser() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returnToUser
}

// ClearSoftwareInterruptPending clears SSIP, acknowledging an IPI.
func (s *State) ClearSoftwareInterruptPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.softwareIntClear = true
}

// WaitForInterrupt executes wfi. Modeled here as a logged no-op: the actual
// halt-until-interrupt instruction is issued by the boot/trap assembly,
// outside this package's scope.
func (s *State) WaitForInterrupt() {
	s.logger.Debug("wfi")
}
