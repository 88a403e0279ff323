// Package trap implements the trap dispatcher (C8): decoding scause into
// the interrupt/exception table from spec.md §4.8 and routing to the
// scheduler, the PLIC-claimed device, or one of the two syscall ABIs.
// Boot assembly installs the actual trap vector and reads scause/sepc/stval
// out of CSRs (spec.md's Non-goals place that outside this package); Handle
// accepts those three values as arguments instead, so the dispatch logic
// itself is exercised independent of any real trap entry stub.
package trap

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/rv39kernel/internal/cpu"
	"github.com/tinyrange/rv39kernel/internal/devices/plic"
	"github.com/tinyrange/rv39kernel/internal/devices/uart"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/sbi"
	"github.com/tinyrange/rv39kernel/internal/sched"
	"github.com/tinyrange/rv39kernel/internal/sleep"
	"github.com/tinyrange/rv39kernel/internal/tty"
)

// Interrupt bit and cause codes, ported from the scause encoding in the
// teacher's internal/hv/riscv/rv64/cpu.go (read from the opposite,
// CPU-emulating side of the same register).
const (
	interruptBit = uint64(1) << 63

	causeInstructionMisaligned = 0
	causeIllegalInstruction    = 2
	causeLoadMisaligned        = 4
	causeStoreMisaligned       = 6
	causeECallFromUMode        = 8
	causeInstructionPageFault  = 12
	causeLoadPageFault         = 13
	causeStorePageFault        = 15

	causeSupervisorSoftwareInterrupt = 1
	causeSupervisorTimerInterrupt    = 5
	causeSupervisorExternalInterrupt = 9
)

// nativeABIBit is the high bit of a0 that selects the native syscall ABI
// over the Linux-compatible one, per spec.md §4.9/§6.
const nativeABIBit = uint64(1) << 63

// NativeHandler dispatches an ecall using the native, typed ABI (C9).
type NativeHandler interface {
	Handle(t *sched.Thread, frame *cpu.TrapFrame) sched.Outcome
}

// LinuxHandler dispatches an ecall using the Linux-compatible ABI (C10).
type LinuxHandler interface {
	Handle(t *sched.Thread, frame *cpu.TrapFrame) sched.Outcome
}

// Dispatcher routes traps on one hart.
type Dispatcher struct {
	cpuState  *cpu.State
	scheduler *sched.CpuScheduler

	plic plic.Controller
	uart uart.Device
	stdin *tty.StdinBuffer

	sbiClient sbi.Client
	sleeping  *sleep.Table

	native NativeHandler
	linux  LinuxHandler

	logger *slog.Logger
}

// New returns a trap dispatcher for one hart. sleeping may be nil, in which
// case nanosleep's deadlines are never drained on this hart's timer tick
// (only relevant for single-hart test harnesses that never use nanosleep).
func New(cpuState *cpu.State, scheduler *sched.CpuScheduler, plicCtl plic.Controller, uartDev uart.Device, stdin *tty.StdinBuffer, sbiClient sbi.Client, sleeping *sleep.Table, native NativeHandler, linux LinuxHandler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cpuState:  cpuState,
		scheduler: scheduler,
		plic:      plicCtl,
		uart:      uartDev,
		stdin:     stdin,
		sbiClient: sbiClient,
		sleeping:  sleeping,
		native:    native,
		linux:     linux,
		logger:    logger,
	}
}

// FaultAction tags what Handle decided to do with a user fault, for
// callers (tests, or a thin harness) that want to observe the outcome
// without capturing log output.
type FaultAction int

const (
	ActionNone FaultAction = iota
	ActionScheduled
	ActionKilledProcess
	ActionPanic
)

// Handle decodes scause and routes the trap. sepc and stval are the values
// the boot trap-entry stub would have read from the sepc/stval CSRs.
func (d *Dispatcher) Handle(scause, sepc, stval uint64) FaultAction {
	if scause&interruptBit != 0 {
		return d.handleInterrupt(scause &^ interruptBit)
	}
	return d.handleException(scause, sepc, stval)
}

func (d *Dispatcher) handleInterrupt(cause uint64) FaultAction {
	switch cause {
	case causeSupervisorTimerInterrupt:
		if d.sleeping != nil {
			d.sleeping.Wake(d.scheduler.NowTicks())
		}
		d.scheduler.Schedule()
		return ActionScheduled
	case causeSupervisorSoftwareInterrupt:
		d.cpuState.ClearSoftwareInterruptPending()
		return ActionNone
	case causeSupervisorExternalInterrupt:
		d.handleExternalInterrupt()
		return ActionNone
	default:
		panic(fmt.Sprintf("trap: unrecognized interrupt cause %d", cause))
	}
}

func (d *Dispatcher) handleExternalInterrupt() {
	if d.plic == nil {
		return
	}
	ctx := plic.UARTContext(d.cpuState.ID())
	irq, ok := d.plic.Claim(ctx)
	if !ok {
		return
	}
	if b, ok := d.uart.TakeReceived(); ok {
		d.stdin.Push(b)
	}
	d.plic.Complete(ctx, irq)
}

func (d *Dispatcher) handleException(cause, sepc, stval uint64) FaultAction {
	switch cause {
	case causeECallFromUMode:
		d.handleEcall()
		return ActionNone
	case causeIllegalInstruction, causeInstructionMisaligned, causeLoadMisaligned, causeStoreMisaligned,
		causeInstructionPageFault, causeLoadPageFault, causeStorePageFault:
		return d.handleFault(cause, sepc, stval)
	default:
		panic(fmt.Sprintf("trap: unrecognized exception cause %d at sepc=%#x", cause, sepc))
	}
}

// handleFault implements spec.md §4.8's page-fault/illegal-instruction row:
// kill the offending process if the fault happened in userspace, else
// panic — a kernel-mode fault is always a kernel bug.
func (d *Dispatcher) handleFault(cause, sepc, stval uint64) FaultAction {
	proc := d.scheduler.Current().Process()
	if proc == nil || !proc.PageTable.IsUserspaceAddress(addr.NewVirtAddr(sepc)) {
		panic(fmt.Sprintf("trap: fault in kernel mode: cause=%d sepc=%#x stval=%#x", cause, sepc, stval))
	}
	d.logger.Warn("user fault, killing process", "cause", cause, "sepc", fmt.Sprintf("%#x", sepc), "stval", fmt.Sprintf("%#x", stval))
	d.scheduler.KillCurrentProcess(faultExitStatus(cause))
	d.scheduler.Schedule()
	return ActionKilledProcess
}

func faultExitStatus(cause uint64) int {
	// Exit status reflects the fault, matching spec.md §4.8's "exit status
	// reflects the fault": bit 7 set plus the raw cause, loosely mirroring
	// a POSIX fatal-signal convention without claiming real signal numbers.
	return 128 + int(cause)
}

func (d *Dispatcher) handleEcall() {
	t := d.scheduler.Current()
	frame := d.cpuState.TrapFrame()
	var outcome sched.Outcome
	if frame.Get(cpu.A0)&nativeABIBit != 0 {
		outcome = d.native.Handle(t, frame)
	} else {
		outcome = d.linux.Handle(t, frame)
	}
	switch outcome {
	case sched.Completed:
		frame.PC += 4
	case sched.Pending:
		t.Frame = *frame
		d.scheduler.Table().Suspend(t)
		d.scheduler.Schedule()
	case sched.Exited:
		d.scheduler.Schedule()
	}
}
