// Package sbi models the kernel's side of the Supervisor Binary Interface:
// the small set of firmware calls spec.md §6 lists (timer.sbi_set_timer,
// ipi.sbi_send_ipi, hart_state.sbi_hart_start, base.get_spec_version). The
// firmware implementing these extensions is an external collaborator
// (spec.md's Non-goals); this package is the client contract the kernel
// calls through, plus the extension/function ID vocabulary, ported from
// the teacher's internal/hv/riscv/rv64/sbi.go (which implements the
// opposite, firmware-hosting side of the same protocol).
package sbi

// Extension IDs, per the SBI calling convention.
const (
	ExtBase          = 0x10
	ExtTimer         = 0x54494D45 // "TIME"
	ExtIPI           = 0x735049   // "sPI"
	ExtRFence        = 0x52464E43 // "RFNC"
	ExtHSM           = 0x48534D   // "HSM"
	ExtSRST          = 0x53525354 // "SRST"
	ExtLegacyPutchar = 0x01
	ExtLegacyGetchar = 0x02
)

// Base extension function IDs.
const (
	BaseGetSpecVersion = 0
	BaseGetImplID      = 1
	BaseGetImplVersion = 2
)

// Timer extension function IDs.
const TimerSetTimer = 0

// HSM extension function IDs.
const (
	HSMHartStart  = 0
	HSMHartStop   = 1
	HSMHartStatus = 2
)

// Error codes, per the SBI spec.
const (
	Success           = 0
	ErrFailed         = -1
	ErrNotSupported   = -2
	ErrInvalidParam   = -3
	ErrDenied         = -4
	ErrInvalidAddress = -5
	ErrAlreadyAvail   = -6
)

// Error wraps a non-success SBI return code.
type Error int64

func (e Error) Error() string {
	switch int64(e) {
	case ErrNotSupported:
		return "sbi: not supported"
	case ErrInvalidParam:
		return "sbi: invalid parameter"
	case ErrDenied:
		return "sbi: denied"
	case ErrInvalidAddress:
		return "sbi: invalid address"
	case ErrAlreadyAvail:
		return "sbi: already available"
	default:
		return "sbi: failed"
	}
}

// Client is the set of SBI calls the kernel issues. A real implementation
// executes the RISC-V `ecall` instruction with a7/a6 set to the
// extension/function id; that instruction-level detail is boot-stub/
// assembly territory, out of this package's scope.
type Client interface {
	// SetTimer arms the next supervisor timer interrupt for this hart at
	// the given absolute time.
	SetTimer(deadline uint64) error
	// SendIPI signals a supervisor software interrupt to every hart set in
	// hartMask (relative to hartMaskBase).
	SendIPI(hartMask, hartMaskBase uint64) error
	// HartStart boots a secondary hart at entry with a0=opaque.
	HartStart(hartID int, entry, opaque uint64) error
	// SpecVersion returns the firmware's supported SBI spec version.
	SpecVersion() (major, minor uint32, err error)
	// ConsolePutChar uses the legacy putchar extension as a fallback
	// console, for early-boot diagnostics before the UART driver is live.
	ConsolePutChar(b byte)
}
