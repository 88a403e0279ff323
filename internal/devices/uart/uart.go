// Package uart declares the kernel-facing contract for the 16550-compatible
// UART described in spec.md §6. The UART device itself — register layout,
// MMIO, baud-divisor programming — is an external collaborator out of
// scope for this kernel core (spec.md's Non-goals list UART as a driver to
// be treated as an interface only); this package is that interface.
package uart

// Device is the minimal surface the trap dispatcher and the Linux ABI's
// stdio handling need from the UART.
type Device interface {
	// PutByte transmits one byte (spec.md §4.10 write: "forwards bytes to
	// the UART").
	PutByte(b byte)
	// TakeReceived returns the byte that triggered the most recent RX
	// interrupt, consumed once by the trap dispatcher's PLIC claim handler.
	TakeReceived() (b byte, ok bool)
}
