// Package plic declares the kernel-facing contract for the
// Platform-Level Interrupt Controller. The controller's register geometry
// (spec.md §6: interrupt 10 is UART, threshold 0, priority 1, claim/complete
// per context 2·hart_id+1) is owned by the boot/firmware layer; this
// package is the external-collaborator interface the trap dispatcher
// drives, per spec.md's Non-goals.
package plic

// Controller is the claim/complete protocol the trap dispatcher uses to
// service an external interrupt.
type Controller interface {
	// Claim returns the highest-priority pending interrupt source for the
	// given context, or ok=false if none is pending.
	Claim(contextID int) (irq int, ok bool)
	// Complete acknowledges service of irq on the given context.
	Complete(contextID int, irq int)
}

// UARTContext returns the claim/complete context id for a hart, per
// spec.md §6: "claim/complete per interrupt context 2·hart_id + 1".
func UARTContext(hartID int) int { return 2*hartID + 1 }
