// Package virtionet declares the kernel-facing contract for the virtio-net
// PCI device described in spec.md §6. Queue/descriptor management, PCI
// capability negotiation (VIRTIO_F_VERSION_1 | VIRTIO_NET_F_MAC), and the
// 12-byte virtio_net_hdr framing are owned by the device driver, which
// spec.md's Non-goals place out of scope for this kernel core; this
// package is the external-collaborator interface the network stack (out of
// scope itself, beyond the UDP socket descriptor) would drive.
package virtionet

// Device is the minimal frame-level surface above the virtio-net queues.
type Device interface {
	// Send transmits one Ethernet frame (the virtio_net_hdr is the
	// driver's concern, not the caller's).
	Send(frame []byte) error
	// Recv returns the next received frame, or ok=false if the RX queue is
	// empty.
	Recv() (frame []byte, ok bool)
	// MAC returns the device's negotiated MAC address.
	MAC() [6]byte
}
