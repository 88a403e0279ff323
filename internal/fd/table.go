// Package fd implements the per-process file-descriptor table (C11): a
// closed tagged variant over {Stdin, Stdout, Stderr, UdpSocket, PipeRead,
// PipeWrite, UnboundUdpSocket} rather than an interface hierarchy, per
// spec.md §9's "deep inheritance / dynamic dispatch on descriptors →
// closed tagged variant, operations match on the tag" adaptation note.
// UDP sockets wrap the standard library's net.UDPConn: spec.md's own
// ARP/IPv4/UDP stack (§6 Network) is explicitly out of scope for this
// kernel core, so the descriptor variant is backed by a real socket
// instead of a hand-rolled one.
package fd

import (
	"net"
	"sync"

	"github.com/tinyrange/rv39kernel/internal/errno"
	"golang.org/x/sys/unix"
)

// Kind tags which variant a Descriptor holds.
type Kind int

const (
	KindStdin Kind = iota
	KindStdout
	KindStderr
	KindUDPSocket
	KindPipeRead
	KindPipeWrite
	KindUnboundUDPSocket
)

// OpenFlags is the O_NONBLOCK|O_CLOEXEC subset dup_to is allowed to carry.
type OpenFlags int

const (
	FlagNonblock OpenFlags = OpenFlags(unix.O_NONBLOCK)
	FlagCloexec  OpenFlags = OpenFlags(unix.O_CLOEXEC)
)

// Descriptor is one open file-descriptor entry.
type Descriptor struct {
	Kind  Kind
	Flags OpenFlags

	UDP  *net.UDPConn // KindUDPSocket
	Pipe *Pipe        // KindPipeRead, KindPipeWrite

	// LastRemote records the sender of the most recently received
	// datagram, so write_back_udp_socket can echo to whoever last wrote in
	// without the caller supplying a destination — mirroring the original
	// kernel's ARP-cache-backed get_from()/get_received_port() lookup,
	// which this port replaces with the host UDP stack's own return
	// address (KindUDPSocket only).
	LastRemote *net.UDPAddr
}

// Close runs the descriptor's close hook: half-closing a pipe end, or
// closing the underlying UDP socket. Stdio descriptors have no hook.
func (d *Descriptor) Close() error {
	switch d.Kind {
	case KindPipeRead:
		d.Pipe.CloseRead()
	case KindPipeWrite:
		d.Pipe.CloseWrite()
	case KindUDPSocket:
		if d.UDP != nil {
			return d.UDP.Close()
		}
	}
	return nil
}

func (d *Descriptor) clone(flags OpenFlags) *Descriptor {
	c := *d
	c.Flags = flags
	return &c
}

// Table is one process's file-descriptor table.
type Table struct {
	mu      sync.Mutex
	entries map[int]*Descriptor
}

// NewTable returns a table pre-seeded with fd 0/1/2 as Stdin/Stdout/Stderr.
func NewTable() *Table {
	t := &Table{entries: make(map[int]*Descriptor)}
	t.entries[0] = &Descriptor{Kind: KindStdin}
	t.entries[1] = &Descriptor{Kind: KindStdout}
	t.entries[2] = &Descriptor{Kind: KindStderr}
	return t
}

// Allocate installs d at the smallest unused non-negative integer and
// returns that fd.
func (t *Table) Allocate(d *Descriptor) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := 0
	for {
		if _, used := t.entries[fd]; !used {
			t.entries[fd] = d
			return fd
		}
		fd++
	}
}

// Get returns the descriptor installed at fd, if any.
func (t *Table) Get(fd int) (*Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.entries[fd]
	return d, ok
}

// DupTo closes any descriptor currently at newFd (running its close hook),
// then installs a clone of old's descriptor there, carrying only the
// O_NONBLOCK|O_CLOEXEC subset of flags.
func (t *Table) DupTo(oldFd, newFd int, flags OpenFlags) error {
	t.mu.Lock()
	src, ok := t.entries[oldFd]
	if !ok {
		t.mu.Unlock()
		return errno.EBADF
	}
	existing, hadExisting := t.entries[newFd]
	t.mu.Unlock()

	if hadExisting {
		_ = existing.Close()
	}

	t.mu.Lock()
	t.entries[newFd] = src.clone(flags & (FlagNonblock | FlagCloexec))
	t.mu.Unlock()
	return nil
}

// Close removes fd from the table and runs its close hook.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	d, ok := t.entries[fd]
	if ok {
		delete(t.entries, fd)
	}
	t.mu.Unlock()
	if !ok {
		return errno.EBADF
	}
	return d.Close()
}

// NewPipe allocates a connected pipe, installing its read end and write end
// as two fresh descriptors and returning their numbers.
func (t *Table) NewPipe() (readFd, writeFd int) {
	p := NewPipe()
	readFd = t.Allocate(&Descriptor{Kind: KindPipeRead, Pipe: p})
	writeFd = t.Allocate(&Descriptor{Kind: KindPipeWrite, Pipe: p})
	return readFd, writeFd
}

// CloseAll runs every entry's close hook and empties the table, used when a
// process exits.
func (t *Table) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int]*Descriptor)
	t.mu.Unlock()
	for _, d := range entries {
		_ = d.Close()
	}
}
