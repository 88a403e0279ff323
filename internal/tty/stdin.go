// Package tty implements the kernel-owned stdin byte queue: the shared
// resource spec.md §5 lists alongside the process table and UART, fed by
// the UART RX interrupt handler in the trap dispatcher and drained by the
// Linux ABI's read syscall on fd 0.
package tty

import (
	"sync"

	"github.com/tinyrange/rv39kernel/internal/wake"
)

// StdinBuffer is an unbounded byte queue behind one mutex.
type StdinBuffer struct {
	mu      sync.Mutex
	buf     []byte
	readers wake.List
}

// NewStdinBuffer returns an empty stdin buffer.
func NewStdinBuffer() *StdinBuffer { return &StdinBuffer{} }

// Push appends a byte received from the UART and wakes any blocked reader.
func (s *StdinBuffer) Push(b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, b)
	s.readers.WakeAll()
}

// Read drains up to len(buf) bytes. wouldBlock is true when nothing is
// buffered yet — the caller should register a waker via RegisterReader.
func (s *StdinBuffer) Read(buf []byte) (n int, wouldBlock bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return 0, true
	}
	n = copy(buf, s.buf)
	s.buf = s.buf[n:]
	return n, false
}

// RegisterReader queues w to be woken the next time a byte arrives.
func (s *StdinBuffer) RegisterReader(w wake.Waker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readers.Add(w)
}
