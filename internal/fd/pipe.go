package fd

import (
	"sync"

	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/wake"
)

// Pipe is the shared buffer behind a PipeRead/PipeWrite descriptor pair.
// Writes are unbounded (no backpressure, matching spec.md §4.10's "appends
// and wakes readers"); reads drain from the front.
type Pipe struct {
	mu sync.Mutex

	buf []byte

	writeClosed bool
	readClosed  bool

	readers wake.List
}

// NewPipe returns a fresh, empty pipe.
func NewPipe() *Pipe { return &Pipe{} }

// Write appends p to the pipe and wakes any blocked readers. It returns
// EPIPE if the read end has already been closed (spec.md §8: "write after
// close_read returns EPIPE").
func (p *Pipe) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readClosed {
		return 0, errno.EPIPE
	}
	p.buf = append(p.buf, data...)
	p.readers.WakeAll()
	return len(data), nil
}

// Read drains up to len(buf) bytes. wouldBlock is true when the pipe is
// empty and still open for writing — the caller should register a waker
// via RegisterReader and retry later. A read against an empty, write-closed
// pipe returns (0, false): EOF, per spec.md §8.
func (p *Pipe) Read(buf []byte) (n int, wouldBlock bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		if p.writeClosed {
			return 0, false
		}
		return 0, true
	}
	n = copy(buf, p.buf)
	p.buf = p.buf[n:]
	return n, false
}

// RegisterReader queues w to be woken the next time data is written or the
// write end closes.
func (p *Pipe) RegisterReader(w wake.Waker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readers.Add(w)
}

// CloseWrite marks the write end closed: subsequent empty reads return EOF
// immediately. Readers are woken so a pending read can observe EOF.
func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeClosed = true
	p.readers.WakeAll()
}

// CloseRead marks the read end closed: subsequent writes return EPIPE.
func (p *Pipe) CloseRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readClosed = true
}
