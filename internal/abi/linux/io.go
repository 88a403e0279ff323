package linux

import (
	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/fd"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/pagetable"
	"github.com/tinyrange/rv39kernel/internal/sched"
	"github.com/tinyrange/rv39kernel/internal/wake"
)

// byteSource is the read half shared by stdin and a pipe's read end: both
// *tty.StdinBuffer and *fd.Pipe already implement exactly this surface.
type byteSource interface {
	Read(buf []byte) (n int, wouldBlock bool)
	RegisterReader(w wake.Waker)
}

// sysRead implements read (spec.md §4.10): only fd 0 or a pipe read end;
// returns up to count bytes immediately, or yields a future woken by the
// next UART byte or pipe write/close.
func (d *Dispatcher) sysRead(c *call) (sched.Outcome, int64) {
	fdNum := int64(c.args[0])
	bufPtr := addr.NewVirtAddr(c.args[1])
	count := c.args[2]

	if count == 0 {
		return sched.Completed, 0
	}
	if !c.pt.IsValidUserspaceFatPtr(bufPtr, count, true) {
		return sched.Completed, errno.EFAULT.Negated()
	}

	var source byteSource
	switch fdNum {
	case 0:
		source = d.stdin
	default:
		desc, ok := c.proc.FdTable.Get(int(fdNum))
		if !ok || desc.Kind != fd.KindPipeRead {
			return sched.Completed, errno.EBADF.Negated()
		}
		source = desc.Pipe
	}

	task := &readTask{source: source, pt: c.pt, bufPtr: bufPtr, count: count}
	w := d.table.NewThreadWaker(c.t)
	value, errVal, hasErr, ready := task.Poll(w)
	if ready {
		if hasErr {
			return sched.Completed, errVal.Negated()
		}
		return sched.Completed, value
	}
	c.t.SyscallTask = task
	return sched.Pending, 0
}

// readTask is the SyscallTask backing a pending read.
type readTask struct {
	source byteSource
	pt     *pagetable.RootPageTableHolder
	bufPtr addr.VirtAddr
	count  uint64
}

func (r *readTask) Poll(w sched.Waker) (value int64, errVal errno.Errno, hasErr bool, ready bool) {
	buf := make([]byte, r.count)
	n, wouldBlock := r.source.Read(buf)
	if wouldBlock {
		r.source.RegisterReader(w)
		return 0, 0, false, false
	}
	if n > 0 && !r.pt.WriteBytes(r.bufPtr, buf[:n]) {
		return 0, errno.EFAULT, true, true
	}
	return int64(n), 0, false, true
}

// sysWrite implements write: only fd 1/2 (forwarded to the UART) or a pipe
// write end (appended, waking readers).
func (d *Dispatcher) sysWrite(c *call, bufPtr addr.VirtAddr, length uint64) int64 {
	return d.writeToFd(c, int64(c.args[0]), bufPtr, length)
}

func (d *Dispatcher) writeToFd(c *call, fdNum int64, bufPtr addr.VirtAddr, length uint64) int64 {
	if length == 0 {
		return 0
	}
	data, ok := c.pt.ReadBytes(bufPtr, length)
	if !ok {
		return errno.EFAULT.Negated()
	}

	switch fdNum {
	case 1, 2:
		for _, b := range data {
			d.uart.PutByte(b)
		}
		return int64(len(data))
	default:
		desc, ok := c.proc.FdTable.Get(int(fdNum))
		if !ok || desc.Kind != fd.KindPipeWrite {
			return errno.EBADF.Negated()
		}
		n, err := desc.Pipe.Write(data)
		if err != nil {
			return asErrno(err)
		}
		return int64(n)
	}
}

// sysWritev implements writev: gathers iovecs and writes each through the
// same fd-dispatch logic as write, stopping at the first error.
func (d *Dispatcher) sysWritev(c *call) int64 {
	fdNum := int64(c.args[0])
	iovPtr := addr.NewVirtAddr(c.args[1])
	iovcnt := c.args[2]

	const iovecSize = 16
	var total int64
	for i := uint64(0); i < iovcnt; i++ {
		entry, ok := c.pt.ReadBytes(iovPtr.Add(i*iovecSize), iovecSize)
		if !ok {
			return errno.EFAULT.Negated()
		}
		base := addr.NewVirtAddr(leU64(entry, 0))
		length := leU64(entry, 8)
		n := d.writeToFd(c, fdNum, base, length)
		if n < 0 {
			return n
		}
		total += n
	}
	return total
}

func leU64(b []byte, offset int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[offset+i]) << (8 * i)
	}
	return v
}
