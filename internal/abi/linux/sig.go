package linux

import (
	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/sched"
	"golang.org/x/sys/unix"
)

const nsig = 64

// sysRtSigaction implements rt_sigaction: stores/retrieves a sigaction per
// signal, storage only (no delivery mechanism — spec.md §9's Open
// Question). Rejects SIGKILL, SIGSTOP, and signals >= NSIG.
func (d *Dispatcher) sysRtSigaction(c *call) int64 {
	signum := int64(c.args[0])
	actPtr := addr.NewVirtAddr(c.args[1])
	oldActPtr := addr.NewVirtAddr(c.args[2])

	if signum <= 0 || signum >= nsig || signum == unix.SIGKILL || signum == unix.SIGSTOP {
		return errno.EINVAL.Negated()
	}

	if oldActPtr != 0 {
		old := c.t.SigActions[signum]
		var buf [24]byte
		putU64(buf[0:], old.Handler)
		putU64(buf[8:], old.Flags)
		putU64(buf[16:], old.Mask)
		if !c.pt.WriteBytes(oldActPtr, buf[:]) {
			return errno.EFAULT.Negated()
		}
	}

	if actPtr != 0 {
		data, ok := c.pt.ReadBytes(actPtr, 24)
		if !ok {
			return errno.EFAULT.Negated()
		}
		c.t.SigActions[signum] = sched.SigAction{
			Handler: leU64(data, 0),
			Flags:   leU64(data, 8),
			Mask:    leU64(data, 16),
		}
	}
	return 0
}

// sysRtSigprocmask implements rt_sigprocmask: SIG_BLOCK/SIG_UNBLOCK/SIG_SETMASK
// against the calling thread's signal mask.
func (d *Dispatcher) sysRtSigprocmask(c *call) int64 {
	how := int64(c.args[0])
	setPtr := addr.NewVirtAddr(c.args[1])
	oldSetPtr := addr.NewVirtAddr(c.args[2])

	if oldSetPtr != 0 {
		if !c.pt.WriteUint64(oldSetPtr, c.t.SigMask) {
			return errno.EFAULT.Negated()
		}
	}
	if setPtr == 0 {
		return 0
	}
	set, ok := c.pt.ReadUint64(setPtr)
	if !ok {
		return errno.EFAULT.Negated()
	}
	switch how {
	case unix.SIG_BLOCK:
		c.t.SigMask |= set
	case unix.SIG_UNBLOCK:
		c.t.SigMask &^= set
	case unix.SIG_SETMASK:
		c.t.SigMask = set
	default:
		return errno.EINVAL.Negated()
	}
	return 0
}

// sysSigaltstack implements sigaltstack: stores/retrieves the thread's
// alternate signal stack descriptor, storage only.
func (d *Dispatcher) sysSigaltstack(c *call) int64 {
	ssPtr := addr.NewVirtAddr(c.args[0])
	oldSSPtr := addr.NewVirtAddr(c.args[1])

	if oldSSPtr != 0 {
		var buf [24]byte
		putU64(buf[0:], c.t.SigAltStack.SP)
		putU64(buf[8:], c.t.SigAltStack.Flags)
		putU64(buf[16:], c.t.SigAltStack.Size)
		if !c.pt.WriteBytes(oldSSPtr, buf[:]) {
			return errno.EFAULT.Negated()
		}
	}
	if ssPtr != 0 {
		data, ok := c.pt.ReadBytes(ssPtr, 24)
		if !ok {
			return errno.EFAULT.Negated()
		}
		c.t.SigAltStack.SP = leU64(data, 0)
		c.t.SigAltStack.Flags = leU64(data, 8)
		c.t.SigAltStack.Size = leU64(data, 16)
	}
	return 0
}

// sysPpoll implements ppoll (spec.md §4.10): only fd in {0,1,2} with
// events=0 across every pollfd, and only a zero timeout (no blocking
// support); optionally swaps the thread's signal mask for the call's
// duration, then restores it. Always returns 0 (no fd ready).
func (d *Dispatcher) sysPpoll(c *call) int64 {
	fdsPtr := addr.NewVirtAddr(c.args[0])
	nfds := c.args[1]
	timeoutPtr := addr.NewVirtAddr(c.args[2])
	sigmaskPtr := addr.NewVirtAddr(c.args[3])

	const pollfdSize = 8
	for i := uint64(0); i < nfds; i++ {
		entry, ok := c.pt.ReadBytes(fdsPtr.Add(i*pollfdSize), pollfdSize)
		if !ok {
			return errno.EFAULT.Negated()
		}
		fdNum := int32(leU64(entry, 0))
		events := int16(uint16(entry[4]) | uint16(entry[5])<<8)
		if fdNum < 0 || fdNum > 2 || events != 0 {
			return errno.EINVAL.Negated()
		}
	}

	if timeoutPtr != 0 {
		ts, ok := c.pt.ReadBytes(timeoutPtr, 16)
		if !ok {
			return errno.EFAULT.Negated()
		}
		if leU64(ts, 0) != 0 || leU64(ts, 8) != 0 {
			return errno.EINVAL.Negated()
		}
	}

	if sigmaskPtr != 0 {
		mask, ok := c.pt.ReadUint64(sigmaskPtr)
		if !ok {
			return errno.EFAULT.Negated()
		}
		saved := c.t.SigMask
		c.t.SigMask = mask
		defer func() { c.t.SigMask = saved }()
	}

	return 0
}

// sysIoctl implements ioctl: only fd in {0,1,2}; TIOCGWINSZ returns ENOTTY
// (no real tty geometry to report), everything else EINVAL.
func (d *Dispatcher) sysIoctl(c *call) int64 {
	fdNum := int64(c.args[0])
	request := c.args[1]

	if fdNum < 0 || fdNum > 2 {
		return errno.EBADF.Negated()
	}
	if request == unix.TIOCGWINSZ {
		return errno.ENOTTY.Negated()
	}
	return errno.EINVAL.Negated()
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
