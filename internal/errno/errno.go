// Package errno defines the kernel's stable negative-errno vocabulary,
// shared by the native and Linux-compatible syscall ABIs. Values match
// golang.org/x/sys/unix's Linux errno numbering so they can be written
// directly into a0 without translation.
package errno

import "golang.org/x/sys/unix"

// Errno is a small positive errno value. The Linux ABI surfaces it to
// userspace as -int64(Errno) written into a0. The native ABI does not pass it
// to userspace; its handlers report failures through their own status codes.
type Errno int32

const (
	EBADF   Errno = Errno(unix.EBADF)
	EBADFD  Errno = Errno(unix.EBADFD)
	EINVAL  Errno = Errno(unix.EINVAL)
	EAGAIN  Errno = Errno(unix.EAGAIN)
	EEXIST  Errno = Errno(unix.EEXIST)
	EMFILE  Errno = Errno(unix.EMFILE)
	ENOTTY  Errno = Errno(unix.ENOTTY)
	ECHILD  Errno = Errno(unix.ECHILD)
	EPIPE   Errno = Errno(unix.EPIPE)
	EFAULT  Errno = Errno(unix.EFAULT)
	ENOMEM  Errno = Errno(unix.ENOMEM)
	ESRCH   Errno = Errno(unix.ESRCH)
	ENOEXEC Errno = Errno(unix.ENOEXEC)
	ENOSYS  Errno = Errno(unix.ENOSYS)
)

func (e Errno) Error() string { return unix.Errno(e).Error() }

// Negated returns the value to write into a0 for the Linux-style ABI: the
// negative of the errno number.
func (e Errno) Negated() int64 { return -int64(e) }
