package linux

import (
	"testing"

	"github.com/tinyrange/rv39kernel/internal/abi/linux/syscallnum"
	"github.com/tinyrange/rv39kernel/internal/errno"
	"github.com/tinyrange/rv39kernel/internal/fd"
	"github.com/tinyrange/rv39kernel/internal/futex"
	"github.com/tinyrange/rv39kernel/internal/memory/addr"
	"github.com/tinyrange/rv39kernel/internal/memory/page"
	"github.com/tinyrange/rv39kernel/internal/memory/pagealloc"
	"github.com/tinyrange/rv39kernel/internal/memory/pagetable"
	"github.com/tinyrange/rv39kernel/internal/sched"
	"github.com/tinyrange/rv39kernel/internal/sleep"
	"github.com/tinyrange/rv39kernel/internal/tty"
)

// fakeUart is a minimal uart.Device recording every byte sysWrite forwards
// to fd 1/2.
type fakeUart struct {
	out []byte
}

func (f *fakeUart) PutByte(b byte)              { f.out = append(f.out, b) }
func (f *fakeUart) TakeReceived() (byte, bool) { return 0, false }

// fakeClock is a settable Clock for nanosleep tests.
type fakeClock struct{ now uint64 }

func (c *fakeClock) NowTicks() uint64 { return c.now }

type testKernel struct {
	table     *sched.ProcessTable
	pageAlloc *pagealloc.Allocator
	pt        *pagetable.RootPageTableHolder
	proc      *sched.Process
	thread    *sched.Thread
	uart      *fakeUart
	stdin     *tty.StdinBuffer
	clock     *fakeClock
	sleeping  *sleep.Table
	d         *Dispatcher
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()
	arena := make([]byte, 256*page.Size)
	pa := pagealloc.New(addr.NewPhysAddr(0x9000_0000), arena, nil)
	table := sched.NewTableWithAllocator(futex.New(), pa, nil)
	pt := pagetable.NewEmpty(pa)
	fdt := fd.NewTable()
	pid := table.StartProgram("test", 0, pt, fdt, addr.NewVirtAddr(0x1000), 0x1000, 0x3000_0000, nil)
	thread, _ := table.GetThread(pid)
	proc := thread.Process()

	uartDev := &fakeUart{}
	stdin := tty.NewStdinBuffer()
	clock := &fakeClock{}
	sleeping := sleep.New()

	d := New(table, pa, sleeping, stdin, uartDev, clock, nil, nil)

	return &testKernel{
		table: table, pageAlloc: pa, pt: pt, proc: proc, thread: thread,
		uart: uartDev, stdin: stdin, clock: clock, sleeping: sleeping, d: d,
	}
}

func (k *testKernel) call(args ...uint64) *call {
	var a [6]uint64
	copy(a[:], args)
	return &call{t: k.thread, proc: k.proc, pt: k.pt, args: a}
}

func TestWriteForwardsToUart(t *testing.T) {
	k := newTestKernel(t)
	buf := addr.NewVirtAddr(0x5000)
	if err := k.pt.Map(buf, addr.NewPhysAddr(0x9000_1000), page.Size, pagetable.PrivReadWrite, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !k.pt.WriteBytes(buf, []byte("hi")) {
		t.Fatal("WriteBytes failed")
	}

	c := k.call(1, buf.Uint64(), 2)
	n := k.d.sysWrite(c, buf, 2)
	if n != 2 {
		t.Fatalf("sysWrite = %d, want 2", n)
	}
	if string(k.uart.out) != "hi" {
		t.Fatalf("uart.out = %q, want %q", k.uart.out, "hi")
	}
}

func TestReadFromStdinBlocksThenCompletesAfterPush(t *testing.T) {
	k := newTestKernel(t)
	buf := addr.NewVirtAddr(0x5000)
	if err := k.pt.Map(buf, addr.NewPhysAddr(0x9000_1000), page.Size, pagetable.PrivReadWrite, true); err != nil {
		t.Fatalf("Map: %v", err)
	}

	c := k.call(0, buf.Uint64(), 4)
	outcome, _ := k.d.sysRead(c)
	if outcome != sched.Pending {
		t.Fatalf("sysRead outcome = %v, want Pending (stdin empty)", outcome)
	}
	task := k.thread.SyscallTask
	if task == nil {
		t.Fatal("expected SyscallTask installed on pending read")
	}

	k.stdin.Push('o')
	k.stdin.Push('k')

	value, errVal, hasErr, ready := task.Poll(k.table.NewThreadWaker(k.thread))
	if !ready || hasErr {
		t.Fatalf("Poll after push = value=%d err=%v hasErr=%v ready=%v", value, errVal, hasErr, ready)
	}
	if value != 2 {
		t.Fatalf("read value = %d, want 2", value)
	}
	got, ok := k.pt.ReadBytes(buf, 2)
	if !ok || string(got) != "ok" {
		t.Fatalf("buffer = %q, %v, want %q", got, ok, "ok")
	}
}

func TestReadZeroCountCompletesImmediately(t *testing.T) {
	k := newTestKernel(t)
	c := k.call(0, 0x5000, 0)
	outcome, value := k.d.sysRead(c)
	if outcome != sched.Completed || value != 0 {
		t.Fatalf("sysRead(count=0) = %v %d, want Completed 0", outcome, value)
	}
}

func TestMmapAnonymousPrivateRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	c := k.call(0, page.Size, uint64(prot(1, 1, 0)), uint64(mapAnonPrivate()), uint64(negOne()), 0)
	ret := k.d.sysMmap(c)
	if ret < 0 {
		t.Fatalf("sysMmap = %d, want a mapped address", ret)
	}
	base := addr.NewVirtAddr(uint64(ret))

	if !k.pt.WriteBytes(base, []byte("payload")) {
		t.Fatal("WriteBytes into fresh mmap region failed")
	}
	got, ok := k.pt.ReadBytes(base, 7)
	if !ok || string(got) != "payload" {
		t.Fatalf("ReadBytes = %q, %v, want %q", got, ok, "payload")
	}

	munC := k.call(uint64(ret), page.Size)
	if rc := k.d.sysMunmap(munC); rc != 0 {
		t.Fatalf("sysMunmap = %d, want 0", rc)
	}
	if _, ok := k.pt.ReadBytes(base, 7); ok {
		t.Fatal("expected region to be unmapped after munmap")
	}
}

func TestMmapProtNoneMapsZeroPage(t *testing.T) {
	k := newTestKernel(t)
	c := k.call(0, page.Size, 0 /* PROT_NONE */, uint64(mapAnonPrivate()), uint64(negOne()), 0)
	ret := k.d.sysMmap(c)
	if ret < 0 {
		t.Fatalf("sysMmap PROT_NONE = %d, want a mapped address", ret)
	}
	base := addr.NewVirtAddr(uint64(ret))

	got, ok := k.pt.ReadBytes(base, page.Size)
	if !ok {
		t.Fatal("expected zero-page region to be readable")
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
	if k.pt.IsValidUserspaceFatPtr(base, 1, true) {
		t.Fatal("expected PROT_NONE (zero page) region to reject write access")
	}
}

func TestMunmapWrongLengthReturnsEINVAL(t *testing.T) {
	k := newTestKernel(t)
	c := k.call(0, page.Size, uint64(prot(1, 1, 0)), uint64(mapAnonPrivate()), uint64(negOne()), 0)
	ret := k.d.sysMmap(c)
	if ret < 0 {
		t.Fatalf("sysMmap = %d", ret)
	}
	munC := k.call(uint64(ret), page.Size*2)
	if rc := k.d.sysMunmap(munC); rc != errno.EINVAL.Negated() {
		t.Fatalf("sysMunmap wrong length = %d, want EINVAL", rc)
	}
}

func TestNanosleepPendsThenWakesAfterDeadline(t *testing.T) {
	k := newTestKernel(t)
	req := addr.NewVirtAddr(0x6000)
	if err := k.pt.Map(req, addr.NewPhysAddr(0x9000_2000), page.Size, pagetable.PrivReadWrite, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	// 0 seconds, 500 ns.
	if !k.pt.WriteUint64(req, 0) || !k.pt.WriteUint64(req.Add(8), 500) {
		t.Fatal("WriteUint64 failed")
	}

	c := k.call(req.Uint64(), 0)
	outcome, _ := k.d.sysNanosleep(c)
	if outcome != sched.Pending {
		t.Fatalf("sysNanosleep outcome = %v, want Pending", outcome)
	}
	task, ok := k.thread.SyscallTask.(*sleepTask)
	if !ok {
		t.Fatalf("SyscallTask = %T, want *sleepTask", k.thread.SyscallTask)
	}

	k.clock.now = 499
	if woken := k.sleeping.Wake(k.clock.now); woken != 0 {
		t.Fatalf("Wake before deadline woke %d, want 0", woken)
	}
	if _, _, _, ready := task.Poll(k.table.NewThreadWaker(k.thread)); ready {
		t.Fatal("task ready before deadline")
	}

	k.clock.now = 500
	if woken := k.sleeping.Wake(k.clock.now); woken != 1 {
		t.Fatalf("Wake at deadline woke %d, want 1", woken)
	}
}

func TestRtSigprocmaskSetAndRead(t *testing.T) {
	k := newTestKernel(t)
	setPtr := addr.NewVirtAddr(0x5000)
	if err := k.pt.Map(setPtr, addr.NewPhysAddr(0x9000_3000), page.Size, pagetable.PrivReadWrite, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !k.pt.WriteUint64(setPtr, 0b101) {
		t.Fatal("WriteUint64 failed")
	}

	c := k.call(0 /* SIG_BLOCK */, setPtr.Uint64(), 0)
	if rc := k.d.sysRtSigprocmask(c); rc != 0 {
		t.Fatalf("sysRtSigprocmask = %d, want 0", rc)
	}
	if k.thread.SigMask != 0b101 {
		t.Fatalf("SigMask = %#x, want 0b101", k.thread.SigMask)
	}

	oldPtr := addr.NewVirtAddr(0x6000)
	if err := k.pt.Map(oldPtr, addr.NewPhysAddr(0x9000_4000), page.Size, pagetable.PrivReadWrite, true); err != nil {
		t.Fatalf("Map old: %v", err)
	}
	c2 := k.call(0, 0, oldPtr.Uint64())
	if rc := k.d.sysRtSigprocmask(c2); rc != 0 {
		t.Fatalf("sysRtSigprocmask read-old = %d, want 0", rc)
	}
	got, ok := k.pt.ReadUint64(oldPtr)
	if !ok || got != 0b101 {
		t.Fatalf("old mask = %#x, %v, want 0b101", got, ok)
	}
}

func TestIoctlRejectsUnknownRequest(t *testing.T) {
	k := newTestKernel(t)
	c := k.call(1, 0xdead)
	if rc := k.d.sysIoctl(c); rc != errno.EINVAL.Negated() {
		t.Fatalf("sysIoctl = %d, want EINVAL", rc)
	}
}

func TestIoctlTiocgwinszReturnsENOTTY(t *testing.T) {
	k := newTestKernel(t)
	c := k.call(1, tiocgwinsz())
	if rc := k.d.sysIoctl(c); rc != errno.ENOTTY.Negated() {
		t.Fatalf("sysIoctl TIOCGWINSZ = %d, want ENOTTY", rc)
	}
}

func TestCloseUnknownFdReturnsEBADF(t *testing.T) {
	k := newTestKernel(t)
	if err := k.proc.FdTable.Close(55); err != errno.EBADF {
		t.Fatalf("Close(55) err = %v, want EBADF", err)
	}
}

func TestDispatchSetTidAddressAndGettid(t *testing.T) {
	k := newTestKernel(t)
	c := k.call(0xabc0)
	outcome, ret := k.d.dispatch(syscallnum.SetTidAddress, c)
	if outcome != sched.Completed || uint64(ret) != k.thread.Tid {
		t.Fatalf("set_tid_address = %v %d, want Completed %d", outcome, ret, k.thread.Tid)
	}
	if k.thread.ClearChildTid == nil || k.thread.ClearChildTid.Uint64() != 0xabc0 {
		t.Fatalf("ClearChildTid = %v, want 0xabc0", k.thread.ClearChildTid)
	}

	outcome, ret = k.d.dispatch(syscallnum.Gettid, k.call())
	if outcome != sched.Completed || uint64(ret) != k.thread.Tid {
		t.Fatalf("gettid = %v %d, want Completed %d", outcome, ret, k.thread.Tid)
	}
}

func TestDispatchExitGroupMarksExited(t *testing.T) {
	k := newTestKernel(t)
	outcome, _ := k.d.dispatch(syscallnum.ExitGroup, k.call(7))
	if outcome != sched.Exited {
		t.Fatalf("exit_group outcome = %v, want Exited", outcome)
	}
	if _, status, ok := k.table.TakeZombie(0, -1); !ok || status != 7 {
		t.Fatalf("TakeZombie = %d %v, want status 7", status, ok)
	}
}

func TestExitGroupReleasesMmapPages(t *testing.T) {
	k := newTestKernel(t)
	c := k.call(0, page.Size, uint64(prot(1, 1, 0)), uint64(mapAnonPrivate()), uint64(negOne()), 0)
	ret := k.d.sysMmap(c)
	if ret < 0 {
		t.Fatalf("sysMmap = %d, want a mapped address", ret)
	}

	before := k.pageAlloc.FreePages()
	k.table.Kill(k.thread.Tid, 0)
	after := k.pageAlloc.FreePages()

	if after != before+1 {
		t.Fatalf("FreePages after kill = %d, want %d (the mmap'd page reclaimed)", after, before+1)
	}
}

// The constants below mirror golang.org/x/sys/unix values used by mmap.go
// and sig.go without importing the package twice in test scope.
func prot(r, w, x int) int {
	v := 0
	if r != 0 {
		v |= 1
	}
	if w != 0 {
		v |= 2
	}
	if x != 0 {
		v |= 4
	}
	return v
}

func mapAnonPrivate() int { return 0x20 | 0x02 } // MAP_ANONYMOUS|MAP_PRIVATE
func negOne() int         { return -1 }
func tiocgwinsz() uint64  { return 0x5413 }
