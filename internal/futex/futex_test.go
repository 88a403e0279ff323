package futex

import (
	"testing"

	"github.com/tinyrange/rv39kernel/internal/memory/addr"
)

type fakeMem struct {
	word uint32
}

func (m *fakeMem) ReadUint32(v addr.VirtAddr) (uint32, bool) { return m.word, true }

type countWaker struct{ woken int }

func (w *countWaker) Wake() { w.woken++ }

func TestWaitReturnsReadyOnMismatch(t *testing.T) {
	tbl := New()
	mem := &fakeMem{word: 5}
	w := &countWaker{}
	ready := tbl.Wait(mem, 1, addr.NewVirtAddr(0x1000), 7, w)
	if !ready {
		t.Fatal("expected ready=true when word != expected")
	}
}

func TestWaitBlocksThenWakeNReturnsMin(t *testing.T) {
	tbl := New()
	mem := &fakeMem{word: 7}
	v := addr.NewVirtAddr(0x1000)

	var wakers []*countWaker
	for i := 0; i < 3; i++ {
		w := &countWaker{}
		wakers = append(wakers, w)
		if ready := tbl.Wait(mem, 1, v, 7, w); ready {
			t.Fatal("expected Pending (ready=false)")
		}
	}

	n := tbl.Wake(1, v, 2)
	if n != 2 {
		t.Fatalf("Wake = %d, want 2", n)
	}
	if wakers[0].woken != 1 || wakers[1].woken != 1 || wakers[2].woken != 0 {
		t.Fatalf("unexpected wake distribution: %+v", wakers)
	}

	// Remaining waiter still present; wake count saturates at remaining len.
	n = tbl.Wake(1, v, 5)
	if n != 1 {
		t.Fatalf("second Wake = %d, want 1", n)
	}
}
