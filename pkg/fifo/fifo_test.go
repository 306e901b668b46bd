package fifo

import (
	"testing"

	"github.com/openlcb-go/lcc/internal/pool"
)

func TestPushPopOrder(t *testing.T) {
	p := pool.New(4, 0, 0, 0, 0)
	q := New(2)

	a := p.Allocate(pool.Basic)
	b := p.Allocate(pool.Basic)

	if !q.Push(a) || !q.Push(b) {
		t.Fatal("expected both pushes to succeed at capacity")
	}
	if q.Pop() != a {
		t.Error("expected FIFO order: a first")
	}
	if q.Pop() != b {
		t.Error("expected FIFO order: b second")
	}
	if q.Pop() != nil {
		t.Error("expected nil once empty")
	}
}

func TestPushFailsWhenFullAndDropsSilently(t *testing.T) {
	p := pool.New(4, 0, 0, 0, 0)
	q := New(1)

	a := p.Allocate(pool.Basic)
	b := p.Allocate(pool.Basic)

	if !q.Push(a) {
		t.Fatal("expected first push to succeed")
	}
	if q.Push(b) {
		t.Fatal("expected second push to fail: queue at capacity")
	}
	if q.DropCount() != 1 {
		t.Errorf("expected drop count 1, got %d", q.DropCount())
	}
	// b is untouched and still owned by caller
	if !b.Allocated {
		t.Error("rejected message must remain allocated/owned by caller")
	}
}

func TestPeakDepth(t *testing.T) {
	p := pool.New(4, 0, 0, 0, 0)
	q := New(4)
	for i := 0; i < 3; i++ {
		q.Push(p.Allocate(pool.Basic))
	}
	if q.Peak() != 3 {
		t.Errorf("expected peak 3, got %d", q.Peak())
	}
	q.Pop()
	if q.Peak() != 3 {
		t.Error("peak must not decrease after pop")
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	p := pool.New(1, 0, 0, 0, 0)
	q := New(1)
	m := p.Allocate(pool.Basic)
	q.Push(m)
	if q.Peek() != m {
		t.Error("peek should return the head element")
	}
	if q.Len() != 1 {
		t.Error("peek must not remove the element")
	}
}
