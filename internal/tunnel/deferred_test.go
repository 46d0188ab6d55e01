package tunnel

import (
	"errors"
	"testing"
)

func TestDeferredSet_EnqueueFlushFIFO(t *testing.T) {
	d := NewDeferredSet(10)
	inst := newTestInstance(1)

	if err := d.Enqueue(inst, []byte("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := d.Enqueue(inst, []byte("b")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	buf, ok := d.Flush(inst)
	if !ok || string(buf) != "a" {
		t.Fatalf("got %q, want FIFO order 'a' first", buf)
	}
	buf, ok = d.Flush(inst)
	if !ok || string(buf) != "b" {
		t.Fatalf("got %q, want 'b' second", buf)
	}
	if _, ok := d.Flush(inst); ok {
		t.Fatalf("expected no more buffers")
	}
}

func TestDeferredSet_OverflowReturnsError(t *testing.T) {
	d := NewDeferredSet(2)
	inst := newTestInstance(1)

	if err := d.Enqueue(inst, []byte("1")); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := d.Enqueue(inst, []byte("2")); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	err := d.Enqueue(inst, []byte("3"))
	if !errors.Is(err, ErrQueueOverflow) {
		t.Fatalf("got %v, want ErrQueueOverflow on exceeding tcp_queue_limit", err)
	}
}

func TestDeferredSet_NextReadyFIFOAcrossInstances(t *testing.T) {
	d := NewDeferredSet(10)
	a := newTestInstance(1)
	b := newTestInstance(2)

	_ = d.Enqueue(b, []byte("b1"))
	_ = d.Enqueue(a, []byte("a1"))

	order := d.NextReady()
	if len(order) != 2 || order[0] != b || order[1] != a {
		t.Fatalf("expected registration-order FIFO [b, a], got %v", order)
	}
}

func TestDeferredSet_RequeueRestoresOrder(t *testing.T) {
	d := NewDeferredSet(10)
	inst := newTestInstance(1)
	_ = d.Enqueue(inst, []byte("only"))

	buf, ok := d.Flush(inst)
	if !ok {
		t.Fatalf("expected a buffer to flush")
	}
	if len(d.NextReady()) != 0 {
		t.Fatalf("expected instance removed from order after emptying queue")
	}

	d.Requeue(inst, buf)
	if len(d.NextReady()) != 1 {
		t.Fatalf("expected instance restored to order after requeue")
	}
}

func TestDeferredSet_TotalDepth(t *testing.T) {
	d := NewDeferredSet(10)
	a := newTestInstance(1)
	b := newTestInstance(2)

	if d.TotalDepth() != 0 {
		t.Fatalf("expected 0 total depth on an empty set")
	}

	_ = d.Enqueue(a, []byte("a1"))
	_ = d.Enqueue(a, []byte("a2"))
	_ = d.Enqueue(b, []byte("b1"))

	if got := d.TotalDepth(); got != 3 {
		t.Fatalf("got total depth %d, want 3", got)
	}

	d.Flush(a)
	if got := d.TotalDepth(); got != 2 {
		t.Fatalf("got total depth %d after one flush, want 2", got)
	}
}
