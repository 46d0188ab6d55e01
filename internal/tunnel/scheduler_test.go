package tunnel

import (
	"net/netip"
	"testing"
	"time"
)

func newTestInstance(port uint16) *ClientInstance {
	ap := netip.AddrPortFrom(netip.MustParseAddr("198.51.100.1"), port)
	return NewClientInstance(OuterAddrFromAddrPort(ap), time.Now())
}

func TestScheduler_PeekEarliestEmpty(t *testing.T) {
	s := NewScheduler()
	inst, ts := s.PeekEarliest()
	if inst != nil || !ts.IsZero() {
		t.Fatalf("expected (nil, zero) on empty scheduler")
	}
}

func TestScheduler_PeekEarliestIsMinimum(t *testing.T) {
	s := NewScheduler()
	base := time.Now()

	a := newTestInstance(1)
	b := newTestInstance(2)
	c := newTestInstance(3)

	s.Insert(a, base.Add(30*time.Second))
	s.Insert(b, base.Add(10*time.Second))
	s.Insert(c, base.Add(20*time.Second))

	inst, ts := s.PeekEarliest()
	if inst != b || !ts.Equal(base.Add(10*time.Second)) {
		t.Fatalf("expected b to be earliest, got %v at %v", inst, ts)
	}
}

func TestScheduler_InsertingNewEarliestPreservesOthers(t *testing.T) {
	s := NewScheduler()
	base := time.Now()

	a := newTestInstance(1)
	b := newTestInstance(2)
	s.Insert(a, base.Add(30*time.Second))
	s.Insert(b, base.Add(20*time.Second))

	c := newTestInstance(3)
	s.Insert(c, base.Add(1*time.Second))

	inst, _ := s.PeekEarliest()
	if inst != c {
		t.Fatalf("expected newly inserted earliest instance to be returned")
	}

	s.Remove(c)
	inst, _ = s.PeekEarliest()
	if inst != b {
		t.Fatalf("expected b to be earliest after removing c, got %v", inst)
	}
}

func TestScheduler_UpdateMovesEntry(t *testing.T) {
	s := NewScheduler()
	base := time.Now()

	a := newTestInstance(1)
	b := newTestInstance(2)
	s.Insert(a, base.Add(10*time.Second))
	s.Insert(b, base.Add(20*time.Second))

	s.Update(a, base.Add(30*time.Second))

	inst, _ := s.PeekEarliest()
	if inst != b {
		t.Fatalf("expected b to be earliest after updating a later, got %v", inst)
	}
}

func TestScheduler_NextTimeoutCapped(t *testing.T) {
	s := NewScheduler()
	base := time.Now()
	a := newTestInstance(1)
	s.Insert(a, base.Add(time.Hour))

	got := s.NextTimeout(base, 10*time.Second)
	if got != 10*time.Second {
		t.Fatalf("got %v, want capped 10s", got)
	}
}

func TestScheduler_PopExpired(t *testing.T) {
	s := NewScheduler()
	base := time.Now()
	a := newTestInstance(1)
	b := newTestInstance(2)
	s.Insert(a, base.Add(-time.Second))
	s.Insert(b, base.Add(time.Hour))

	expired := s.PopExpired(base)
	if len(expired) != 1 || expired[0] != a {
		t.Fatalf("expected only a to have expired, got %v", expired)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 remaining scheduled instance, got %d", s.Len())
	}
}
