package tunnel

import (
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestRegistry_CreateAndLookup(t *testing.T) {
	reg := NewRegistry(0)
	real := OuterAddrFromAddrPort(netip.MustParseAddrPort("203.0.113.4:4500"))

	ci, err := reg.CreateInstance(real, time.Now())
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if reg.LookupReal(real) != ci {
		t.Fatalf("expected LookupReal to find the created instance")
	}
	if reg.Len() != 1 {
		t.Fatalf("got %d, want 1", reg.Len())
	}

	vaddr := InnerAddrFromIP(netip.MustParseAddr("10.8.0.6"))
	reg.AttachVaddr(ci, vaddr)
	if reg.LookupVaddr(vaddr) != ci {
		t.Fatalf("expected LookupVaddr to find the attached instance")
	}
}

func TestRegistry_MaxClients(t *testing.T) {
	reg := NewRegistry(2)
	for i := 0; i < 2; i++ {
		ap := netip.AddrPortFrom(netip.MustParseAddr("198.51.100.1"), uint16(1000+i))
		if _, err := reg.CreateInstance(OuterAddrFromAddrPort(ap), time.Now()); err != nil {
			t.Fatalf("CreateInstance %d: %v", i, err)
		}
	}
	ap := netip.AddrPortFrom(netip.MustParseAddr("198.51.100.1"), 2000)
	_, err := reg.CreateInstance(OuterAddrFromAddrPort(ap), time.Now())
	if !errors.Is(err, ErrMaxClients) {
		t.Fatalf("got %v, want ErrMaxClients", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("max_clients must not admit a third instance, got %d live", reg.Len())
	}
}

func TestRegistry_CloseInstanceRemovesFromAllViews(t *testing.T) {
	reg := NewRegistry(0)
	routes := NewRoutingTable()
	sched := NewScheduler()
	pool, err := NewAddressPool(netip.MustParsePrefix("10.8.0.0/24"))
	if err != nil {
		t.Fatalf("NewAddressPool: %v", err)
	}

	real := OuterAddrFromAddrPort(netip.MustParseAddrPort("203.0.113.4:4500"))
	ci, err := reg.CreateInstance(real, time.Now())
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	vaddr, err := pool.Allocate("peer")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	innerVaddr := InnerAddrFromIP(vaddr)
	reg.AttachVaddr(ci, innerVaddr)
	sched.Insert(ci, time.Now())
	routes.InsertHost(innerVaddr, ci, RouteCache)

	reg.CloseInstance(ci, sched, routes, pool)

	if !ci.Halt.Load() {
		t.Fatalf("expected instance to be marked halt")
	}
	if reg.LookupReal(real) != nil {
		t.Fatalf("expected LookupReal to return nil after close")
	}
	if reg.LookupVaddr(innerVaddr) != nil {
		t.Fatalf("expected LookupVaddr to return nil after close")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected iteration view to be empty after close")
	}
	if sched.Len() != 0 {
		t.Fatalf("expected scheduler entry to be removed after close")
	}
	if routes.Lookup(innerVaddr) != nil {
		t.Fatalf("expected routes to be dropped after close")
	}
	if pool.Len() != 0 {
		t.Fatalf("expected vaddr to be released back to the pool")
	}
}

func TestRegistry_HaltedInstanceNeverLookedUp(t *testing.T) {
	reg := NewRegistry(0)
	real := OuterAddrFromAddrPort(netip.MustParseAddrPort("203.0.113.4:4500"))
	ci, err := reg.CreateInstance(real, time.Now())
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	ci.Halt.Store(true)
	if reg.LookupReal(real) != nil {
		t.Fatalf("halted instance must not be returned by LookupReal")
	}
}
