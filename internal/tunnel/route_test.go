package tunnel

import (
	"net/netip"
	"testing"
	"time"
)

func TestRoutingTable_LongestPrefixMatch(t *testing.T) {
	tbl := NewRoutingTable()
	instA := NewClientInstance(OuterAddrFromAddrPort(netip.MustParseAddrPort("198.51.100.1:1")), time.Now())
	instB := NewClientInstance(OuterAddrFromAddrPort(netip.MustParseAddrPort("198.51.100.2:1")), time.Now())

	tbl.InsertIroute(InnerAddrFromPrefix(netip.MustParsePrefix("10.0.0.0/8")), instA)
	tbl.InsertIroute(InnerAddrFromPrefix(netip.MustParsePrefix("10.1.0.0/16")), instB)

	got := tbl.Lookup(InnerAddrFromIP(netip.MustParseAddr("10.1.2.3")))
	if got != instB {
		t.Fatalf("expected 10.1.2.3 to resolve to the /16 route")
	}

	got = tbl.Lookup(InnerAddrFromIP(netip.MustParseAddr("10.2.3.4")))
	if got != instA {
		t.Fatalf("expected 10.2.3.4 to resolve to the /8 route")
	}
}

func TestRoutingTable_HostRouteDominatesCIDR(t *testing.T) {
	tbl := NewRoutingTable()
	instCIDR := NewClientInstance(OuterAddrFromAddrPort(netip.MustParseAddrPort("198.51.100.1:1")), time.Now())
	instHost := NewClientInstance(OuterAddrFromAddrPort(netip.MustParseAddrPort("198.51.100.2:1")), time.Now())

	tbl.InsertIroute(InnerAddrFromPrefix(netip.MustParsePrefix("10.0.0.0/8")), instCIDR)
	tbl.InsertHost(InnerAddrFromIP(netip.MustParseAddr("10.1.2.3")), instHost, RouteCache)

	got := tbl.Lookup(InnerAddrFromIP(netip.MustParseAddr("10.1.2.3")))
	if got != instHost {
		t.Fatalf("expected host route to dominate CIDR route")
	}
}

func TestRoutingTable_DeleteRecomputesActiveLens(t *testing.T) {
	tbl := NewRoutingTable()
	inst := NewClientInstance(OuterAddrFromAddrPort(netip.MustParseAddrPort("198.51.100.1:1")), time.Now())

	tbl.InsertIroute(InnerAddrFromPrefix(netip.MustParsePrefix("10.0.0.0/8")), inst)
	if got, want := tbl.ActivePrefixLens(), []int{8}; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("got %v, want %v", got, want)
	}

	tbl.Delete(InnerAddrFromPrefix(netip.MustParsePrefix("10.0.0.0/8")))
	if got := tbl.ActivePrefixLens(); len(got) != 0 {
		t.Fatalf("expected empty active-length list, got %v", got)
	}
}

func TestRoutingTable_StaleInstanceNotReturned(t *testing.T) {
	tbl := NewRoutingTable()
	inst := NewClientInstance(OuterAddrFromAddrPort(netip.MustParseAddrPort("198.51.100.1:1")), time.Now())
	addr := InnerAddrFromIP(netip.MustParseAddr("10.8.0.6"))

	tbl.InsertHost(addr, inst, RouteCache)
	if tbl.Lookup(addr) != inst {
		t.Fatalf("expected live instance to be returned")
	}

	inst.Halt.Store(true)
	if tbl.Lookup(addr) != nil {
		t.Fatalf("halted instance must never be returned from lookup")
	}
}

func TestRoutingTable_ReapPass_RemovesAgeableAndHaltedRoutes(t *testing.T) {
	tbl := NewRoutingTable()
	liveInst := NewClientInstance(OuterAddrFromAddrPort(netip.MustParseAddrPort("198.51.100.1:1")), time.Now())
	haltedInst := NewClientInstance(OuterAddrFromAddrPort(netip.MustParseAddrPort("198.51.100.2:1")), time.Now())
	haltedInst.Halt.Store(true)

	base := time.Now()
	old := tbl.InsertHost(InnerAddrFromIP(netip.MustParseAddr("10.8.0.6")), liveInst, RouteAgeable)
	old.LastRefMono = base.Add(-2 * time.Minute)

	tbl.InsertHost(InnerAddrFromIP(netip.MustParseAddr("10.8.0.7")), haltedInst, RouteCache)

	removed := tbl.ReapPass(base, time.Minute, bucketCount)
	if removed != 2 {
		t.Fatalf("expected 2 routes removed, got %d", removed)
	}
}

func TestRoutingTable_Len(t *testing.T) {
	tbl := NewRoutingTable()
	inst := NewClientInstance(OuterAddrFromAddrPort(netip.MustParseAddrPort("198.51.100.1:1")), time.Now())

	if tbl.Len() != 0 {
		t.Fatalf("expected 0 routes in a fresh table")
	}

	tbl.InsertHost(InnerAddrFromIP(netip.MustParseAddr("10.8.0.6")), inst, RouteCache)
	tbl.InsertIroute(InnerAddrFromIP(netip.MustParseAddr("10.9.0.0")), inst)

	if got := tbl.Len(); got != 2 {
		t.Fatalf("got %d routes, want 2 (one host, one iroute)", got)
	}
}

func TestBucketsPerPass_Clamped(t *testing.T) {
	if got := BucketsPerPass(16, 1024, 4); got != 1024 {
		t.Fatalf("got %d, want 1024 (4096/4)", got)
	}
	if got := BucketsPerPass(16, 1024, 1000); got != 16 {
		t.Fatalf("got %d, want REAP_MIN=16", got)
	}
}
