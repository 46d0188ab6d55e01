package tunnel

import (
	"net/netip"
	"testing"
)

func TestInnerAddr_EqualAndHash(t *testing.T) {
	a := InnerAddrFromIP(netip.MustParseAddr("10.8.0.6"))
	b := InnerAddrFromIP(netip.MustParseAddr("10.8.0.6"))
	c := InnerAddrFromIP(netip.MustParseAddr("10.8.0.10"))

	if !a.Equal(b) {
		t.Fatalf("expected a.Equal(b)")
	}
	if a.Equal(c) {
		t.Fatalf("expected !a.Equal(c)")
	}
	if a.Hash() != b.Hash() {
		t.Fatalf("expected equal addresses to hash equally")
	}
}

func TestInnerAddr_MaskHostBits(t *testing.T) {
	prefix := netip.MustParsePrefix("10.1.2.3/16")
	addr := InnerAddrFromPrefix(prefix)
	masked := addr.MaskHostBits()

	ip, ok := masked.IP()
	if !ok {
		t.Fatalf("expected valid ip")
	}
	if ip.String() != "10.1.0.0" {
		t.Fatalf("got %s, want 10.1.0.0", ip)
	}
}

func TestInnerAddr_MaskHostBits_HostRoute(t *testing.T) {
	addr := InnerAddrFromIP(netip.MustParseAddr("10.8.0.6"))
	masked := addr.MaskHostBits()
	if !masked.Equal(addr) {
		t.Fatalf("host route should be unaffected by masking")
	}
}

func TestInnerAddr_FromMAC(t *testing.T) {
	mac := [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	a := InnerAddrFromMAC(mac)
	if !a.IsValid() {
		t.Fatalf("expected valid MAC address")
	}
	if got, want := a.String(), "00:11:22:33:44:55"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestOuterAddr_EqualIgnoresPktInfo(t *testing.T) {
	ap := netip.MustParseAddrPort("203.0.113.4:4500")
	a := OuterAddrFromAddrPort(ap)
	b := OuterAddrFromAddrPort(ap)
	b.Pkt = &PktInfo{IfIndex: 2}

	if !a.Equal(b) {
		t.Fatalf("expected OuterAddr equality to ignore PktInfo")
	}
}

func TestOuterAddr_Unix(t *testing.T) {
	a := OuterAddrFromUnix("/run/govpnd.sock")
	b := OuterAddrFromUnix("/run/govpnd.sock")
	c := OuterAddrFromUnix("/run/other.sock")

	if !a.Equal(b) {
		t.Fatalf("expected equal unix paths to be equal")
	}
	if a.Equal(c) {
		t.Fatalf("expected different unix paths to differ")
	}
}
