package tunnel

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net/netip"
)

// AddrVariant tags the kind of address an InnerAddr carries.
type AddrVariant uint8

const (
	// AddrNone is the zero-value variant; never a valid route key.
	AddrNone AddrVariant = iota
	// AddrEther carries a 6-byte MAC address.
	AddrEther
	// AddrIPv4 carries a 4-byte IPv4 host or, with PrefixLen set, a CIDR.
	AddrIPv4
	// AddrIPv6 carries a 16-byte IPv6 host or, with PrefixLen set, a CIDR.
	AddrIPv6
	// AddrUnix carries a Unix domain socket path.
	AddrUnix
)

// String returns the human-readable name of the variant.
func (v AddrVariant) String() string {
	switch v {
	case AddrEther:
		return "ether"
	case AddrIPv4:
		return "ipv4"
	case AddrIPv6:
		return "ipv6"
	case AddrUnix:
		return "unix"
	default:
		return "none"
	}
}

// bitWidth returns the number of address bits for variants that support a
// prefix length (IPv4/IPv6). Zero for variants with no notion of a prefix.
func (v AddrVariant) bitWidth() int {
	switch v {
	case AddrIPv4:
		return 32
	case AddrIPv6:
		return 128
	default:
		return 0
	}
}

// FrameClass reports whether an address observed on the wire is a normal
// unicast address or one of the special classes that must be routed via
// the broadcaster instead of learned.
type FrameClass uint8

const (
	// ClassUnicast is an ordinary learnable address.
	ClassUnicast FrameClass = iota
	// ClassBroadcast is the link-layer or IP broadcast address.
	ClassBroadcast
	// ClassMulticast is a multicast address (including IGMP-reserved ranges).
	ClassMulticast
)

// maxAddrBytes bounds InnerAddr.Bytes, per spec.md §3 ("up to 20 bytes").
const maxAddrBytes = 20

// InnerAddr is the canonical inner (tunneled) address: an Ethernet MAC, an
// IPv4 host/CIDR, an IPv6 host/CIDR. It is a plain value type so it can be
// copied freely and used as map-adjacent lookup key via cacheKey.
//
// Equality and hash cover (Variant, PrefixLen, Len, Bytes) exactly, per
// spec.md §3 — uninitialized padding never participates.
type InnerAddr struct {
	Variant   AddrVariant
	Len       uint8 // number of significant bytes in Bytes
	HasPort   bool
	Port      uint16
	HasPrefix bool
	PrefixLen uint8 // bits; only meaningful when HasPrefix is true
	Bytes     [maxAddrBytes]byte
}

// InnerAddrFromMAC builds a host InnerAddr from a 6-byte Ethernet address.
func InnerAddrFromMAC(mac [6]byte) InnerAddr {
	a := InnerAddr{Variant: AddrEther, Len: 6}
	copy(a.Bytes[:6], mac[:])
	return a
}

// InnerAddrFromIP builds a host InnerAddr from a netip.Addr (4in6 is
// unwrapped to plain IPv4).
func InnerAddrFromIP(ip netip.Addr) InnerAddr {
	ip = ip.Unmap()
	if ip.Is4() {
		b := ip.As4()
		a := InnerAddr{Variant: AddrIPv4, Len: 4}
		copy(a.Bytes[:4], b[:])
		return a
	}
	b := ip.As16()
	a := InnerAddr{Variant: AddrIPv6, Len: 16}
	copy(a.Bytes[:16], b[:])
	return a
}

// InnerAddrFromPrefix builds a CIDR InnerAddr with host bits already
// expected to be masked by the caller (use MaskHostBits to enforce it).
func InnerAddrFromPrefix(p netip.Prefix) InnerAddr {
	a := InnerAddrFromIP(p.Addr())
	a.HasPrefix = true
	a.PrefixLen = uint8(p.Bits())
	return a
}

// IsValid reports whether the address has a non-none variant and a length
// consistent with that variant.
func (a InnerAddr) IsValid() bool {
	switch a.Variant {
	case AddrEther:
		return a.Len == 6
	case AddrIPv4:
		return a.Len == 4
	case AddrIPv6:
		return a.Len == 16
	case AddrUnix:
		return a.Len > 0 && int(a.Len) <= maxAddrBytes
	default:
		return false
	}
}

// effectivePrefixLen returns the prefix length to mask to: the explicit
// PrefixLen when HasPrefix, else the full bit width (host route).
func (a InnerAddr) effectivePrefixLen() int {
	if a.HasPrefix {
		return int(a.PrefixLen)
	}
	return a.Variant.bitWidth()
}

// MaskHostBits returns a with all bits beyond the (implicit or explicit)
// prefix length zeroed, per spec.md §4.1. Required before insertion as a
// CIDR route. No-op for variants without a bit width (Ether, Unix).
func (a InnerAddr) MaskHostBits() InnerAddr {
	width := a.Variant.bitWidth()
	if width == 0 {
		return a
	}
	bits := a.effectivePrefixLen()
	if bits >= width {
		return a
	}
	out := a
	fullBytes := bits / 8
	rem := bits % 8
	for i := fullBytes; i < int(a.Len); i++ {
		if i == fullBytes && rem != 0 {
			mask := byte(0xFF << (8 - rem))
			out.Bytes[i] &= mask
			continue
		}
		if i > fullBytes || rem == 0 {
			out.Bytes[i] = 0
		}
	}
	return out
}

// Equal reports whether a and b have identical (Variant, PrefixLen, Len,
// Bytes[:Len]), per spec.md §3.
func (a InnerAddr) Equal(b InnerAddr) bool {
	if a.Variant != b.Variant || a.Len != b.Len {
		return false
	}
	if a.HasPrefix != b.HasPrefix || (a.HasPrefix && a.PrefixLen != b.PrefixLen) {
		return false
	}
	return a.Bytes == b.Bytes
}

// Hash returns a stable 32-bit hash over (Variant, PrefixLen, Len, Bytes),
// independent of uninitialized padding (padding bytes beyond Len are never
// written by the constructors above, but Hash only ever reads Bytes[:Len]).
func (a InnerAddr) Hash() uint32 {
	h := fnv.New32a()
	h.Write([]byte{byte(a.Variant), a.Len, boolByte(a.HasPrefix), a.PrefixLen})
	h.Write(a.Bytes[:a.Len])
	return h.Sum32()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// innerCacheKey is the fixed-size, comparable value InnerAddr reduces to
// for use as a Go map key (InnerAddr itself is comparable too, since
// [maxAddrBytes]byte is comparable, but cacheKey documents the contract
// explicitly and is what the routing table keys on).
type innerCacheKey struct {
	variant   AddrVariant
	len       uint8
	hasPrefix bool
	prefixLen uint8
	bytes     [maxAddrBytes]byte
}

// cacheKey reduces a (already host-bit-masked, for CIDR routes) InnerAddr
// to its map key.
func (a InnerAddr) cacheKey() innerCacheKey {
	return innerCacheKey{
		variant:   a.Variant,
		len:       a.Len,
		hasPrefix: a.HasPrefix,
		prefixLen: a.PrefixLen,
		bytes:     a.Bytes,
	}
}

// String renders the address for logging.
func (a InnerAddr) String() string {
	switch a.Variant {
	case AddrEther:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
			a.Bytes[0], a.Bytes[1], a.Bytes[2], a.Bytes[3], a.Bytes[4], a.Bytes[5])
	case AddrIPv4, AddrIPv6:
		ip, ok := a.IP()
		if !ok {
			return "invalid-ip"
		}
		if a.HasPrefix {
			return fmt.Sprintf("%s/%d", ip, a.PrefixLen)
		}
		return ip.String()
	case AddrUnix:
		return string(a.Bytes[:a.Len])
	default:
		return "none"
	}
}

// IP reconstructs a netip.Addr for IPv4/IPv6 variants.
func (a InnerAddr) IP() (netip.Addr, bool) {
	switch a.Variant {
	case AddrIPv4:
		var b [4]byte
		copy(b[:], a.Bytes[:4])
		return netip.AddrFrom4(b), true
	case AddrIPv6:
		var b [16]byte
		copy(b[:], a.Bytes[:16])
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}

// PktInfo records the local interface/address a datagram arrived on, as
// reported by IP_PKTINFO/IPV6_RECVPKTINFO on a multi-homed UDP listener.
type PktInfo struct {
	IfIndex  int
	LocalVer netip.Addr
}

// OuterAddr is the canonical outer (transport) address: an IP+port or a
// Unix domain socket path, per spec.md §3.
type OuterAddr struct {
	Variant  AddrVariant // AddrIPv4, AddrIPv6, or AddrUnix
	AddrPort netip.AddrPort
	Path     string
	Pkt      *PktInfo // set only for datagram transports that supplied one
}

// OuterAddrFromAddrPort builds an OuterAddr from a UDP/TCP socket address.
func OuterAddrFromAddrPort(ap netip.AddrPort) OuterAddr {
	v := AddrIPv4
	if ap.Addr().Is6() && !ap.Addr().Is4In6() {
		v = AddrIPv6
	}
	return OuterAddr{Variant: v, AddrPort: ap}
}

// OuterAddrFromUnix builds an OuterAddr for a Unix domain socket path.
func OuterAddrFromUnix(path string) OuterAddr {
	return OuterAddr{Variant: AddrUnix, Path: path}
}

// Equal reports whether two OuterAddr values name the same peer endpoint.
// PktInfo is not part of identity — it is kernel-reported metadata about
// how a given datagram was received, not part of the peer's address.
func (o OuterAddr) Equal(other OuterAddr) bool {
	if o.Variant != other.Variant {
		return false
	}
	if o.Variant == AddrUnix {
		return o.Path == other.Path
	}
	return o.AddrPort == other.AddrPort
}

// Hash returns a stable 32-bit hash of the OuterAddr's identity fields.
func (o OuterAddr) Hash() uint32 {
	h := fnv.New32a()
	h.Write([]byte{byte(o.Variant)})
	if o.Variant == AddrUnix {
		h.Write([]byte(o.Path))
		return h.Sum32()
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], o.AddrPort.Port())
	ipBytes := o.AddrPort.Addr().AsSlice()
	h.Write(ipBytes)
	h.Write(portBuf[:])
	return h.Sum32()
}

// String renders the address for logging.
func (o OuterAddr) String() string {
	if o.Variant == AddrUnix {
		return o.Path
	}
	return o.AddrPort.String()
}
