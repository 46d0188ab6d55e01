package tunnel

import (
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// TunnelType selects how extractFromPacket interprets a frame, mirroring
// spec.md §4.1's tun/tap distinction.
type TunnelType uint8

const (
	// TunnelTUN carries bare IPv4/IPv6 L3 packets.
	TunnelTUN TunnelType = iota
	// TunnelTAP carries Ethernet II frames, optionally 802.1Q tagged.
	TunnelTAP
)

// extractFromPacket parses a frame according to tt and returns the inner
// source/destination addresses plus the frame's class, per spec.md §4.1.
// Multicast and broadcast frames are reported as a class rather than
// learned — callers must not insert routes for them.
func extractFromPacket(tt TunnelType, frame []byte) (src, dst InnerAddr, class FrameClass, err error) {
	switch tt {
	case TunnelTUN:
		return extractFromIPPacket(frame)
	case TunnelTAP:
		return extractFromEtherFrame(frame)
	default:
		return InnerAddr{}, InnerAddr{}, ClassUnicast, fmt.Errorf("%w: unknown tunnel type %d", ErrUnsupportedAddrVariant, tt)
	}
}

func extractFromIPPacket(frame []byte) (src, dst InnerAddr, class FrameClass, err error) {
	if len(frame) < 1 {
		return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrShortFrame
	}
	version := frame[0] >> 4
	switch version {
	case 4:
		if len(frame) < 20 {
			return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrShortFrame
		}
		pkt := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.NoCopy)
		ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			return InnerAddr{}, InnerAddr{}, ClassUnicast, fmt.Errorf("%w: malformed ipv4 header", ErrShortFrame)
		}
		srcIP, ok := netip.AddrFromSlice(ip4.SrcIP)
		if !ok {
			return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrShortFrame
		}
		dstIP, ok := netip.AddrFromSlice(ip4.DstIP)
		if !ok {
			return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrShortFrame
		}
		src = InnerAddrFromIP(srcIP.Unmap())
		dst = InnerAddrFromIP(dstIP.Unmap())
		return src, dst, classifyIPv4(dstIP.Unmap()), nil
	case 6:
		if len(frame) < 40 {
			return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrShortFrame
		}
		pkt := gopacket.NewPacket(frame, layers.LayerTypeIPv6, gopacket.NoCopy)
		ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		if !ok {
			return InnerAddr{}, InnerAddr{}, ClassUnicast, fmt.Errorf("%w: malformed ipv6 header", ErrShortFrame)
		}
		srcIP, ok := netip.AddrFromSlice(ip6.SrcIP)
		if !ok {
			return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrShortFrame
		}
		dstIP, ok := netip.AddrFromSlice(ip6.DstIP)
		if !ok {
			return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrShortFrame
		}
		src = InnerAddrFromIP(srcIP)
		dst = InnerAddrFromIP(dstIP)
		return src, dst, classifyIPv6(dstIP), nil
	default:
		return InnerAddr{}, InnerAddr{}, ClassUnicast, fmt.Errorf("%w: ip version %d", ErrUnknownEtherType, version)
	}
}

func classifyIPv4(dst netip.Addr) FrameClass {
	if dst == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return ClassBroadcast
	}
	b := dst.As4()
	if b[0] >= 224 && b[0] <= 239 {
		return ClassMulticast
	}
	return ClassUnicast
}

func classifyIPv6(dst netip.Addr) FrameClass {
	if dst.IsMulticast() {
		return ClassMulticast
	}
	return ClassUnicast
}

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func extractFromEtherFrame(frame []byte) (src, dst InnerAddr, class FrameClass, err error) {
	if len(frame) < 14 {
		return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrShortFrame
	}
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return InnerAddr{}, InnerAddr{}, ClassUnicast, fmt.Errorf("%w: malformed ethernet header", ErrShortFrame)
	}

	etherType := eth.EthernetType
	if etherType == layers.EthernetTypeDot1Q {
		if dot1q, ok := pkt.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
			etherType = dot1q.Type
		}
	}

	switch etherType {
	case layers.EthernetTypeIPv4, layers.EthernetTypeIPv6, layers.EthernetTypeARP:
		// recognized; fall through to address extraction below
	default:
		return InnerAddr{}, InnerAddr{}, ClassUnicast, fmt.Errorf("%w: %s", ErrUnknownEtherType, etherType)
	}

	var srcMAC, dstMAC [6]byte
	copy(srcMAC[:], eth.SrcMAC)
	copy(dstMAC[:], eth.DstMAC)

	src = InnerAddrFromMAC(srcMAC)
	dst = InnerAddrFromMAC(dstMAC)

	class = classifyMAC(dstMAC)
	return src, dst, class, nil
}

func classifyMAC(mac [6]byte) FrameClass {
	if mac == broadcastMAC {
		return ClassBroadcast
	}
	if mac[0]&0x01 != 0 {
		return ClassMulticast
	}
	return ClassUnicast
}

// isLearnable reports whether addr should be learned as a source route,
// per spec.md §4.8's "Learn" step: unicast, not a reserved/local address.
func isLearnable(addr InnerAddr, class FrameClass, local InnerAddr) bool {
	if class != ClassUnicast {
		return false
	}
	if !addr.IsValid() {
		return false
	}
	if local.IsValid() && addr.Equal(local) {
		return false
	}
	return true
}
