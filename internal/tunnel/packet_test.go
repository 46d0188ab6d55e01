package tunnel

import (
	"errors"
	"testing"
)

// buildIPv4Header constructs a minimal 20-byte IPv4 header (no options)
// with the given source/destination, for use as a TUN-mode test frame.
func buildIPv4Header(src, dst [4]byte) []byte {
	h := make([]byte, 20)
	h[0] = 0x45 // version 4, IHL 5
	h[8] = 64   // TTL
	h[9] = 17   // protocol: UDP (arbitrary, not inspected by extractFromPacket)
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	return h
}

func buildEtherFrame(dst, src [6]byte, etherType uint16) []byte {
	f := make([]byte, 14)
	copy(f[0:6], dst[:])
	copy(f[6:12], src[:])
	f[12] = byte(etherType >> 8)
	f[13] = byte(etherType)
	return f
}

func TestExtractFromPacket_TUN_IPv4(t *testing.T) {
	frame := buildIPv4Header([4]byte{10, 8, 0, 6}, [4]byte{10, 8, 0, 10})
	src, dst, class, err := extractFromPacket(TunnelTUN, frame)
	if err != nil {
		t.Fatalf("extractFromPacket: %v", err)
	}
	if class != ClassUnicast {
		t.Fatalf("got class %v, want unicast", class)
	}
	gotSrc, _ := src.IP()
	gotDst, _ := dst.IP()
	if gotSrc.String() != "10.8.0.6" || gotDst.String() != "10.8.0.10" {
		t.Fatalf("got src=%s dst=%s", gotSrc, gotDst)
	}
}

func TestExtractFromPacket_TUN_Broadcast(t *testing.T) {
	frame := buildIPv4Header([4]byte{10, 8, 0, 6}, [4]byte{255, 255, 255, 255})
	_, _, class, err := extractFromPacket(TunnelTUN, frame)
	if err != nil {
		t.Fatalf("extractFromPacket: %v", err)
	}
	if class != ClassBroadcast {
		t.Fatalf("got class %v, want broadcast", class)
	}
}

func TestExtractFromPacket_TUN_Multicast(t *testing.T) {
	frame := buildIPv4Header([4]byte{10, 8, 0, 6}, [4]byte{224, 0, 0, 1})
	_, _, class, err := extractFromPacket(TunnelTUN, frame)
	if err != nil {
		t.Fatalf("extractFromPacket: %v", err)
	}
	if class != ClassMulticast {
		t.Fatalf("got class %v, want multicast", class)
	}
}

func TestExtractFromPacket_TUN_ShortFrame(t *testing.T) {
	_, _, _, err := extractFromPacket(TunnelTUN, []byte{0x45, 0x00})
	if !errors.Is(err, ErrShortFrame) {
		t.Fatalf("got %v, want ErrShortFrame", err)
	}
}

func TestExtractFromPacket_TAP_Ether(t *testing.T) {
	dst := [6]byte{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	src := [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	frame := buildEtherFrame(dst, src, 0x0800) // IPv4
	gotSrc, gotDst, class, err := extractFromPacket(TunnelTAP, frame)
	if err != nil {
		t.Fatalf("extractFromPacket: %v", err)
	}
	if class != ClassUnicast {
		t.Fatalf("got class %v, want unicast", class)
	}
	if gotSrc.String() != "00:11:22:33:44:55" || gotDst.String() != "00:aa:bb:cc:dd:ee" {
		t.Fatalf("got src=%s dst=%s", gotSrc, gotDst)
	}
}

func TestExtractFromPacket_TAP_Broadcast(t *testing.T) {
	dst := broadcastMAC
	src := [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	frame := buildEtherFrame(dst, src, 0x0800)
	_, _, class, err := extractFromPacket(TunnelTAP, frame)
	if err != nil {
		t.Fatalf("extractFromPacket: %v", err)
	}
	if class != ClassBroadcast {
		t.Fatalf("got class %v, want broadcast", class)
	}
}

func TestExtractFromPacket_TAP_UnknownEtherType(t *testing.T) {
	dst := [6]byte{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	src := [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	frame := buildEtherFrame(dst, src, 0x9999)
	_, _, _, err := extractFromPacket(TunnelTAP, frame)
	if !errors.Is(err, ErrUnknownEtherType) {
		t.Fatalf("got %v, want ErrUnknownEtherType", err)
	}
}

func TestExtractFromPacket_TAP_ShortFrame(t *testing.T) {
	_, _, _, err := extractFromPacket(TunnelTAP, []byte{0x00, 0x01})
	if !errors.Is(err, ErrShortFrame) {
		t.Fatalf("got %v, want ErrShortFrame", err)
	}
}
