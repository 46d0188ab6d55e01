//go:build linux

package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnd/internal/tunnel"
)

// defaultMaxDatagram bounds the size of a single read, generous enough for
// a jumbo-frame inner packet plus cryptopipe framing overhead.
const defaultMaxDatagram = 9216

// UDPTransport implements tunnel.Transport over an unconnected UDP socket,
// the wire transport named in spec.md §6's "link" configuration. A single
// socket serves every peer; WriteFrame's "to" argument selects the
// destination per-call the way UDPSender's BFD equivalent never needed to,
// since one BFD sender binds to exactly one peer pair.
type UDPTransport struct {
	conn *net.UDPConn
	raw  syscall.RawConn
	fd   int

	readBuf []byte
	oobBuf  []byte
	isIPv6  bool

	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ tunnel.Transport = (*UDPTransport)(nil)

// UDPOption configures optional UDPTransport parameters.
type UDPOption func(*udpConfig)

type udpConfig struct {
	maxDatagram int
	bindDevice  string
}

// WithMaxDatagram overrides the per-read buffer size.
func WithMaxDatagram(n int) UDPOption {
	return func(c *udpConfig) { c.maxDatagram = n }
}

// WithUDPBindDevice binds the socket to a specific interface via
// SO_BINDTODEVICE, mirroring the teacher's per-link binding option.
func WithUDPBindDevice(ifName string) UDPOption {
	return func(c *udpConfig) { c.bindDevice = ifName }
}

// NewUDPTransport opens and binds a non-blocking UDP socket at laddr.
func NewUDPTransport(laddr netip.AddrPort, logger *slog.Logger, opts ...UDPOption) (*UDPTransport, error) {
	cfg := udpConfig{maxDatagram: defaultMaxDatagram}
	for _, opt := range opts {
		opt(&cfg)
	}

	isIPv6 := laddr.Addr().Is6() && !laddr.Addr().Is4In6()
	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setUDPSockOpts(c, cfg.bindDevice, isIPv6)
		},
	}

	pc, err := lc.ListenPacket(context.Background(), network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("netio: listen udp %s: %w", laddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("netio: listen udp %s: %w", laddr, ErrUnexpectedConnType)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("netio: syscall conn for %s: %w", laddr, err)
	}

	var fd int
	if ctrlErr := raw.Control(func(fdv uintptr) { fd = int(fdv) }); ctrlErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("netio: get fd for %s: %w", laddr, ctrlErr)
	}

	return &UDPTransport{
		conn:    conn,
		raw:     raw,
		fd:      fd,
		readBuf: make([]byte, cfg.maxDatagram),
		oobBuf:  make([]byte, oobBufSize),
		isIPv6:  isIPv6,
		logger: logger.With(
			slog.String("component", "netio.udp"),
			slog.String("local", laddr.String()),
		),
	}, nil
}

// oobBufSize covers the largest control message set this transport asks
// for: IP_PKTINFO (struct in_pktinfo, 12 bytes) or IPV6_PKTINFO (struct
// in6_pktinfo, 20 bytes), each with cmsghdr overhead.
const oobBufSize = 64

func setUDPSockOpts(c syscall.RawConn, bindDevice string, isIPv6 bool) error {
	var sockErr error
	err := c.Control(func(fdv uintptr) {
		fd := int(fdv)
		if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", e)
			return
		}
		if bindDevice != "" {
			if e := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, bindDevice); e != nil {
				sockErr = fmt.Errorf("set SO_BINDTODEVICE(%s): %w", bindDevice, e)
				return
			}
		}
		// Request the local destination address/interface on every
		// received datagram, surfaced to the core as tunnel.OuterAddr.Pkt
		// for multi-homed listeners.
		if isIPv6 {
			if e := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); e != nil {
				sockErr = fmt.Errorf("set IPV6_RECVPKTINFO: %w", e)
			}
			return
		}
		if e := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); e != nil {
			sockErr = fmt.Errorf("set IP_PKTINFO: %w", e)
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

// ReadFrame performs a non-blocking read: MSG_DONTWAIT makes an empty
// socket return EAGAIN immediately instead of going through the
// netpoller, so the event loop's own Multiplexer.Wait is the only thing
// that ever suspends (spec.md §5).
func (t *UDPTransport) ReadFrame() ([]byte, tunnel.OuterAddr, bool, error) {
	var n, oobn int
	var from unix.Sockaddr
	var recvErr error

	err := t.raw.Read(func(fdv uintptr) bool {
		n, oobn, _, from, recvErr = unix.Recvmsg(int(fdv), t.readBuf, t.oobBuf, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return nil, tunnel.OuterAddr{}, false, fmt.Errorf("netio: udp read control: %w", err)
	}
	if recvErr != nil {
		if errors.Is(recvErr, unix.EAGAIN) || errors.Is(recvErr, unix.EWOULDBLOCK) {
			return nil, tunnel.OuterAddr{}, false, nil
		}
		return nil, tunnel.OuterAddr{}, false, fmt.Errorf("netio: udp recvmsg: %w", recvErr)
	}

	ap, convErr := sockaddrToAddrPort(from)
	if convErr != nil {
		return nil, tunnel.OuterAddr{}, false, fmt.Errorf("netio: udp recvmsg addr: %w", convErr)
	}

	buf := make([]byte, n)
	copy(buf, t.readBuf[:n])

	out := tunnel.OuterAddrFromAddrPort(ap)
	out.Pkt = parsePktInfo(t.oobBuf[:oobn], t.isIPv6)
	return buf, out, true, nil
}

// parsePktInfo extracts the local destination address/interface from
// IP_PKTINFO/IPV6_PKTINFO ancillary data, or returns nil if none was
// present (e.g. the kernel didn't attach one, or parsing failed).
func parsePktInfo(oob []byte, isIPv6 bool) *tunnel.PktInfo {
	if len(oob) == 0 {
		return nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	for _, m := range msgs {
		if isIPv6 && m.Header.Level == unix.IPPROTO_IPV6 && m.Header.Type == unix.IPV6_PKTINFO {
			if len(m.Data) < 20 {
				continue
			}
			var ip6 [16]byte
			copy(ip6[:], m.Data[0:16])
			ifIdx := int(uint32(m.Data[16]) | uint32(m.Data[17])<<8 | uint32(m.Data[18])<<16 | uint32(m.Data[19])<<24)
			return &tunnel.PktInfo{IfIndex: ifIdx, LocalVer: netip.AddrFrom16(ip6)}
		}
		if !isIPv6 && m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_PKTINFO {
			if len(m.Data) < 12 {
				continue
			}
			ifIdx := int(uint32(m.Data[0]) | uint32(m.Data[1])<<8 | uint32(m.Data[2])<<16 | uint32(m.Data[3])<<24)
			var ip4 [4]byte
			copy(ip4[:], m.Data[8:12])
			return &tunnel.PktInfo{IfIndex: ifIdx, LocalVer: netip.AddrFrom4(ip4)}
		}
	}
	return nil
}

// WriteFrame performs a non-blocking send to "to". A send that would
// block (socket send buffer full) reports ok=false so the caller defers
// buf per spec.md §4.6.
func (t *UDPTransport) WriteFrame(buf []byte, to tunnel.OuterAddr) (bool, error) {
	if to.Variant != tunnel.AddrIPv4 && to.Variant != tunnel.AddrIPv6 {
		return false, fmt.Errorf("netio: udp write to %s: %w", to, ErrUnsupportedAddr)
	}

	sa, err := addrPortToSockaddr(to.AddrPort)
	if err != nil {
		return false, fmt.Errorf("netio: udp write sockaddr: %w", err)
	}

	var sendErr error
	ctrlErr := t.raw.Write(func(fdv uintptr) bool {
		sendErr = unix.Sendto(int(fdv), buf, unix.MSG_DONTWAIT, sa)
		return true
	})
	if ctrlErr != nil {
		return false, fmt.Errorf("netio: udp write control: %w", ctrlErr)
	}
	if sendErr != nil {
		if errors.Is(sendErr, unix.EAGAIN) || errors.Is(sendErr, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("netio: udp sendto %s: %w", to, sendErr)
	}
	return true, nil
}

// FD returns the socket descriptor for Multiplexer registration.
func (t *UDPTransport) FD() int { return t.fd }

// Close closes the underlying socket.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("netio: close udp transport: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// sockaddr conversions
// -------------------------------------------------------------------------

func addrPortToSockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		b := addr.As4()
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: b}, nil
	}
	if addr.Is6() {
		b := addr.As16()
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: b}, nil
	}
	return nil, fmt.Errorf("netio: invalid address %s", ap)
}

func sockaddrToAddrPort(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("netio: unsupported sockaddr type %T", sa)
	}
}
