//go:build linux

package netio

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vishvananda/netlink"

	"github.com/dantte-lp/govpnd/internal/tunnel"
)

// TUNDevice implements tunnel.VIF over a Linux TUN or TAP character
// device, opened via the universal /dev/net/tun driver and configured
// with vishvananda/netlink the way a host network stack would be.
type TUNDevice struct {
	fd   int
	name string
	kind tunnel.TunnelType

	readBuf []byte

	mu     sync.Mutex
	closed bool
}

var _ tunnel.VIF = (*TUNDevice)(nil)

// VIFConfig describes how to open and address a TUN/TAP device.
type VIFConfig struct {
	// Type selects TUN (IP frames) or TAP (Ethernet frames).
	Type tunnel.TunnelType
	// Name is the requested interface name; empty lets the kernel assign
	// one from the tunN/tapN template.
	Name string
	// LocalAddr, if valid, is assigned to the interface with Prefix bits.
	LocalAddr netip.Addr
	Prefix    int
	MTU       int
}

const defaultVIFMTU = 1420 // leaves room for cryptopipe framing under a 1500-byte path MTU

// OpenTUNDevice opens /dev/net/tun, requests the given mode and name via
// TUNSETIFF, brings the resulting interface up and addresses it via
// netlink, and returns a non-blocking tunnel.VIF.
func OpenTUNDevice(cfg VIFConfig, logger *slog.Logger) (*TUNDevice, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("netio: open /dev/net/tun: %w", err)
	}

	flags := int16(unix.IFF_NO_PI)
	template := "tun%d"
	if cfg.Type == tunnel.TunnelTAP {
		flags |= unix.IFF_TAP
		template = "tap%d"
	} else {
		flags |= unix.IFF_TUN
	}

	requested := cfg.Name
	if requested == "" {
		requested = template
	}

	name, err := ioctlTunSetIff(fd, requested, flags)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netio: TUNSETIFF %s: %w", requested, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netio: set nonblocking on %s: %w", name, err)
	}

	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = defaultVIFMTU
	}

	if err := configureLink(name, cfg.LocalAddr, cfg.Prefix, mtu); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netio: configure %s: %w", name, err)
	}

	logger.Info("opened virtual interface",
		slog.String("name", name),
		slog.Int("type", int(cfg.Type)),
		slog.Int("mtu", mtu),
	)

	return &TUNDevice{
		fd:      fd,
		name:    name,
		kind:    cfg.Type,
		readBuf: make([]byte, 65535),
	}, nil
}

// configureLink brings the named link up, sets its MTU, and assigns
// localAddr/prefix if localAddr is valid. Grounded on the same
// link-up + address-assignment shape a host network stack performs by
// hand via `ip link set ... up` / `ip addr add`.
func configureLink(name string, localAddr netip.Addr, prefix, mtu int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("netlink.LinkByName(%s): %w", name, err)
	}

	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("netlink.LinkSetMTU(%s): %w", name, err)
	}

	if localAddr.IsValid() {
		ipNet := netip.PrefixFrom(localAddr, prefix)
		addr := &netlink.Addr{IPNet: prefixToIPNet(ipNet)}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("netlink.AddrReplace(%s, %s): %w", name, ipNet, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("netlink.LinkSetUp(%s): %w", name, err)
	}

	return nil
}

// ReadFrame performs a non-blocking read of one inner frame.
func (d *TUNDevice) ReadFrame() ([]byte, bool, error) {
	n, err := unix.Read(d.fd, d.readBuf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("netio: read %s: %w", d.name, err)
	}
	if n == 0 {
		return nil, false, nil
	}
	buf := make([]byte, n)
	copy(buf, d.readBuf[:n])
	return buf, true, nil
}

// WriteFrame performs a non-blocking write of one inner frame.
func (d *TUNDevice) WriteFrame(buf []byte) (bool, error) {
	_, err := unix.Write(d.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("netio: write %s: %w", d.name, err)
	}
	return true, nil
}

// FD returns the TUN/TAP character device descriptor.
func (d *TUNDevice) FD() int { return d.fd }

// Type reports whether this device carries TUN or TAP frames.
func (d *TUNDevice) Type() tunnel.TunnelType { return d.kind }

// Name returns the kernel-assigned or requested interface name.
func (d *TUNDevice) Name() string { return d.name }

// Close closes the device descriptor. The kernel removes the interface
// automatically once the last open fd is closed (no explicit netlink
// teardown is required for a non-persistent TUN/TAP device).
func (d *TUNDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("netio: close %s: %w", d.name, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// ioctl helpers
// -------------------------------------------------------------------------

// ioctlTunSetIff wraps the TUNSETIFF ioctl, requesting the given name
// template and flags (IFF_TUN/IFF_TAP | IFF_NO_PI), and returns the
// kernel-assigned interface name.
func ioctlTunSetIff(fd int, name string, flags int16) (string, error) {
	var ifreq struct {
		name  [unix.IFNAMSIZ]byte
		flags int16
	}
	if len(name) >= unix.IFNAMSIZ {
		return "", unix.EINVAL
	}
	copy(ifreq.name[:], name)
	ifreq.flags = flags

	if err := unix.IoctlSetInt(fd, unix.TUNSETIFF, int(uintptr(unsafe.Pointer(&ifreq)))); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(ifreq.name[:], "\x00")), nil
}

// prefixToIPNet converts a netip.Prefix to the *net.IPNet shape
// vishvananda/netlink's Addr type expects.
func prefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr()
	bits := addr.BitLen()
	return &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(p.Bits(), bits),
	}
}
