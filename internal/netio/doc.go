// Package netio provides the concrete wire, interface, and multiplexer
// implementations the tunnel core consumes through its Transport, VIF, and
// Multiplexer interfaces (internal/tunnel/external.go).
//
// Linux-specific code uses golang.org/x/sys/unix for non-blocking socket
// I/O and epoll, and vishvananda/netlink for TUN/TAP device configuration.
package netio
