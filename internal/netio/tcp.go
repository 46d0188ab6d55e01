//go:build linux

package netio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnd/internal/tunnel"
)

// TCPTransport implements tunnel.Transport over one already-established
// TCP connection, length-prefix framing each ciphertext record per
// spec.md §6. One TCPTransport serves exactly one peer: the event loop
// identifies which instance owns a stream fd itself (connOwner in
// internal/tunnel/eventloop.go), not this type.
type TCPTransport struct {
	conn *net.TCPConn
	raw  syscall.RawConn
	fd   int
	peer tunnel.OuterAddr

	readBuf []byte
	reasm   streamReassembler

	// partial holds the tail of a frame that a previous WriteFrame could
	// only write part of; it must fully drain before a new frame is
	// accepted, preserving WriteFrame's all-or-nothing contract.
	partial []byte

	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ tunnel.Transport = (*TCPTransport)(nil)

// NewTCPTransport wraps an accepted TCP connection.
func NewTCPTransport(conn *net.TCPConn, logger *slog.Logger) (*TCPTransport, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("netio: tcp syscall conn: %w", err)
	}
	var fd int
	if ctrlErr := raw.Control(func(fdv uintptr) { fd = int(fdv) }); ctrlErr != nil {
		return nil, fmt.Errorf("netio: tcp get fd: %w", ctrlErr)
	}

	remote := conn.RemoteAddr().(*net.TCPAddr)
	peer := tunnel.OuterAddrFromAddrPort(remote.AddrPort())

	return &TCPTransport{
		conn:    conn,
		raw:     raw,
		fd:      fd,
		peer:    peer,
		readBuf: make([]byte, defaultMaxDatagram),
		logger: logger.With(
			slog.String("component", "netio.tcp"),
			slog.String("peer", peer.String()),
		),
	}, nil
}

// DialTCPTransport opens an outbound TCP connection to raddr (used when
// this daemon initiates the stream side of a peer relationship).
func DialTCPTransport(raddr netip.AddrPort, logger *slog.Logger) (*TCPTransport, error) {
	conn, err := net.DialTCP("tcp", nil, net.TCPAddrFromAddrPort(raddr))
	if err != nil {
		return nil, fmt.Errorf("netio: dial tcp %s: %w", raddr, err)
	}
	return NewTCPTransport(conn, logger)
}

// ReadFrame reads available bytes non-blockingly, reassembles complete
// length-prefixed records, and returns the oldest one ready.
func (t *TCPTransport) ReadFrame() ([]byte, tunnel.OuterAddr, bool, error) {
	if frame, ok := t.reasm.next(); ok {
		return frame, t.peer, true, nil
	}

	var n int
	var readErr error
	err := t.raw.Read(func(fdv uintptr) bool {
		n, readErr = unix.Read(int(fdv), t.readBuf)
		return true
	})
	if err != nil {
		return nil, tunnel.OuterAddr{}, false, fmt.Errorf("netio: tcp read control: %w", err)
	}
	if readErr != nil {
		if errors.Is(readErr, unix.EAGAIN) || errors.Is(readErr, unix.EWOULDBLOCK) {
			return nil, tunnel.OuterAddr{}, false, nil
		}
		return nil, tunnel.OuterAddr{}, false, fmt.Errorf("netio: tcp read: %w", readErr)
	}
	if n == 0 {
		// Peer closed the connection cleanly (EOF): report as a hard
		// error so the caller tears the instance down, same as an
		// ECONNRESET per spec.md §6's stream_reset handling.
		return nil, tunnel.OuterAddr{}, false, fmt.Errorf("netio: tcp %s: %w", t.peer, io.EOF)
	}

	t.reasm.feed(t.readBuf[:n])
	frame, ok := t.reasm.next()
	return frame, t.peer, ok, nil
}

// WriteFrame length-prefixes buf and writes it to the connection. The
// "to" argument is ignored since a TCPTransport is already bound to one
// peer. Returns ok=false, without having written any of buf, if an
// earlier frame's tail is still draining or the socket accepts none of
// this frame. A frame the socket accepts only part of is reported as
// written (ok=true); its tail is kept in partial and drained before the
// next frame.
func (t *TCPTransport) WriteFrame(buf []byte, _ tunnel.OuterAddr) (bool, error) {
	if len(t.partial) > 0 {
		if !t.drainPartial() {
			return false, nil
		}
	}

	framed, err := encodeFrame(buf)
	if err != nil {
		return false, fmt.Errorf("netio: tcp encode frame: %w", err)
	}

	t.partial = framed
	if !t.drainPartial() && len(t.partial) == len(framed) {
		t.partial = nil
		return false, nil
	}
	return true, nil
}

// drainPartial attempts to write as much of t.partial as the socket will
// currently accept, non-blockingly. Returns true once t.partial is fully
// drained.
func (t *TCPTransport) drainPartial() bool {
	for len(t.partial) > 0 {
		var n int
		var writeErr error
		err := t.raw.Write(func(fdv uintptr) bool {
			n, writeErr = unix.Write(int(fdv), t.partial)
			return true
		})
		if err != nil {
			t.logger.Warn("tcp write control error", slog.String("error", err.Error()))
			return false
		}
		if writeErr != nil {
			if errors.Is(writeErr, unix.EAGAIN) || errors.Is(writeErr, unix.EWOULDBLOCK) {
				return false
			}
			t.logger.Warn("tcp write error", slog.String("error", writeErr.Error()))
			return false
		}
		t.partial = t.partial[n:]
	}
	return true
}

// FD returns the connection's file descriptor for Multiplexer registration.
func (t *TCPTransport) FD() int { return t.fd }

// Peer returns the remote address this transport is bound to.
func (t *TCPTransport) Peer() tunnel.OuterAddr { return t.peer }

// Close closes the underlying connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("netio: close tcp transport: %w", err)
	}
	return nil
}
