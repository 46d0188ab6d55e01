package tunnel

// This file declares the small interfaces the core consumes from its
// external collaborators (spec.md §6), so internal/tunnel never imports
// internal/netio directly — only the reverse. Concrete implementations
// live in internal/netio and internal/cryptopipe.

// Transport is the non-blocking, byte-oriented wire transport the core
// reads frames from and writes frames to. For datagram transports, each
// ReadFrame returns the sender's OuterAddr; for stream transports, the
// caller identifies the peer by which Transport/connection it read from
// (the event loop tracks that mapping, not this interface).
type Transport interface {
	// ReadFrame returns one fully-framed ciphertext record (already
	// stream-reassembled if this is a stream transport), its sender, and
	// false if no complete frame is currently available (EAGAIN-
	// equivalent — not an error).
	ReadFrame() (buf []byte, from OuterAddr, ok bool, err error)

	// WriteFrame attempts a non-blocking send of buf to "to" (ignored for
	// connection-oriented transports already bound to one peer). Returns
	// false if the write would have blocked — the caller must defer buf.
	WriteFrame(buf []byte, to OuterAddr) (ok bool, err error)

	// FD returns the file descriptor to register with the event
	// multiplexer.
	FD() int
}

// VIF is the virtual network interface the core reads inner frames from
// and writes inner frames to.
type VIF interface {
	// ReadFrame returns one inner frame (IP packet for TUN, Ethernet
	// frame for TAP), or false if none is currently available.
	ReadFrame() (buf []byte, ok bool, err error)

	// WriteFrame writes one inner frame. Returns false if the write would
	// have blocked.
	WriteFrame(buf []byte) (ok bool, err error)

	// FD returns the file descriptor to register with the event
	// multiplexer.
	FD() int

	// Type reports whether this VIF carries TUN or TAP frames.
	Type() TunnelType
}

// Multiplexer waits for readiness across a set of registered
// descriptors, per spec.md §4.8 step 3. Concrete implementations (e.g.
// epoll on Linux) live in internal/netio; this interface is all the
// event loop depends on.
type Multiplexer interface {
	// Register adds fd to the interest set with the given read/write
	// interest.
	Register(fd int, wantRead, wantWrite bool) error

	// Modify updates fd's interest set.
	Modify(fd int, wantRead, wantWrite bool) error

	// Unregister removes fd from the interest set.
	Unregister(fd int) error

	// Wait blocks up to timeoutNanos (0 = return immediately, <0 = block
	// indefinitely) and returns the ready descriptors.
	Wait(timeoutNanos int64) ([]ReadyFD, error)

	// Close releases the multiplexer's own descriptor.
	Close() error
}

// ReadyFD reports one descriptor's readiness after a Multiplexer.Wait.
type ReadyFD struct {
	FD        int
	Readable  bool
	Writable  bool
}
