package tunnel

import "errors"

// Sentinel errors for tunnel core operations.
var (
	// ErrInstanceNotFound indicates no ClientInstance exists for the given key.
	ErrInstanceNotFound = errors.New("client instance not found")

	// ErrInstanceHalted indicates the instance is draining and cannot accept
	// new work.
	ErrInstanceHalted = errors.New("client instance is halting")

	// ErrMaxClients indicates the registry is at max_clients capacity.
	ErrMaxClients = errors.New("max_clients reached, refusing new instance")

	// ErrPoolExhausted indicates the virtual-address pool has no free
	// addresses left in its configured range.
	ErrPoolExhausted = errors.New("virtual address pool exhausted")

	// ErrPoolNotOwned indicates a release was requested for an address the
	// pool never handed out (or already reclaimed).
	ErrPoolNotOwned = errors.New("address not owned by pool")

	// ErrShortFrame indicates a frame was too short to contain the header
	// required by its tunnel type.
	ErrShortFrame = errors.New("frame too short to parse")

	// ErrUnknownEtherType indicates an Ethernet frame's EtherType (after
	// optional 802.1Q) is not IPv4, IPv6, or ARP.
	ErrUnknownEtherType = errors.New("unknown ethertype")

	// ErrUnsupportedAddrVariant indicates an operation received an InnerAddr
	// or OuterAddr variant it does not handle.
	ErrUnsupportedAddrVariant = errors.New("unsupported address variant")

	// ErrQueueOverflow indicates a deferred-buffer queue exceeded
	// tcp_queue_limit and the owning instance was halted.
	ErrQueueOverflow = errors.New("deferred write queue overflow")

	// ErrHardFail indicates the processing pipeline reported an
	// unrecoverable error for an instance.
	ErrHardFail = errors.New("pipeline hard failure")

	// ErrLoopFatal indicates a fatal condition (map corruption, assertion
	// failure) that terminates the event loop.
	ErrLoopFatal = errors.New("fatal event loop condition")
)
