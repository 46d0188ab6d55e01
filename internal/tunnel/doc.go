// Package tunnel implements the multiplexing tunnel server core: the
// per-client session state machine and scheduler, the inner-address
// routing/learning table, and the event loop that arbitrates between the
// wire socket, the virtual network interface, and per-client timers.
//
// The package treats cryptographic and packet-framing details as opaque
// transforms (see Pipeline) and treats the wire transport and virtual
// interface as external collaborators (see external.go) so that the
// routing, scheduling, and backpressure logic can be tested without a
// live socket or TUN/TAP device.
package tunnel
