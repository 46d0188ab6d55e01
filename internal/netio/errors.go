package netio

import "errors"

var (
	// ErrTransportClosed indicates an operation on a closed Transport.
	ErrTransportClosed = errors.New("netio: transport closed")

	// ErrVIFClosed indicates an operation on a closed VIF.
	ErrVIFClosed = errors.New("netio: virtual interface closed")

	// ErrFrameTooLarge indicates a frame exceeded the transport's maximum
	// datagram size and was rejected rather than silently truncated.
	ErrFrameTooLarge = errors.New("netio: frame exceeds maximum size")

	// ErrUnsupportedAddr indicates an OuterAddr variant this transport
	// cannot send to (e.g. a Unix-domain OuterAddr handed to a UDP
	// transport).
	ErrUnsupportedAddr = errors.New("netio: unsupported address for this transport")

	// ErrUnexpectedConnType indicates net.ListenPacket/net.Dial returned a
	// connection type other than the one this package knows how to drive
	// with raw socket options.
	ErrUnexpectedConnType = errors.New("netio: unexpected connection type")
)
