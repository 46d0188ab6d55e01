// Package cryptopipe provides Plain, a placeholder implementation of
// tunnel.Pipeline. It frames data and handshake messages with an 8-byte
// session identifier but performs no encryption or authentication: it
// exists to exercise the core's Pipeline contract end to end, not to
// protect traffic. A production build must replace it with a real
// AEAD-backed implementation before carrying live peers.
package cryptopipe
