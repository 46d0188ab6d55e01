// Package server implements the tunnel daemon's two external-facing
// surfaces: a versioned status writer and a Unix-socket control
// protocol for listing sessions and triggering reload/restart/stop.
//
// Neither surface touches internal/tunnel's data structures directly
// except through the read-only StatusRow/SignalFlags types it already
// exposes for exactly this purpose.
package server
