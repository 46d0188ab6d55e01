package cryptopipe

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/dantte-lp/govpnd/internal/tunnel"
)

// wire frame layout: [1]msgType [8]senderSessionID [...]payload (data only).
const (
	msgTypeHello = 0
	msgTypeData  = 1

	sessionIDLen = 8
	headerLen    = 1 + sessionIDLen
)

// Plain is a placeholder tunnel.Pipeline: it exchanges an 8-byte session
// id on first contact and otherwise passes payloads through unmodified.
// It performs no encryption, authentication, or key derivation and must
// never be used to carry traffic that needs confidentiality or integrity.
type Plain struct {
	msgPrefix string

	localID [sessionIDLen]byte
	peerID  [sessionIDLen]byte

	established bool
	greeted     bool

	pendingLink [][]byte

	keepalive time.Duration
}

var _ tunnel.Pipeline = (*Factory)(nil)

// Factory adapts Plain's per-instance construction to the tunnel.Pipeline
// contract, which is called with a ctx any that Factory type-asserts back
// to *Plain on every call after Open.
type Factory struct {
	Keepalive time.Duration
}

// NewFactory returns a Factory with the default keepalive interval.
func NewFactory() *Factory {
	return &Factory{Keepalive: 30 * time.Second}
}

// Open implements tunnel.Pipeline.
func (f *Factory) Open(msgPrefix string) (any, error) {
	p := &Plain{msgPrefix: msgPrefix, keepalive: f.keepaliveOrDefault()}
	if _, err := rand.Read(p.localID[:]); err != nil {
		return nil, fmt.Errorf("cryptopipe: generate session id: %w", err)
	}
	p.greeted = true
	p.pendingLink = append(p.pendingLink, p.buildHello())
	return p, nil
}

func (f *Factory) keepaliveOrDefault() time.Duration {
	if f.Keepalive <= 0 {
		return 30 * time.Second
	}
	return f.Keepalive
}

// Close implements tunnel.Pipeline. Plain holds no resources to release.
func (f *Factory) Close(ctx any) {}

// sessionIDDefined reports whether id is not the all-zero session id, per
// the intended (not the apparently-buggy) semantics of the original
// sizeof-in-memcmp check this is modeled on: a session is "defined" once
// any byte of its id is nonzero.
func sessionIDDefined(id [sessionIDLen]byte) bool {
	for _, b := range id {
		if b != 0 {
			return true
		}
	}
	return false
}

func asPlain(ctx any) *Plain {
	p, _ := ctx.(*Plain)
	return p
}

// ProcessIncomingLink implements tunnel.Pipeline.
func (f *Factory) ProcessIncomingLink(ctx any, buf []byte) ([]byte, tunnel.PipelineAction) {
	p := asPlain(ctx)
	if p == nil || len(buf) < headerLen {
		return nil, tunnel.ActionHardFail
	}

	msgType := buf[0]
	var peerID [sessionIDLen]byte
	copy(peerID[:], buf[1:headerLen])

	switch msgType {
	case msgTypeHello:
		p.peerID = peerID
		p.established = sessionIDDefined(peerID)
		if !p.greeted {
			p.greeted = true
			p.pendingLink = append(p.pendingLink, p.buildHello())
		}
		return nil, tunnel.ActionOK
	case msgTypeData:
		if !p.established || peerID != p.peerID {
			return nil, tunnel.ActionSoftReset
		}
		payload := make([]byte, len(buf)-headerLen)
		copy(payload, buf[headerLen:])
		return payload, tunnel.ActionOK
	default:
		return nil, tunnel.ActionHardFail
	}
}

// ProcessIncomingTun implements tunnel.Pipeline.
func (f *Factory) ProcessIncomingTun(ctx any, innerBuf []byte) ([]byte, tunnel.PipelineAction) {
	p := asPlain(ctx)
	if p == nil {
		return nil, tunnel.ActionHardFail
	}
	if !p.established {
		return nil, tunnel.ActionSoftReset
	}
	frame := make([]byte, headerLen+len(innerBuf))
	frame[0] = msgTypeData
	copy(frame[1:headerLen], p.localID[:])
	copy(frame[headerLen:], innerBuf)
	return frame, tunnel.ActionOK
}

// ProcessOutgoingLink implements tunnel.Pipeline.
func (f *Factory) ProcessOutgoingLink(ctx any) []byte {
	p := asPlain(ctx)
	if p == nil || len(p.pendingLink) == 0 {
		return nil
	}
	next := p.pendingLink[0]
	p.pendingLink = p.pendingLink[1:]
	return next
}

// ProcessOutgoingTun implements tunnel.Pipeline. Plain never queues inner
// frames out of band; ProcessIncomingLink already returns them directly.
func (f *Factory) ProcessOutgoingTun(ctx any) []byte { return nil }

// PreSelect implements tunnel.Pipeline.
func (f *Factory) PreSelect(ctx any, now int64) (int64, bool, bool) {
	p := asPlain(ctx)
	if p == nil {
		return now, false, false
	}
	return now + p.keepalive.Nanoseconds(), true, len(p.pendingLink) > 0
}

// ConnectionEstablished implements tunnel.Pipeline.
func (f *Factory) ConnectionEstablished(ctx any) bool {
	p := asPlain(ctx)
	return p != nil && p.established
}

func (p *Plain) buildHello() []byte {
	frame := make([]byte, headerLen)
	frame[0] = msgTypeHello
	copy(frame[1:headerLen], p.localID[:])
	return frame
}
