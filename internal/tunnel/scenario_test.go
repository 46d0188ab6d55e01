package tunnel

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"
)

// fakeTransport is a single shared datagram transport used by scenario
// tests: ReadFrame pops a queued (buf, from) pair; WriteFrame always
// succeeds immediately and records what was sent.
type fakeTransport struct {
	inbound  []fakeInboundFrame
	outbound []fakeOutboundFrame
	fd       int

	// order, readLabel, and writeLabel let dispatch-order tests observe
	// exactly when this transport's ReadFrame/WriteFrame actually ran,
	// relative to other descriptors serviced in the same dispatch call.
	order      *[]string
	readLabel  string
	writeLabel string
}

type fakeInboundFrame struct {
	buf  []byte
	from OuterAddr
}

type fakeOutboundFrame struct {
	buf []byte
	to  OuterAddr
}

func (t *fakeTransport) ReadFrame() ([]byte, OuterAddr, bool, error) {
	if len(t.inbound) == 0 {
		return nil, OuterAddr{}, false, nil
	}
	f := t.inbound[0]
	t.inbound = t.inbound[1:]
	if t.order != nil && t.readLabel != "" {
		*t.order = append(*t.order, t.readLabel)
	}
	return f.buf, f.from, true, nil
}

func (t *fakeTransport) WriteFrame(buf []byte, to OuterAddr) (bool, error) {
	t.outbound = append(t.outbound, fakeOutboundFrame{buf: buf, to: to})
	if t.order != nil && t.writeLabel != "" {
		*t.order = append(*t.order, t.writeLabel)
	}
	return true, nil
}

func (t *fakeTransport) FD() int { return t.fd }

// fakeVIF is a TUN device stub for scenario tests.
type fakeVIF struct {
	in  [][]byte
	out [][]byte
	fd  int
	tt  TunnelType

	// order and readLabel mirror fakeTransport's, for dispatch-order tests.
	order     *[]string
	readLabel string
}

func (v *fakeVIF) ReadFrame() ([]byte, bool, error) {
	if len(v.in) == 0 {
		return nil, false, nil
	}
	f := v.in[0]
	v.in = v.in[1:]
	if v.order != nil && v.readLabel != "" {
		*v.order = append(*v.order, v.readLabel)
	}
	return f, true, nil
}

func (v *fakeVIF) WriteFrame(buf []byte) (bool, error) {
	v.out = append(v.out, buf)
	return true, nil
}

func (v *fakeVIF) FD() int          { return v.fd }
func (v *fakeVIF) Type() TunnelType { return v.tt }

// passthroughPipeline is a minimal Pipeline that treats "ciphertext" and
// "plaintext" as identical byte slices, so scenario tests can exercise
// routing without a real cryptographic implementation.
type passthroughPipeline struct {
	established map[any]bool
}

func newPassthroughPipeline() *passthroughPipeline {
	return &passthroughPipeline{established: make(map[any]bool)}
}

func (p *passthroughPipeline) Open(msgPrefix string) (any, error) {
	ctx := new(int)
	p.established[ctx] = true
	return ctx, nil
}
func (p *passthroughPipeline) Close(ctx any) { delete(p.established, ctx) }
func (p *passthroughPipeline) ProcessIncomingLink(ctx any, buf []byte) ([]byte, PipelineAction) {
	return buf, ActionOK
}
func (p *passthroughPipeline) ProcessIncomingTun(ctx any, buf []byte) ([]byte, PipelineAction) {
	return buf, ActionOK
}
func (p *passthroughPipeline) ProcessOutgoingLink(ctx any) []byte { return nil }
func (p *passthroughPipeline) ProcessOutgoingTun(ctx any) []byte  { return nil }
func (p *passthroughPipeline) PreSelect(ctx any, now int64) (int64, bool, bool) {
	return now + int64(time.Hour), false, false
}
func (p *passthroughPipeline) ConnectionEstablished(ctx any) bool { return p.established[ctx] }

func newScenarioLoop(t *testing.T, enableC2C bool) (*EventLoop, *fakeTransport, *fakeVIF) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EnableC2C = enableC2C
	mc := NewMultiContext(cfg, nil, newPassthroughPipeline(), slog.Default())
	primary := &fakeTransport{fd: 10}
	vif := &fakeVIF{fd: 11, tt: TunnelTUN}
	el := NewEventLoop(mc, vif, nil, primary, &SignalFlags{}, slog.Default())
	return el, primary, vif
}

func peerAddr(port uint16) OuterAddr {
	return OuterAddrFromAddrPort(netip.AddrPortFrom(netip.MustParseAddr("203.0.113.1"), port))
}

func TestScenario_TwoPeersC2C(t *testing.T) {
	el, primary, vif := newScenarioLoop(t, true)

	peerA := peerAddr(1)
	peerB := peerAddr(2)

	// Establish A and B with a self-addressed frame (no route target yet).
	primary.inbound = append(primary.inbound, fakeInboundFrame{
		buf:  buildIPv4Header([4]byte{10, 8, 0, 6}, [4]byte{10, 8, 0, 6}),
		from: peerA,
	})
	el.handleLinkReadable()

	primary.inbound = append(primary.inbound, fakeInboundFrame{
		buf:  buildIPv4Header([4]byte{10, 8, 0, 10}, [4]byte{10, 8, 0, 10}),
		from: peerB,
	})
	el.handleLinkReadable()

	instA := el.mc.Registry.LookupReal(peerA)
	instB := el.mc.Registry.LookupReal(peerB)
	if instA == nil || instB == nil {
		t.Fatalf("expected both peers to be admitted")
	}
	if instA.StateValue() != StateEstablished || instB.StateValue() != StateEstablished {
		t.Fatalf("expected both peers Established, got A=%v B=%v", instA.StateValue(), instB.StateValue())
	}

	tunBefore := len(vif.out)

	// A sends a real packet destined to B.
	primary.inbound = append(primary.inbound, fakeInboundFrame{
		buf:  buildIPv4Header([4]byte{10, 8, 0, 6}, [4]byte{10, 8, 0, 10}),
		from: peerA,
	})
	el.handleLinkReadable()

	if len(vif.out) != tunBefore {
		t.Fatalf("expected no bytes on the local TUN for a C2C-routed packet, got %d new frames", len(vif.out)-tunBefore)
	}
	if len(primary.outbound) != 1 {
		t.Fatalf("expected exactly one forwarded frame to B, got %d", len(primary.outbound))
	}
	if !primary.outbound[0].to.Equal(peerB) {
		t.Fatalf("expected forwarded frame addressed to B, got %v", primary.outbound[0].to)
	}
}

func TestScenario_IdempotentLearning(t *testing.T) {
	el, primary, _ := newScenarioLoop(t, true)
	peerA := peerAddr(1)

	frame := buildIPv4Header([4]byte{10, 8, 0, 6}, [4]byte{10, 8, 0, 6})
	primary.inbound = append(primary.inbound, fakeInboundFrame{buf: frame, from: peerA})
	el.handleLinkReadable()

	genAfterFirst := el.mc.Routes.CacheGeneration()

	primary.inbound = append(primary.inbound, fakeInboundFrame{buf: frame, from: peerA})
	el.handleLinkReadable()

	if el.mc.Routes.CacheGeneration() != genAfterFirst {
		t.Fatalf("expected second identical learn to be a no-op (host routes don't bump cache_generation, but a re-insert would still be wasteful work to avoid)")
	}
}

func TestScenario_MaxClientsEnforcement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 2
	mc := NewMultiContext(cfg, nil, newPassthroughPipeline(), slog.Default())
	primary := &fakeTransport{fd: 10}
	vif := &fakeVIF{fd: 11, tt: TunnelTUN}
	el := NewEventLoop(mc, vif, nil, primary, &SignalFlags{}, slog.Default())

	for i := 0; i < 2; i++ {
		primary.inbound = append(primary.inbound, fakeInboundFrame{
			buf:  buildIPv4Header([4]byte{10, 8, 0, byte(6 + i)}, [4]byte{10, 8, 0, byte(6 + i)}),
			from: peerAddr(uint16(i + 1)),
		})
		el.handleLinkReadable()
	}
	if mc.Registry.Len() != 2 {
		t.Fatalf("expected 2 live instances, got %d", mc.Registry.Len())
	}

	primary.inbound = append(primary.inbound, fakeInboundFrame{
		buf:  buildIPv4Header([4]byte{10, 8, 0, 99}, [4]byte{10, 8, 0, 99}),
		from: peerAddr(99),
	})
	el.handleLinkReadable()

	if mc.Registry.Len() != 2 {
		t.Fatalf("expected max_clients to refuse a third instance, got %d live", mc.Registry.Len())
	}
	if len(primary.outbound) != 0 {
		t.Fatalf("expected no response sent to the refused peer, got %d", len(primary.outbound))
	}
}

func TestScenario_VaddrAssignedOnEstablish(t *testing.T) {
	// A /30 gives exactly two usable host addresses, so exhausting and
	// then releasing the pool is easy to observe.
	pool, err := NewAddressPool(netip.MustParsePrefix("10.9.0.0/30"))
	if err != nil {
		t.Fatalf("NewAddressPool: %v", err)
	}

	cfg := DefaultConfig()
	mc := NewMultiContext(cfg, pool, newPassthroughPipeline(), slog.Default())
	primary := &fakeTransport{fd: 10}
	vif := &fakeVIF{fd: 11, tt: TunnelTUN}
	el := NewEventLoop(mc, vif, nil, primary, &SignalFlags{}, slog.Default())

	peerA := peerAddr(1)
	primary.inbound = append(primary.inbound, fakeInboundFrame{
		buf:  buildIPv4Header([4]byte{10, 8, 0, 6}, [4]byte{10, 8, 0, 6}),
		from: peerA,
	})
	el.handleLinkReadable()

	instA := el.mc.Registry.LookupReal(peerA)
	if instA == nil {
		t.Fatalf("expected peer to be admitted")
	}
	if instA.StateValue() != StateEstablished {
		t.Fatalf("expected peer Established, got %v", instA.StateValue())
	}
	if !instA.Vaddr.IsValid() {
		t.Fatal("expected a virtual address to be assigned on establish")
	}
	ip, ok := instA.Vaddr.IP()
	if !ok || !pool.prefix.Contains(ip) {
		t.Fatalf("expected assigned vaddr %v within pool prefix %v", instA.Vaddr, pool.prefix)
	}
	if got := el.mc.Registry.LookupVaddr(instA.Vaddr); got != instA {
		t.Fatal("expected registry's by-vaddr view to resolve back to the instance")
	}

	if _, err := pool.Allocate("second-peer"); err != nil {
		t.Fatalf("expected the pool's second address to still be free: %v", err)
	}
	if _, err := pool.Allocate("third-peer"); err == nil {
		t.Fatal("expected a /30 pool with both addresses assigned to be exhausted")
	}

	el.mc.CloseInstance(instA)
	if _, err := pool.Allocate("third-peer"); err != nil {
		t.Fatalf("expected closing the instance to release its vaddr back to the pool: %v", err)
	}
}

func TestScenario_PinnedVaddrBypassesPool(t *testing.T) {
	pool, err := NewAddressPool(netip.MustParsePrefix("10.9.0.0/30"))
	if err != nil {
		t.Fatalf("NewAddressPool: %v", err)
	}

	cfg := DefaultConfig()
	mc := NewMultiContext(cfg, pool, newPassthroughPipeline(), slog.Default())
	primary := &fakeTransport{fd: 10}
	vif := &fakeVIF{fd: 11, tt: TunnelTUN}
	el := NewEventLoop(mc, vif, nil, primary, &SignalFlags{}, slog.Default())

	peerA := peerAddr(1)
	pinned := InnerAddrFromIP(netip.MustParseAddr("10.20.0.5"))
	mc.PinVaddr(peerA, pinned)

	primary.inbound = append(primary.inbound, fakeInboundFrame{
		buf:  buildIPv4Header([4]byte{10, 8, 0, 6}, [4]byte{10, 8, 0, 6}),
		from: peerA,
	})
	el.handleLinkReadable()

	instA := el.mc.Registry.LookupReal(peerA)
	if instA == nil {
		t.Fatalf("expected peer to be admitted")
	}
	if instA.Vaddr != pinned {
		t.Fatalf("expected pinned vaddr %v, got %v", pinned, instA.Vaddr)
	}
	if got := el.mc.Registry.LookupVaddr(pinned); got != instA {
		t.Fatal("expected registry's by-vaddr view to resolve the pinned address")
	}
	// The pool itself must stay untouched by a pinned assignment.
	if pool.Len() != 0 {
		t.Fatalf("expected pool to remain empty, got %d outstanding", pool.Len())
	}
}

func TestScenario_BroadcastDeliversToAllPeersAndTun(t *testing.T) {
	el, primary, vif := newScenarioLoop(t, true)
	peerA := peerAddr(1)
	peerB := peerAddr(2)

	for i, p := range []OuterAddr{peerA, peerB} {
		primary.inbound = append(primary.inbound, fakeInboundFrame{
			buf:  buildIPv4Header([4]byte{10, 8, 0, byte(6 + i)}, [4]byte{10, 8, 0, byte(6 + i)}),
			from: p,
		})
		el.handleLinkReadable()
	}

	tunBefore := len(vif.out)
	outBefore := len(primary.outbound)

	broadcastFrame := buildIPv4Header([4]byte{10, 8, 0, 6}, [4]byte{255, 255, 255, 255})
	primary.inbound = append(primary.inbound, fakeInboundFrame{buf: broadcastFrame, from: peerA})
	el.handleLinkReadable()

	if len(vif.out) != tunBefore+1 {
		t.Fatalf("expected broadcast to also reach the local TUN once, got %d new frames", len(vif.out)-tunBefore)
	}
	if len(primary.outbound) != outBefore+1 {
		t.Fatalf("expected broadcast delivered to exactly the one other established peer (B), got %d new frames", len(primary.outbound)-outBefore)
	}
}
