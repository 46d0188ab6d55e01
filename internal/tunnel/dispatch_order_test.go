package tunnel

import (
	"testing"
	"time"
)

// fakeMultiplexer is a minimal no-op Multiplexer for dispatch-order tests
// that need RegisterConn/flushDeferredFD's Modify calls to succeed
// without a real epoll fd.
type fakeMultiplexer struct {
	registered map[int]bool
}

func newFakeMultiplexer() *fakeMultiplexer {
	return &fakeMultiplexer{registered: make(map[int]bool)}
}

func (m *fakeMultiplexer) Register(fd int, wantRead, wantWrite bool) error {
	m.registered[fd] = true
	return nil
}

func (m *fakeMultiplexer) Modify(fd int, wantRead, wantWrite bool) error { return nil }

func (m *fakeMultiplexer) Unregister(fd int) error {
	delete(m.registered, fd)
	return nil
}

func (m *fakeMultiplexer) Wait(timeoutNanos int64) ([]ReadyFD, error) { return nil, nil }

func (m *fakeMultiplexer) Close() error { return nil }

// TestEventLoop_DispatchAlternatesLinkAndTunOrder drives dispatch
// directly — handleLinkReadable/handleTunReadable called in isolation
// (as every other scenario test does) bypass the ioOrderToggle
// alternation entirely, since that alternation only lives in dispatch
// itself. This asserts the starvation-prevention order spec.md §4.8
// step 4 calls for: the loop flips which of {link, tun} it services
// first on every tick.
func TestEventLoop_DispatchAlternatesLinkAndTunOrder(t *testing.T) {
	el, primary, vif := newScenarioLoop(t, true)

	var order []string
	primary.order, primary.readLabel = &order, "link"
	vif.order, vif.readLabel = &order, "tun"

	ready := []ReadyFD{
		{FD: primary.FD(), Readable: true},
		{FD: vif.FD(), Readable: true},
	}

	want := [][2]string{
		{"link", "tun"},
		{"tun", "link"},
		{"link", "tun"},
		{"tun", "link"},
	}

	for i, w := range want {
		peer := peerAddr(uint16(i + 1))
		primary.inbound = append(primary.inbound, fakeInboundFrame{
			buf:  buildIPv4Header([4]byte{10, 8, 0, byte(6 + i)}, [4]byte{10, 8, 0, byte(6 + i)}),
			from: peer,
		})
		vif.in = append(vif.in, buildIPv4Header([4]byte{10, 8, 0, byte(6 + i)}, [4]byte{10, 8, 0, byte(6 + i)}))

		order = nil
		el.dispatch(ready)

		if len(order) != 2 || order[0] != w[0] || order[1] != w[1] {
			t.Fatalf("tick %d: dispatch order = %v, want %v", i, order, w)
		}
	}
}

// TestEventLoop_DispatchServicesConnReadBeforeLinkTunAndFlushesAfter
// pins down the rest of spec.md §4.8 step 4's ordering: a stream
// connection's readable event is serviced inline during dispatch's
// descriptor-classification pass (before the link/tun alternation even
// runs), and a write-ready connection's deferred queue is only flushed
// once the link/tun pass has completed.
func TestEventLoop_DispatchServicesConnReadBeforeLinkTunAndFlushesAfter(t *testing.T) {
	el, primary, vif := newScenarioLoop(t, true)
	mux := newFakeMultiplexer()
	el.mux = mux

	var order []string
	primary.order, primary.readLabel = &order, "link"
	vif.order, vif.readLabel = &order, "tun"

	connPeer := peerAddr(50)
	connInst, err := el.mc.Registry.CreateInstance(connPeer, time.Now())
	if err != nil {
		t.Fatalf("create conn instance: %v", err)
	}
	conn := &fakeTransport{fd: 30, order: &order, readLabel: "conn-read"}
	conn.inbound = append(conn.inbound, fakeInboundFrame{
		buf:  buildIPv4Header([4]byte{10, 8, 0, 70}, [4]byte{10, 8, 0, 70}),
		from: connPeer,
	})
	if err := el.RegisterConn(conn, connInst); err != nil {
		t.Fatalf("RegisterConn: %v", err)
	}

	flushPeer := peerAddr(51)
	flushInst, err := el.mc.Registry.CreateInstance(flushPeer, time.Now())
	if err != nil {
		t.Fatalf("create flush instance: %v", err)
	}
	flushConn := &fakeTransport{fd: 31, order: &order, writeLabel: "flush-write"}
	if err := el.RegisterConn(flushConn, flushInst); err != nil {
		t.Fatalf("RegisterConn: %v", err)
	}
	if err := el.mc.Deferred.Enqueue(flushInst, []byte("queued")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	primary.inbound = append(primary.inbound, fakeInboundFrame{
		buf:  buildIPv4Header([4]byte{10, 8, 0, 6}, [4]byte{10, 8, 0, 6}),
		from: peerAddr(1),
	})
	vif.in = append(vif.in, buildIPv4Header([4]byte{10, 8, 0, 6}, [4]byte{10, 8, 0, 6}))

	ready := []ReadyFD{
		{FD: conn.FD(), Readable: true},
		{FD: primary.FD(), Readable: true},
		{FD: vif.FD(), Readable: true},
		{FD: flushConn.FD(), Writable: true},
	}

	el.dispatch(ready)

	want := []string{"conn-read", "link", "tun", "flush-write"}
	if len(order) != len(want) {
		t.Fatalf("dispatch order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}
