package tunnel

import (
	"sync/atomic"
	"time"
)

// State is a ClientInstance's position in the per-instance state machine,
// per spec.md §4.9.
type State uint8

const (
	// StateUnassigned: created, no vaddr yet.
	StateUnassigned State = iota
	// StateAuthenticating: context performing handshake.
	StateAuthenticating
	// StateEstablished: data flow.
	StateEstablished
	// StateHalting: halt=true, draining references.
	StateHalting
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "Unassigned"
	case StateAuthenticating:
		return "Authenticating"
	case StateEstablished:
		return "Established"
	case StateHalting:
		return "Halting"
	default:
		return "Unknown"
	}
}

// DeferredQueue is the per-instance FIFO of outbound wire buffers held
// because a stream write would have blocked, per spec.md §4.6.
type DeferredQueue struct {
	buf [][]byte
}

// Len reports the number of buffers currently queued.
func (q *DeferredQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.buf)
}

// Push appends buf to the tail of the queue.
func (q *DeferredQueue) Push(buf []byte) { q.buf = append(q.buf, buf) }

// Pop removes and returns the buffer at the head of the queue.
func (q *DeferredQueue) Pop() ([]byte, bool) {
	if len(q.buf) == 0 {
		return nil, false
	}
	b := q.buf[0]
	q.buf = q.buf[1:]
	return b, true
}

// rwInterest is the requested read/write interest mask for a stream
// connection (tcp_rwflags in spec.md §3).
type rwInterest uint8

const (
	wantRead rwInterest = 1 << iota
	wantWrite
)

// ClientInstance represents one logical peer connection, per spec.md §3.
// It is referenced (shared, never copied) from the registry's three
// views, from the scheduler, and from any Route pointing at it; the final
// release is responsible for freeing its arena (in Go, simply dropping
// the last reference and letting the GC reclaim it).
type ClientInstance struct {
	Real  OuterAddr
	Vaddr InnerAddr

	state atomic.Uint32 // State, accessed via StateValue/SetState

	// Halt is set when the instance is terminating; once true it is never
	// returned from a lookup (spec.md §3 invariant).
	Halt atomic.Bool

	// Defined mirrors the source's `defined` flag: set by
	// Registry.CreateInstance once the instance's registry slot exists.
	Defined atomic.Bool

	// RefCount starts at 1 when the instance is created and is dropped
	// once by Registry.CloseInstance; the by-vaddr view, the scheduler and
	// routes do not take references of their own. The instance is
	// eligible for release only when RefCount reaches zero AND Halt is set.
	RefCount atomic.Int32

	Created time.Time
	Wakeup  time.Time

	// schedIndex is the back-index into the scheduler's heap slice, -1
	// when not scheduled. Owned exclusively by the scheduler.
	schedIndex int

	// TCPOutDeferred is the optional outbound-buffer queue for a stream
	// transport peer; nil for datagram peers.
	TCPOutDeferred *DeferredQueue
	rw             rwInterest

	ConnectionEstablished atomic.Bool
	DidRealHash           atomic.Bool
	DidIter               atomic.Bool
	DidIroutes            atomic.Bool
	DidOpenContext        atomic.Bool

	// Context is the opaque per-client processing state (cryptography,
	// compression, fragmentation), consumed only through Pipeline.
	Context any

	// MsgPrefix is a human-readable identifier for logging, e.g.
	// "[peer 203.0.113.4:4500]".
	MsgPrefix string

	// PacketsIn/PacketsOut/BytesIn/BytesOut feed the status sink and
	// Prometheus metrics. spec.md's field list implies these counters
	// without naming a concrete type; atomics let the event loop update
	// them without a lock.
	PacketsIn  atomic.Uint64
	PacketsOut atomic.Uint64
	BytesIn    atomic.Uint64
	BytesOut   atomic.Uint64

	// errorCount tallies packet-format errors attributed to this instance
	// (spec.md §7's "counted per instance" provision).
	errorCount atomic.Uint64
}

// NewClientInstance allocates an instance for a newly observed outer
// address, in state Unassigned with RefCount 1 (held by the by-real view
// the caller is about to insert it into), per spec.md §4.2
// create_instance.
func NewClientInstance(real OuterAddr, now time.Time) *ClientInstance {
	ci := &ClientInstance{
		Real:       real,
		Created:    now,
		Wakeup:     now,
		schedIndex: -1,
	}
	ci.state.Store(uint32(StateUnassigned))
	ci.RefCount.Store(1)
	return ci
}

// StateValue returns the instance's current FSM state.
func (ci *ClientInstance) StateValue() State { return State(ci.state.Load()) }

// SetState sets the instance's FSM state.
func (ci *ClientInstance) SetState(s State) { ci.state.Store(uint32(s)) }

// Ref increments the shared reference count.
func (ci *ClientInstance) Ref() { ci.RefCount.Add(1) }

// Unref decrements the shared reference count and reports whether the
// instance has become releasable (RefCount == 0 AND Halt is set).
func (ci *ClientInstance) Unref() (releasable bool) {
	n := ci.RefCount.Add(-1)
	return n <= 0 && ci.Halt.Load()
}

// RecordError increments the per-instance packet-format error counter,
// per spec.md §7.
func (ci *ClientInstance) RecordError() { ci.errorCount.Add(1) }

// ErrorCount returns the per-instance packet-format error counter.
func (ci *ClientInstance) ErrorCount() uint64 { return ci.errorCount.Load() }
