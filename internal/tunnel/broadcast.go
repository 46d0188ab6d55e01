package tunnel

import "log/slog"

// Broadcaster delivers a locally received inner frame to the virtual
// interface, to a specific peer, or to all established peers, per
// spec.md §4.10 and the routing decisions in §4.8.
type Broadcaster struct {
	log *slog.Logger

	// dropCount tallies frames dropped on a full deferred queue during
	// broadcast, per spec.md §4.10's "drop-on-overflow records an error
	// counter but does not abort other deliveries".
	dropCount uint64
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster(log *slog.Logger) *Broadcaster {
	return &Broadcaster{log: log.With(slog.String("component", "broadcaster"))}
}

// DropCount returns the running count of frames dropped on overflow.
func (b *Broadcaster) DropCount() uint64 { return b.dropCount }

// Broadcast delivers frame to every established instance in reg other
// than src (which may be nil for a frame that originated locally, e.g.
// from the TUN side), per spec.md §4.10. Delivery to a peer whose link
// write would block is queued on that peer's deferred buffer instead of
// dropped outright; only a full deferred queue causes a drop.
func (b *Broadcaster) Broadcast(frame []byte, src *ClientInstance, reg *Registry, pipe Pipeline, deferred *DeferredSet, enqueueLink func(inst *ClientInstance, wire []byte) bool) {
	for _, inst := range reg.Iter() {
		if inst == src || inst.Halt.Load() || !inst.ConnectionEstablished.Load() {
			continue
		}
		cp := make([]byte, len(frame))
		copy(cp, frame)
		wire, action := pipe.ProcessIncomingTun(inst.Context, cp)
		if action == ActionHardFail {
			inst.Halt.Store(true)
			continue
		}
		if wire == nil {
			continue
		}
		if enqueueLink(inst, wire) {
			continue
		}
		if err := deferred.Enqueue(inst, wire); err != nil {
			b.dropCount++
			inst.Halt.Store(true)
			b.log.Warn("broadcast drop on overflow", slog.String("peer", inst.MsgPrefix))
		}
	}
}
