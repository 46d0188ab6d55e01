package tunnel

import (
	"log/slog"
	"time"
)

// Config carries the tunnel core's own tunables, per spec.md §3/§6. The
// daemon-level internal/config.Config embeds the options relevant here
// and translates them into this struct when constructing a MultiContext.
type Config struct {
	MaxClients       int
	TCPQueueLimit    int
	EnableC2C        bool
	LocalInnerAddr   InnerAddr
	Reaper           ReaperConfig
	StatusFileVersion int
}

// DefaultConfig mirrors spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxClients:        0,
		TCPQueueLimit:      64,
		EnableC2C:          true,
		Reaper:             DefaultReaperConfig(),
		StatusFileVersion:  3,
	}
}

// MultiContext is the server: exactly one per event loop, owning the
// registry, pool, scheduler, deferred set, and reaper, per spec.md §3.
type MultiContext struct {
	Config Config

	Registry    *Registry
	Routes      *RoutingTable
	Pool        *AddressPool
	Scheduler   *Scheduler
	Deferred    *DeferredSet
	Reaper      *Reaper
	Broadcaster *Broadcaster
	Pipeline    Pipeline

	// pinned holds real-address -> virtual-address assignments for
	// statically declared peers, consulted by assignVaddr ahead of the
	// pool so a peer with a configured virtual_addr always gets that
	// address rather than whatever the pool would have handed out.
	pinned map[OuterAddr]InnerAddr

	log *slog.Logger

	// ioOrderToggle is not read or written by the core; the link/tun
	// alternation in dispatch uses EventLoop.ioOrderToggle.
	ioOrderToggle bool

	// retiredPacketsIn/Out and retiredBytesIn/Out fold in the traffic
	// counters of instances that have already been closed, so
	// TrafficTotals stays monotonically non-decreasing even as individual
	// ClientInstances (and their atomics) are discarded.
	retiredPacketsIn  uint64
	retiredPacketsOut uint64
	retiredBytesIn    uint64
	retiredBytesOut   uint64

	// reaperRunsTotal/reaperReclaimedTotal accumulate reaper activity
	// across every housekeeping tick, for a metrics sampler to read via
	// Post and delta-encode, mirroring Broadcaster.DropCount's
	// cumulative-counter pattern.
	reaperRunsTotal      int
	reaperReclaimedTotal int

	fatal bool
}

// NewMultiContext wires together a server instance from its
// collaborators. pool may be nil if this deployment has no inner-address
// assignment to do (e.g. statically configured peers only).
func NewMultiContext(cfg Config, pool *AddressPool, pipe Pipeline, log *slog.Logger) *MultiContext {
	log = log.With(slog.String("component", "multi"))
	return &MultiContext{
		Config:      cfg,
		Registry:    NewRegistry(cfg.MaxClients),
		Routes:      NewRoutingTable(),
		Pool:        pool,
		Scheduler:   NewScheduler(),
		Deferred:    NewDeferredSet(cfg.TCPQueueLimit),
		Reaper:      NewReaper(cfg.Reaper),
		Broadcaster: NewBroadcaster(log),
		Pipeline:    pipe,
		log:         log,
	}
}

// IsFatal reports whether a fatal condition (§7) has terminated the loop.
func (m *MultiContext) IsFatal() bool { return m.fatal }

// MarkFatal latches the fatal flag; the event loop checks this at the top
// of every tick and exits if set, per spec.md §7's M_FATAL-equivalent.
func (m *MultiContext) MarkFatal(reason error) {
	m.fatal = true
	m.log.Error("fatal condition, loop exiting", slog.Any("error", reason))
}

// AdmitInstance creates and schedules a new instance for real, refusing
// it with ErrMaxClients if the registry is full, per spec.md §4.2/§4.9
// (Unassigned is the instance's initial state).
func (m *MultiContext) AdmitInstance(real OuterAddr, now time.Time) (*ClientInstance, error) {
	ci, err := m.Registry.CreateInstance(real, now)
	if err != nil {
		return nil, err
	}
	ci.MsgPrefix = "[peer " + real.String() + "]"
	m.Scheduler.Insert(ci, now)
	return ci, nil
}

// CloseInstance tears down inst via the registry, releasing its vaddr
// and dropping its routes, and closes its pipeline context. Before the
// instance is dropped from the registry, its traffic counters are folded
// into the retired totals so TrafficTotals never goes backwards.
func (m *MultiContext) CloseInstance(inst *ClientInstance) {
	if ctx := inst.Context; ctx != nil && m.Pipeline != nil {
		m.Pipeline.Close(ctx)
	}
	m.retiredPacketsIn += inst.PacketsIn.Load()
	m.retiredPacketsOut += inst.PacketsOut.Load()
	m.retiredBytesIn += inst.BytesIn.Load()
	m.retiredBytesOut += inst.BytesOut.Load()
	m.Registry.CloseInstance(inst, m.Scheduler, m.Routes, m.Pool)
}

// TrafficTotals returns the cumulative packet/byte counts across every
// instance the registry has ever held, live or already retired, for a
// metrics sampler to delta-encode into monotonic Prometheus counters.
func (m *MultiContext) TrafficTotals() (packetsIn, packetsOut, bytesIn, bytesOut uint64) {
	packetsIn, packetsOut = m.retiredPacketsIn, m.retiredPacketsOut
	bytesIn, bytesOut = m.retiredBytesIn, m.retiredBytesOut
	for _, inst := range m.Registry.Iter() {
		packetsIn += inst.PacketsIn.Load()
		packetsOut += inst.PacketsOut.Load()
		bytesIn += inst.BytesIn.Load()
		bytesOut += inst.BytesOut.Load()
	}
	return packetsIn, packetsOut, bytesIn, bytesOut
}

// recordReaperPass accumulates one housekeeping tick's reaper activity.
// Called only from the event loop goroutine.
func (m *MultiContext) recordReaperPass(routesReclaimed, instancesReclaimed int) {
	m.reaperRunsTotal++
	m.reaperReclaimedTotal += routesReclaimed + instancesReclaimed
}

// ReaperRunsTotal and ReaperReclaimedTotal expose the cumulative reaper
// activity recorded so far, for a metrics sampler to delta-encode.
func (m *MultiContext) ReaperRunsTotal() int      { return m.reaperRunsTotal }
func (m *MultiContext) ReaperReclaimedTotal() int { return m.reaperReclaimedTotal }

// PinVaddr records a fixed virtual address for real, consulted by
// assignVaddr the next time an instance is established for that real
// address (bypassing the pool entirely). Declarative peers with a
// configured virtual_addr call this once at startup/reload, before any
// packet has arrived from that address.
func (m *MultiContext) PinVaddr(real OuterAddr, vaddr InnerAddr) {
	if m.pinned == nil {
		m.pinned = make(map[OuterAddr]InnerAddr)
	}
	m.pinned[real] = vaddr
}

// assignVaddr attaches a virtual address to inst — its pinned address if
// one was declared for its real address, otherwise the next address the
// pool hands out — unless inst already carries one. Called once an
// instance's connection_established fires; a pool-exhaustion failure is
// logged and otherwise ignored — the instance stays established but
// unroutable from the tun side until a slot frees up.
func (m *MultiContext) assignVaddr(inst *ClientInstance) {
	if inst.Vaddr.IsValid() {
		return
	}
	if pinned, ok := m.pinned[inst.Real]; ok {
		m.Registry.AttachVaddr(inst, pinned)
		return
	}
	if m.Pool == nil {
		return
	}
	addr, err := m.Pool.Allocate(inst.MsgPrefix)
	if err != nil {
		m.log.Warn("virtual address allocation failed",
			slog.String("peer", inst.MsgPrefix), slog.Any("error", err))
		return
	}
	m.Registry.AttachVaddr(inst, InnerAddrFromIP(addr))
}

// transitionInstance applies event to inst's FSM and performs whatever
// follows from a Halting transition.
func (m *MultiContext) transitionInstance(inst *ClientInstance, event Event) {
	res := ApplyEvent(inst.StateValue(), event)
	if !res.Changed {
		return
	}
	inst.SetState(res.NewState)
	if res.NewState == StateHalting {
		m.CloseInstance(inst)
	}
}

// LearnRoute inserts a host route src -> inst if src is learnable and not
// already mapped to inst, per spec.md §4.8's "Learn" step. Returns true
// if a new route was inserted (idempotent: a second call for the same
// mapping is a no-op), per spec.md §8's idempotent-learning invariant.
func (m *MultiContext) LearnRoute(src InnerAddr, class FrameClass, inst *ClientInstance) bool {
	if !isLearnable(src, class, m.Config.LocalInnerAddr) {
		return false
	}
	if existing := m.Routes.Lookup(src); existing == inst {
		return false
	}
	m.Routes.InsertHost(src, inst, RouteCache|RouteAgeable)
	return true
}
