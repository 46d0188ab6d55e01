// Package tunnelmetrics exposes the tunnel core's Prometheus metrics:
// instance lifecycle, wire packet/byte counters, reaper sweep stats, and
// deferred-queue depth.
package tunnelmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "govpnd"
	subsystem = "tunnel"
)

// Label names for tunnel metrics.
const (
	labelState = "state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus tunnel-core metrics
// -------------------------------------------------------------------------

// Collector holds all tunnel-core Prometheus metrics.
//
//   - Instances tracks currently live client instances, labeled by FSM
//     state, so an operator can alert on a stuck Authenticating count.
//   - Packet/byte counters track wire volume.
//   - RoutesActive tracks the routing table's size.
//   - ReaperSweeps and ReaperReclaimed track reaper activity.
//   - DeferredQueueDepth tracks current backpressure.
//   - PoolExhaustions flags when the virtual-address pool is out of
//     addresses to hand out.
type Collector struct {
	// Instances tracks the number of currently live client instances,
	// labeled by FSM state. Set via SetInstanceCounts.
	Instances *prometheus.GaugeVec

	// PacketsIn/PacketsOut/BytesIn/BytesOut count wire traffic across all
	// instances.
	PacketsIn  prometheus.Counter
	PacketsOut prometheus.Counter
	BytesIn    prometheus.Counter
	BytesOut   prometheus.Counter

	// RoutesActive tracks the current number of entries in the routing
	// table (host + CIDR).
	RoutesActive prometheus.Gauge

	// ReaperSweeps counts reaper passes run.
	ReaperSweeps prometheus.Counter

	// ReaperReclaimed counts routes and halted instances reclaimed by
	// the reaper.
	ReaperReclaimed prometheus.Counter

	// DeferredQueueDepth tracks the total buffered frames awaiting a
	// blocked stream connection across all instances.
	DeferredQueueDepth prometheus.Gauge

	// DeferredOverflows counts ErrQueueOverflow occurrences.
	DeferredOverflows prometheus.Counter

	// PoolExhaustions counts ErrPoolExhausted occurrences.
	PoolExhaustions prometheus.Counter

	// BroadcastDrops counts frames dropped during broadcast/multicast
	// fan-out due to a full deferred queue.
	BroadcastDrops prometheus.Counter
}

// NewCollector creates a Collector with all tunnel metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Instances,
		c.PacketsIn,
		c.PacketsOut,
		c.BytesIn,
		c.BytesOut,
		c.RoutesActive,
		c.ReaperSweeps,
		c.ReaperReclaimed,
		c.DeferredQueueDepth,
		c.DeferredOverflows,
		c.PoolExhaustions,
		c.BroadcastDrops,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "instances",
			Help:      "Number of currently live client instances, by FSM state.",
		}, []string{labelState}),

		PacketsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_in_total",
			Help:      "Total frames received from the wire across all instances.",
		}),
		PacketsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_out_total",
			Help:      "Total frames sent to the wire across all instances.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_in_total",
			Help:      "Total bytes received from the wire across all instances.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_out_total",
			Help:      "Total bytes sent to the wire across all instances.",
		}),

		RoutesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "routes_active",
			Help:      "Current number of entries in the routing table.",
		}),

		ReaperSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reaper_sweeps_total",
			Help:      "Total reaper passes run.",
		}),
		ReaperReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reaper_reclaimed_total",
			Help:      "Total routes and halted instances reclaimed by the reaper.",
		}),

		DeferredQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deferred_queue_depth",
			Help:      "Current total buffered frames awaiting a blocked stream connection.",
		}),
		DeferredOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deferred_overflows_total",
			Help:      "Total deferred-queue overflow events (tcp_queue_limit exceeded).",
		}),

		PoolExhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_exhaustions_total",
			Help:      "Total virtual-address pool exhaustion events.",
		}),

		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcast_drops_total",
			Help:      "Total frames dropped during broadcast/multicast fan-out.",
		}),
	}
}

// -------------------------------------------------------------------------
// Instance lifecycle
// -------------------------------------------------------------------------

// SetInstanceCounts replaces the Instances gauge vector with the given
// per-state counts, clearing any state no longer present. Called once per
// metrics sample rather than incrementally, since instance counts are
// cheap to recompute from the registry snapshot and this avoids drift
// from missed decrement calls on every exit path.
func (c *Collector) SetInstanceCounts(counts map[string]int) {
	c.Instances.Reset()
	for state, n := range counts {
		c.Instances.WithLabelValues(state).Set(float64(n))
	}
}

// -------------------------------------------------------------------------
// Packet/byte counters
// -------------------------------------------------------------------------

// AddPacketsIn/AddPacketsOut/AddBytesIn/AddBytesOut accumulate wire
// traffic totals.
func (c *Collector) AddPacketsIn(n uint64)  { c.PacketsIn.Add(float64(n)) }
func (c *Collector) AddPacketsOut(n uint64) { c.PacketsOut.Add(float64(n)) }
func (c *Collector) AddBytesIn(n uint64)    { c.BytesIn.Add(float64(n)) }
func (c *Collector) AddBytesOut(n uint64)   { c.BytesOut.Add(float64(n)) }

// -------------------------------------------------------------------------
// Routing table
// -------------------------------------------------------------------------

// SetRoutesActive records the routing table's current entry count.
func (c *Collector) SetRoutesActive(n int) { c.RoutesActive.Set(float64(n)) }

// -------------------------------------------------------------------------
// Reaper
// -------------------------------------------------------------------------

// RecordReaperSweep accounts for sweeps reaper passes that reclaimed
// reclaimed routes and/or halted instances in total.
func (c *Collector) RecordReaperSweep(sweeps, reclaimed int) {
	c.ReaperSweeps.Add(float64(sweeps))
	c.ReaperReclaimed.Add(float64(reclaimed))
}

// -------------------------------------------------------------------------
// Deferred writes
// -------------------------------------------------------------------------

// SetDeferredQueueDepth records the current total deferred-frame count
// across all instances.
func (c *Collector) SetDeferredQueueDepth(n int) { c.DeferredQueueDepth.Set(float64(n)) }

// IncDeferredOverflow records one ErrQueueOverflow occurrence.
func (c *Collector) IncDeferredOverflow() { c.DeferredOverflows.Inc() }

// -------------------------------------------------------------------------
// Pool
// -------------------------------------------------------------------------

// IncPoolExhaustion records one ErrPoolExhausted occurrence.
func (c *Collector) IncPoolExhaustion() { c.PoolExhaustions.Inc() }

// -------------------------------------------------------------------------
// Broadcast
// -------------------------------------------------------------------------

// AddBroadcastDrops records n frames dropped during broadcast fan-out.
func (c *Collector) AddBroadcastDrops(n uint64) { c.BroadcastDrops.Add(float64(n)) }
