package tunnel

import "time"

// ReaperConfig carries the tunables spec.md §4.7/§6 names for pacing the
// background sweep.
type ReaperConfig struct {
	AgeableTTL    time.Duration
	ReapMaxWakeup time.Duration
	ReapDivisor   int
	ReapMin       int
	ReapMax       int
}

// DefaultReaperConfig mirrors spec.md §6's stated defaults.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		AgeableTTL:    60 * time.Second,
		ReapMaxWakeup: 10 * time.Second,
		ReapDivisor:   4,
		ReapMin:       16,
		ReapMax:       1024,
	}
}

// Reaper periodically sweeps a RoutingTable for stale routes and, via the
// registry, halted instances, per spec.md §4.7. It is driven by the event
// loop at most once per wall second.
type Reaper struct {
	cfg            ReaperConfig
	bucketsPerPass int
	lastRun        time.Time
}

// NewReaper constructs a reaper with a fixed buckets-per-pass derived
// from cfg, per spec.md's BucketsPerPass formula.
func NewReaper(cfg ReaperConfig) *Reaper {
	return &Reaper{
		cfg:            cfg,
		bucketsPerPass: BucketsPerPass(cfg.ReapMin, cfg.ReapMax, cfg.ReapDivisor),
	}
}

// BucketsPerPass returns the computed per-tick bucket budget.
func (rp *Reaper) BucketsPerPass() int { return rp.bucketsPerPass }

// MaybeRun runs one reaper pass over routes if at least one wall second
// has elapsed since the last run, per spec.md §4.7's "at most once per
// wall second" rule. Returns the number of routes removed and whether a
// pass actually ran.
func (rp *Reaper) MaybeRun(now time.Time, routes *RoutingTable) (removed int, ran bool) {
	if !rp.lastRun.IsZero() && now.Sub(rp.lastRun) < time.Second {
		return 0, false
	}
	rp.lastRun = now
	removed = routes.ReapPass(now, rp.cfg.AgeableTTL, rp.bucketsPerPass)
	return removed, true
}

// SweepInstances closes every instance in the registry's iteration view
// that is in state Halting but does not yet have Halt set — in this
// implementation, instance release is driven eagerly by CloseInstance, so
// SweepInstances exists to catch instances that reached Halting via the
// FSM but were never explicitly closed (e.g. a pipeline hard-fail
// reported mid-tick before the event loop called CloseInstance). It
// returns the instances it closed. Teardown goes through mc.CloseInstance
// so a reclaimed instance's pipeline context is closed exactly as it
// would be on the eager path, not just its registry/route/pool state.
func (rp *Reaper) SweepInstances(mc *MultiContext) []*ClientInstance {
	var closed []*ClientInstance
	for _, ci := range mc.Registry.Iter() {
		if ci.StateValue() == StateHalting && !ci.Halt.Load() {
			mc.CloseInstance(ci)
			closed = append(closed, ci)
		}
	}
	return closed
}
