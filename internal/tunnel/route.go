package tunnel

import (
	"sort"
	"time"
)

// RouteFlags tags the provenance and lifetime policy of a Route, per
// spec.md §3.
type RouteFlags uint8

const (
	// RouteCache marks a route learned from traffic rather than configured.
	RouteCache RouteFlags = 1 << iota
	// RouteAgeable marks a route subject to mroute_ageable_ttl expiry.
	RouteAgeable
	// RouteLookupCache marks a route that exists purely to accelerate a
	// prior CIDR hit (not currently produced by this implementation's
	// lookup path, but reserved so reaper logic can recognize it).
	RouteLookupCache
)

// Has reports whether f contains all bits of want.
func (f RouteFlags) Has(want RouteFlags) bool { return f&want == want }

// Route is one entry of the routing table: an inner-address key mapped to
// the instance that reaches it, per spec.md §3.
type Route struct {
	Key          InnerAddr
	Instance     *ClientInstance
	Flags        RouteFlags
	CacheGen     uint64
	LastRefMono  time.Time
}

// isStaleCache reports whether r is a cache route whose generation has
// fallen behind the table's current generation.
func (r *Route) isStaleCache(currentGen uint64) bool {
	return r.Flags.Has(RouteCache) && r.CacheGen != currentGen
}

// isStaleAgeable reports whether r is an ageable route past its TTL.
func (r *Route) isStaleAgeable(now time.Time, ttl time.Duration) bool {
	return r.Flags.Has(RouteAgeable) && now.Sub(r.LastRefMono) >= ttl
}

// bucketCount is the fixed number of buckets the routing table's host map
// is logically partitioned into for reaper sweeps (§4.7). It does not
// bound the number of routes per bucket — Go's map already handles
// arbitrary load factors; bucketCount only paces reaper coverage.
const bucketCount = 4096

// RoutingTable (vhash) maps inner addresses to client instances, with
// exact host lookups and longest-prefix CIDR lookups, per spec.md §4.1.
type RoutingTable struct {
	hosts map[innerCacheKey]*Route
	cidrs map[uint8]map[innerCacheKey]*Route // prefix length -> routes

	activeLens []int // descending, mirrors spec.md's CIDR-length helper
	cacheGen   uint64

	bucketBase int
}

// NewRoutingTable constructs an empty routing table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		hosts: make(map[innerCacheKey]*Route),
		cidrs: make(map[uint8]map[innerCacheKey]*Route),
	}
}

// InsertHost adds or replaces a host route, per spec.md §4.1
// insert_host. Does not affect the CIDR-length helper (hosts aren't
// prefix routes) and does not bump cache_generation — only changes to
// the set of CIDR prefix lengths do that.
func (t *RoutingTable) InsertHost(addr InnerAddr, inst *ClientInstance, flags RouteFlags) *Route {
	key := addr.cacheKey()
	r := &Route{Key: addr, Instance: inst, Flags: flags, CacheGen: t.cacheGen, LastRefMono: nowFunc()}
	t.hosts[key] = r
	return r
}

// InsertIroute registers a CIDR route on behalf of a peer (an "internal
// route" serving a subnet behind it), per spec.md §4.1 insert_iroute and
// the GLOSSARY's Iroute definition.
func (t *RoutingTable) InsertIroute(prefix InnerAddr, inst *ClientInstance) *Route {
	masked := prefix.MaskHostBits()
	plen := masked.PrefixLen
	bucket, ok := t.cidrs[plen]
	if !ok {
		bucket = make(map[innerCacheKey]*Route)
		t.cidrs[plen] = bucket
		t.bumpActiveLens()
	}
	key := masked.cacheKey()
	r := &Route{Key: masked, Instance: inst, Flags: RouteAgeable, CacheGen: t.cacheGen, LastRefMono: nowFunc()}
	bucket[key] = r
	return r
}

// bumpActiveLens recomputes the descending active-prefix-length list and
// increments cache_generation, per spec.md §4.1's "if insertion changes
// the set of distinct CIDR prefix lengths present" provision.
func (t *RoutingTable) bumpActiveLens() {
	lens := make([]int, 0, len(t.cidrs))
	for l, bucket := range t.cidrs {
		if len(bucket) > 0 {
			lens = append(lens, int(l))
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(lens)))
	t.activeLens = lens
	t.cacheGen++
}

// Lookup resolves addr to a live instance: exact host first, then the
// longest matching CIDR prefix, per spec.md §4.1 lookup. Routes whose
// instance is halted are treated as misses.
func (t *RoutingTable) Lookup(addr InnerAddr) *ClientInstance {
	if r, ok := t.hosts[addr.cacheKey()]; ok {
		if r.Instance != nil && !r.Instance.Halt.Load() {
			return r.Instance
		}
	}
	for _, plen := range t.activeLens {
		bucket := t.cidrs[uint8(plen)]
		if len(bucket) == 0 {
			continue
		}
		masked := maskToLen(addr, plen)
		if r, ok := bucket[masked.cacheKey()]; ok {
			if r.Instance != nil && !r.Instance.Halt.Load() {
				return r.Instance
			}
		}
	}
	return nil
}

// maskToLen masks addr's host bits to exactly plen bits, used only to
// probe CIDR buckets (the stored key was masked at insertion time).
func maskToLen(addr InnerAddr, plen int) InnerAddr {
	a := addr
	a.HasPrefix = true
	a.PrefixLen = uint8(plen)
	return a.MaskHostBits()
}

// Delete removes the host route (if any) keyed by addr, and the CIDR
// route (if any) matching addr's own prefix length, per spec.md §4.1
// delete. On any change that empties a previously-used prefix length,
// recomputes the active set and bumps cache_generation.
func (t *RoutingTable) Delete(addr InnerAddr) {
	delete(t.hosts, addr.cacheKey())
	if addr.HasPrefix {
		bucket, ok := t.cidrs[addr.PrefixLen]
		if !ok {
			return
		}
		masked := addr.MaskHostBits()
		delete(bucket, masked.cacheKey())
		if len(bucket) == 0 {
			delete(t.cidrs, addr.PrefixLen)
			t.bumpActiveLens()
		}
	}
}

// DeleteRoutesForInstance drops every host and CIDR route whose Instance
// is inst. Used lazily via halt-flag checks in Lookup for most paths; this
// is the eager variant used by close_instance per spec.md §4.2.
func (t *RoutingTable) DeleteRoutesForInstance(inst *ClientInstance) {
	for k, r := range t.hosts {
		if r.Instance == inst {
			delete(t.hosts, k)
		}
	}
	changed := false
	for plen, bucket := range t.cidrs {
		for k, r := range bucket {
			if r.Instance == inst {
				delete(bucket, k)
				changed = true
			}
		}
		if len(bucket) == 0 {
			delete(t.cidrs, plen)
			changed = true
		}
	}
	if changed {
		t.bumpActiveLens()
	}
}

// ActivePrefixLens returns the current descending active-length list, for
// tests and diagnostics.
func (t *RoutingTable) ActivePrefixLens() []int {
	out := make([]int, len(t.activeLens))
	copy(out, t.activeLens)
	return out
}

// CacheGeneration returns the table's current generation counter.
func (t *RoutingTable) CacheGeneration() uint64 { return t.cacheGen }

// Len returns the total number of host and CIDR routes currently held,
// for the routes_active gauge.
func (t *RoutingTable) Len() int {
	n := len(t.hosts)
	for _, bucket := range t.cidrs {
		n += len(bucket)
	}
	return n
}

// ReapPass scans up to bucketsPerPass buckets of the host table starting
// at bucketBase, removing stale cache/ageable routes and routes whose
// instance is halted, then advances bucketBase (wrapping), per spec.md
// §4.7. CIDR routes are swept in full each pass since they are typically
// far fewer than host routes.
func (t *RoutingTable) ReapPass(now time.Time, ageableTTL time.Duration, bucketsPerPass int) (removed int) {
	if bucketsPerPass <= 0 {
		bucketsPerPass = bucketCount
	}
	visited := 0
	for k, r := range t.hosts {
		bucket := int(r.Key.Hash() % bucketCount)
		if !inSweepWindow(bucket, t.bucketBase, bucketsPerPass) {
			continue
		}
		visited++
		if r.isStaleCache(t.cacheGen) || r.isStaleAgeable(now, ageableTTL) || (r.Instance != nil && r.Instance.Halt.Load()) {
			delete(t.hosts, k)
			removed++
		}
	}
	t.bucketBase = (t.bucketBase + bucketsPerPass) % bucketCount

	changed := false
	for plen, bucket := range t.cidrs {
		for k, r := range bucket {
			if r.isStaleAgeable(now, ageableTTL) || (r.Instance != nil && r.Instance.Halt.Load()) {
				delete(bucket, k)
				removed++
				changed = true
			}
		}
		if len(bucket) == 0 {
			delete(t.cidrs, plen)
			changed = true
		}
	}
	if changed {
		t.bumpActiveLens()
	}
	return removed
}

func inSweepWindow(bucket, base, span int) bool {
	if span >= bucketCount {
		return true
	}
	end := base + span
	if end <= bucketCount {
		return bucket >= base && bucket < end
	}
	return bucket >= base || bucket < end%bucketCount
}

// BucketsPerPass computes the reaper's per-tick bucket budget, per
// spec.md §4.7: max(REAP_MIN, min(REAP_MAX, bucket_count / REAP_DIVISOR)).
func BucketsPerPass(reapMin, reapMax, reapDivisor int) int {
	if reapDivisor <= 0 {
		reapDivisor = 1
	}
	n := bucketCount / reapDivisor
	if n > reapMax {
		n = reapMax
	}
	if n < reapMin {
		n = reapMin
	}
	return n
}

// nowFunc is overridden in tests for deterministic ageing.
var nowFunc = time.Now
