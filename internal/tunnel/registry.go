package tunnel

import (
	"fmt"
	"time"
)

// Registry holds the three live-instance views described in spec.md §3:
// by outer address (real), by primary inner address (virtual), and an
// iteration-friendly copy. Concurrency-safety is provided by the single-
// threaded event loop (§4.2) — Registry is not itself safe for concurrent
// use from multiple goroutines.
type Registry struct {
	byReal  map[uint32][]*ClientInstance // bucketed by OuterAddr.Hash to tolerate collisions
	byVaddr map[innerCacheKey]*ClientInstance
	iter    []*ClientInstance

	maxClients int
}

// NewRegistry constructs an empty registry capped at maxClients live
// instances (0 means unlimited).
func NewRegistry(maxClients int) *Registry {
	return &Registry{
		byReal:     make(map[uint32][]*ClientInstance),
		byVaddr:    make(map[innerCacheKey]*ClientInstance),
		maxClients: maxClients,
	}
}

// Len returns the number of live instances in the iteration view.
func (r *Registry) Len() int { return len(r.iter) }

// CreateInstance allocates and registers an instance for a newly observed
// outer address, per spec.md §4.2 create_instance. Returns ErrMaxClients
// if the registry is already at capacity.
func (r *Registry) CreateInstance(real OuterAddr, now time.Time) (*ClientInstance, error) {
	if r.maxClients > 0 && len(r.iter) >= r.maxClients {
		return nil, ErrMaxClients
	}
	ci := NewClientInstance(real, now)
	h := real.Hash()
	r.byReal[h] = append(r.byReal[h], ci)
	r.iter = append(r.iter, ci)
	ci.DidRealHash.Store(true)
	ci.DidIter.Store(true)
	ci.Defined.Store(true)
	return ci, nil
}

// AttachVaddr associates vaddr with inst in the by-vaddr view, per
// spec.md §4.2 attach_vaddr.
func (r *Registry) AttachVaddr(inst *ClientInstance, vaddr InnerAddr) {
	inst.Vaddr = vaddr
	r.byVaddr[vaddr.cacheKey()] = inst
}

// LookupReal returns the live instance registered for real, or nil.
func (r *Registry) LookupReal(real OuterAddr) *ClientInstance {
	for _, ci := range r.byReal[real.Hash()] {
		if !ci.Halt.Load() && ci.Real.Equal(real) {
			return ci
		}
	}
	return nil
}

// LookupVaddr returns the live instance registered for vaddr, or nil.
func (r *Registry) LookupVaddr(vaddr InnerAddr) *ClientInstance {
	ci, ok := r.byVaddr[vaddr.cacheKey()]
	if !ok || ci.Halt.Load() {
		return nil
	}
	return ci
}

// Iter returns the iteration-friendly view: a snapshot slice safe for the
// caller to range over even if the registry is mutated afterward by the
// same goroutine (append-only during the snapshot's lifetime is the
// event loop's responsibility, not Registry's).
func (r *Registry) Iter() []*ClientInstance {
	out := make([]*ClientInstance, len(r.iter))
	copy(out, r.iter)
	return out
}

// CloseInstance marks inst halted, removes it from all three views and
// the scheduler, returns its vaddr to the pool (if any), and drops routes
// pointing at it, per spec.md §4.2 close_instance. Routes are dropped
// eagerly here rather than left to the lazy halt-flag check, since the
// caller already holds the instance and the routing table reference.
func (r *Registry) CloseInstance(inst *ClientInstance, sched *Scheduler, routes *RoutingTable, pool *AddressPool) {
	inst.Halt.Store(true)

	h := inst.Real.Hash()
	bucket := r.byReal[h]
	for i, ci := range bucket {
		if ci == inst {
			r.byReal[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(r.byReal[h]) == 0 {
		delete(r.byReal, h)
	}

	if inst.Vaddr.IsValid() {
		delete(r.byVaddr, inst.Vaddr.cacheKey())
		if pool != nil {
			if ip, ok := inst.Vaddr.IP(); ok {
				_ = pool.Release(ip) // ErrPoolNotOwned is expected if never allocated
			}
		}
	}

	for i, ci := range r.iter {
		if ci == inst {
			r.iter = append(r.iter[:i], r.iter[i+1:]...)
			break
		}
	}

	if sched != nil {
		sched.Remove(inst)
	}
	if routes != nil {
		routes.DeleteRoutesForInstance(inst)
	}

	inst.Unref()
}

// String renders a short diagnostic summary, used by the status surface
// and logging.
func (r *Registry) String() string {
	return fmt.Sprintf("registry{live=%d max=%d}", len(r.iter), r.maxClients)
}
