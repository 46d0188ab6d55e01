package tunnel

import (
	"container/heap"
	"time"
)

// schedEntry is one scheduler heap slot. The back-index lives on the
// entry (not on ClientInstance) to keep ClientInstance's scheduler
// coupling to a single opaque int (schedIndex) that only this file
// touches, per spec.md §4.4's back-index requirement.
type schedEntry struct {
	inst   *ClientInstance
	wakeup time.Time
	index  int // position in the heap slice; maintained by container/heap
}

// schedHeap implements container/heap.Interface over []*schedEntry,
// ordered by ascending wakeup time (min-heap).
type schedHeap []*schedEntry

func (h schedHeap) Len() int { return len(h) }
func (h schedHeap) Less(i, j int) bool { return h[i].wakeup.Before(h[j].wakeup) }
func (h schedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *schedHeap) Push(x any) {
	e := x.(*schedEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *schedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is a min-heap keyed by absolute wake-up time, per spec.md
// §4.4. Each ClientInstance has at most one entry; Update locates it in
// O(log N) via the entry's heap index, which the instance's schedIndex
// field references.
type Scheduler struct {
	h schedHeap
}

// NewScheduler constructs an empty scheduler.
func NewScheduler() *Scheduler {
	s := &Scheduler{}
	heap.Init(&s.h)
	return s
}

// Insert adds inst to the scheduler with absolute wake-up time t. Panics
// if inst already has an entry — callers must Update instead, per the
// "each instance has at most one entry" invariant.
func (s *Scheduler) Insert(inst *ClientInstance, t time.Time) {
	if inst.schedIndex != -1 {
		panic("tunnel: scheduler.Insert on already-scheduled instance")
	}
	e := &schedEntry{inst: inst, wakeup: t}
	heap.Push(&s.h, e)
	inst.schedIndex = e.index
	inst.Wakeup = t
}

// Update moves inst's entry to the new wake-up time t, inserting one if
// inst has none yet. O(log N).
func (s *Scheduler) Update(inst *ClientInstance, t time.Time) {
	if inst.schedIndex < 0 || inst.schedIndex >= len(s.h) || s.h[inst.schedIndex].inst != inst {
		s.Insert(inst, t)
		return
	}
	e := s.h[inst.schedIndex]
	e.wakeup = t
	heap.Fix(&s.h, e.index)
	inst.schedIndex = e.index
	inst.Wakeup = t
}

// Remove removes inst's entry, if any. No-op if inst is not scheduled.
func (s *Scheduler) Remove(inst *ClientInstance) {
	if inst.schedIndex < 0 || inst.schedIndex >= len(s.h) || s.h[inst.schedIndex].inst != inst {
		return
	}
	idx := inst.schedIndex
	heap.Remove(&s.h, idx)
	inst.schedIndex = -1
}

// PeekEarliest returns the instance with the earliest wake-up and its
// time, or (nil, zero-time) if the scheduler is empty, per spec.md §4.4
// peek_earliest.
func (s *Scheduler) PeekEarliest() (*ClientInstance, time.Time) {
	if len(s.h) == 0 {
		return nil, time.Time{}
	}
	e := s.h[0]
	return e.inst, e.wakeup
}

// Len returns the number of scheduled instances.
func (s *Scheduler) Len() int { return len(s.h) }

// NextTimeout converts the earliest wake-up into a duration relative to
// now, capped at reapMaxWakeup so per-second housekeeping still runs,
// per spec.md §4.4.
func (s *Scheduler) NextTimeout(now time.Time, reapMaxWakeup time.Duration) time.Duration {
	_, t := s.PeekEarliest()
	if t.IsZero() {
		return reapMaxWakeup
	}
	d := t.Sub(now)
	if d < 0 {
		d = 0
	}
	if d > reapMaxWakeup {
		d = reapMaxWakeup
	}
	return d
}

// PopExpired removes and returns every instance whose wake-up is at or
// before now, in ascending wake-up order.
func (s *Scheduler) PopExpired(now time.Time) []*ClientInstance {
	var out []*ClientInstance
	for s.h.Len() > 0 {
		inst, t := s.PeekEarliest()
		if t.After(now) {
			break
		}
		s.Remove(inst)
		out = append(out, inst)
	}
	return out
}
