package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventMask reifies the dispatchable event kinds the loop services on
// each tick, per spec.md §9's guidance to "reify the event mask as a
// small enum" rather than a macro-driven dispatch.
type EventMask uint8

const (
	EventLinkRead EventMask = iota
	EventTunRead
	EventLinkWriteReady
	EventTimerExpiry
	EventSignal
)

// loopCommand is a unit of work marshalled onto the loop goroutine from
// another goroutine (the control-socket listener, metrics server, signal
// handler), per spec.md §5's "mutations ... MUST be marshalled back to
// the loop via a lock-free queue" provision. The channel itself is the
// queue; commands are plain closures over *MultiContext.
type loopCommand func(*MultiContext)

// EventLoop orchestrates one MultiContext's wire socket, virtual
// interface, per-instance deferred writes, and timers, per spec.md §4.8.
// It is single-threaded and cooperative (§5): every exported method that
// touches mc is called only from Run's goroutine, except Post, which any
// goroutine may call to enqueue work.
type EventLoop struct {
	mc  *MultiContext
	vif VIF
	mux Multiplexer
	sig *SignalFlags

	// primary is the main wire transport: for datagram mode, the single
	// bound UDP socket; for stream mode, the listening socket (accepted
	// connections are registered separately via RegisterConn).
	primary Transport

	// conns maps a stream connection's fd to its Transport and owning
	// instance, for stream-mode dispatch and per-instance write-interest
	// tracking (tcp_rwflags in spec.md §3).
	conns      map[int]Transport
	connOwner  map[int]*ClientInstance

	cmdCh chan loopCommand

	log *slog.Logger

	ioOrderToggle    bool
	lastHousekeeping time.Time
}

// NewEventLoop constructs a loop over mc, vif, and mux. primary may be
// nil for a TUN-only unit test harness that drives RegisterConn
// directly.
func NewEventLoop(mc *MultiContext, vif VIF, mux Multiplexer, primary Transport, sig *SignalFlags, log *slog.Logger) *EventLoop {
	return &EventLoop{
		mc:        mc,
		vif:       vif,
		mux:       mux,
		sig:       sig,
		primary:   primary,
		conns:     make(map[int]Transport),
		connOwner: make(map[int]*ClientInstance),
		cmdCh:     make(chan loopCommand, 256),
		log:       log.With(slog.String("component", "eventloop")),
	}
}

// Post enqueues fn to run on the loop goroutine at the top of its next
// tick. Safe to call from any goroutine.
func (el *EventLoop) Post(fn func(*MultiContext)) {
	el.cmdCh <- fn
}

// RegisterConn adds a stream-mode connection owned by inst to the loop's
// readiness set.
func (el *EventLoop) RegisterConn(t Transport, inst *ClientInstance) error {
	fd := t.FD()
	el.conns[fd] = t
	el.connOwner[fd] = inst
	return el.mux.Register(fd, true, false)
}

// UnregisterConn removes a stream-mode connection from the loop.
func (el *EventLoop) UnregisterConn(fd int) {
	delete(el.conns, fd)
	delete(el.connOwner, fd)
	_ = el.mux.Unregister(fd)
}

// Run executes the event loop until ctx is cancelled, a TERM signal is
// observed and drain completes, or a fatal condition is latched, per
// spec.md §4.8 and §7.
func (el *EventLoop) Run(ctx context.Context) error {
	if el.primary != nil {
		if err := el.mux.Register(el.primary.FD(), true, false); err != nil {
			return fmt.Errorf("tunnel: register primary transport: %w", err)
		}
	}
	if el.vif != nil {
		if err := el.mux.Register(el.vif.FD(), true, false); err != nil {
			return fmt.Errorf("tunnel: register vif: %w", err)
		}
	}
	defer el.mux.Close()

	draining := false

	for {
		if el.mc.IsFatal() {
			return ErrLoopFatal
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		el.drainCommands()
		el.handleSignals(&draining)

		now := nowFunc()
		timeout := el.mc.Scheduler.NextTimeout(now, el.mc.Config.Reaper.ReapMaxWakeup)
		ready, err := el.mux.Wait(timeout.Nanoseconds())
		if err != nil {
			el.log.Error("multiplexer wait failed", slog.Any("error", err))
			continue
		}

		el.dispatch(ready)

		now = nowFunc()
		el.runHousekeeping(now)

		for _, inst := range el.mc.Scheduler.PopExpired(now) {
			el.wakeInstance(inst, now)
		}

		if draining && el.mc.Registry.Len() == 0 {
			return nil
		}
	}
}

func (el *EventLoop) drainCommands() {
	for {
		select {
		case cmd := <-el.cmdCh:
			cmd(el.mc)
		default:
			return
		}
	}
}

// handleSignals honors the latched signal flags, per spec.md §7: on a
// soft signal, close idle instances; on a hard signal (HardRestart or
// Term), refuse new instances and drain until empty.
func (el *EventLoop) handleSignals(draining *bool) {
	if el.sig == nil {
		return
	}
	if el.sig.SoftRestart.CompareAndSwap(true, false) {
		el.closeIdleInstances()
	}
	if el.sig.HardRestart.Load() || el.sig.Term.Load() {
		if !*draining {
			*draining = true
			el.log.Info("draining on signal")
		}
		for _, inst := range el.mc.Registry.Iter() {
			if !inst.Halt.Load() {
				el.mc.transitionInstance(inst, EventSignalClose)
			}
		}
	}
}

func (el *EventLoop) closeIdleInstances() {
	now := nowFunc()
	for _, inst := range el.mc.Registry.Iter() {
		if inst.Halt.Load() {
			continue
		}
		if now.After(inst.Wakeup) {
			el.mc.transitionInstance(inst, EventSignalClose)
		}
	}
}

// dispatch services ready descriptors in the priority order of spec.md
// §4.8 step 4, alternating which of {link, tun} goes first each tick to
// prevent starvation.
func (el *EventLoop) dispatch(ready []ReadyFD) {
	var linkReady, tunReady bool
	var writeReadyFDs []int

	for _, r := range ready {
		switch {
		case el.primary != nil && r.FD == el.primary.FD():
			linkReady = linkReady || r.Readable
		case el.vif != nil && r.FD == el.vif.FD():
			tunReady = tunReady || r.Readable
		default:
			if r.Readable {
				el.handleConnReadable(r.FD)
			}
			if r.Writable {
				writeReadyFDs = append(writeReadyFDs, r.FD)
			}
		}
	}

	el.ioOrderToggle = !el.ioOrderToggle
	if el.ioOrderToggle {
		if linkReady {
			el.handleLinkReadable()
		}
		if tunReady {
			el.handleTunReadable()
		}
	} else {
		if tunReady {
			el.handleTunReadable()
		}
		if linkReady {
			el.handleLinkReadable()
		}
	}

	for _, fd := range writeReadyFDs {
		el.flushDeferredFD(fd)
	}
}

// handleLinkReadable implements the "Read from link" branch of spec.md
// §4.8 step 4.
func (el *EventLoop) handleLinkReadable() {
	if el.primary == nil {
		return
	}
	buf, from, ok, err := el.primary.ReadFrame()
	if err != nil {
		el.log.Warn("link read error", slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	el.processLinkFrame(buf, from, nil)
}

func (el *EventLoop) handleConnReadable(fd int) {
	t, ok := el.conns[fd]
	if !ok {
		return
	}
	inst := el.connOwner[fd]
	buf, from, ok, err := t.ReadFrame()
	if err != nil {
		if inst != nil {
			el.mc.transitionInstance(inst, EventPeerDisconnect)
		}
		el.UnregisterConn(fd)
		return
	}
	if !ok {
		return
	}
	el.processLinkFrame(buf, from, inst)
}

// processLinkFrame is the shared body of the "Read from link" dispatch
// path for both datagram (inst resolved by address) and stream
// (inst already known) transports.
func (el *EventLoop) processLinkFrame(buf []byte, from OuterAddr, inst *ClientInstance) {
	now := nowFunc()
	if inst == nil {
		inst = el.mc.Registry.LookupReal(from)
		if inst == nil {
			var err error
			inst, err = el.mc.AdmitInstance(from, now)
			if err != nil {
				el.log.Debug("refused new instance", slog.Any("error", err))
				return
			}
			if el.mc.Pipeline != nil {
				ctx, oerr := el.mc.Pipeline.Open(inst.MsgPrefix)
				if oerr != nil {
					el.mc.transitionInstance(inst, EventHardFail)
					return
				}
				inst.Context = ctx
				inst.DidOpenContext.Store(true)
			}
		}
	}
	if inst.Halt.Load() {
		return
	}

	el.mc.transitionInstance(inst, EventFirstLinkPacket)
	inst.PacketsIn.Add(1)
	inst.BytesIn.Add(uint64(len(buf)))

	if el.mc.Pipeline == nil {
		return
	}
	innerBuf, action := el.mc.Pipeline.ProcessIncomingLink(inst.Context, buf)
	el.applyAction(inst, action)
	if inst.Halt.Load() {
		return
	}
	if el.mc.Pipeline.ConnectionEstablished(inst.Context) && !inst.ConnectionEstablished.Load() {
		inst.ConnectionEstablished.Store(true)
		el.mc.transitionInstance(inst, EventConnectionEstablished)
		el.mc.assignVaddr(inst)
	}

	if innerBuf == nil {
		// Control/handshake byte sequence: nothing to route, but the
		// context may have a reply queued (e.g. a handshake response).
		if reply := el.mc.Pipeline.ProcessOutgoingLink(inst.Context); reply != nil {
			el.sendToInstance(inst, reply)
		}
		return
	}

	el.routeFromLink(innerBuf, inst)
}

// routeFromLink implements spec.md §4.8's "Routing decision for a
// decrypted frame received from the link".
func (el *EventLoop) routeFromLink(innerBuf []byte, src *ClientInstance) {
	tt := TunnelTUN
	if el.vif != nil {
		tt = el.vif.Type()
	}
	srcAddr, dstAddr, class, err := extractFromPacket(tt, innerBuf)
	if err != nil {
		src.RecordError()
		return
	}

	el.mc.LearnRoute(srcAddr, class, src)

	switch class {
	case ClassBroadcast, ClassMulticast:
		el.broadcastFrame(innerBuf, src)
		return
	}

	if dst := el.mc.Routes.Lookup(dstAddr); dst != nil && dst != src && el.mc.Config.EnableC2C {
		el.forwardPeerToPeer(innerBuf, dst)
		return
	}

	el.enqueueToTun(innerBuf)
}

// handleTunReadable implements the "Read from TUN" branch of spec.md
// §4.8 step 4.
func (el *EventLoop) handleTunReadable() {
	if el.vif == nil {
		return
	}
	buf, ok, err := el.vif.ReadFrame()
	if err != nil {
		el.log.Warn("tun read error", slog.Any("error", err))
		return
	}
	if !ok {
		return
	}

	_, dstAddr, class, err := extractFromPacket(el.vif.Type(), buf)
	if err != nil {
		return
	}

	if class == ClassBroadcast || class == ClassMulticast {
		el.broadcastFrame(buf, nil)
		return
	}

	dst := el.mc.Routes.Lookup(dstAddr)
	if dst == nil || !el.mc.Config.EnableC2C {
		return // destined off-tunnel, per spec.md §4.8
	}
	el.forwardPeerToPeer(buf, dst)
}

func (el *EventLoop) forwardPeerToPeer(innerBuf []byte, dst *ClientInstance) {
	if el.mc.Pipeline == nil || dst.Context == nil {
		return
	}
	wire, action := el.mc.Pipeline.ProcessIncomingTun(dst.Context, innerBuf)
	el.applyAction(dst, action)
	if dst.Halt.Load() || wire == nil {
		return
	}
	el.sendToInstance(dst, wire)
}

func (el *EventLoop) enqueueToTun(innerBuf []byte) {
	if el.vif == nil {
		return
	}
	if ok, err := el.vif.WriteFrame(innerBuf); err != nil {
		el.log.Warn("tun write error", slog.Any("error", err))
	} else if !ok {
		// TUN writes are not deferred per spec.md §6; a blocked write is
		// a non-critical, ignorable condition here.
		el.log.Debug("tun write would block, dropping frame")
	}
}

func (el *EventLoop) broadcastFrame(frame []byte, src *ClientInstance) {
	if el.vif != nil && src != nil {
		el.enqueueToTun(frame)
	}
	if el.mc.Pipeline == nil {
		return
	}
	el.mc.Broadcaster.Broadcast(frame, src, el.mc.Registry, el.mc.Pipeline, el.mc.Deferred, func(inst *ClientInstance, wire []byte) bool {
		return el.sendToInstance(inst, wire)
	})
}

// sendToInstance attempts a non-blocking send to inst's real address (or
// its registered stream connection), returning true if it succeeded
// without needing to defer.
func (el *EventLoop) sendToInstance(inst *ClientInstance, wire []byte) bool {
	var t Transport
	for fd, owner := range el.connOwner {
		if owner == inst {
			t = el.conns[fd]
			break
		}
	}
	if t == nil {
		t = el.primary
	}
	if t == nil {
		return false
	}
	ok, err := t.WriteFrame(wire, inst.Real)
	if err != nil {
		el.mc.transitionInstance(inst, EventPeerDisconnect)
		return true // don't defer onto a dead connection
	}
	if ok {
		inst.PacketsOut.Add(1)
		inst.BytesOut.Add(uint64(len(wire)))
		return true
	}
	if err := el.mc.Deferred.Enqueue(inst, wire); err != nil {
		el.mc.transitionInstance(inst, EventExplicitClose)
	}
	for fd, owner := range el.connOwner {
		if owner == inst {
			_ = el.mux.Modify(fd, true, true)
		}
	}
	return false
}

// flushDeferredFD flushes as many queued buffers as possible for the
// instance owning fd, per spec.md §4.6's "Dequeue is FIFO-across-
// instances".
func (el *EventLoop) flushDeferredFD(fd int) {
	inst, ok := el.connOwner[fd]
	if !ok {
		return
	}
	t := el.conns[fd]
	for {
		buf, ok := el.mc.Deferred.Flush(inst)
		if !ok {
			_ = el.mux.Modify(fd, true, false)
			return
		}
		sent, err := t.WriteFrame(buf, inst.Real)
		if err != nil {
			el.mc.transitionInstance(inst, EventPeerDisconnect)
			return
		}
		if !sent {
			el.mc.Deferred.Requeue(inst, buf)
			return
		}
		inst.PacketsOut.Add(1)
		inst.BytesOut.Add(uint64(len(buf)))
	}
}

// applyAction translates a Pipeline-reported action into core behavior,
// per spec.md §4.5.
func (el *EventLoop) applyAction(inst *ClientInstance, action PipelineAction) {
	switch action {
	case ActionHardFail:
		el.mc.transitionInstance(inst, EventHardFail)
	case ActionSoftReset:
		inst.TCPOutDeferred = nil
	case ActionRekeyRequested, ActionOK:
		// no core action
	}
}

// wakeInstance calls the pipeline's PreSelect for a timer-expired
// instance and reschedules it, per spec.md §4.4/§4.8 step 4. If the
// instance has not advanced its wakeup within its keepalive window (the
// pipeline returns a nextWake no later than now), the loop transitions it
// to Halting, per spec.md §5's cancellation/timeout rule.
func (el *EventLoop) wakeInstance(inst *ClientInstance, now time.Time) {
	if inst.Halt.Load() {
		return
	}
	if el.mc.Pipeline == nil || inst.Context == nil {
		return
	}
	if pending := el.mc.Pipeline.ProcessOutgoingTun(inst.Context); pending != nil {
		el.enqueueToTun(pending)
	}

	nextWake, rd, wr := el.mc.Pipeline.PreSelect(inst.Context, now.UnixNano())
	next := time.Unix(0, nextWake)
	if !next.After(now) {
		el.mc.transitionInstance(inst, EventHardFail)
		return
	}
	el.mc.Scheduler.Update(inst, next)
	inst.rw = 0
	if rd {
		inst.rw |= wantRead
	}
	if wr {
		inst.rw |= wantWrite
	}
}

// runHousekeeping runs per-second housekeeping and the reaper at most
// once per wall second, per spec.md §4.8 step 5.
func (el *EventLoop) runHousekeeping(now time.Time) {
	if !el.lastHousekeeping.IsZero() && now.Sub(el.lastHousekeeping) < time.Second {
		return
	}
	el.lastHousekeeping = now
	removed, _ := el.mc.Reaper.MaybeRun(now, el.mc.Routes)
	closed := el.mc.Reaper.SweepInstances(el.mc)
	el.mc.recordReaperPass(removed, len(closed))
}
