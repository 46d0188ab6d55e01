package tunnel

// PipelineAction is the per-call outcome a Pipeline reports back to the
// core, per spec.md §4.5.
type PipelineAction uint8

const (
	// ActionOK: processed normally, no special handling required.
	ActionOK PipelineAction = iota
	// ActionSoftReset: keep the connection but discard queued state.
	ActionSoftReset
	// ActionHardFail: unrecoverable; the core marks the instance halt and
	// closes it.
	ActionHardFail
	// ActionRekeyRequested: purely advisory; no core action.
	ActionRekeyRequested
)

// String returns the human-readable name of the action.
func (a PipelineAction) String() string {
	switch a {
	case ActionOK:
		return "ok"
	case ActionSoftReset:
		return "soft-reset"
	case ActionHardFail:
		return "hard-fail"
	case ActionRekeyRequested:
		return "rekey-requested"
	default:
		return "unknown"
	}
}

// Pipeline is the core's contract with the opaque cryptographic and
// packet-processing context carried by ClientInstance.Context, per
// spec.md §4.5/§6. The core never inspects ctx itself; it only calls
// these eight entry points and reacts to the returned PipelineAction.
//
// Implementations are expected to be stateful per-instance: the core
// calls Open once per instance and passes the returned context to every
// subsequent call for that instance.
type Pipeline interface {
	// Open constructs a fresh opaque context for a newly created
	// instance. msgPrefix is a human-readable identifier for the
	// implementation's own logging.
	Open(msgPrefix string) (ctx any, err error)

	// Close releases any resources held by ctx.
	Close(ctx any)

	// ProcessIncomingLink consumes a ciphertext frame received from the
	// wire. Returns a plaintext inner frame if buf was a data packet, nil
	// if it was a control/handshake byte sequence consumed internally.
	ProcessIncomingLink(ctx any, buf []byte) (innerBuf []byte, action PipelineAction)

	// ProcessIncomingTun consumes a plaintext inner frame read from the
	// TUN/TAP device. Returns the ciphertext frame to send on the link.
	ProcessIncomingTun(ctx any, innerBuf []byte) (linkBuf []byte, action PipelineAction)

	// ProcessOutgoingLink serializes whatever ciphertext is pending in
	// ctx for transmission on the wire.
	ProcessOutgoingLink(ctx any) (wireBytes []byte)

	// ProcessOutgoingTun serializes whatever plaintext inner frame is
	// pending in ctx for injection into the TUN/TAP device.
	ProcessOutgoingTun(ctx any) (plaintextBytes []byte)

	// PreSelect reports when ctx next needs CPU and what stream I/O
	// interests it currently has.
	PreSelect(ctx any, now int64) (nextWakeUnixNano int64, wantsRead, wantsWrite bool)

	// ConnectionEstablished reports whether ctx has completed its
	// handshake and is ready for data flow, driving the Unassigned ->
	// Authenticating -> Established transitions (spec.md §4.9).
	ConnectionEstablished(ctx any) bool
}
