package tunnel

// This file implements the per-ClientInstance state machine (spec.md
// §4.9) as a pure function over a transition table, in the same style as
// a BFD session FSM: no Instance dependency, no side effects, trivially
// testable against the transition list in isolation.
//
// State diagram (spec.md §4.9):
//
//   Unassigned --(first link packet)--> Authenticating
//   Authenticating --(connection_established)--> Established
//   {any} --(hard-fail / signal / disconnect / eviction / close)--> Halting
//   Halting --(last reference drops)--> freed (not part of this table;
//     freeing is a refcount event handled by the registry, not the FSM)

// Event is an input to the per-instance FSM.
type Event uint8

const (
	// EventFirstLinkPacket fires when the first link packet is processed
	// for an Unassigned instance.
	EventFirstLinkPacket Event = iota
	// EventConnectionEstablished fires when the pipeline reports
	// connection_established.
	EventConnectionEstablished
	// EventHardFail fires on a pipeline hard-fail action.
	EventHardFail
	// EventSignalClose fires on a soft/hard signal that targets this
	// instance (idle close on soft, drain on hard).
	EventSignalClose
	// EventPeerDisconnect fires on a stream transport reset/abort.
	EventPeerDisconnect
	// EventMaxClientsEvicted fires when the instance is evicted to make
	// room under max_clients (not currently produced — eviction by policy
	// is refused at admission time instead — but reserved so a future
	// eviction policy has an event to drive).
	EventMaxClientsEvicted
	// EventExplicitClose fires on an operator-issued close.
	EventExplicitClose
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventFirstLinkPacket:
		return "FirstLinkPacket"
	case EventConnectionEstablished:
		return "ConnectionEstablished"
	case EventHardFail:
		return "HardFail"
	case EventSignalClose:
		return "SignalClose"
	case EventPeerDisconnect:
		return "PeerDisconnect"
	case EventMaxClientsEvicted:
		return "MaxClientsEvicted"
	case EventExplicitClose:
		return "ExplicitClose"
	default:
		return "Unknown"
	}
}

// stateEvent is the FSM transition table key.
type stateEvent struct {
	state State
	event Event
}

// transition describes the target state of a single FSM transition. The
// per-instance FSM has no side-effect list of its own (unlike the
// pipeline's Action enum) — state-change side effects (route removal,
// scheduler removal) are applied by the caller based on NewState alone.
type transition struct {
	newState State
}

// fsmTable is the complete per-instance FSM transition table, derived
// from spec.md §4.9. Unlisted (state, event) pairs are ignored.
var fsmTable = map[stateEvent]transition{
	{StateUnassigned, EventFirstLinkPacket}:   {StateAuthenticating},
	{StateAuthenticating, EventConnectionEstablished}: {StateEstablished},

	{StateUnassigned, EventHardFail}:      {StateHalting},
	{StateAuthenticating, EventHardFail}:  {StateHalting},
	{StateEstablished, EventHardFail}:     {StateHalting},

	{StateUnassigned, EventSignalClose}:     {StateHalting},
	{StateAuthenticating, EventSignalClose}: {StateHalting},
	{StateEstablished, EventSignalClose}:    {StateHalting},

	{StateUnassigned, EventPeerDisconnect}:     {StateHalting},
	{StateAuthenticating, EventPeerDisconnect}: {StateHalting},
	{StateEstablished, EventPeerDisconnect}:    {StateHalting},

	{StateUnassigned, EventMaxClientsEvicted}:     {StateHalting},
	{StateAuthenticating, EventMaxClientsEvicted}: {StateHalting},
	{StateEstablished, EventMaxClientsEvicted}:    {StateHalting},

	{StateUnassigned, EventExplicitClose}:     {StateHalting},
	{StateAuthenticating, EventExplicitClose}: {StateHalting},
	{StateEstablished, EventExplicitClose}:    {StateHalting},
}

// FSMResult holds the outcome of applying an event to the FSM.
type FSMResult struct {
	OldState State
	NewState State
	Changed  bool
}

// ApplyEvent applies event to currentState and returns the result. Pure
// function, no side effects; the caller (the event loop or registry)
// executes whatever follows from NewState (e.g. close_instance).
func ApplyEvent(currentState State, event Event) FSMResult {
	tr, ok := fsmTable[stateEvent{currentState, event}]
	if !ok {
		return FSMResult{OldState: currentState, NewState: currentState, Changed: false}
	}
	return FSMResult{OldState: currentState, NewState: tr.newState, Changed: currentState != tr.newState}
}
