package tunnel

import "testing"

func TestApplyEvent_UnassignedToAuthenticating(t *testing.T) {
	res := ApplyEvent(StateUnassigned, EventFirstLinkPacket)
	if !res.Changed || res.NewState != StateAuthenticating {
		t.Fatalf("got %+v, want transition to Authenticating", res)
	}
}

func TestApplyEvent_AuthenticatingToEstablished(t *testing.T) {
	res := ApplyEvent(StateAuthenticating, EventConnectionEstablished)
	if !res.Changed || res.NewState != StateEstablished {
		t.Fatalf("got %+v, want transition to Established", res)
	}
}

func TestApplyEvent_AnyToHalting(t *testing.T) {
	for _, s := range []State{StateUnassigned, StateAuthenticating, StateEstablished} {
		for _, e := range []Event{EventHardFail, EventSignalClose, EventPeerDisconnect, EventMaxClientsEvicted, EventExplicitClose} {
			res := ApplyEvent(s, e)
			if !res.Changed || res.NewState != StateHalting {
				t.Fatalf("state %v + event %v: got %+v, want Halting", s, e, res)
			}
		}
	}
}

func TestApplyEvent_UnknownPairIgnored(t *testing.T) {
	res := ApplyEvent(StateEstablished, EventFirstLinkPacket)
	if res.Changed {
		t.Fatalf("expected no transition for Established + FirstLinkPacket, got %+v", res)
	}
	if res.NewState != StateEstablished {
		t.Fatalf("expected state unchanged, got %v", res.NewState)
	}
}

func TestApplyEvent_HaltingIsTerminal(t *testing.T) {
	for _, e := range []Event{EventFirstLinkPacket, EventConnectionEstablished, EventHardFail} {
		res := ApplyEvent(StateHalting, e)
		if res.Changed {
			t.Fatalf("Halting should not transition further on %v, got %+v", e, res)
		}
	}
}
