package tunnel

import "sync/atomic"

// SignalFlags holds the three latched signal inputs the core observes at
// the top of every loop iteration, per spec.md §6/§5: "Signals are
// latched into a volatile flag examined at every loop top."
type SignalFlags struct {
	// SoftRestart corresponds to USR1: close idle instances, keep
	// serving.
	SoftRestart atomic.Bool
	// HardRestart corresponds to HUP: drain and restart.
	HardRestart atomic.Bool
	// Term corresponds to TERM: drain and exit.
	Term atomic.Bool
}

// RaiseSoftRestart latches the soft-restart flag (USR1-equivalent).
func (s *SignalFlags) RaiseSoftRestart() { s.SoftRestart.Store(true) }

// RaiseHardRestart latches the hard-restart flag (HUP-equivalent).
func (s *SignalFlags) RaiseHardRestart() { s.HardRestart.Store(true) }

// RaiseTerm latches the terminate flag (TERM-equivalent).
func (s *SignalFlags) RaiseTerm() { s.Term.Store(true) }
