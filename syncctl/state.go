package syncctl

import "fmt"

// State is the sync session lifecycle state. Modeled as a tagged value
// with an explicit transition table so illegal transitions are caught at
// the one place state changes, not scattered across flag checks.
type State int

const (
	// Idle: no active session.
	Idle State = iota
	// Measuring: latency probes in flight.
	Measuring
	// Scheduled: common start instant announced, local timer armed.
	Scheduled
	// Playing: drift-correction sub-loop running.
	Playing
	// Stopped: terminal.
	Stopped
)

// String returns the lowercase state name used in events and metrics.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Measuring:
		return "measuring"
	case Scheduled:
		return "scheduled"
	case Playing:
		return "playing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition reports a disallowed state change.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid sync transition: %s -> %s", e.From, e.To)
}

// validTransition is the exhaustive transition table. Stop is reachable
// from every state, which keeps cancellation paths simple.
func validTransition(from, to State) bool {
	if to == Stopped {
		return true
	}
	switch from {
	case Idle:
		return to == Measuring
	case Measuring:
		return to == Scheduled || to == Idle
	case Scheduled:
		return to == Playing
	case Playing, Stopped:
		return false
	default:
		return false
	}
}
