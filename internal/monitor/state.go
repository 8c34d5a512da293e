package monitor

import (
	"errors"
	"fmt"
)

// Sentinel errors for run state transitions.
var (
	// ErrInvalidTransition indicates a run state transition that the
	// execution lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid run state transition")

	// ErrTerminalState indicates an attempt to move a run out of a
	// terminal state.
	ErrTerminalState = errors.New("run state is terminal")
)

// RunState tracks one check execution through its lifecycle:
//
//	pending → running → {completed, failed}
type RunState string

// Run states.
const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Transition validates a state change and returns the new state.
// Terminal states are immutable; transitions must move forward.
func (s RunState) Transition(to RunState) (RunState, error) {
	if s.IsTerminal() {
		return s, fmt.Errorf("%w: %s → %s", ErrTerminalState, s, to)
	}

	switch {
	case s == RunPending && to == RunRunning:
		return to, nil
	case s == RunRunning && to.IsTerminal():
		return to, nil
	default:
		return s, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s, to)
	}
}
