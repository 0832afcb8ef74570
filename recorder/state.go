package recorder

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Coordinator.
type State int

const (
	Idle State = iota
	Recording
	Paused
	Finalizing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Finalizing:
		return "finalizing"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidState is wrapped by every StateError.
var ErrInvalidState = errors.New("invalid recorder state")

// StateError reports an operation that is not allowed in the current state.
// The state is left unchanged.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("recorder: cannot %s while %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}
