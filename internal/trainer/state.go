package trainer

import (
	"fmt"

	"github.com/inferloop/gridsynth/pkg/errors"
)

// State is a trainer lifecycle state.
type State string

const (
	StateUninitialized    State = "uninitialized"
	StateConfigured       State = "configured"
	StateTraining         State = "training"
	StateConverged        State = "converged"
	StateDiverged         State = "diverged"
	StateMaxEpochsReached State = "max_epochs_reached"
	StateReady            State = "ready"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateUninitialized,
	StateConfigured,
	StateTraining,
	StateConverged,
	StateDiverged,
	StateMaxEpochsReached,
	StateReady,
}

// Training falls back to Configured when interrupted, and a Ready trainer
// may train further. A run that diverged with nothing to restore can only
// be reconfigured.
var transitions = map[State][]State{
	StateUninitialized:    {StateConfigured},
	StateConfigured:       {StateConfigured, StateTraining},
	StateTraining:         {StateConverged, StateDiverged, StateMaxEpochsReached, StateConfigured},
	StateConverged:        {StateReady},
	StateDiverged:         {StateReady, StateConfigured},
	StateMaxEpochsReached: {StateReady},
	StateReady:            {StateTraining, StateConfigured},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return errors.WrapError(errors.ErrInvalidState, errors.ErrorTypeValidation, errors.CodeInvalidInput,
		fmt.Sprintf("cannot move trainer from %s to %s", from, to))
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}
