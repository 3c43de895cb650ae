package session

import (
	"github.com/multisession-gateway/backend/internal/model"
)

// InputKind names a transition input.
type InputKind string

const (
	InputStart         InputKind = "start"
	InputNeedsScan     InputKind = "needs_scan"
	InputAuthenticated InputKind = "authenticated"
	InputReady         InputKind = "ready"
	InputAuthFailed    InputKind = "auth_failed"
	InputDisconnected  InputKind = "disconnected"
	InputStop          InputKind = "stop"
)

// Input is one transition input. Only the field matching Kind is read.
type Input struct {
	Kind      InputKind
	Token     string
	ContactID string
	Reason    string
}

// Outcome is the result of applying an input to a state.
type Outcome int

const (
	// Reject means the input is not valid in the current state.
	Reject Outcome = iota
	// Apply means the state changes and an event is emitted.
	Apply
	// NoOp means the request is already satisfied.
	NoOp
)

func (o Outcome) String() string {
	switch o {
	case Apply:
		return "apply"
	case NoOp:
		return "noop"
	default:
		return "reject"
	}
}

// Transition applies in to from and returns the next state. For NoOp and
// Reject the returned state equals from.
func Transition(from model.SessionState, in Input) (model.SessionState, Outcome) {
	switch in.Kind {
	case InputStart:
		switch from {
		case model.StateUninitialized, model.StateDisconnected, model.StateAuthFailure:
			return model.StateStarting, Apply
		case model.StateStarting, model.StateQRPending, model.StateAuthenticating, model.StateReady:
			return from, NoOp
		}

	case InputNeedsScan:
		// A QR refresh while pending replaces the token.
		if from == model.StateStarting || from == model.StateQRPending {
			return model.StateQRPending, Apply
		}

	case InputAuthenticated:
		if from == model.StateStarting || from == model.StateQRPending {
			return model.StateAuthenticating, Apply
		}

	case InputReady:
		if from == model.StateStarting || from == model.StateAuthenticating {
			return model.StateReady, Apply
		}

	case InputAuthFailed:
		switch from {
		case model.StateStarting, model.StateQRPending, model.StateAuthenticating:
			return model.StateAuthFailure, Apply
		}

	case InputDisconnected:
		if from.HoldsHandle() {
			return model.StateDisconnected, Apply
		}

	case InputStop:
		if from == model.StateDisconnected {
			return from, NoOp
		}
		if from.HoldsHandle() || from == model.StateUninitialized {
			return model.StateDisconnected, Apply
		}
	}

	return from, Reject
}

// Fold applies every input in order, skipping rejected ones, and returns
// the final state.
func Fold(from model.SessionState, inputs []Input) model.SessionState {
	state := from
	for _, in := range inputs {
		state, _ = Transition(state, in)
	}
	return state
}
