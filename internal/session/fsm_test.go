package session

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/multisession-gateway/backend/internal/model"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    model.SessionState
		input   InputKind
		want    model.SessionState
		outcome Outcome
	}{
		{"start from uninitialized", model.StateUninitialized, InputStart, model.StateStarting, Apply},
		{"start from disconnected", model.StateDisconnected, InputStart, model.StateStarting, Apply},
		{"start from auth failure", model.StateAuthFailure, InputStart, model.StateStarting, Apply},
		{"start while ready", model.StateReady, InputStart, model.StateReady, NoOp},
		{"start while qr pending", model.StateQRPending, InputStart, model.StateQRPending, NoOp},
		{"qr from starting", model.StateStarting, InputNeedsScan, model.StateQRPending, Apply},
		{"qr refresh", model.StateQRPending, InputNeedsScan, model.StateQRPending, Apply},
		{"qr while ready", model.StateReady, InputNeedsScan, model.StateReady, Reject},
		{"authenticated from qr", model.StateQRPending, InputAuthenticated, model.StateAuthenticating, Apply},
		{"authenticated from starting", model.StateStarting, InputAuthenticated, model.StateAuthenticating, Apply},
		{"authenticated while disconnected", model.StateDisconnected, InputAuthenticated, model.StateDisconnected, Reject},
		{"ready from authenticating", model.StateAuthenticating, InputReady, model.StateReady, Apply},
		{"ready from starting", model.StateStarting, InputReady, model.StateReady, Apply},
		{"ready from qr", model.StateQRPending, InputReady, model.StateQRPending, Reject},
		{"auth failed from qr", model.StateQRPending, InputAuthFailed, model.StateAuthFailure, Apply},
		{"auth failed while ready", model.StateReady, InputAuthFailed, model.StateReady, Reject},
		{"disconnect while ready", model.StateReady, InputDisconnected, model.StateDisconnected, Apply},
		{"disconnect after auth failure", model.StateAuthFailure, InputDisconnected, model.StateDisconnected, Apply},
		{"disconnect while disconnected", model.StateDisconnected, InputDisconnected, model.StateDisconnected, Reject},
		{"disconnect while uninitialized", model.StateUninitialized, InputDisconnected, model.StateUninitialized, Reject},
		{"stop while ready", model.StateReady, InputStop, model.StateDisconnected, Apply},
		{"stop while uninitialized", model.StateUninitialized, InputStop, model.StateDisconnected, Apply},
		{"stop while disconnected", model.StateDisconnected, InputStop, model.StateDisconnected, NoOp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome := Transition(tt.from, Input{Kind: tt.input})
			if got != tt.want || outcome != tt.outcome {
				t.Errorf("Transition(%s, %s) = %s, %s; want %s, %s",
					tt.from, tt.input, got, outcome, tt.want, tt.outcome)
			}
		})
	}
}

func TestTransition_UnknownInput(t *testing.T) {
	got, outcome := Transition(model.StateReady, Input{Kind: "bogus"})
	if got != model.StateReady || outcome != Reject {
		t.Errorf("unknown input should be rejected, got %s, %s", got, outcome)
	}
}

var inputKinds = []InputKind{
	InputStart, InputNeedsScan, InputAuthenticated, InputReady,
	InputAuthFailed, InputDisconnected, InputStop,
}

func genInputs() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, len(inputKinds)-1)).Map(func(idx []int) []Input {
		inputs := make([]Input, len(idx))
		for i, n := range idx {
			inputs[i] = Input{Kind: inputKinds[n], Token: "t", ContactID: "c", Reason: "r"}
		}
		return inputs
	})
}

// 任意输入序列下，状态与句柄是否存在保持一致，且始终是合法状态
func TestFoldHandleInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("handle held iff state holds a handle", prop.ForAll(
		func(inputs []Input) bool {
			state := model.StateUninitialized
			handle := false
			for _, in := range inputs {
				next, outcome := Transition(state, in)
				if outcome == Apply {
					switch in.Kind {
					case InputStart:
						handle = true
					case InputStop, InputDisconnected:
						handle = false
					}
				}
				if outcome != Apply && next != state {
					return false
				}
				state = next
				if !state.Valid() || handle != state.HoldsHandle() {
					return false
				}
			}
			return Fold(model.StateUninitialized, inputs) == state
		},
		genInputs(),
	))

	properties.Property("stop always ends disconnected", prop.ForAll(
		func(inputs []Input) bool {
			inputs = append(inputs, Input{Kind: InputStop})
			return Fold(model.StateUninitialized, inputs) == model.StateDisconnected
		},
		genInputs(),
	))

	properties.Property("ready is only reachable through a start", prop.ForAll(
		func(inputs []Input) bool {
			state := model.StateUninitialized
			started := false
			for _, in := range inputs {
				var outcome Outcome
				state, outcome = Transition(state, in)
				if in.Kind == InputStart && outcome == Apply {
					started = true
				}
				if state == model.StateReady && !started {
					return false
				}
			}
			return true
		},
		genInputs(),
	))

	properties.TestingRun(t)
}
