package signal

import "github.com/jmallard/swingbot/internal/broker"

// PositionState is the explicit per-position state machine. Transition rules
// pin down which signal may trigger which exit edge instead of inferring
// position "state" ad hoc from score and P/L at evaluation time.
type PositionState string

const (
	StateNone            PositionState = "NONE"
	StateHeldUnprotected PositionState = "HELD_UNPROTECTED"
	StateHeldProtected   PositionState = "HELD_PROTECTED"
	StateSold            PositionState = "SOLD"
	StateExtremeSold     PositionState = "EXTREME_SOLD"
	StateOverrideSold    PositionState = "OVERRIDE_SOLD"
)

// StateOf classifies a held position. protectedPct is the unrealized P/L
// that activates momentum protection.
func StateOf(pos broker.Position, protectedPct float64) PositionState {
	if pos.Quantity == 0 {
		return StateNone
	}
	if pos.UnrealizedPLPct >= protectedPct {
		return StateHeldProtected
	}
	return StateHeldUnprotected
}

// SellTransition maps a sell decision onto the state machine. ok is false
// when the decision has no legal exit edge from the current state, which is
// exactly the "protected position holds through a plain sell" rule.
func SellTransition(state PositionState, dec SellDecision) (PositionState, bool) {
	if state != StateHeldUnprotected && state != StateHeldProtected {
		return state, false
	}
	switch {
	case dec.Action == ActionExtremeSell:
		return StateExtremeSold, true
	case dec.Action == ActionSell && dec.TechnicalOverride:
		return StateOverrideSold, true
	case dec.Action == ActionSell:
		if state == StateHeldProtected {
			return state, false
		}
		return StateSold, true
	default:
		return state, false
	}
}
