package models

import (
	"fmt"
	"time"
)

// OrderState represents where an order sits in its lifecycle.
type OrderState string

const (
	// StatePrepared is a freshly built order, not yet validated.
	StatePrepared OrderState = "prepared"
	// StateValidated passed structural and strategy timing checks.
	StateValidated OrderState = "validated"
	// StateDryRunPassed cleared either the broker dry-run or the local validator.
	StateDryRunPassed OrderState = "dry_run_passed"
	// StateDryRunFailed is terminal: the simulated submission was rejected.
	StateDryRunFailed OrderState = "dry_run_failed"
	// StateSubmitted has been accepted by the submit endpoint.
	StateSubmitted OrderState = "submitted"
	// StateLive is working at the broker.
	StateLive OrderState = "live"
	// Terminal broker outcomes.
	StateFilled    OrderState = "filled"
	StateCancelled OrderState = "cancelled"
	StateExpired   OrderState = "expired"
	StateRejected  OrderState = "rejected"
)

// Transition conditions.
const (
	ConditionStructureOK    = "structure_ok"
	ConditionDryRunOK       = "dry_run_ok"
	ConditionDryRunRejected = "dry_run_rejected"
	ConditionOrderPlaced    = "order_placed"
	ConditionBrokerAck      = "broker_ack"
	ConditionFillConfirmed  = "fill_confirmed"
	ConditionCancelled      = "cancel_confirmed"
	ConditionExpired        = "order_expired"
	ConditionRejected       = "broker_rejected"
)

// StateTransition defines one valid lifecycle transition.
type StateTransition struct {
	From        OrderState
	To          OrderState
	Condition   string
	Description string
}

// ValidTransitions is the full lifecycle:
// Prepared -> Validated -> {DryRunPassed, DryRunFailed} -> Submitted -> Live
// -> {Filled, Cancelled, Expired, Rejected}.
var ValidTransitions = []StateTransition{
	{StatePrepared, StateValidated, ConditionStructureOK, "Structural and timing checks passed"},
	{StateValidated, StateDryRunPassed, ConditionDryRunOK, "Broker or local dry-run accepted the order"},
	{StateValidated, StateDryRunFailed, ConditionDryRunRejected, "Dry-run rejected the order"},
	{StateDryRunPassed, StateSubmitted, ConditionOrderPlaced, "Order accepted by the submit endpoint"},
	{StateSubmitted, StateLive, ConditionBrokerAck, "Broker acknowledged the working order"},
	{StateSubmitted, StateRejected, ConditionRejected, "Broker rejected the order after submission"},
	{StateLive, StateFilled, ConditionFillConfirmed, "All legs filled"},
	{StateLive, StateCancelled, ConditionCancelled, "Cancel confirmed by the broker"},
	{StateLive, StateExpired, ConditionExpired, "Order expired unfilled"},
	{StateLive, StateRejected, ConditionRejected, "Broker rejected the working order"},
}

// terminalStates have no outgoing transitions.
var terminalStates = map[OrderState]bool{
	StateDryRunFailed: true,
	StateFilled:       true,
	StateCancelled:    true,
	StateExpired:      true,
	StateRejected:     true,
}

// LifecycleMachine manages order state transitions.
type LifecycleMachine struct {
	currentState   OrderState
	previousState  OrderState
	transitionTime time.Time
}

// NewLifecycleMachine creates a machine in the Prepared state.
func NewLifecycleMachine() *LifecycleMachine {
	return &LifecycleMachine{
		currentState:   StatePrepared,
		previousState:  StatePrepared,
		transitionTime: time.Now().UTC(),
	}
}

// RestoreLifecycleMachine rebuilds a machine at a known state, used when an
// order round-trips through persistence.
func RestoreLifecycleMachine(state OrderState) *LifecycleMachine {
	if state == "" {
		state = StatePrepared
	}
	return &LifecycleMachine{
		currentState:   state,
		previousState:  state,
		transitionTime: time.Now().UTC(),
	}
}

// CurrentState returns the current state.
func (m *LifecycleMachine) CurrentState() OrderState {
	return m.currentState
}

// PreviousState returns the state before the last transition.
func (m *LifecycleMachine) PreviousState() OrderState {
	return m.previousState
}

// IsTerminal reports whether the current state has no outgoing transitions.
func (m *LifecycleMachine) IsTerminal() bool {
	return IsTerminalState(m.currentState)
}

// IsTerminalState reports whether state is terminal.
func IsTerminalState(state OrderState) bool {
	return terminalStates[state]
}

// IsValidTransition checks whether (to, condition) is reachable from the
// current state.
func (m *LifecycleMachine) IsValidTransition(to OrderState, condition string) error {
	if terminalStates[m.currentState] {
		return fmt.Errorf("state %s is terminal, no transition to %s allowed", m.currentState, to)
	}
	for _, tr := range ValidTransitions {
		if tr.From == m.currentState && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		m.currentState, to, condition)
}

// Transition moves to a new state after validation.
func (m *LifecycleMachine) Transition(to OrderState, condition string) error {
	if err := m.IsValidTransition(to, condition); err != nil {
		return err
	}
	m.previousState = m.currentState
	m.currentState = to
	m.transitionTime = time.Now().UTC()
	return nil
}

// TransitionTime returns when the last transition happened.
func (m *LifecycleMachine) TransitionTime() time.Time {
	return m.transitionTime
}

// StateDescription returns a human-readable description of the current state.
func (m *LifecycleMachine) StateDescription() string {
	switch m.currentState {
	case StatePrepared:
		return "Order built, awaiting validation"
	case StateValidated:
		return "Order validated, awaiting dry-run"
	case StateDryRunPassed:
		return "Dry-run passed, eligible for submission"
	case StateDryRunFailed:
		return "Dry-run rejected the order"
	case StateSubmitted:
		return "Order submitted, awaiting broker acknowledgement"
	case StateLive:
		return "Order working at the broker"
	case StateFilled:
		return "Order filled"
	case StateCancelled:
		return "Order cancelled"
	case StateExpired:
		return "Order expired unfilled"
	case StateRejected:
		return "Order rejected by the broker"
	default:
		return "Unknown state"
	}
}
