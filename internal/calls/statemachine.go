package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// StateMachine validates and persists call lifecycle transitions.
//
// Invariants:
// - A call that does not exist yet ("initial") may enter any state.
// - Every other edge must appear in the transition table below.
// - State and metadata are persisted together, or not at all.

var transitions = map[State][]State{
	StateScheduled:        {StateQueued, StateFailed},
	StateQueued:           {StateInProgress, StateFailed},
	StateInProgress:       {StateAwaitingResponse, StateCompleted, StateFailed},
	StateAwaitingResponse: {StateInProgress, StateCompleted, StateRequiresFollowup, StateFailed},
	StateCompleted:        {StateRequiresFollowup},
	StateFailed:           {StateQueued}, // explicit retry path
	StateRequiresFollowup: {StateScheduled},
}

var ErrInvalidTransition = errors.New("calls: invalid state transition")

// InvalidTransitionError reports the rejected edge. It matches
// ErrInvalidTransition under errors.Is.
type InvalidTransitionError struct {
	CallID string
	From   State
	To     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("calls: invalid state transition %q -> %q for call %s", e.From, e.To, e.CallID)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type StateMachine struct {
	repo Repository
	log  *slog.Logger
}

func NewStateMachine(repo Repository, log *slog.Logger) *StateMachine {
	if log == nil {
		log = slog.Default()
	}
	return &StateMachine{repo: repo, log: log}
}

// Transition moves the call to next if the edge is legal, persisting
// state and metadata atomically. Rejection is an error, never silent.
func (m *StateMachine) Transition(ctx context.Context, callID string, next State, metadata map[string]any) error {
	if callID == "" {
		return errors.New("calls: call id required")
	}

	current, found, err := m.repo.CurrentState(ctx, callID)
	if err != nil {
		return fmt.Errorf("calls: read state for %s: %w", callID, err)
	}
	if found && !CanTransition(current, next) {
		return &InvalidTransitionError{CallID: callID, From: current, To: next}
	}

	var md []byte
	if len(metadata) > 0 {
		md, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("calls: encode transition metadata: %w", err)
		}
	}

	if err := m.repo.UpdateState(ctx, callID, next, md); err != nil {
		return fmt.Errorf("calls: persist state %q for %s: %w", next, callID, err)
	}
	m.log.Debug("call state transition", "call_id", callID, "from", string(current), "to", string(next))
	return nil
}

// TransitionToFinal drives the call to a terminal state, bridging
// through intermediate legal states when the direct edge is missing.
//
// Bridge order: direct edge, then awaiting_response -> final, then a
// fallback to completed. When the target was requires_followup the
// completed -> requires_followup edge is attempted once more. The state
// actually reached is returned.
func (m *StateMachine) TransitionToFinal(ctx context.Context, callID string, final State, metadata map[string]any) (State, error) {
	if err := m.Transition(ctx, callID, final, metadata); err == nil {
		return final, nil
	} else if !errors.Is(err, ErrInvalidTransition) {
		return "", err
	}

	if err := m.Transition(ctx, callID, StateAwaitingResponse, metadata); err == nil {
		if err := m.Transition(ctx, callID, final, metadata); err == nil {
			return final, nil
		}
	}

	current, found, stateErr := m.repo.CurrentState(ctx, callID)
	if stateErr != nil {
		return "", fmt.Errorf("calls: final-state bridge for %s: %w", callID, stateErr)
	}
	if !found || current != StateCompleted {
		if err := m.Transition(ctx, callID, StateCompleted, metadata); err != nil {
			return "", fmt.Errorf("calls: final-state bridge for %s: %w", callID, err)
		}
	}
	if final == StateRequiresFollowup {
		if err := m.Transition(ctx, callID, final, metadata); err == nil {
			return final, nil
		}
		m.log.Warn("final-state bridge settled on completed", "call_id", callID, "wanted", string(final))
	}
	return StateCompleted, nil
}

// IncrementRetry bumps and returns the call's retry counter.
func (m *StateMachine) IncrementRetry(ctx context.Context, callID string) (int, error) {
	n, err := m.repo.IncrementRetry(ctx, callID)
	if err != nil {
		return 0, fmt.Errorf("calls: increment retry for %s: %w", callID, err)
	}
	return n, nil
}

// CallsByState is a plain projection over the repository.
func (m *StateMachine) CallsByState(ctx context.Context, organizationID string, s State, limit int) ([]Call, error) {
	return m.repo.ByState(ctx, organizationID, s, limit)
}
