package calls

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("calls: call not found")

// Repository is the persistence contract for call records.
//
// State writes go through StateMachine, never directly; the repository
// only knows how to read and persist, not which edges are legal.

type Repository interface {
	Create(ctx context.Context, c Call) (Call, error)
	Get(ctx context.Context, id string) (Call, error)

	// CurrentState returns the persisted state, or "" with found=false
	// when the call does not exist yet (the "initial" source state).
	CurrentState(ctx context.Context, id string) (State, bool, error)

	UpdateState(ctx context.Context, id string, s State, metadata []byte) error
	UpdateTranscript(ctx context.Context, id, transcript string, durationSeconds int, requestedCallback bool) error
	StoreAnalysis(ctx context.Context, id string, u AnalysisUpdate) error

	// IncrementRetry atomically bumps the retry counter and returns the new value.
	IncrementRetry(ctx context.Context, id string) (int, error)

	ByState(ctx context.Context, organizationID string, s State, limit int) ([]Call, error)
}
