package calls

import (
	"context"
	"errors"
	"testing"
)

func newMachine() (*StateMachine, *MemoryRepo) {
	repo := NewMemoryRepo()
	return NewStateMachine(repo, nil), repo
}

func seedCall(t *testing.T, repo *MemoryRepo, s State) string {
	t.Helper()
	c, err := repo.Create(context.Background(), Call{OrganizationID: "org", PatientID: "p", State: s})
	if err != nil {
		t.Fatalf("seed call: %v", err)
	}
	return c.ID
}

func TestTransition_ValidEdges(t *testing.T) {
	valid := []struct{ from, to State }{
		{StateScheduled, StateQueued},
		{StateScheduled, StateFailed},
		{StateQueued, StateInProgress},
		{StateQueued, StateFailed},
		{StateInProgress, StateAwaitingResponse},
		{StateInProgress, StateCompleted},
		{StateInProgress, StateFailed},
		{StateAwaitingResponse, StateInProgress},
		{StateAwaitingResponse, StateCompleted},
		{StateAwaitingResponse, StateRequiresFollowup},
		{StateAwaitingResponse, StateFailed},
		{StateCompleted, StateRequiresFollowup},
		{StateFailed, StateQueued},
		{StateRequiresFollowup, StateScheduled},
	}
	for _, tc := range valid {
		m, repo := newMachine()
		id := seedCall(t, repo, tc.from)
		if err := m.Transition(context.Background(), id, tc.to, nil); err != nil {
			t.Fatalf("%s -> %s: unexpected err: %v", tc.from, tc.to, err)
		}
		got, _ := repo.Get(context.Background(), id)
		if got.State != tc.to {
			t.Fatalf("%s -> %s: state not persisted, got %q", tc.from, tc.to, got.State)
		}
	}
}

func TestTransition_InvalidEdgesRejectedAndNotPersisted(t *testing.T) {
	invalid := []struct{ from, to State }{
		{StateScheduled, StateInProgress},
		{StateScheduled, StateCompleted},
		{StateQueued, StateCompleted},
		{StateInProgress, StateRequiresFollowup},
		{StateInProgress, StateQueued},
		{StateCompleted, StateInProgress},
		{StateCompleted, StateQueued},
		{StateFailed, StateCompleted},
		{StateRequiresFollowup, StateInProgress},
	}
	for _, tc := range invalid {
		m, repo := newMachine()
		id := seedCall(t, repo, tc.from)
		err := m.Transition(context.Background(), id, tc.to, nil)
		if err == nil {
			t.Fatalf("%s -> %s: expected rejection", tc.from, tc.to)
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
		got, _ := repo.Get(context.Background(), id)
		if got.State != tc.from {
			t.Fatalf("%s -> %s: state was mutated to %q despite rejection", tc.from, tc.to, got.State)
		}
	}
}

func TestTransition_InitialStateAcceptsAnything(t *testing.T) {
	m, repo := newMachine()

	if err := m.Transition(context.Background(), "fresh-call", StateInProgress, map[string]any{"patient_id": "p"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	s, found, err := repo.CurrentState(context.Background(), "fresh-call")
	if err != nil || !found {
		t.Fatalf("expected row to exist: %v", err)
	}
	if s != StateInProgress {
		t.Fatalf("expected in_progress, got %q", s)
	}
}

func TestTransitionToFinal_BridgesThroughAwaitingResponse(t *testing.T) {
	m, repo := newMachine()
	id := seedCall(t, repo, StateInProgress)

	got, err := m.TransitionToFinal(context.Background(), id, StateRequiresFollowup, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != StateRequiresFollowup {
		t.Fatalf("expected requires_followup, got %q", got)
	}
}

func TestTransitionToFinal_FallsBackToCompleted(t *testing.T) {
	m, repo := newMachine()
	// completed has no edge to failed; bridge cannot help either.
	id := seedCall(t, repo, StateCompleted)

	got, err := m.TransitionToFinal(context.Background(), id, StateFailed, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != StateCompleted {
		t.Fatalf("expected settled state completed, got %q", got)
	}
}

func TestTransitionToFinal_CompletedThenRequiresFollowup(t *testing.T) {
	m, repo := newMachine()
	// completed -> requires_followup is the one edge allowed out of completed.
	id := seedCall(t, repo, StateCompleted)

	got, err := m.TransitionToFinal(context.Background(), id, StateRequiresFollowup, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != StateRequiresFollowup {
		t.Fatalf("expected requires_followup, got %q", got)
	}
}

func TestIncrementRetry(t *testing.T) {
	m, repo := newMachine()
	id := seedCall(t, repo, StateFailed)

	for want := 1; want <= 3; want++ {
		n, err := m.IncrementRetry(context.Background(), id)
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if n != want {
			t.Fatalf("expected retry count %d, got %d", want, n)
		}
	}
}
