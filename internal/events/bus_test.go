package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestBus_EmitPublishesAndAppends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	bus := NewBus(NewLoopbackTransport(), store, nil, nil)
	if err := bus.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}

	var got atomic.Int32
	bus.On(TypeCallStarted, func(ctx context.Context, e Event) {
		if e.CallID != "c1" {
			t.Errorf("expected call_id c1, got %q", e.CallID)
		}
		got.Add(1)
	})

	bus.Emit(ctx, TypeCallStarted, Payload{"call_id": "c1", "organization_id": "org"})

	waitFor(t, func() bool { return got.Load() == 1 })

	evs := store.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(evs))
	}
	if evs[0].OrganizationID != "org" {
		t.Fatalf("expected organization resolved from payload, got %q", evs[0].OrganizationID)
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected envelope id and timestamp to be set")
	}
}

func TestBus_HandlerPanicIsIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(NewLoopbackTransport(), nil, nil, nil)
	if err := bus.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}

	var survived atomic.Int32
	bus.On(TypeCallFailed, func(ctx context.Context, e Event) { panic("boom") })
	bus.On(TypeCallFailed, func(ctx context.Context, e Event) { survived.Add(1) })

	bus.Emit(ctx, TypeCallFailed, Payload{"call_id": "c1"})
	bus.Emit(ctx, TypeCallFailed, Payload{"call_id": "c1"})

	waitFor(t, func() bool { return survived.Load() == 2 })
}

func TestBus_ResolvesOrganizationFromCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	resolve := func(ctx context.Context, callID string) (string, error) { return "org-" + callID, nil }
	bus := NewBus(nil, store, resolve, nil)

	bus.Emit(ctx, TypeCallCompleted, Payload{"call_id": "42"})

	evs := store.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].OrganizationID != "org-42" {
		t.Fatalf("expected resolved org, got %q", evs[0].OrganizationID)
	}
}

func TestBus_EmitNeverFailsOnStoreError(t *testing.T) {
	bus := NewBus(nil, failingStore{}, nil, nil)
	// Must not panic or propagate the store failure.
	bus.Emit(context.Background(), TypeCallQueued, Payload{"call_id": "c1"})
}

type failingStore struct{}

func (failingStore) Append(ctx context.Context, e Event) error { return context.DeadlineExceeded }
func (failingStore) ByCall(ctx context.Context, callID string, limit int) ([]Event, error) {
	return nil, nil
}
