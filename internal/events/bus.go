package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the append-only persistence contract for the event log.
type Store interface {
	Append(ctx context.Context, e Event) error
	ByCall(ctx context.Context, callID string, limit int) ([]Event, error)
}

// Transport carries serialized event envelopes between processes. The
// API and worker processes share one channel through Redis pub/sub; an
// in-process transport backs tests and single-process runs.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// OrgResolver maps a call id to its organization when the payload does
// not carry one.
type OrgResolver func(ctx context.Context, callID string) (string, error)

type Handler func(ctx context.Context, e Event)

// Bus publishes domain events to subscribers and appends them to the
// durable log. Delivery is at-least-once and ordering across publishers
// is not guaranteed; handlers must be idempotent on (call_id, type).
type Bus struct {
	transport Transport
	store     Store
	resolve   OrgResolver
	clock     func() time.Time
	log       *slog.Logger

	mu       sync.RWMutex
	handlers map[Type][]Handler

	listenOnce sync.Once
}

func NewBus(transport Transport, store Store, resolve OrgResolver, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		transport: transport,
		store:     store,
		resolve:   resolve,
		clock:     time.Now,
		log:       log,
		handlers:  map[Type][]Handler{},
	}
}

// On registers a handler for one event type. Handlers run independently;
// a panicking handler is recovered and logged, never allowed to take
// down the dispatch loop or its siblings.
func (b *Bus) On(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit constructs the envelope, publishes it, and appends it to the
// log. Both halves are best-effort: failures are logged and swallowed
// so emission can never crash the calling pipeline step.
func (b *Bus) Emit(ctx context.Context, t Type, p Payload) {
	if p == nil {
		p = Payload{}
	}
	e := Event{
		ID:        uuid.NewString(),
		Type:      t,
		CallID:    p.str("call_id"),
		Payload:   p,
		CreatedAt: b.clock().UTC(),
	}
	e.OrganizationID = p.str("organization_id")
	if e.OrganizationID == "" && e.CallID != "" && b.resolve != nil {
		org, err := b.resolve(ctx, e.CallID)
		if err != nil {
			b.log.Warn("event org resolution failed", "type", string(t), "call_id", e.CallID, "err", err)
		} else {
			e.OrganizationID = org
		}
	}

	if b.transport != nil {
		raw, err := json.Marshal(e)
		if err != nil {
			b.log.Error("event encode failed", "type", string(t), "err", err)
		} else if err := b.transport.Publish(ctx, raw); err != nil {
			b.log.Warn("event publish failed", "type", string(t), "err", err)
		}
	}

	if b.store != nil {
		if err := b.store.Append(ctx, e); err != nil {
			b.log.Warn("event append failed", "type", string(t), "call_id", e.CallID, "err", err)
		}
	}
}

// Listen starts the subscription loop. Safe to call more than once;
// only the first call subscribes.
func (b *Bus) Listen(ctx context.Context) error {
	var subErr error
	b.listenOnce.Do(func() {
		if b.transport == nil {
			return
		}
		ch, err := b.transport.Subscribe(ctx)
		if err != nil {
			subErr = err
			return
		}
		go b.loop(ctx, ch)
	})
	return subErr
}

func (b *Bus) loop(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal(raw, &e); err != nil {
				b.log.Warn("event decode failed", "err", err)
				continue
			}
			b.dispatch(ctx, e)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[e.Type]))
	copy(hs, b.handlers[e.Type])
	b.mu.RUnlock()

	for i, h := range hs {
		b.run(ctx, i, h, e)
	}
}

func (b *Bus) run(ctx context.Context, i int, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "type", string(e.Type), "handler", i, "panic", r)
		}
	}()
	h(ctx, e)
}
