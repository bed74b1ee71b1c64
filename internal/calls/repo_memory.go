package calls

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory call repository for tests and local runs.
// It is not intended for production use.

type MemoryRepo struct {
	mu    sync.Mutex
	rows  map[string]Call
	clock func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: map[string]Call{}, clock: time.Now}
}

func (r *MemoryRepo) Create(ctx context.Context, c Call) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := r.clock().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	r.rows[c.ID] = c
	return c, nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) CurrentState(ctx context.Context, id string) (State, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return "", false, nil
	}
	return c.State, true, nil
}

func (r *MemoryRepo) UpdateState(ctx context.Context, id string, s State, metadata []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		// First transition creates the row ("initial" source state).
		c = Call{ID: id, CreatedAt: r.clock().UTC()}
	}
	c.State = s
	c.StateMetadata = append([]byte(nil), metadata...)
	c.UpdatedAt = r.clock().UTC()
	r.rows[id] = c
	return nil
}

func (r *MemoryRepo) UpdateTranscript(ctx context.Context, id, transcript string, durationSeconds int, requestedCallback bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	c.Transcript = transcript
	c.DurationSeconds = durationSeconds
	c.RequestedCallback = requestedCallback
	c.UpdatedAt = r.clock().UTC()
	r.rows[id] = c
	return nil
}

func (r *MemoryRepo) StoreAnalysis(ctx context.Context, id string, u AnalysisUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	c.Transcript = u.Transcript
	c.DurationSeconds = u.DurationSeconds
	c.Sentiment = u.Sentiment
	c.AppointmentConfirmed = u.AppointmentConfirmed
	c.RequestedCallback = u.RequestedCallback
	c.Summary = u.Summary
	c.StructuredOutput = append([]byte(nil), u.StructuredOutput...)
	c.UpdatedAt = r.clock().UTC()
	r.rows[id] = c
	return nil
}

func (r *MemoryRepo) IncrementRetry(ctx context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return 0, ErrNotFound
	}
	c.RetryCount++
	c.UpdatedAt = r.clock().UTC()
	r.rows[id] = c
	return c.RetryCount, nil
}

func (r *MemoryRepo) ByState(ctx context.Context, organizationID string, s State, limit int) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.rows {
		if c.State != s {
			continue
		}
		if organizationID != "" && c.OrganizationID != organizationID {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
