package campaigns

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory campaign repository for tests and local runs.

type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]Campaign
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: map[string]Campaign{}}
}

func (r *MemoryRepo) Create(ctx context.Context, c Campaign) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	r.rows[c.ID] = c
	return c, nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, id string, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = s
	c.UpdatedAt = time.Now().UTC()
	r.rows[id] = c
	return nil
}
