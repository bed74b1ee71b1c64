package patients

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory patient repository for tests and local runs.

type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]Patient
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: map[string]Patient{}}
}

func (r *MemoryRepo) Create(ctx context.Context, p Patient) (Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	r.rows[p.ID] = p
	return p, nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return Patient{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, id string, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = s
	p.UpdatedAt = time.Now().UTC()
	r.rows[id] = p
	return nil
}

func (r *MemoryRepo) ByCampaignStatus(ctx context.Context, campaignID string, statuses []Status) ([]Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Patient
	for _, p := range r.rows {
		if p.CampaignID != campaignID {
			continue
		}
		if len(statuses) == 0 {
			out = append(out, p)
			continue
		}
		for _, s := range statuses {
			if p.Status == s {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func (r *MemoryRepo) CountActiveInCampaign(ctx context.Context, campaignID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, p := range r.rows {
		if p.CampaignID != campaignID {
			continue
		}
		for _, s := range ActiveStatuses() {
			if p.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}
