package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"outreach-platform/internal/calls"
)

// MemoryRepo is a simple in-memory reporting repository for tests and
// early development. It enforces organization isolation on reads.

type MemoryRepo struct {
	mu sync.Mutex

	Calls []calls.Call
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListCalls(ctx context.Context, organizationID string, from, to time.Time, campaignID string) ([]calls.Call, error) {
	if organizationID == "" {
		return nil, errors.New("organization_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range r.Calls {
		if c.OrganizationID != organizationID {
			continue
		}
		if !c.CreatedAt.IsZero() {
			if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
				continue
			}
		}
		if campaignID != "" && c.CampaignID != campaignID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
