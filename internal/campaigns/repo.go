package campaigns

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("campaigns: campaign not found")

type Repository interface {
	Create(ctx context.Context, c Campaign) (Campaign, error)
	Get(ctx context.Context, id string) (Campaign, error)
	UpdateStatus(ctx context.Context, id string, s Status) error
}
