package patients

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("patients: patient not found")

type Repository interface {
	Create(ctx context.Context, p Patient) (Patient, error)
	Get(ctx context.Context, id string) (Patient, error)
	UpdateStatus(ctx context.Context, id string, s Status) error

	// ByCampaignStatus lists campaign members in any of the given
	// statuses; an empty status set means all members.
	ByCampaignStatus(ctx context.Context, campaignID string, statuses []Status) ([]Patient, error)

	// CountActiveInCampaign counts patients still in the calling funnel
	// (pending, queued, ringing, calling) for campaign completion checks.
	CountActiveInCampaign(ctx context.Context, campaignID string) (int, error)
}
