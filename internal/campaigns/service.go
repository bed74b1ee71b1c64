package campaigns

import (
	"context"
	"log/slog"

	"outreach-platform/internal/patients"
)

// Service re-evaluates campaign progress as calls finish.

type Service struct {
	repo     Repository
	patients patients.Repository
	log      *slog.Logger
}

func NewService(repo Repository, patientRepo patients.Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, patients: patientRepo, log: log}
}

func (s *Service) Get(ctx context.Context, id string) (Campaign, error) {
	return s.repo.Get(ctx, id)
}

// MarkRunning flips an active campaign to running when its first call
// is dispatched. Best-effort; already-running is not an error.
func (s *Service) MarkRunning(ctx context.Context, id string) {
	if id == "" {
		return
	}
	c, err := s.repo.Get(ctx, id)
	if err != nil || c.Status == StatusRunning || c.Status == StatusCompleted {
		return
	}
	if err := s.repo.UpdateStatus(ctx, id, StatusRunning); err != nil {
		s.log.Warn("campaign status update failed", "campaign_id", id, "err", err)
	}
}

// MaybeComplete marks the campaign completed when no assigned patient
// remains in the calling funnel. Returns whether completion happened.
func (s *Service) MaybeComplete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	remaining, err := s.patients.CountActiveInCampaign(ctx, id)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}
	if err := s.repo.UpdateStatus(ctx, id, StatusCompleted); err != nil {
		return false, err
	}
	s.log.Info("campaign completed", "campaign_id", id)
	return true, nil
}
