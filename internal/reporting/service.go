package reporting

import (
	"context"
	"errors"
	"time"

	"outreach-platform/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Methods must enforce organization filtering.
// - Implementations read the call records only; the reporting layer
//   never writes.

type Repository interface {
	ListCalls(ctx context.Context, organizationID string, from, to time.Time, campaignID string) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.OrganizationID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.OrganizationID, req.Range.From, req.Range.To, req.CampaignID)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{OrganizationID: req.OrganizationID, CampaignID: req.CampaignID}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		if c.AppointmentConfirmed {
			out.AppointmentsConfirmed++
		}
		if c.RequestedCallback {
			out.CallbacksRequested++
		}
		switch c.State {
		case calls.StateCompleted:
			out.CompletedCalls++
		case calls.StateFailed:
			out.FailedCalls++
		case calls.StateRequiresFollowup:
			out.FollowupCalls++
		case calls.StateInProgress, calls.StateAwaitingResponse:
			out.InProgressCalls++
		case calls.StateScheduled, calls.StateQueued:
			out.QueuedCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	return out, nil
}

func (s *Service) OutcomeMetrics(ctx context.Context, req OutcomeMetricsRequest) (OutcomeMetrics, error) {
	if req.OrganizationID == "" || req.CampaignID == "" {
		return OutcomeMetrics{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return OutcomeMetrics{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return OutcomeMetrics{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.OrganizationID, req.Range.From, req.Range.To, req.CampaignID)
	if err != nil {
		return OutcomeMetrics{}, err
	}

	out := OutcomeMetrics{OrganizationID: req.OrganizationID, CampaignID: req.CampaignID}
	out.CallsAttempted = len(rows)
	for _, c := range rows {
		switch c.State {
		case calls.StateCompleted:
			out.CallsCompleted++
		case calls.StateRequiresFollowup:
			out.CallsCompleted++
			out.FollowupsRequired++
		}
		if c.AppointmentConfirmed {
			out.AppointmentsConfirmed++
		}
	}

	if out.CallsAttempted > 0 {
		out.CompletionRate = float64(out.CallsCompleted) / float64(out.CallsAttempted)
		out.ConfirmationRate = float64(out.AppointmentsConfirmed) / float64(out.CallsAttempted)
	}
	return out, nil
}

func (s *Service) SentimentBreakdown(ctx context.Context, req SentimentBreakdownRequest) (SentimentBreakdown, error) {
	if req.OrganizationID == "" {
		return SentimentBreakdown{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return SentimentBreakdown{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return SentimentBreakdown{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.OrganizationID, req.Range.From, req.Range.To, req.CampaignID)
	if err != nil {
		return SentimentBreakdown{}, err
	}

	out := SentimentBreakdown{OrganizationID: req.OrganizationID, CampaignID: req.CampaignID}
	for _, c := range rows {
		switch c.Sentiment {
		case "positive":
			out.Positive++
		case "neutral":
			out.Neutral++
		case "negative":
			out.Negative++
		default:
			out.Unanalyzed++
		}
	}
	return out, nil
}
