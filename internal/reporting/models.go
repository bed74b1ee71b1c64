package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics.
// Multi-tenant invariant: OrganizationID is required.

type CallsSummaryRequest struct {
	OrganizationID string    `json:"organization_id"`
	Range          TimeRange `json:"range"`
	CampaignID     string    `json:"campaign_id,omitempty"`
}

type CallsSummary struct {
	OrganizationID string `json:"organization_id"`
	CampaignID     string `json:"campaign_id,omitempty"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	FollowupCalls   int `json:"followup_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	QueuedCalls     int `json:"queued_calls"`

	AppointmentsConfirmed int `json:"appointments_confirmed"`
	CallbacksRequested    int `json:"callbacks_requested"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}

// OutcomeMetricsRequest captures campaign outcome metrics: how many
// dispatched calls connected, and how many ended with a confirmed
// appointment.

type OutcomeMetricsRequest struct {
	OrganizationID string    `json:"organization_id"`
	Range          TimeRange `json:"range"`
	CampaignID     string    `json:"campaign_id"`
}

type OutcomeMetrics struct {
	OrganizationID string `json:"organization_id"`
	CampaignID     string `json:"campaign_id"`

	CallsAttempted        int `json:"calls_attempted"`
	CallsCompleted        int `json:"calls_completed"`
	AppointmentsConfirmed int `json:"appointments_confirmed"`
	FollowupsRequired     int `json:"followups_required"`

	CompletionRate   float64 `json:"completion_rate"`
	ConfirmationRate float64 `json:"confirmation_rate"`
}

// SentimentBreakdownRequest requests the sentiment distribution the
// post-call analysis produced over a window.

type SentimentBreakdownRequest struct {
	OrganizationID string    `json:"organization_id"`
	Range          TimeRange `json:"range"`
	CampaignID     string    `json:"campaign_id,omitempty"`
}

type SentimentBreakdown struct {
	OrganizationID string `json:"organization_id"`
	CampaignID     string `json:"campaign_id,omitempty"`

	Positive   int `json:"positive"`
	Neutral    int `json:"neutral"`
	Negative   int `json:"negative"`
	Unanalyzed int `json:"unanalyzed"`
}
