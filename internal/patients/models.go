package patients

import "time"

// Patient is a campaign-assigned call target.
//
// Multi-tenant invariant: OrganizationID is required on every row.
// Status tracks the patient's progress through the calling funnel and
// is owned by the dispatcher, ring scheduler, and call pipeline.

type Patient struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	CampaignID     string `json:"campaign_id,omitempty" db:"campaign_id"`

	Name  string `json:"name" db:"name"`
	Phone string `json:"phone" db:"phone"`

	Status Status `json:"status" db:"status"`

	// Metadata carries optional call-shaping attributes: appointment_date,
	// appointment_time, appointment_type, preferred_language, age,
	// previous_no_show, known_barriers.
	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPending           Status = "pending"
	StatusQueued            Status = "queued"
	StatusRinging           Status = "ringing"
	StatusCalling           Status = "calling"
	StatusCompleted         Status = "completed"
	StatusFollowupRequired  Status = "followup_required"
	StatusFailed            Status = "failed"
	StatusMissed            Status = "missed"
	StatusRejected          Status = "rejected"
)

// ActiveStatuses are the funnel states that keep a campaign open.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusQueued, StatusRinging, StatusCalling}
}
