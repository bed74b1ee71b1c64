package calls

import (
	"encoding/json"
	"time"
)

// Call is one outbound patient call attempt.
//
// Multi-tenant invariant: OrganizationID is required on every row.
//
// Rows are created when a call job is dispatched or when a live session
// starts, and are mutated only through StateMachine transitions and the
// pipeline's transcript/analysis writes. A row is never deleted on its
// own; it goes away only when its campaign is deleted.

type Call struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	PatientID      string `json:"patient_id" db:"patient_id"`
	CampaignID     string `json:"campaign_id,omitempty" db:"campaign_id"`

	State State `json:"state" db:"state"`

	Transcript string `json:"transcript,omitempty" db:"transcript"`

	// DurationSeconds is the call duration in seconds.
	// Keep as an int for JSON friendliness; store as INT in Postgres.
	DurationSeconds int `json:"duration" db:"duration"`

	Sentiment            string `json:"sentiment,omitempty" db:"sentiment"`
	AppointmentConfirmed bool   `json:"appointment_confirmed" db:"appointment_confirmed"`
	RequestedCallback    bool   `json:"requested_callback" db:"requested_callback"`
	Summary              string `json:"summary,omitempty" db:"summary"`

	// StructuredOutput is the raw post-call analysis verdict as JSON.
	StructuredOutput json.RawMessage `json:"structured_output,omitempty" db:"structured_output"`

	RetryCount int `json:"retry_count" db:"retry_count"`

	// StateMetadata carries the metadata recorded with the latest transition.
	StateMetadata json.RawMessage `json:"state_metadata,omitempty" db:"state_metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type State string

const (
	StateScheduled         State = "scheduled"
	StateQueued            State = "queued"
	StateInProgress        State = "in_progress"
	StateAwaitingResponse  State = "awaiting_response"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateRequiresFollowup  State = "requires_followup"
)

// AnalysisUpdate is the set of fields written by the post-call stage.
type AnalysisUpdate struct {
	Transcript           string
	DurationSeconds      int
	Sentiment            string
	AppointmentConfirmed bool
	RequestedCallback    bool
	Summary              string
	StructuredOutput     json.RawMessage
}
