package events

import "time"

// Event is an immutable, append-only domain event record.
//
// Invariants:
// - Events are never updated or deleted.
// - organization_id is required for tenancy isolation; the bus resolves
//   it from the payload or from the referenced call before appending.
// - Emission is best-effort; pipeline steps never fail because an event
//   could not be published or persisted.

type Event struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	CallID         string    `json:"call_id,omitempty" db:"call_id"`
	Type           Type      `json:"type" db:"type"`
	Payload        Payload   `json:"payload" db:"payload"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Payload is the free-form event body. Well-known keys: call_id,
// patient_id, campaign_id, organization_id.
type Payload map[string]any

// Type is the closed set of domain events the platform produces.
type Type string

const (
	TypeCallQueued            Type = "call.queued"
	TypeCallRinging           Type = "call.ringing"
	TypeCallStarted           Type = "call.started"
	TypeCallTranscribed       Type = "call.transcribed"
	TypeCallResponseGenerated Type = "call.response.generated"
	TypeCallCompleted         Type = "call.completed"
	TypeCallEscalated         Type = "call.escalated"
	TypeCallFailed            Type = "call.failed"
	TypeCallAnalysisCompleted Type = "call.analysis.completed"
	TypeCallRetryScheduled    Type = "call.retry.scheduled"
)

func (p Payload) str(key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}
