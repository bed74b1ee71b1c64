package campaigns

import "time"

// Campaign groups patients under one outreach objective.

type Campaign struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`

	Name string `json:"name" db:"name"`

	// Goal is the campaign objective handed to the decision engine,
	// e.g. "confirm appointment".
	Goal string `json:"goal" db:"goal"`

	// PromptTemplate is the base system prompt; patient context is
	// layered on top of it per call.
	PromptTemplate string `json:"prompt_template,omitempty" db:"prompt_template"`

	// GreetingScript may contain a {name} placeholder.
	GreetingScript string `json:"greeting_script,omitempty" db:"greeting_script"`

	Status Status `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)
