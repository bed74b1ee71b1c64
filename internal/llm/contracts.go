package llm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Model output crosses a trust boundary: every decision surface has a
// strict schema, and payloads that fail validation are a distinct error
// kind (ErrInvalidPayload) so callers can run the one repair retry.
// Beyond the documented clamps nothing is coerced.

var ErrInvalidPayload = errors.New("llm: invalid decision payload")

const (
	TurnActionContinue      = "continue"
	TurnActionEndCall       = "end_call"
	TurnActionTransferHuman = "transfer_human"

	GoalPending  = "pending"
	GoalAchieved = "achieved"
	GoalFailed   = "failed"
)

// TurnDecision is the mid-call verdict for one patient utterance.
type TurnDecision struct {
	Reply        string  `json:"reply"`
	Action       string  `json:"action"`
	GoalStatus   string  `json:"goal_status"`
	RiskDetected bool    `json:"risk_detected"`
	Confidence   float64 `json:"confidence"`
}

// ActionDecision is the orchestration-level verdict over a whole
// transcript.
type ActionDecision struct {
	Action  string `json:"action"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Analysis is the post-call structured verdict.
type Analysis struct {
	Summary                string   `json:"summary"`
	CampaignGoalAchieved   bool     `json:"campaign_goal_achieved"`
	AppointmentConfirmed   bool     `json:"appointment_confirmed"`
	ConfirmedDate          *string  `json:"confirmed_date"`
	ConfirmedTime          *string  `json:"confirmed_time"`
	Sentiment              string   `json:"sentiment"`
	RiskLevel              string   `json:"risk_level"`
	RiskFlags              []string `json:"risk_flags"`
	RequiresManualFollowup bool     `json:"requires_manual_followup"`
	FollowupReason         *string  `json:"followup_reason"`
	Priority               string   `json:"priority"`
}

var turnSchema = jsonschema.MustCompileString("turn_decision.json", `{
	"type": "object",
	"required": ["reply", "action", "goal_status", "risk_detected", "confidence"],
	"properties": {
		"reply": {"type": "string"},
		"action": {"enum": ["continue", "end_call", "transfer_human"]},
		"goal_status": {"enum": ["pending", "achieved", "failed"]},
		"risk_detected": {"type": "boolean"},
		"confidence": {"type": "number"}
	}
}`)

var actionSchema = jsonschema.MustCompileString("action_decision.json", `{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"enum": ["generate_response", "schedule_followup", "end_call", "transfer_human", "collect_info"]},
		"reason": {"type": "string"},
		"message": {"type": "string"}
	}
}`)

var analysisSchema = jsonschema.MustCompileString("analysis.json", `{
	"type": "object",
	"required": ["summary", "campaign_goal_achieved", "appointment_confirmed", "sentiment", "risk_level", "risk_flags", "requires_manual_followup", "priority"],
	"properties": {
		"summary": {"type": "string"},
		"campaign_goal_achieved": {"type": "boolean"},
		"appointment_confirmed": {"type": "boolean"},
		"confirmed_date": {"type": ["string", "null"]},
		"confirmed_time": {"type": ["string", "null"]},
		"sentiment": {"enum": ["positive", "neutral", "negative"]},
		"risk_level": {"enum": ["low", "medium", "high"]},
		"risk_flags": {"type": "array", "items": {"type": "string"}},
		"requires_manual_followup": {"type": "boolean"},
		"followup_reason": {"type": ["string", "null"]},
		"priority": {"enum": ["low", "medium", "high"]}
	}
}`)

func validateAgainst(schema *jsonschema.Schema, raw string) (string, error) {
	obj, err := ExtractJSONObject(raw)
	if err != nil {
		return "", err
	}
	var v any
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return obj, nil
}

// ParseTurnDecision validates and decodes a realtime turn verdict,
// clamping confidence into [0, 1].
func ParseTurnDecision(raw string) (TurnDecision, error) {
	obj, err := validateAgainst(turnSchema, raw)
	if err != nil {
		return TurnDecision{}, err
	}
	var d TurnDecision
	if err := json.Unmarshal([]byte(obj), &d); err != nil {
		return TurnDecision{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	return d, nil
}

func ParseActionDecision(raw string) (ActionDecision, error) {
	obj, err := validateAgainst(actionSchema, raw)
	if err != nil {
		return ActionDecision{}, err
	}
	var d ActionDecision
	if err := json.Unmarshal([]byte(obj), &d); err != nil {
		return ActionDecision{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return d, nil
}

func ParseAnalysis(raw string) (Analysis, error) {
	obj, err := validateAgainst(analysisSchema, raw)
	if err != nil {
		return Analysis{}, err
	}
	var a Analysis
	if err := json.Unmarshal([]byte(obj), &a); err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if a.RiskFlags == nil {
		a.RiskFlags = []string{}
	}
	return a, nil
}
