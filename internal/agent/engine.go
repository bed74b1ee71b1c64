package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/llm"
	"outreach-platform/internal/patients"
)

// Engine converts conversation state into the next action. The model is
// tried first; a deterministic rule cascade backs it so a dead model
// degrades the conversation, never the safety behavior.

type Action string

const (
	ActionGenerateResponse Action = "generate_response"
	ActionScheduleFollowup Action = "schedule_followup"
	ActionEndCall          Action = "end_call"
	ActionTransferHuman    Action = "transfer_human"
	ActionCollectInfo      Action = "collect_info"
)

// ClosingMessage is the canned line used for forced end_call verdicts.
const ClosingMessage = "Thank you for your time. Have a great day. Goodbye!"

type Config struct {
	MaxTurns         int
	EndKeywords      []string
	FollowupKeywords []string
}

func DefaultConfig() Config {
	return Config{
		MaxTurns:         10,
		EndKeywords:      []string{"goodbye", "bye", "stop calling", "not interested", "remove me"},
		FollowupKeywords: []string{"call back", "call me later", "speak to someone", "talk to a person", "human"},
	}
}

type Decision struct {
	Action         Action    `json:"action"`
	Reason         string    `json:"reason"`
	Message        string    `json:"message,omitempty"`
	Barriers       []Barrier `json:"barriers,omitempty"`
	PromptTemplate string    `json:"prompt_template,omitempty"`
}

type DecideInput struct {
	CallID     string
	PatientID  string
	Transcript string
	TurnCount  int
}

// Decider is the model surface for orchestration-level decisions.
type Decider interface {
	GenerateDecision(ctx context.Context, model string, in llm.DecisionContext) (llm.ActionDecision, error)
}

// TurnGenerator is the model surface for mid-call turn decisions.
type TurnGenerator interface {
	GenerateTurn(ctx context.Context, model string, in llm.TurnContext) (llm.TurnDecision, error)
}

type Engine struct {
	cfg       Config
	decider   Decider
	turns     TurnGenerator
	model     string
	patients  patients.Repository
	campaigns campaigns.Repository
	log       *slog.Logger
}

func NewEngine(cfg Config, decider Decider, turns TurnGenerator, model string, patientRepo patients.Repository, campaignRepo campaigns.Repository, log *slog.Logger) *Engine {
	if cfg.MaxTurns <= 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		decider:   decider,
		turns:     turns,
		model:     model,
		patients:  patientRepo,
		campaigns: campaignRepo,
		log:       log,
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Decide picks the next orchestration action for the call.
func (e *Engine) Decide(ctx context.Context, in DecideInput) Decision {
	patient := e.lookupPatient(ctx, in.PatientID)
	campaign := e.lookupCampaign(ctx, patient)

	// Hard guardrail: the turn cap bypasses the model unconditionally.
	if in.TurnCount >= e.cfg.MaxTurns {
		return Decision{Action: ActionEndCall, Reason: "max_turns_reached", Message: ClosingMessage}
	}

	if e.decider != nil {
		d, err := e.decider.GenerateDecision(ctx, e.model, llm.DecisionContext{
			Transcript:   in.Transcript,
			TurnCount:    in.TurnCount,
			PatientName:  patientName(patient),
			CampaignGoal: campaignGoal(campaign),
		})
		if err == nil {
			if out, ok := e.mapModelAction(ctx, d, in, patient, campaign); ok {
				return out
			}
			e.log.Warn("model returned unmapped action, using rule cascade", "call_id", in.CallID, "action", d.Action)
		} else {
			e.log.Warn("model decision failed, using rule cascade", "call_id", in.CallID, "err", err)
		}
	}

	return e.ruleCascade(in, patient, campaign)
}

func (e *Engine) mapModelAction(ctx context.Context, d llm.ActionDecision, in DecideInput, patient *patients.Patient, campaign *campaigns.Campaign) (Decision, bool) {
	switch Action(d.Action) {
	case ActionScheduleFollowup, ActionTransferHuman:
		return Decision{
			Action:   Action(d.Action),
			Reason:   orDefault(d.Reason, "model_decision"),
			Message:  d.Message,
			Barriers: DetectBarriers(in.Transcript, patient),
		}, true
	case ActionEndCall:
		return Decision{Action: ActionEndCall, Reason: orDefault(d.Reason, "model_decision"), Message: d.Message}, true
	case ActionCollectInfo:
		return Decision{Action: ActionCollectInfo, Reason: orDefault(d.Reason, "model_decision"), Message: d.Message}, true
	case ActionGenerateResponse:
		return Decision{
			Action:         ActionGenerateResponse,
			Reason:         orDefault(d.Reason, "model_decision"),
			PromptTemplate: e.BuildContextualPrompt(patient, campaign),
		}, true
	default:
		return Decision{}, false
	}
}

// ruleCascade runs in strict priority order: barriers, end keywords,
// follow-up keywords, turn cap, then a contextual response.
func (e *Engine) ruleCascade(in DecideInput, patient *patients.Patient, campaign *campaigns.Campaign) Decision {
	if barriers := DetectBarriers(in.Transcript, patient); len(barriers) > 0 {
		return Decision{Action: ActionScheduleFollowup, Reason: "barrier_detected", Barriers: barriers}
	}
	if matchesAny(in.Transcript, e.cfg.EndKeywords) {
		return Decision{Action: ActionEndCall, Reason: "end_keyword", Message: ClosingMessage}
	}
	if matchesAny(in.Transcript, e.cfg.FollowupKeywords) {
		return Decision{Action: ActionScheduleFollowup, Reason: "followup_keyword"}
	}
	if in.TurnCount >= e.cfg.MaxTurns {
		return Decision{Action: ActionEndCall, Reason: "max_turns_reached", Message: ClosingMessage}
	}
	return Decision{
		Action:         ActionGenerateResponse,
		Reason:         "continue_conversation",
		PromptTemplate: e.BuildContextualPrompt(patient, campaign),
	}
}

// Greeting renders the campaign greeting script for a patient.
func (e *Engine) Greeting(ctx context.Context, patientID string) (string, error) {
	patient := e.lookupPatient(ctx, patientID)
	campaign := e.lookupCampaign(ctx, patient)

	script := "Hello {name}, this is an automated call from your healthcare provider about your upcoming appointment. Do you have a moment?"
	if campaign != nil && campaign.GreetingScript != "" {
		script = campaign.GreetingScript
	}
	return strings.ReplaceAll(script, "{name}", patientName(patient)), nil
}

// BuildContextualPrompt layers patient metadata onto the campaign's
// base prompt template.
func (e *Engine) BuildContextualPrompt(patient *patients.Patient, campaign *campaigns.Campaign) string {
	base := "You are a friendly healthcare assistant. Keep responses brief and natural. Respond in 1-2 short sentences."
	if campaign != nil && campaign.PromptTemplate != "" {
		base = campaign.PromptTemplate
	}

	var b strings.Builder
	b.WriteString(base)
	if patient == nil {
		return b.String()
	}

	fmt.Fprintf(&b, "\nYou are speaking with %s.", patient.Name)
	md := patient.Metadata
	if d := md["appointment_date"]; d != "" {
		fmt.Fprintf(&b, "\nTheir appointment is on %s", d)
		if tm := md["appointment_time"]; tm != "" {
			fmt.Fprintf(&b, " at %s", tm)
		}
		if typ := md["appointment_type"]; typ != "" {
			fmt.Fprintf(&b, " (%s)", typ)
		}
		b.WriteString(".")
	}
	if age, err := strconv.Atoi(md["age"]); err == nil && age >= 65 {
		b.WriteString("\nSpeak slowly and clearly, and offer to repeat information.")
	}
	if lang := md["preferred_language"]; lang != "" && !strings.EqualFold(lang, "english") {
		fmt.Fprintf(&b, "\nThe patient prefers %s; use simple wording and short sentences.", lang)
	}
	if md["previous_no_show"] == "true" {
		b.WriteString("\nThe patient has missed an appointment before; gently stress how important attending is.")
	}
	if kb := md["known_barriers"]; kb != "" {
		fmt.Fprintf(&b, "\nKnown barriers to attendance: %s. Acknowledge them and offer help.", kb)
	}
	return b.String()
}

func (e *Engine) lookupPatient(ctx context.Context, id string) *patients.Patient {
	if e.patients == nil || id == "" {
		return nil
	}
	p, err := e.patients.Get(ctx, id)
	if err != nil {
		e.log.Debug("patient lookup failed", "patient_id", id, "err", err)
		return nil
	}
	return &p
}

func (e *Engine) lookupCampaign(ctx context.Context, patient *patients.Patient) *campaigns.Campaign {
	if e.campaigns == nil || patient == nil || patient.CampaignID == "" {
		return nil
	}
	c, err := e.campaigns.Get(ctx, patient.CampaignID)
	if err != nil {
		e.log.Debug("campaign lookup failed", "campaign_id", patient.CampaignID, "err", err)
		return nil
	}
	return &c
}

func patientName(p *patients.Patient) string {
	if p == nil || p.Name == "" {
		return "the patient"
	}
	return p.Name
}

func campaignGoal(c *campaigns.Campaign) string {
	if c == nil || c.Goal == "" {
		return "confirm the patient's upcoming appointment"
	}
	return c.Goal
}

func matchesAny(text string, keywords []string) bool {
	t := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(t, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
