package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// The three decision surfaces share one generate-validate-repair shape:
// build the prompt, call the model, validate against the surface's
// schema, and on an invalid payload retry exactly once with an explicit
// repair instruction before failing.

const repairInstruction = "\n\nYour previous output was invalid. Return ONLY valid JSON."

// Turn is one conversation entry as fed into prompts.
type Turn struct {
	Role string `json:"role"` // "patient" or "assistant"
	Text string `json:"text"`
}

func FormatTurns(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		if t.Role == "patient" {
			b.WriteString("Patient: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(t.Text)
	}
	return b.String()
}

type TurnContext struct {
	CampaignGoal   string
	PatientName    string
	PatientContext string
	Summary        string
	RecentTurns    []Turn
	Utterance      string
}

type DecisionContext struct {
	Transcript   string
	TurnCount    int
	PatientName  string
	CampaignGoal string
}

type AnalysisContext struct {
	Transcript   string
	PatientName  string
	CampaignGoal string
	TurnCount    int
}

func (c *Client) generateValidated(ctx context.Context, model, prompt string, parse func(string) error) error {
	raw, err := c.Generate(ctx, model, prompt, GenerateOptions{Temperature: 0.2})
	if err != nil {
		return err
	}
	if parseErr := parse(raw); parseErr != nil {
		if !errors.Is(parseErr, ErrInvalidPayload) {
			return parseErr
		}
		c.log.Warn("model output failed validation, retrying once", "model", model, "err", parseErr)
		raw, err = c.Generate(ctx, model, prompt+repairInstruction, GenerateOptions{Temperature: 0.1})
		if err != nil {
			return err
		}
		if parseErr := parse(raw); parseErr != nil {
			return fmt.Errorf("llm: repair retry failed: %w", parseErr)
		}
	}
	return nil
}

// GenerateTurn produces the mid-call verdict for the latest utterance.
func (c *Client) GenerateTurn(ctx context.Context, model string, in TurnContext) (TurnDecision, error) {
	prompt := buildTurnPrompt(in)
	var d TurnDecision
	err := c.generateValidated(ctx, model, prompt, func(raw string) error {
		var perr error
		d, perr = ParseTurnDecision(raw)
		return perr
	})
	if err != nil {
		return TurnDecision{}, err
	}
	return d, nil
}

// GenerateDecision produces the orchestration-level action verdict.
func (c *Client) GenerateDecision(ctx context.Context, model string, in DecisionContext) (ActionDecision, error) {
	prompt := buildDecisionPrompt(in)
	var d ActionDecision
	err := c.generateValidated(ctx, model, prompt, func(raw string) error {
		var perr error
		d, perr = ParseActionDecision(raw)
		return perr
	})
	if err != nil {
		return ActionDecision{}, err
	}
	return d, nil
}

// GenerateAnalysis produces the post-call structured verdict.
func (c *Client) GenerateAnalysis(ctx context.Context, model string, in AnalysisContext) (Analysis, error) {
	prompt := buildAnalysisPrompt(in)
	var a Analysis
	err := c.generateValidated(ctx, model, prompt, func(raw string) error {
		var perr error
		a, perr = ParseAnalysis(raw)
		return perr
	})
	if err != nil {
		return Analysis{}, err
	}
	return a, nil
}

func buildTurnPrompt(in TurnContext) string {
	var b strings.Builder
	b.WriteString("You are a healthcare outreach assistant on a live phone call.\n")
	fmt.Fprintf(&b, "Campaign goal: %s\n", in.CampaignGoal)
	fmt.Fprintf(&b, "Patient: %s\n", in.PatientName)
	if in.PatientContext != "" {
		fmt.Fprintf(&b, "Patient context: %s\n", in.PatientContext)
	}
	if in.Summary != "" {
		fmt.Fprintf(&b, "Conversation so far (summary): %s\n", in.Summary)
	}
	if len(in.RecentTurns) > 0 {
		b.WriteString("Recent turns:\n")
		b.WriteString(FormatTurns(in.RecentTurns))
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "The patient just said: %q\n\n", in.Utterance)
	b.WriteString("Reply in 1-2 short natural sentences, then decide what happens next.\n")
	b.WriteString(`Return ONLY a JSON object: {"reply": string, "action": "continue"|"end_call"|"transfer_human", "goal_status": "pending"|"achieved"|"failed", "risk_detected": boolean, "confidence": number between 0 and 1}`)
	return b.String()
}

func buildDecisionPrompt(in DecisionContext) string {
	var b strings.Builder
	b.WriteString("You orchestrate an automated patient outreach call.\n")
	fmt.Fprintf(&b, "Campaign goal: %s\n", in.CampaignGoal)
	fmt.Fprintf(&b, "Patient: %s\n", in.PatientName)
	fmt.Fprintf(&b, "Turn count: %d\n", in.TurnCount)
	fmt.Fprintf(&b, "Transcript so far:\n%s\n\n", in.Transcript)
	b.WriteString("Pick the next action for the assistant.\n")
	b.WriteString(`Return ONLY a JSON object: {"action": "generate_response"|"schedule_followup"|"end_call"|"transfer_human"|"collect_info", "reason": string, "message": string}`)
	return b.String()
}

func buildAnalysisPrompt(in AnalysisContext) string {
	var b strings.Builder
	b.WriteString("Analyze this completed automated outreach call.\n")
	fmt.Fprintf(&b, "Campaign goal: %s\n", in.CampaignGoal)
	fmt.Fprintf(&b, "Patient: %s\n", in.PatientName)
	fmt.Fprintf(&b, "Turns: %d\n", in.TurnCount)
	fmt.Fprintf(&b, "Transcript:\n%s\n\n", in.Transcript)
	b.WriteString("Be strict: only report the goal achieved or the appointment confirmed when the patient explicitly said so.\n")
	b.WriteString(`Return ONLY a JSON object: {"summary": string, "campaign_goal_achieved": boolean, "appointment_confirmed": boolean, "confirmed_date": string|null, "confirmed_time": string|null, "sentiment": "positive"|"neutral"|"negative", "risk_level": "low"|"medium"|"high", "risk_flags": [string], "requires_manual_followup": boolean, "followup_reason": string|null, "priority": "low"|"medium"|"high"}`)
	return b.String()
}
