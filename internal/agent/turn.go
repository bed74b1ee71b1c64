package agent

import (
	"context"
	"errors"

	"outreach-platform/internal/llm"
)

// Mid-call turn decisions. Two deterministic overrides bracket the
// model call: the emergency override runs before it and always wins;
// the farewell override runs after it and converts a model "continue"
// into a clean end_call when the patient is clearly saying goodbye.

// RepeatRequest is the canned reply when the model is unreachable and
// nothing in the utterance forces an ending.
const RepeatRequest = "I'm sorry, I didn't quite catch that. Could you say it again?"

type TurnInput struct {
	CampaignGoal   string
	PatientName    string
	PatientContext string
	Summary        string
	RecentTurns    []llm.Turn
	Utterance      string
}

// RealtimeTurn produces the verdict for one flushed patient utterance.
// It never returns an error: every failure path degrades to a safe
// deterministic verdict.
func (e *Engine) RealtimeTurn(ctx context.Context, in TurnInput) llm.TurnDecision {
	if risky, matches := DetectEmergencyRisk(in.Utterance); risky {
		e.log.Info("emergency override fired", "matches", matches)
		// An escalated call cannot still reach the campaign goal.
		return llm.TurnDecision{
			Reply:        EmergencyGuidance,
			Action:       llm.TurnActionTransferHuman,
			GoalStatus:   llm.GoalFailed,
			RiskDetected: true,
			Confidence:   1,
		}
	}

	if e.turns == nil {
		return e.turnFallback(in, errors.New("agent: no turn generator configured"))
	}

	d, err := e.turns.GenerateTurn(ctx, e.model, llm.TurnContext{
		CampaignGoal:   in.CampaignGoal,
		PatientName:    in.PatientName,
		PatientContext: in.PatientContext,
		Summary:        in.Summary,
		RecentTurns:    in.RecentTurns,
		Utterance:      in.Utterance,
	})
	if err != nil {
		return e.turnFallback(in, err)
	}

	if d.Action == llm.TurnActionContinue && IsFarewell(in.Utterance) {
		d.Action = llm.TurnActionEndCall
		d.Reply = ClosingMessage
	}
	return d
}

func (e *Engine) turnFallback(in TurnInput, cause error) llm.TurnDecision {
	// Invalid JSON even after the repair retry ends the call for
	// safety; plain unavailability keeps the conversation alive.
	if errors.Is(cause, llm.ErrInvalidPayload) {
		e.log.Warn("turn decision invalid after repair, ending call", "err", cause)
		return llm.TurnDecision{
			Reply:      ClosingMessage,
			Action:     llm.TurnActionEndCall,
			GoalStatus: llm.GoalPending,
			Confidence: 0,
		}
	}

	e.log.Warn("turn decision unavailable, using rule fallback", "err", cause)
	if IsFarewell(in.Utterance) {
		return llm.TurnDecision{
			Reply:      ClosingMessage,
			Action:     llm.TurnActionEndCall,
			GoalStatus: llm.GoalPending,
			Confidence: 0,
		}
	}
	return llm.TurnDecision{
		Reply:      RepeatRequest,
		Action:     llm.TurnActionContinue,
		GoalStatus: llm.GoalPending,
		Confidence: 0,
	}
}
