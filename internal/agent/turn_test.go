package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"outreach-platform/internal/llm"
)

func TestRealtimeTurn_EmergencyOverrideAlwaysWins(t *testing.T) {
	// Even a turn generator in a failing state must never be consulted.
	e := NewEngine(DefaultConfig(), nil, stubTurns{err: fmt.Errorf("unreachable")}, "rt", nil, nil, nil)

	d := e.RealtimeTurn(context.Background(), TurnInput{Utterance: "I'm having chest pain"})
	if d.Action != llm.TurnActionTransferHuman {
		t.Fatalf("expected transfer_human, got %q", d.Action)
	}
	if !d.RiskDetected {
		t.Fatalf("expected risk_detected")
	}
	if d.Reply != EmergencyGuidance {
		t.Fatalf("expected canned guidance, got %q", d.Reply)
	}
	if d.GoalStatus != llm.GoalFailed {
		t.Fatalf("escalation must fail the campaign goal, got %q", d.GoalStatus)
	}
}

func TestRealtimeTurn_FarewellOverrideAfterModel(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, stubTurns{d: llm.TurnDecision{
		Reply: "Anything else I can help with?", Action: llm.TurnActionContinue, GoalStatus: llm.GoalAchieved, Confidence: 0.9,
	}}, "rt", nil, nil, nil)

	d := e.RealtimeTurn(context.Background(), TurnInput{Utterance: "that's all, gotta go"})
	if d.Action != llm.TurnActionEndCall {
		t.Fatalf("expected farewell to force end_call, got %q", d.Action)
	}
	if d.GoalStatus != llm.GoalAchieved {
		t.Fatalf("goal status should survive the override, got %q", d.GoalStatus)
	}
}

func TestRealtimeTurn_InvalidPayloadEndsCall(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, stubTurns{err: fmt.Errorf("wrap: %w", llm.ErrInvalidPayload)}, "rt", nil, nil, nil)

	d := e.RealtimeTurn(context.Background(), TurnInput{Utterance: "what do you mean"})
	if d.Action != llm.TurnActionEndCall {
		t.Fatalf("expected end_call after failed repair, got %q", d.Action)
	}
}

func TestRealtimeTurn_UnreachableModelKeepsTalking(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, stubTurns{err: fmt.Errorf("wrap: %w", llm.ErrUnavailable)}, "rt", nil, nil, nil)

	d := e.RealtimeTurn(context.Background(), TurnInput{Utterance: "Tuesday should work"})
	if d.Action != llm.TurnActionContinue {
		t.Fatalf("expected continue from fallback, got %q", d.Action)
	}
	if d.Reply != RepeatRequest {
		t.Fatalf("expected repeat request, got %q", d.Reply)
	}

	d = e.RealtimeTurn(context.Background(), TurnInput{Utterance: "okay goodbye now"})
	if d.Action != llm.TurnActionEndCall {
		t.Fatalf("expected farewell fallback to end the call, got %q", d.Action)
	}
}

func TestSlidingWindow_CompactsOlderTurns(t *testing.T) {
	var turns []llm.Turn
	for i := 0; i < 16; i++ {
		role := "patient"
		if i%2 == 1 {
			role = "assistant"
		}
		turns = append(turns, llm.Turn{Role: role, Text: fmt.Sprintf("turn %d", i)})
	}

	summary, recent := SlidingWindow(turns, "")
	if len(recent) != 10 {
		t.Fatalf("expected 10 recent turns, got %d", len(recent))
	}
	if recent[0].Text != "turn 6" {
		t.Fatalf("expected window to start at turn 6, got %q", recent[0].Text)
	}
	if summary == "" {
		t.Fatalf("expected older turns folded into summary")
	}
	if len(summary) > 900 {
		t.Fatalf("summary exceeds cap: %d", len(summary))
	}
}

func TestSlidingWindow_RepeatedCallsDoNotDuplicateSummary(t *testing.T) {
	var turns []llm.Turn
	for i := 0; i < 16; i++ {
		turns = append(turns, llm.Turn{Role: "patient", Text: fmt.Sprintf("turn %d", i)})
	}

	summary := ""
	for i := 0; i < 5; i++ {
		summary, _ = SlidingWindow(turns, summary)
	}
	once, _ := SlidingWindow(turns, "")
	if summary != once {
		t.Fatalf("summary grew across calls on an unchanged conversation:\n%q\nvs\n%q", summary, once)
	}
	if n := strings.Count(summary, "turn 0"); n != 1 {
		t.Fatalf("oldest turn folded %d times, want once", n)
	}
}

func TestSlidingWindow_ShortConversationUntouched(t *testing.T) {
	turns := []llm.Turn{{Role: "patient", Text: "hi"}, {Role: "assistant", Text: "hello"}}
	summary, recent := SlidingWindow(turns, "prior")
	if summary != "prior" {
		t.Fatalf("expected summary unchanged, got %q", summary)
	}
	if len(recent) != 2 {
		t.Fatalf("expected all turns returned, got %d", len(recent))
	}
}
