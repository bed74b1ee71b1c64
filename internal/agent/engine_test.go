package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/llm"
	"outreach-platform/internal/patients"
)

type stubDecider struct {
	d   llm.ActionDecision
	err error
}

func (s stubDecider) GenerateDecision(ctx context.Context, model string, in llm.DecisionContext) (llm.ActionDecision, error) {
	return s.d, s.err
}

type stubTurns struct {
	d   llm.TurnDecision
	err error
}

func (s stubTurns) GenerateTurn(ctx context.Context, model string, in llm.TurnContext) (llm.TurnDecision, error) {
	return s.d, s.err
}

func seedPatient(t *testing.T, repo *patients.MemoryRepo, md map[string]string) patients.Patient {
	t.Helper()
	p, err := repo.Create(context.Background(), patients.Patient{
		OrganizationID: "org", Name: "Ana Silva", Phone: "+15550100", Metadata: md,
	})
	if err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return p
}

func TestDecide_MaxTurnsBypassesModel(t *testing.T) {
	// A decider that would keep the conversation going.
	e := NewEngine(DefaultConfig(), stubDecider{d: llm.ActionDecision{Action: "generate_response"}}, nil, "rt", nil, nil, nil)

	got := e.Decide(context.Background(), DecideInput{CallID: "c", Transcript: "Patient: hello", TurnCount: 10})
	if got.Action != ActionEndCall {
		t.Fatalf("expected end_call at the turn cap, got %q", got.Action)
	}
	if got.Reason != "max_turns_reached" {
		t.Fatalf("unexpected reason %q", got.Reason)
	}
}

func TestDecide_ModelFirstMapsActions(t *testing.T) {
	e := NewEngine(DefaultConfig(), stubDecider{d: llm.ActionDecision{Action: "transfer_human", Reason: "asked for a nurse"}}, nil, "rt", nil, nil, nil)

	got := e.Decide(context.Background(), DecideInput{Transcript: "Patient: I want to speak to a nurse", TurnCount: 2})
	if got.Action != ActionTransferHuman {
		t.Fatalf("expected transfer_human, got %q", got.Action)
	}
	if got.Reason != "asked for a nurse" {
		t.Fatalf("unexpected reason %q", got.Reason)
	}
}

func TestDecide_CascadeBarrierBeatsEndKeyword(t *testing.T) {
	e := NewEngine(DefaultConfig(), stubDecider{err: errors.New("down")}, nil, "rt", nil, nil, nil)

	got := e.Decide(context.Background(), DecideInput{
		Transcript: "Patient: I can't afford the copay, goodbye",
		TurnCount:  2,
	})
	if got.Action != ActionScheduleFollowup {
		t.Fatalf("expected schedule_followup for barrier, got %q", got.Action)
	}
	if len(got.Barriers) == 0 || got.Barriers[0].Type != BarrierFinancial {
		t.Fatalf("expected financial barrier, got %+v", got.Barriers)
	}
}

func TestDecide_CascadeEndAndFollowupKeywords(t *testing.T) {
	e := NewEngine(DefaultConfig(), stubDecider{err: errors.New("down")}, nil, "rt", nil, nil, nil)

	got := e.Decide(context.Background(), DecideInput{Transcript: "Patient: stop calling me", TurnCount: 1})
	if got.Action != ActionEndCall {
		t.Fatalf("expected end_call on end keyword, got %q", got.Action)
	}

	got = e.Decide(context.Background(), DecideInput{Transcript: "Patient: please call me later", TurnCount: 1})
	if got.Action != ActionScheduleFollowup {
		t.Fatalf("expected schedule_followup on followup keyword, got %q", got.Action)
	}
}

func TestDecide_CascadeDefaultsToContextualResponse(t *testing.T) {
	patientRepo := patients.NewMemoryRepo()
	p := seedPatient(t, patientRepo, map[string]string{
		"appointment_date": "2026-09-02",
		"appointment_time": "10:30",
		"age":              "71",
		"previous_no_show": "true",
	})

	e := NewEngine(DefaultConfig(), stubDecider{err: errors.New("down")}, nil, "rt", patientRepo, nil, nil)
	got := e.Decide(context.Background(), DecideInput{PatientID: p.ID, Transcript: "Patient: hello there", TurnCount: 1})
	if got.Action != ActionGenerateResponse {
		t.Fatalf("expected generate_response, got %q", got.Action)
	}
	for _, want := range []string{"Ana Silva", "2026-09-02", "10:30", "slowly", "missed an appointment"} {
		if !strings.Contains(got.PromptTemplate, want) {
			t.Fatalf("contextual prompt missing %q:\n%s", want, got.PromptTemplate)
		}
	}
}

func TestGreeting_UsesCampaignScript(t *testing.T) {
	patientRepo := patients.NewMemoryRepo()
	campaignRepo := campaigns.NewMemoryRepo()
	c, _ := campaignRepo.Create(context.Background(), campaigns.Campaign{
		OrganizationID: "org",
		Name:           "reminders",
		GreetingScript: "Hi {name}, calling about your visit.",
	})
	p, _ := patientRepo.Create(context.Background(), patients.Patient{
		OrganizationID: "org", CampaignID: c.ID, Name: "Ana Silva",
	})

	e := NewEngine(DefaultConfig(), nil, nil, "rt", patientRepo, campaignRepo, nil)
	got, err := e.Greeting(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if got != "Hi Ana Silva, calling about your visit." {
		t.Fatalf("unexpected greeting %q", got)
	}
}

func TestDetectBarriers_KeywordsAndPatientRecord(t *testing.T) {
	p := patients.Patient{Metadata: map[string]string{"known_barriers": "transportation"}}
	got := DetectBarriers("I have no money for the bus and I don't understand the form", &p)

	types := map[BarrierType]bool{}
	for _, b := range got {
		types[b.Type] = true
	}
	for _, want := range []BarrierType{BarrierFinancial, BarrierTransportation, BarrierLanguage} {
		if !types[want] {
			t.Fatalf("expected %s barrier, got %+v", want, got)
		}
	}
}
