package postcall

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"outreach-platform/internal/calls"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/events"
	"outreach-platform/internal/llm"
	"outreach-platform/internal/modelruntime"
	"outreach-platform/internal/patients"
)

type stubAnalyzer struct {
	mu    sync.Mutex
	a     llm.Analysis
	err   error
	calls int
}

func (s *stubAnalyzer) GenerateAnalysis(ctx context.Context, model string, in llm.AnalysisContext) (llm.Analysis, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.a, s.err
}

func (s *stubAnalyzer) invocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubModelClient struct{}

func (stubModelClient) Warm(ctx context.Context, model string) error   { return nil }
func (stubModelClient) Unload(ctx context.Context, model string) error { return nil }

type fixture struct {
	pipeline *Pipeline
	analyzer *stubAnalyzer
	callRepo *calls.MemoryRepo
	patients *patients.MemoryRepo
	runtime  *modelruntime.Manager
	store    *events.MemoryStore
}

func newFixture(t *testing.T, analyzer *stubAnalyzer) *fixture {
	t.Helper()
	callRepo := calls.NewMemoryRepo()
	patientRepo := patients.NewMemoryRepo()
	campaignRepo := campaigns.NewMemoryRepo()
	campaignSvc := campaigns.NewService(campaignRepo, patientRepo, nil)
	machine := calls.NewStateMachine(callRepo, nil)
	store := events.NewMemoryStore()
	bus := events.NewBus(events.NewLoopbackTransport(), store, nil, nil)
	runtime := modelruntime.NewManager(stubModelClient{}, modelruntime.Config{
		RealtimeModel: "rt-model",
		AnalysisModel: "an-model",
	}, nil)
	t.Cleanup(runtime.Close)

	p := NewPipeline(Config{AnalysisModel: "an-model"}, runtime, analyzer, callRepo, machine, patientRepo, campaignRepo, campaignSvc, bus, nil)
	return &fixture{pipeline: p, analyzer: analyzer, callRepo: callRepo, patients: patientRepo, runtime: runtime, store: store}
}

func (fx *fixture) seedCall(t *testing.T, transcript string) calls.Call {
	t.Helper()
	ctx := context.Background()
	p, err := fx.patients.Create(ctx, patients.Patient{
		OrganizationID: "org-1",
		Name:           "Dana",
		Phone:          "+15550100",
		Status:         patients.StatusCalling,
	})
	if err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	call, err := fx.callRepo.Create(ctx, calls.Call{
		OrganizationID: "org-1",
		PatientID:      p.ID,
		State:          calls.StateCompleted,
		Transcript:     transcript,
	})
	if err != nil {
		t.Fatalf("seed call: %v", err)
	}
	return call
}

const goodTranscript = "Assistant: Hello Dana, calling about your appointment.\n" +
	"Patient: Yes, I can make it on Tuesday. Sounds good.\n" +
	"Assistant: Wonderful, see you then."

func TestProcessPersistsVerdictAndSettlesCompleted(t *testing.T) {
	analyzer := &stubAnalyzer{a: llm.Analysis{
		Summary:              "Patient confirmed the Tuesday appointment.",
		CampaignGoalAchieved: true,
		AppointmentConfirmed: true,
		Sentiment:            "positive",
		RiskLevel:            "low",
		Priority:             "low",
	}}
	fx := newFixture(t, analyzer)
	call := fx.seedCall(t, goodTranscript)

	if err := fx.pipeline.Process(context.Background(), call.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := fx.callRepo.Get(context.Background(), call.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.State != calls.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if got.Sentiment != "positive" || !got.AppointmentConfirmed {
		t.Fatalf("verdict not persisted: %+v", got)
	}
	if len(got.StructuredOutput) == 0 {
		t.Fatal("structured output not persisted")
	}

	p, _ := fx.patients.Get(context.Background(), got.PatientID)
	if p.Status != patients.StatusCompleted {
		t.Fatalf("patient status = %s, want completed", p.Status)
	}

	if fx.runtime.State().Stage != modelruntime.StageNone {
		t.Fatal("analysis lease not released after processing")
	}

	found := false
	for _, e := range fx.store.Events() {
		if e.Type == events.TypeCallAnalysisCompleted {
			found = true
		}
	}
	if !found {
		t.Fatal("expected call.analysis.completed event")
	}
}

func TestProcessShortTranscriptSkipsModel(t *testing.T) {
	analyzer := &stubAnalyzer{}
	fx := newFixture(t, analyzer)
	call := fx.seedCall(t, "Patient: hi")

	if err := fx.pipeline.Process(context.Background(), call.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if analyzer.invocations() != 0 {
		t.Fatal("short transcript must not reach the model")
	}

	got, _ := fx.callRepo.Get(context.Background(), call.ID)
	if got.State != calls.StateRequiresFollowup {
		t.Fatalf("state = %s, want requires_followup", got.State)
	}
	if got.Summary != insufficientDataSummary {
		t.Fatalf("summary = %q", got.Summary)
	}
}

func TestProcessFollowupWhenModelRequiresIt(t *testing.T) {
	reason := "patient asked for a callback"
	analyzer := &stubAnalyzer{a: llm.Analysis{
		Summary:                "Patient wants to be called back.",
		Sentiment:              "neutral",
		RiskLevel:              "low",
		RequiresManualFollowup: true,
		FollowupReason:         &reason,
		Priority:               "medium",
	}}
	fx := newFixture(t, analyzer)
	call := fx.seedCall(t, goodTranscript+"\nPatient: actually, call me back tomorrow please.")

	if err := fx.pipeline.Process(context.Background(), call.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := fx.callRepo.Get(context.Background(), call.ID)
	if got.State != calls.StateRequiresFollowup {
		t.Fatalf("state = %s, want requires_followup", got.State)
	}
	p, _ := fx.patients.Get(context.Background(), got.PatientID)
	if p.Status != patients.StatusFollowupRequired {
		t.Fatalf("patient status = %s, want followup_required", p.Status)
	}
}

func TestProcessAnalysisFailureReleasesLeaseAndEmitsFailure(t *testing.T) {
	analyzer := &stubAnalyzer{err: errors.New("ollama: connection refused")}
	fx := newFixture(t, analyzer)
	call := fx.seedCall(t, goodTranscript)

	if err := fx.pipeline.Process(context.Background(), call.ID); err == nil {
		t.Fatal("expected error from failed analysis")
	}

	if fx.runtime.State().Stage != modelruntime.StageNone {
		t.Fatal("lease must be released even when analysis fails")
	}

	got, err := fx.callRepo.Get(context.Background(), call.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.State != calls.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if !strings.Contains(got.Summary, "Analysis failed:") || !strings.Contains(got.Summary, "connection refused") {
		t.Fatalf("summary = %q, want the analysis error recorded", got.Summary)
	}
	p, _ := fx.patients.Get(context.Background(), got.PatientID)
	if p.Status != patients.StatusFailed {
		t.Fatalf("patient status = %s, want failed", p.Status)
	}

	found := false
	for _, e := range fx.store.Events() {
		if e.Type == events.TypeCallFailed {
			found = true
			if e.Payload["error"] == nil {
				t.Fatal("call.failed event must carry the analysis error")
			}
		}
	}
	if !found {
		t.Fatal("expected call.failed event")
	}
}

func TestProcessWaitsForRealtimeDrain(t *testing.T) {
	analyzer := &stubAnalyzer{a: llm.Analysis{Summary: "ok", Sentiment: "neutral", RiskLevel: "low", Priority: "low"}}
	fx := newFixture(t, analyzer)
	call := fx.seedCall(t, goodTranscript)

	release, err := fx.runtime.AcquireRealtimeSession(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- fx.pipeline.Process(context.Background(), call.ID) }()

	select {
	case err := <-done:
		t.Fatalf("process finished before drain: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("process: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process did not finish after drain")
	}
}

func TestRepairRules(t *testing.T) {
	t.Run("confirmation phrase flips appointment_confirmed", func(t *testing.T) {
		a := repair(llm.Analysis{CampaignGoalAchieved: true, RiskLevel: "low"}, "Patient: yes, sounds good to me", nil)
		if !a.AppointmentConfirmed {
			t.Fatal("expected appointment_confirmed after explicit yes")
		}
		if a.RequiresManualFollowup {
			t.Fatal("confirmed low-risk call should not need manual followup")
		}
	})

	t.Run("barrier forces followup and bumps priority", func(t *testing.T) {
		a := repair(llm.Analysis{Sentiment: "neutral", RiskLevel: "low", Priority: "low"},
			"Patient: I can't afford the visit and I have no ride", nil)
		if !a.RequiresManualFollowup {
			t.Fatal("barrier must force manual followup")
		}
		if a.Priority != "medium" {
			t.Fatalf("priority = %s, want medium", a.Priority)
		}
		if a.FollowupReason == nil || !strings.Contains(*a.FollowupReason, "barrier_detected") {
			t.Fatalf("followup reason = %v", a.FollowupReason)
		}
	})

	t.Run("risk flags block the followup clear", func(t *testing.T) {
		a := repair(llm.Analysis{
			AppointmentConfirmed:   true,
			RiskLevel:              "low",
			RiskFlags:              []string{"confusion"},
			RequiresManualFollowup: true,
		}, "Patient: yes okay", nil)
		if !a.RequiresManualFollowup {
			t.Fatal("risk flags must keep manual followup set")
		}
	})
}
