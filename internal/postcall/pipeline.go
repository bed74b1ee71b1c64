package postcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"outreach-platform/internal/agent"
	"outreach-platform/internal/calls"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/events"
	"outreach-platform/internal/llm"
	"outreach-platform/internal/modelruntime"
	"outreach-platform/internal/patients"
)

// Pipeline runs the post-call analysis stage: take the analysis model
// lease, produce the structured verdict, repair it against the
// transcript, persist it, and settle the call's final state.
//
// The lease is taken only when the model is actually consulted; a
// too-short transcript gets a deterministic verdict without one. A
// taken lease is always released, analysis success or not.

const (
	DefaultMinTranscriptLength = 20
	DefaultAnalysisWait        = 180 * time.Second
)

// confirmationRe catches an explicit patient yes that a sloppy model
// verdict sometimes fails to carry into appointment_confirmed.
var confirmationRe = regexp.MustCompile(`(?i)\b(yes|sure|okay|that works|sounds good|confirm|i can make it|i'll be there)\b`)

const insufficientDataSummary = "Call too short to analyze."

// Analyzer is the model surface the pipeline consults.
type Analyzer interface {
	GenerateAnalysis(ctx context.Context, model string, in llm.AnalysisContext) (llm.Analysis, error)
}

type Config struct {
	AnalysisModel       string
	MinTranscriptLength int
	AnalysisWait        time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.MinTranscriptLength <= 0 {
		out.MinTranscriptLength = DefaultMinTranscriptLength
	}
	if out.AnalysisWait <= 0 {
		out.AnalysisWait = DefaultAnalysisWait
	}
	return out
}

type Pipeline struct {
	cfg          Config
	runtime      *modelruntime.Manager
	analyzer     Analyzer
	callRepo     calls.Repository
	machine      *calls.StateMachine
	patients     patients.Repository
	campaignRepo campaigns.Repository
	campaigns    *campaigns.Service
	bus          *events.Bus
	log          *slog.Logger
}

func NewPipeline(cfg Config, runtime *modelruntime.Manager, analyzer Analyzer, callRepo calls.Repository, machine *calls.StateMachine, patientRepo patients.Repository, campaignRepo campaigns.Repository, campaignSvc *campaigns.Service, bus *events.Bus, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:          cfg.withDefaults(),
		runtime:      runtime,
		analyzer:     analyzer,
		callRepo:     callRepo,
		machine:      machine,
		patients:     patientRepo,
		campaignRepo: campaignRepo,
		campaigns:    campaignSvc,
		bus:          bus,
		log:          log,
	}
}

// Process analyzes one finished call end to end.
func (p *Pipeline) Process(ctx context.Context, callID string) error {
	call, err := p.callRepo.Get(ctx, callID)
	if err != nil {
		return fmt.Errorf("postcall: load call %s: %w", callID, err)
	}

	analysis, err := p.analyze(ctx, call)
	if err != nil {
		p.log.Error("analysis generation failed", "call_id", callID, "err", err)
		p.markFailure(ctx, call, err)
		return err
	}

	patient := p.lookupPatient(ctx, call.PatientID)
	analysis = repair(analysis, call.Transcript, patient)

	structured, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("postcall: marshal verdict for %s: %w", callID, err)
	}
	if err := p.callRepo.StoreAnalysis(ctx, callID, calls.AnalysisUpdate{
		Transcript:           call.Transcript,
		DurationSeconds:      call.DurationSeconds,
		Sentiment:            analysis.Sentiment,
		AppointmentConfirmed: analysis.AppointmentConfirmed,
		RequestedCallback:    call.RequestedCallback,
		Summary:              analysis.Summary,
		StructuredOutput:     structured,
	}); err != nil {
		return fmt.Errorf("postcall: persist verdict for %s: %w", callID, err)
	}

	needsFollowup := analysis.RequiresManualFollowup || call.RequestedCallback || analysis.RiskLevel == "high"
	final := calls.StateCompleted
	status := patients.StatusCompleted
	if needsFollowup {
		final = calls.StateRequiresFollowup
		status = patients.StatusFollowupRequired
	}
	settled, err := p.machine.TransitionToFinal(ctx, callID, final, map[string]any{"stage": "analysis"})
	if err != nil {
		p.log.Error("final transition failed", "call_id", callID, "err", err)
	} else if settled != final {
		p.log.Warn("final state settled on fallback", "call_id", callID, "state", settled)
	}
	if call.PatientID != "" {
		if err := p.patients.UpdateStatus(ctx, call.PatientID, status); err != nil {
			p.log.Warn("patient status update failed", "patient_id", call.PatientID, "err", err)
		}
	}

	p.bus.Emit(ctx, events.TypeCallAnalysisCompleted, events.Payload{
		"call_id":                  callID,
		"patient_id":               call.PatientID,
		"campaign_id":              call.CampaignID,
		"organization_id":          call.OrganizationID,
		"sentiment":                analysis.Sentiment,
		"appointment_confirmed":    analysis.AppointmentConfirmed,
		"requires_manual_followup": analysis.RequiresManualFollowup,
		"priority":                 analysis.Priority,
	})

	if p.campaigns != nil && call.CampaignID != "" {
		if _, err := p.campaigns.MaybeComplete(ctx, call.CampaignID); err != nil {
			p.log.Warn("campaign completion check failed", "campaign_id", call.CampaignID, "err", err)
		}
	}
	return nil
}

// markFailure settles the call as failed and records the analysis
// error in both the summary and the transition metadata.
func (p *Pipeline) markFailure(ctx context.Context, call calls.Call, cause error) {
	if err := p.callRepo.StoreAnalysis(ctx, call.ID, calls.AnalysisUpdate{
		Transcript:        call.Transcript,
		DurationSeconds:   call.DurationSeconds,
		RequestedCallback: call.RequestedCallback,
		Summary:           "Analysis failed: " + cause.Error(),
	}); err != nil {
		p.log.Warn("failure summary persist failed", "call_id", call.ID, "err", err)
	}
	md, _ := json.Marshal(map[string]any{"stage": "analysis", "error": cause.Error()})
	settled, err := p.machine.TransitionToFinal(ctx, call.ID, calls.StateFailed, map[string]any{
		"stage": "analysis",
		"error": cause.Error(),
	})
	if err != nil || settled != calls.StateFailed {
		// No edge leads from completed to failed, so a call the
		// session already settled needs a direct state write.
		if err := p.callRepo.UpdateState(ctx, call.ID, calls.StateFailed, md); err != nil {
			p.log.Error("failed-state write failed", "call_id", call.ID, "err", err)
		}
	}
	if call.PatientID != "" {
		if err := p.patients.UpdateStatus(ctx, call.PatientID, patients.StatusFailed); err != nil {
			p.log.Warn("patient status update failed", "patient_id", call.PatientID, "err", err)
		}
	}
	p.bus.Emit(ctx, events.TypeCallFailed, events.Payload{
		"call_id":         call.ID,
		"patient_id":      call.PatientID,
		"campaign_id":     call.CampaignID,
		"organization_id": call.OrganizationID,
		"reason":          "analysis_failed",
		"error":           cause.Error(),
	})
}

// analyze produces the raw verdict, taking the analysis lease only for
// the model path.
func (p *Pipeline) analyze(ctx context.Context, call calls.Call) (llm.Analysis, error) {
	if len(strings.TrimSpace(call.Transcript)) < p.cfg.MinTranscriptLength {
		reason := "insufficient_call_data"
		return llm.Analysis{
			Summary:                insufficientDataSummary,
			Sentiment:              "neutral",
			RiskLevel:              "none",
			RiskFlags:              []string{},
			RequiresManualFollowup: true,
			FollowupReason:         &reason,
			Priority:               "medium",
		}, nil
	}

	if err := p.runtime.EnsureAnalysisModel(ctx, true, p.cfg.AnalysisWait); err != nil {
		return llm.Analysis{}, fmt.Errorf("postcall: analysis lease: %w", err)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.runtime.ReleaseAnalysisModel(relCtx); err != nil {
			p.log.Warn("analysis lease release failed", "err", err)
		}
	}()

	patient := p.lookupPatient(ctx, call.PatientID)
	in := llm.AnalysisContext{
		Transcript:   call.Transcript,
		PatientName:  patientName(patient),
		CampaignGoal: p.campaignGoal(ctx, call.CampaignID),
		TurnCount:    countTurns(call.Transcript),
	}
	return p.analyzer.GenerateAnalysis(ctx, p.cfg.AnalysisModel, in)
}

// repair applies the deterministic consistency rules over the model
// verdict.
func repair(a llm.Analysis, transcript string, patient *patients.Patient) llm.Analysis {
	if a.CampaignGoalAchieved && !a.AppointmentConfirmed && confirmationRe.MatchString(transcript) {
		a.AppointmentConfirmed = true
	}

	if a.AppointmentConfirmed && (a.RiskLevel == "low" || a.RiskLevel == "none") && len(a.RiskFlags) == 0 {
		a.RequiresManualFollowup = false
	}

	if barriers := agent.DetectBarriers(transcript, patient); len(barriers) > 0 {
		a.RequiresManualFollowup = true
		if a.FollowupReason == nil {
			reason := "barrier_detected: " + string(barriers[0].Type)
			a.FollowupReason = &reason
		}
		if a.Priority == "" || a.Priority == "low" {
			a.Priority = "medium"
		}
	}

	if a.RiskFlags == nil {
		a.RiskFlags = []string{}
	}
	return a
}

func (p *Pipeline) lookupPatient(ctx context.Context, id string) *patients.Patient {
	if p.patients == nil || id == "" {
		return nil
	}
	patient, err := p.patients.Get(ctx, id)
	if err != nil {
		return nil
	}
	return &patient
}

func (p *Pipeline) campaignGoal(ctx context.Context, id string) string {
	if p.campaignRepo == nil || id == "" {
		return ""
	}
	c, err := p.campaignRepo.Get(ctx, id)
	if err != nil {
		return ""
	}
	return c.Goal
}

func patientName(p *patients.Patient) string {
	if p == nil {
		return ""
	}
	return p.Name
}

func countTurns(transcript string) int {
	n := 0
	for _, line := range strings.Split(transcript, "\n") {
		if strings.HasPrefix(line, "Patient: ") {
			n++
		}
	}
	return n
}
