package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"outreach-platform/internal/agent"
	"outreach-platform/internal/calls"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/events"
	"outreach-platform/internal/llm"
	"outreach-platform/internal/modelruntime"
	"outreach-platform/internal/patients"
	"outreach-platform/internal/session"
)

// Simulator executes a call job without a connected client: a scripted
// patient turn flows through the same agent, lease, and post-call
// machinery as a live call. Useful for end-to-end soak runs and demo
// environments with no browser attached.

// scriptedUtterance is the canned patient reply for simulated calls.
const scriptedUtterance = "Yes, I can confirm my appointment."

const simulatedTurnSeconds = 10

type Simulator struct {
	machine      *calls.StateMachine
	callRepo     calls.Repository
	patients     patients.Repository
	campaignRepo campaigns.Repository
	campaigns    *campaigns.Service
	engine       *agent.Engine
	runtime      *modelruntime.Manager
	postcall     session.PostCallRunner
	bus          *events.Bus
	queue        Queue
	clock        func() time.Time
	log          *slog.Logger
}

func NewSimulator(machine *calls.StateMachine, callRepo calls.Repository, patientRepo patients.Repository, campaignRepo campaigns.Repository, campaignSvc *campaigns.Service, engine *agent.Engine, runtime *modelruntime.Manager, postcall session.PostCallRunner, bus *events.Bus, queue Queue, log *slog.Logger) *Simulator {
	if log == nil {
		log = slog.Default()
	}
	return &Simulator{
		machine:      machine,
		callRepo:     callRepo,
		patients:     patientRepo,
		campaignRepo: campaignRepo,
		campaigns:    campaignSvc,
		engine:       engine,
		runtime:      runtime,
		postcall:     postcall,
		bus:          bus,
		queue:        queue,
		clock:        time.Now,
		log:          log,
	}
}

// Run executes one simulated call attempt end to end.
func (s *Simulator) Run(ctx context.Context, job Job) error {
	patient, err := s.patients.Get(ctx, job.PatientID)
	if err != nil {
		return fmt.Errorf("dispatch: simulate %s: %w", job.PatientID, err)
	}

	call, err := s.callRepo.Create(ctx, calls.Call{
		OrganizationID: patient.OrganizationID,
		PatientID:      patient.ID,
		CampaignID:     patient.CampaignID,
		State:          calls.StateQueued,
		RetryCount:     job.RetryAttempt,
	})
	if err != nil {
		return fmt.Errorf("dispatch: create call record: %w", err)
	}

	if err := s.conduct(ctx, job, patient, call); err != nil {
		s.fail(ctx, job, patient, call, err)
		return err
	}
	return nil
}

func (s *Simulator) conduct(ctx context.Context, job Job, patient patients.Patient, call calls.Call) error {
	_ = s.patients.UpdateStatus(ctx, patient.ID, patients.StatusCalling)
	if patient.CampaignID != "" && s.campaigns != nil {
		s.campaigns.MarkRunning(ctx, patient.CampaignID)
	}

	release, err := s.runtime.AcquireRealtimeSession(ctx)
	if err != nil {
		return fmt.Errorf("realtime lease: %w", err)
	}
	defer release()

	if err := s.machine.Transition(ctx, call.ID, calls.StateInProgress, map[string]any{"mode": ModeSimulation}); err != nil {
		return err
	}
	s.bus.Emit(ctx, events.TypeCallStarted, events.Payload{
		"call_id":         call.ID,
		"patient_id":      patient.ID,
		"campaign_id":     patient.CampaignID,
		"organization_id": patient.OrganizationID,
		"call_mode":       ModeSimulation,
	})

	greeting, err := s.engine.Greeting(ctx, patient.ID)
	if err != nil {
		greeting = "Hello, this is an automated call from your clinic."
	}

	turns := []llm.Turn{
		{Role: "assistant", Text: greeting},
		{Role: "patient", Text: scriptedUtterance},
	}
	s.bus.Emit(ctx, events.TypeCallTranscribed, events.Payload{
		"call_id":         call.ID,
		"organization_id": patient.OrganizationID,
		"text":            scriptedUtterance,
	})

	d := s.engine.RealtimeTurn(ctx, agent.TurnInput{
		CampaignGoal: s.campaignGoal(ctx, patient.CampaignID),
		PatientName:  patient.Name,
		RecentTurns:  turns,
		Utterance:    scriptedUtterance,
	})
	turns = append(turns, llm.Turn{Role: "assistant", Text: d.Reply})
	s.bus.Emit(ctx, events.TypeCallResponseGenerated, events.Payload{
		"call_id":         call.ID,
		"organization_id": patient.OrganizationID,
		"action":          d.Action,
		"goal_status":     d.GoalStatus,
	})

	transcript := llm.FormatTurns(turns)
	duration := simulatedTurnSeconds * countPatientTurns(turns)
	if err := s.callRepo.UpdateTranscript(ctx, call.ID, transcript, duration, false); err != nil {
		return fmt.Errorf("persist transcript: %w", err)
	}

	// Release before analysis so the lease swap can drain.
	release()

	if s.postcall != nil {
		if err := s.postcall.Process(ctx, call.ID); err != nil {
			return fmt.Errorf("post-call analysis: %w", err)
		}
	}
	return nil
}

// fail finalizes a broken attempt and schedules a retry while the
// budget allows.
func (s *Simulator) fail(ctx context.Context, job Job, patient patients.Patient, call calls.Call, cause error) {
	s.log.Error("simulated call failed", "call_id", call.ID, "patient_id", patient.ID, "err", cause)

	_ = s.patients.UpdateStatus(ctx, patient.ID, patients.StatusFailed)
	if _, err := s.machine.TransitionToFinal(ctx, call.ID, calls.StateFailed, map[string]any{"error": cause.Error()}); err != nil {
		s.log.Warn("failed-state transition rejected", "call_id", call.ID, "err", err)
	}
	s.bus.Emit(ctx, events.TypeCallFailed, events.Payload{
		"call_id":         call.ID,
		"patient_id":      patient.ID,
		"campaign_id":     patient.CampaignID,
		"organization_id": patient.OrganizationID,
		"reason":          cause.Error(),
		"retry_attempt":   job.RetryAttempt,
	})

	attempt, err := s.machine.IncrementRetry(ctx, call.ID)
	if err != nil {
		s.log.Warn("retry counter increment failed", "call_id", call.ID, "err", err)
		attempt = job.RetryAttempt + 1
	}
	if attempt < job.MaxRetries && s.queue != nil {
		retry := job
		retry.ID = ""
		retry.RetryAttempt = attempt
		retry.ScheduledFor = s.clock().Add(time.Duration(attempt) * time.Minute)
		if err := s.queue.Enqueue(ctx, retry); err != nil {
			s.log.Error("retry enqueue failed", "call_id", call.ID, "err", err)
			return
		}
		s.bus.Emit(ctx, events.TypeCallRetryScheduled, events.Payload{
			"call_id":         call.ID,
			"patient_id":      patient.ID,
			"campaign_id":     patient.CampaignID,
			"organization_id": patient.OrganizationID,
			"retry_attempt":   attempt,
			"scheduled_for":   retry.ScheduledFor.UTC().Format(time.RFC3339),
		})
		return
	}

	if s.campaigns != nil && patient.CampaignID != "" {
		if _, err := s.campaigns.MaybeComplete(ctx, patient.CampaignID); err != nil {
			s.log.Warn("campaign completion check failed", "campaign_id", patient.CampaignID, "err", err)
		}
	}
}

func (s *Simulator) campaignGoal(ctx context.Context, id string) string {
	if s.campaignRepo == nil || id == "" {
		return ""
	}
	c, err := s.campaignRepo.Get(ctx, id)
	if err != nil {
		return ""
	}
	return c.Goal
}

func countPatientTurns(turns []llm.Turn) int {
	n := 0
	for _, t := range turns {
		if t.Role == "patient" {
			n++
		}
	}
	return n
}
