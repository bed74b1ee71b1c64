package ring

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"outreach-platform/internal/calls"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/events"
	"outreach-platform/internal/patients"
	"outreach-platform/internal/speech"
)

// Scheduler owns the window between dialing and the patient answering.
// Exactly one pending entry exists per patient at any time; arming a
// second ring for the same patient replaces the first. Misses and
// rejections are terminal for the attempt: a zero-duration failed call
// record is written and no retry is scheduled.

const DefaultWindow = 30 * time.Second

// Greeter produces the pre-rendered greeting line for a patient.
type Greeter interface {
	Greeting(ctx context.Context, patientID string) (string, error)
}

// Notifier pushes ring lifecycle messages to a connected client, if one
// is registered for the patient.
type Notifier interface {
	NotifyIncomingCall(patientID string, payload map[string]any) bool
	NotifyMissed(patientID string, payload map[string]any)
}

// Greeting is handed to the session on answer. Audio is only set when
// pre-synthesis finished inside the ring window.
type Greeting struct {
	Text  string
	Audio []byte
}

type Request struct {
	PatientID      string
	CampaignID     string
	OrganizationID string
	RetryAttempt   int
	MaxRetries     int
}

type pendingRing struct {
	req      Request
	timer    *time.Timer
	armedAt  time.Time
	greeting Greeting
	ready    bool
}

type Config struct {
	Window time.Duration
}

type Scheduler struct {
	cfg       Config
	bus       *events.Bus
	callRepo  calls.Repository
	patients  patients.Repository
	campaigns *campaigns.Service
	greeter   Greeter
	synth     speech.Synthesizer // optional
	notifier  Notifier           // optional
	clock     func() time.Time
	log       *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRing
}

func NewScheduler(cfg Config, bus *events.Bus, callRepo calls.Repository, patientRepo patients.Repository, campaignSvc *campaigns.Service, greeter Greeter, synth speech.Synthesizer, log *slog.Logger) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		bus:       bus,
		callRepo:  callRepo,
		patients:  patientRepo,
		campaigns: campaignSvc,
		greeter:   greeter,
		synth:     synth,
		clock:     time.Now,
		log:       log,
		pending:   map[string]*pendingRing{},
	}
}

// SetNotifier wires the session registry in after construction; the
// registry depends on the scheduler, so this breaks the cycle.
func (s *Scheduler) SetNotifier(n Notifier) { s.notifier = n }

// Ring arms the answer window for a patient, replacing any prior entry,
// and kicks off greeting pre-synthesis so answer-to-first-audio latency
// stays minimal.
func (s *Scheduler) Ring(ctx context.Context, req Request) {
	s.mu.Lock()
	if prior, ok := s.pending[req.PatientID]; ok {
		prior.timer.Stop()
		delete(s.pending, req.PatientID)
		s.log.Warn("replacing pending ring", "patient_id", req.PatientID)
	}
	entry := &pendingRing{req: req, armedAt: s.clock()}
	entry.timer = time.AfterFunc(s.cfg.Window, func() { s.timeout(req.PatientID) })
	s.pending[req.PatientID] = entry
	s.mu.Unlock()

	if err := s.patients.UpdateStatus(ctx, req.PatientID, patients.StatusRinging); err != nil {
		s.log.Warn("patient status update failed", "patient_id", req.PatientID, "err", err)
	}

	s.bus.Emit(ctx, events.TypeCallRinging, events.Payload{
		"patient_id":      req.PatientID,
		"campaign_id":     req.CampaignID,
		"organization_id": req.OrganizationID,
		"timeout_ms":      s.cfg.Window.Milliseconds(),
	})

	delivered := false
	if s.notifier != nil {
		delivered = s.notifier.NotifyIncomingCall(req.PatientID, map[string]any{
			"patientId": req.PatientID,
			"timeoutMs": s.cfg.Window.Milliseconds(),
		})
	}
	if !delivered {
		s.log.Info("no registered client for ring", "patient_id", req.PatientID)
	}

	go s.preSynthesize(ctx, req.PatientID)
}

func (s *Scheduler) preSynthesize(ctx context.Context, patientID string) {
	if s.greeter == nil {
		return
	}
	text, err := s.greeter.Greeting(ctx, patientID)
	if err != nil {
		s.log.Warn("greeting render failed", "patient_id", patientID, "err", err)
		return
	}

	var wav []byte
	if s.synth != nil {
		wav, err = s.synth.Synthesize(ctx, text)
		if err != nil {
			s.log.Warn("greeting pre-synthesis failed", "patient_id", patientID, "err", err)
			wav = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.pending[patientID]; ok {
		entry.greeting = Greeting{Text: text, Audio: wav}
		entry.ready = true
	}
}

// Answer consumes the pending entry inside the window. The cached
// greeting travels with the return value; the session never reaches
// back into scheduler state.
func (s *Scheduler) Answer(patientID string) (Greeting, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[patientID]
	if !ok {
		return Greeting{}, false
	}
	entry.timer.Stop()
	delete(s.pending, patientID)
	if entry.ready {
		return entry.greeting, true
	}
	return Greeting{}, true
}

// Reject finalizes an explicit patient rejection.
func (s *Scheduler) Reject(ctx context.Context, patientID string) {
	s.mu.Lock()
	entry, ok := s.pending[patientID]
	if ok {
		entry.timer.Stop()
		delete(s.pending, patientID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.finalizeMissed(ctx, entry, patients.StatusRejected, "call_rejected")
}

// Pending reports whether a ring window is open for the patient.
func (s *Scheduler) Pending(patientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[patientID]
	return ok
}

func (s *Scheduler) timeout(patientID string) {
	s.mu.Lock()
	entry, ok := s.pending[patientID]
	if ok {
		delete(s.pending, patientID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.finalizeMissed(ctx, entry, patients.StatusMissed, "no_answer_timeout")

	if s.notifier != nil {
		s.notifier.NotifyMissed(entry.req.PatientID, map[string]any{
			"patientId": entry.req.PatientID,
			"reason":    "no_answer_timeout",
		})
	}
}

// finalizeMissed writes the zero-duration failed call record and
// re-evaluates campaign completion. No retry is scheduled for a miss.
func (s *Scheduler) finalizeMissed(ctx context.Context, entry *pendingRing, status patients.Status, reason string) {
	req := entry.req

	if err := s.patients.UpdateStatus(ctx, req.PatientID, status); err != nil {
		s.log.Warn("patient status update failed", "patient_id", req.PatientID, "err", err)
	}

	call, err := s.callRepo.Create(ctx, calls.Call{
		OrganizationID:  req.OrganizationID,
		PatientID:       req.PatientID,
		CampaignID:      req.CampaignID,
		State:           calls.StateFailed,
		DurationSeconds: 0,
	})
	if err != nil {
		s.log.Error("missed-call record write failed", "patient_id", req.PatientID, "err", err)
	}

	s.bus.Emit(ctx, events.TypeCallFailed, events.Payload{
		"call_id":         call.ID,
		"patient_id":      req.PatientID,
		"campaign_id":     req.CampaignID,
		"organization_id": req.OrganizationID,
		"reason":          reason,
		"retry_attempt":   req.RetryAttempt,
	})

	if s.campaigns != nil && req.CampaignID != "" {
		if _, err := s.campaigns.MaybeComplete(ctx, req.CampaignID); err != nil {
			s.log.Warn("campaign completion check failed", "campaign_id", req.CampaignID, "err", err)
		}
	}
}
