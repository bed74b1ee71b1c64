package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"outreach-platform/internal/agent"
	"outreach-platform/internal/calls"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/events"
	"outreach-platform/internal/llm"
	"outreach-platform/internal/modelruntime"
	"outreach-platform/internal/patients"
	"outreach-platform/internal/ring"
	"outreach-platform/internal/speech"
)

// Session drives one patient connection through a live call: ring
// answer, realtime model lease, per-chunk transcription, utterance
// flushing, assistant playback, and the one-shot termination sequence.
//
// Invariants:
// - At most one in-flight model turn per session (llmBusy).
// - Audio arriving while the assistant is speaking, or within the
//   speech guard after playback, is dropped rather than queued.
// - Termination runs exactly once no matter how many paths reach it.

const (
	DefaultSilenceFlush    = 800 * time.Millisecond
	DefaultSpeechGuard     = 300 * time.Millisecond
	DefaultMaxCallDuration = 10 * time.Minute
)

// Sender abstracts the websocket write side so the pipeline can be
// exercised without a network connection.
type Sender interface {
	Send(msg ServerMessage) error
}

// PostCallRunner hands a finished call to the analysis pipeline.
type PostCallRunner interface {
	Process(ctx context.Context, callID string) error
}

type Config struct {
	SilenceFlush    time.Duration
	SpeechGuard     time.Duration
	MaxCallDuration time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.SilenceFlush <= 0 {
		out.SilenceFlush = DefaultSilenceFlush
	}
	if out.SpeechGuard <= 0 {
		out.SpeechGuard = DefaultSpeechGuard
	}
	if out.MaxCallDuration <= 0 {
		out.MaxCallDuration = DefaultMaxCallDuration
	}
	return out
}

type Deps struct {
	Machine      *calls.StateMachine
	Calls        calls.Repository
	Patients     patients.Repository
	CampaignRepo campaigns.Repository
	Campaigns    *campaigns.Service
	Engine       *agent.Engine
	Runtime      *modelruntime.Manager
	Transcriber  speech.RealtimeTranscriber
	Synth        speech.Synthesizer
	Ring         *ring.Scheduler
	Registry     *Registry
	Bus          *events.Bus
	PostCall     PostCallRunner
	Log          *slog.Logger
}

// Message is one conversation entry with its arrival time.
type Message struct {
	Role string
	Text string
	At   time.Time
}

type Session struct {
	deps   Deps
	cfg    Config
	sender Sender
	log    *slog.Logger
	clock  func() time.Time

	patientID string

	mu                     sync.Mutex
	callID                 string
	orgID                  string
	campaignID             string
	patientName            string
	campaignGoal           string
	patientContext         string
	startedAt              time.Time
	pendingTranscript      string
	conversation           []Message
	summary                string
	turnCount              int
	goalStatus             string
	riskDetected           bool
	transferred            bool
	llmBusy                bool
	assistantSpeakingUntil time.Time
	silenceTimer           *time.Timer
	flushGen               int
	maxCallTimer           *time.Timer
	releaseRealtime        func()
	ended                  bool
}

func New(deps Deps, cfg Config, sender Sender) *Session {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		deps:       deps,
		cfg:        cfg.withDefaults(),
		sender:     sender,
		log:        log,
		clock:      time.Now,
		goalStatus: llm.GoalPending,
	}
}

func (s *Session) send(msg ServerMessage) error {
	if s.sender == nil {
		return nil
	}
	return s.sender.Send(msg)
}

// RegisterPatient binds this connection to a patient so rings can be
// delivered to it.
func (s *Session) RegisterPatient(patientID string) {
	s.patientID = patientID
	if s.deps.Registry != nil {
		s.deps.Registry.Register(patientID, s)
	}
	_ = s.send(ServerMessage{"type": MsgPatientRegistered, "patientId": patientID})
}

// StartCall answers a pending ring: it takes the realtime lease,
// creates the call record, moves it through queued into in_progress,
// and plays the greeting.
func (s *Session) StartCall(ctx context.Context) error {
	if s.patientID == "" {
		_ = s.send(errorMsg("register a patient before starting a call"))
		return errors.New("session: no registered patient")
	}

	// An answer with no armed ring still starts a call; it just has no
	// cached greeting to reuse.
	greeting, _ := s.deps.Ring.Answer(s.patientID)

	patient, err := s.deps.Patients.Get(ctx, s.patientID)
	if err != nil {
		_ = s.send(errorMsg("unknown patient"))
		return err
	}

	release, err := s.deps.Runtime.AcquireRealtimeSession(ctx)
	if err != nil {
		s.log.Error("realtime lease unavailable", "patient_id", s.patientID, "err", err)
		_ = s.send(errorMsg("call could not be started"))
		_ = s.deps.Patients.UpdateStatus(ctx, s.patientID, patients.StatusFailed)
		return err
	}

	call, err := s.deps.Calls.Create(ctx, calls.Call{
		OrganizationID: patient.OrganizationID,
		PatientID:      patient.ID,
		CampaignID:     patient.CampaignID,
		State:          calls.StateQueued,
	})
	if err != nil {
		release()
		_ = s.send(errorMsg("call could not be started"))
		return err
	}

	var campaign *campaigns.Campaign
	if s.deps.CampaignRepo != nil && patient.CampaignID != "" {
		if c, err := s.deps.CampaignRepo.Get(ctx, patient.CampaignID); err == nil {
			campaign = &c
		}
	}

	s.mu.Lock()
	s.callID = call.ID
	s.orgID = patient.OrganizationID
	s.campaignID = patient.CampaignID
	s.patientName = patient.Name
	s.campaignGoal = campaignGoalOf(campaign)
	s.patientContext = s.deps.Engine.BuildContextualPrompt(&patient, campaign)
	s.startedAt = s.clock()
	s.releaseRealtime = release
	s.maxCallTimer = time.AfterFunc(s.cfg.MaxCallDuration, func() {
		s.End("max_duration_reached")
	})
	s.mu.Unlock()

	if err := s.deps.Machine.Transition(ctx, call.ID, calls.StateInProgress, nil); err != nil {
		s.log.Warn("call start transition failed", "call_id", call.ID, "err", err)
	}
	_ = s.deps.Patients.UpdateStatus(ctx, s.patientID, patients.StatusCalling)
	if s.campaignID != "" && s.deps.Campaigns != nil {
		s.deps.Campaigns.MarkRunning(ctx, s.campaignID)
	}

	s.deps.Bus.Emit(ctx, events.TypeCallStarted, events.Payload{
		"call_id":         call.ID,
		"patient_id":      patient.ID,
		"campaign_id":     patient.CampaignID,
		"organization_id": patient.OrganizationID,
	})

	s.playGreeting(ctx, greeting)
	return nil
}

func (s *Session) playGreeting(ctx context.Context, g ring.Greeting) {
	text := g.Text
	if text == "" {
		rendered, err := s.deps.Engine.Greeting(ctx, s.patientID)
		if err != nil {
			s.log.Warn("greeting render failed", "err", err)
			return
		}
		text = rendered
	}

	wav := g.Audio
	if wav == nil && s.deps.Synth != nil {
		synthesized, err := s.deps.Synth.Synthesize(ctx, text)
		if err != nil {
			s.log.Warn("greeting synthesis failed", "err", err)
		} else {
			wav = synthesized
		}
	}

	s.speakReply(ctx, text, wav, replyMeta{Greeting: true})

	if err := s.deps.Machine.Transition(ctx, s.callID, calls.StateAwaitingResponse, nil); err != nil {
		s.log.Warn("awaiting_response transition failed", "call_id", s.callID, "err", err)
	}
}

// HandleReject declines a pending ring for the registered patient.
func (s *Session) HandleReject(ctx context.Context) {
	if s.patientID == "" {
		return
	}
	s.deps.Ring.Reject(ctx, s.patientID)
}

// OnDisconnect finalizes an in-flight call and unbinds the session.
func (s *Session) OnDisconnect() {
	s.mu.Lock()
	active := s.callID != "" && !s.ended
	s.mu.Unlock()
	if active {
		s.End("client_disconnected")
	}
	if s.patientID != "" && s.deps.Registry != nil {
		s.deps.Registry.Unregister(s.patientID, s)
	}
}

func (s *Session) transcript() string {
	turns := make([]llm.Turn, 0, len(s.conversation))
	for _, m := range s.conversation {
		turns = append(turns, llm.Turn{Role: m.Role, Text: m.Text})
	}
	return llm.FormatTurns(turns)
}

// End runs the termination sequence at most once: persist the
// transcript, settle the final state through the bridging rules, free
// the realtime lease, and hand the call to post-call analysis.
func (s *Session) End(reason string) {
	s.mu.Lock()
	if s.ended || s.callID == "" {
		s.mu.Unlock()
		return
	}
	s.ended = true
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
	if s.maxCallTimer != nil {
		s.maxCallTimer.Stop()
	}
	// Audio the patient spoke after the last flush is still pending;
	// it belongs in the persisted transcript.
	if pending := s.pendingTranscript; speech.IsMeaningfulSpeech(pending) {
		s.conversation = append(s.conversation, Message{Role: "patient", Text: pending, At: s.clock()})
	}
	s.pendingTranscript = ""
	callID := s.callID
	transcript := s.transcript()
	duration := int(s.clock().Sub(s.startedAt).Seconds())
	needsFollowup := s.transferred || s.riskDetected
	release := s.releaseRealtime
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.deps.Calls.UpdateTranscript(ctx, callID, transcript, duration, false); err != nil {
		s.log.Error("transcript persist failed", "call_id", callID, "err", err)
	}

	final := calls.StateCompleted
	status := patients.StatusCompleted
	if needsFollowup {
		final = calls.StateRequiresFollowup
		status = patients.StatusFollowupRequired
	}
	settled, err := s.deps.Machine.TransitionToFinal(ctx, callID, final, map[string]any{"reason": reason})
	if err != nil {
		s.log.Error("final transition failed", "call_id", callID, "err", err)
		settled = final
	} else if settled != final {
		s.log.Warn("final state settled on fallback", "call_id", callID, "state", settled)
	}
	_ = s.deps.Patients.UpdateStatus(ctx, s.patientID, status)

	s.deps.Bus.Emit(ctx, events.TypeCallCompleted, events.Payload{
		"call_id":          callID,
		"patient_id":       s.patientID,
		"campaign_id":      s.campaignID,
		"organization_id":  s.orgID,
		"duration_seconds": duration,
		"reason":           reason,
	})

	if release != nil {
		release()
	}

	_ = s.send(ServerMessage{
		"type":       MsgCallEnded,
		"callId":     callID,
		"reason":     reason,
		"transcript": transcript,
		"duration":   duration,
		"state":      string(settled),
	})

	if s.deps.PostCall != nil {
		go func() {
			pcCtx, pcCancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer pcCancel()
			if err := s.deps.PostCall.Process(pcCtx, callID); err != nil {
				s.log.Error("post-call analysis failed", "call_id", callID, "err", err)
			}
		}()
	} else if s.deps.Campaigns != nil && s.campaignID != "" {
		if _, err := s.deps.Campaigns.MaybeComplete(ctx, s.campaignID); err != nil {
			s.log.Warn("campaign completion check failed", "campaign_id", s.campaignID, "err", err)
		}
	}
}

func campaignGoalOf(c *campaigns.Campaign) string {
	if c == nil {
		return ""
	}
	return c.Goal
}
