package session

import (
	"context"
	"encoding/base64"
	"time"

	"outreach-platform/internal/agent"
	"outreach-platform/internal/audio"
	"outreach-platform/internal/calls"
	"outreach-platform/internal/events"
	"outreach-platform/internal/llm"
	"outreach-platform/internal/speech"
)

// Per-chunk ingest and the endpointing flush. A chunk is transcribed
// immediately for the partial-transcript echo; the accumulated
// utterance only reaches the model after the silence threshold fires
// with no newer audio, or when the chunk itself ends in enough
// trailing silence.

// HandleAudioChunk ingests one base64-decoded WAV chunk from the client.
func (s *Session) HandleAudioChunk(ctx context.Context, wav []byte) {
	s.mu.Lock()
	if s.ended || s.callID == "" {
		s.mu.Unlock()
		return
	}
	if s.llmBusy {
		s.mu.Unlock()
		_ = s.send(ServerMessage{"type": MsgAudioWarning, "reason": "response_in_progress"})
		return
	}
	guardUntil := s.assistantSpeakingUntil.Add(s.cfg.SpeechGuard)
	if s.clock().Before(guardUntil) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	res, err := s.deps.Transcriber.TranscribeRealtime(ctx, wav)
	if err != nil {
		s.log.Warn("chunk transcription failed", "call_id", s.callID, "err", err)
		return
	}
	if !speech.IsMeaningfulSpeech(res.Transcript) {
		// Pure silence still advances endpointing on what we already hold.
		if res.TrailingSilence >= s.cfg.SilenceFlush && s.hasPending() {
			s.flushNow(ctx)
		}
		return
	}

	s.mu.Lock()
	if s.ended || s.llmBusy {
		s.mu.Unlock()
		return
	}
	s.pendingTranscript = audio.MergePending(s.pendingTranscript, res.Transcript)
	pending := s.pendingTranscript
	s.armSilenceTimer()
	s.mu.Unlock()

	_ = s.send(ServerMessage{"type": MsgPartialTranscript, "transcript": pending})

	if res.TrailingSilence >= s.cfg.SilenceFlush {
		s.flushNow(ctx)
	}
}

func (s *Session) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingTranscript != ""
}

// armSilenceTimer (re)starts the endpointing countdown. Caller holds mu.
func (s *Session) armSilenceTimer() {
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
	s.flushGen++
	gen := s.flushGen
	s.silenceTimer = time.AfterFunc(s.cfg.SilenceFlush, func() {
		s.flushFromTimer(gen)
	})
}

// flushFromTimer fires when the silence threshold elapses with no newer
// audio. A flush landing mid-playback is deferred, not dropped.
func (s *Session) flushFromTimer(gen int) {
	s.mu.Lock()
	if s.ended || gen != s.flushGen || s.llmBusy || s.pendingTranscript == "" {
		s.mu.Unlock()
		return
	}
	if wait := s.assistantSpeakingUntil.Sub(s.clock()); wait > 0 {
		s.silenceTimer = time.AfterFunc(wait+50*time.Millisecond, func() {
			s.flushFromTimer(gen)
		})
		s.mu.Unlock()
		return
	}
	utterance := s.pendingTranscript
	s.pendingTranscript = ""
	s.llmBusy = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	s.runTurn(ctx, utterance)
}

// flushNow short-circuits the countdown when trailing silence in the
// chunk itself already proves the patient stopped talking.
func (s *Session) flushNow(ctx context.Context) {
	s.mu.Lock()
	if s.ended || s.llmBusy || s.pendingTranscript == "" {
		s.mu.Unlock()
		return
	}
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
	s.flushGen++
	utterance := s.pendingTranscript
	s.pendingTranscript = ""
	s.llmBusy = true
	s.mu.Unlock()

	s.runTurn(ctx, utterance)
}

// runTurn executes one full patient turn: record the utterance, consult
// the agent, speak the reply, and act on the verdict.
func (s *Session) runTurn(ctx context.Context, utterance string) {
	defer func() {
		s.mu.Lock()
		s.llmBusy = false
		s.mu.Unlock()
	}()

	_ = s.send(ServerMessage{"type": MsgUserSpeech, "transcript": utterance})

	if err := s.deps.Machine.Transition(ctx, s.callID, calls.StateInProgress, nil); err != nil {
		s.log.Warn("in_progress transition failed", "call_id", s.callID, "err", err)
	}
	s.deps.Bus.Emit(ctx, events.TypeCallTranscribed, events.Payload{
		"call_id":         s.callID,
		"patient_id":      s.patientID,
		"organization_id": s.orgID,
		"text":            utterance,
	})

	s.mu.Lock()
	s.conversation = append(s.conversation, Message{Role: "patient", Text: utterance, At: s.clock()})
	s.turnCount++
	capped := s.turnCount > s.deps.Engine.Config().MaxTurns
	turns := make([]llm.Turn, 0, len(s.conversation))
	for _, m := range s.conversation {
		turns = append(turns, llm.Turn{Role: m.Role, Text: m.Text})
	}
	summary, recent := agent.SlidingWindow(turns, s.summary)
	s.summary = summary
	in := agent.TurnInput{
		CampaignGoal:   s.campaignGoal,
		PatientName:    s.patientName,
		PatientContext: s.patientContext,
		Summary:        summary,
		RecentTurns:    recent,
		Utterance:      utterance,
	}
	s.mu.Unlock()

	// Past the turn cap the model is never consulted; the canned
	// closing line ends the call directly.
	if capped {
		s.speakReply(ctx, agent.ClosingMessage, nil, replyMeta{
			ShouldEnd: true,
			Action:    llm.TurnActionEndCall,
		})
		s.endAfterPlayback("max_turns_reached")
		return
	}

	d := s.deps.Engine.RealtimeTurn(ctx, in)
	d.Reply = speech.SanitizeReply(d.Reply)

	s.mu.Lock()
	if d.GoalStatus != "" {
		s.goalStatus = d.GoalStatus
	}
	if d.RiskDetected {
		s.riskDetected = true
	}
	if d.Action == llm.TurnActionTransferHuman {
		s.transferred = true
	}
	s.mu.Unlock()

	s.deps.Bus.Emit(ctx, events.TypeCallResponseGenerated, events.Payload{
		"call_id":         s.callID,
		"organization_id": s.orgID,
		"action":          d.Action,
		"goal_status":     d.GoalStatus,
	})
	if d.RiskDetected {
		s.deps.Bus.Emit(ctx, events.TypeCallEscalated, events.Payload{
			"call_id":         s.callID,
			"patient_id":      s.patientID,
			"organization_id": s.orgID,
			"reason":          "emergency_risk",
		})
	}

	var wav []byte
	if s.deps.Synth != nil {
		synthesized, err := s.deps.Synth.Synthesize(ctx, d.Reply)
		if err != nil {
			s.log.Warn("reply synthesis failed", "call_id", s.callID, "err", err)
		} else {
			wav = synthesized
		}
	}
	s.speakReply(ctx, d.Reply, wav, replyMeta{
		ShouldEnd:    d.Action != llm.TurnActionContinue,
		Action:       d.Action,
		RiskDetected: d.RiskDetected,
		Confidence:   d.Confidence,
	})

	switch d.Action {
	case llm.TurnActionContinue:
		if err := s.deps.Machine.Transition(ctx, s.callID, calls.StateAwaitingResponse, nil); err != nil {
			s.log.Warn("awaiting_response transition failed", "call_id", s.callID, "err", err)
		}
	default:
		s.endAfterPlayback(reasonFor(d.Action))
	}
}

// replyMeta carries the verdict fields the client acts on: shouldEnd
// stops the mic, riskDetected surfaces the escalation banner.
type replyMeta struct {
	Greeting     bool
	ShouldEnd    bool
	Action       string
	RiskDetected bool
	Confidence   float64
}

// speakReply records the assistant turn and sends it as ai_audio when
// playable synthesis exists, ai_response otherwise. Both carry the
// transcript and, outside the greeting, the verdict fields.
func (s *Session) speakReply(ctx context.Context, text string, wav []byte, meta replyMeta) {
	s.mu.Lock()
	s.conversation = append(s.conversation, Message{Role: "assistant", Text: text, At: s.clock()})
	s.mu.Unlock()

	msg := ServerMessage{"type": MsgAIResponse, "transcript": text}
	if len(wav) > 0 {
		dur, err := audio.Duration(wav)
		if err != nil {
			s.log.Warn("unplayable synthesis output", "err", err)
		} else {
			s.mu.Lock()
			s.assistantSpeakingUntil = s.clock().Add(dur)
			s.mu.Unlock()
			msg = ServerMessage{
				"type":       MsgAIAudio,
				"audio":      base64.StdEncoding.EncodeToString(wav),
				"durationMs": dur.Milliseconds(),
				"transcript": text,
			}
		}
	}
	if meta.Greeting {
		msg["greeting"] = true
	} else {
		msg["shouldEnd"] = meta.ShouldEnd
		msg["action"] = meta.Action
		msg["riskDetected"] = meta.RiskDetected
		msg["confidence"] = meta.Confidence
	}
	_ = s.send(msg)
}

// endAfterPlayback lets the closing line finish before tearing down.
func (s *Session) endAfterPlayback(reason string) {
	s.mu.Lock()
	wait := s.assistantSpeakingUntil.Sub(s.clock())
	s.mu.Unlock()
	if wait <= 0 {
		s.End(reason)
		return
	}
	time.AfterFunc(wait, func() { s.End(reason) })
}

func reasonFor(action string) string {
	switch action {
	case llm.TurnActionTransferHuman:
		return "transferred_to_human"
	case llm.TurnActionEndCall:
		return "conversation_complete"
	default:
		return action
	}
}
