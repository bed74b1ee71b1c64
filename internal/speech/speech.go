package speech

import (
	"context"
	"errors"
	"time"
)

// Capability interfaces for the interchangeable speech providers. The
// call pipeline depends on these, never on a concrete client.

var (
	ErrTranscriberUnavailable = errors.New("speech: transcriber unavailable")
	ErrSynthesizerUnavailable = errors.New("speech: synthesizer unavailable")
)

// Transcriber converts a WAV payload into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// RealtimeResult is a transcription plus the endpointing signals the
// session needs to decide whether the utterance is complete.
type RealtimeResult struct {
	Transcript      string
	Partials        []string
	TrailingSilence time.Duration
}

// RealtimeTranscriber is the chunk-level surface used by live calls.
type RealtimeTranscriber interface {
	TranscribeRealtime(ctx context.Context, wav []byte) (RealtimeResult, error)
}

// Synthesizer converts text into a playable WAV payload.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
