package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/polly"

	"outreach-platform/internal/audio"
)

func TestSanitizeTranscript(t *testing.T) {
	cases := []struct{ in, want string }{
		{"[BLANK_AUDIO]", ""},
		{"hello [MUSIC] there", "hello there"},
		{"(laughs) sure, that works", "sure, that works"},
		{"*coughing loudly* yes", "yes"},
		{"  plain   speech  ", "plain speech"},
	}
	for _, tc := range cases {
		if got := SanitizeTranscript(tc.in); got != tc.want {
			t.Fatalf("SanitizeTranscript(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeReply(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Assistant: Sure, Tuesday works.", "Sure, Tuesday works."},
		{"# internal notes\nSee you Tuesday.", "See you Tuesday."},
		{
			"First sentence. Second sentence. Third sentence that rambles on.",
			"First sentence. Second sentence.",
		},
		{"AI: Hello!\nagent: How are you?", "Hello! How are you?"},
		{"  plain reply  ", "plain reply"},
	}
	for _, tc := range cases {
		if got := SanitizeReply(tc.in); got != tc.want {
			t.Fatalf("SanitizeReply(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsMeaningfulSpeech(t *testing.T) {
	meaningful := []string{"ok sure", "no", "I can make it", "sí claro"}
	for _, s := range meaningful {
		if !IsMeaningfulSpeech(s) {
			t.Fatalf("expected %q to be meaningful", s)
		}
	}
	noise := []string{"", ".", "a", "! ? -", "1 2 3"}
	for _, s := range noise {
		if IsMeaningfulSpeech(s) {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func testWAV(dur int) []byte {
	m := audio.Meta{Channels: 1, SampleRate: 16000, BitsPerSample: 16}
	pcm := make([]byte, 16000*2*dur)
	return audio.Encode(pcm, m)
}

func TestWhisperClient_MergesChunkPartials(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		text := "I would like to confirm"
		if n > 1 {
			text = "to confirm my appointment"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{BaseURL: srv.URL, ChunkLen: time.Second}, nil)
	res, err := c.TranscribeRealtime(context.Background(), testWAV(2))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 chunk uploads, got %d", calls.Load())
	}
	if res.Transcript != "I would like to confirm my appointment" {
		t.Fatalf("unexpected merged transcript %q", res.Transcript)
	}
	// An all-zero payload is pure trailing silence.
	if res.TrailingSilence == 0 {
		t.Fatalf("expected trailing silence on silent audio")
	}
}

func TestCoquiClient_CachesPhrases(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write(testWAV(1))
	}))
	defer srv.Close()

	c := NewCoquiClient(CoquiConfig{BaseURL: srv.URL}, nil)
	for i := 0; i < 3; i++ {
		wav, err := c.Synthesize(context.Background(), "Hello there!")
		if err != nil {
			t.Fatalf("synthesize: %v", err)
		}
		if _, _, err := audio.Parse(wav); err != nil {
			t.Fatalf("invalid wav: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 backend call for a cached phrase, got %d", calls.Load())
	}
}

func TestCoquiClient_ConcatenatesSentences(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write(testWAV(1))
	}))
	defer srv.Close()

	c := NewCoquiClient(CoquiConfig{BaseURL: srv.URL}, nil)
	wav, err := c.Synthesize(context.Background(), "First sentence. Second one!")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected per-sentence calls, got %d", calls.Load())
	}
	d, err := audio.Duration(wav)
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if d.Seconds() < 1.9 || d.Seconds() > 2.1 {
		t.Fatalf("expected ~2s concatenated audio, got %v", d)
	}
}

type fakePolly struct {
	pcm []byte
}

func (f fakePolly) SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error) {
	return &polly.SynthesizeSpeechOutput{AudioStream: io.NopCloser(bytes.NewReader(f.pcm))}, nil
}

func TestPollyClient_WrapsPCMInWAV(t *testing.T) {
	pcm := make([]byte, 32000) // 1s at 16kHz mono 16-bit
	c := NewPollyClientWithAPI(PollyConfig{}, fakePolly{pcm: pcm})

	wav, err := c.Synthesize(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	m, got, err := audio.Parse(wav)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.SampleRate != 16000 || m.Channels != 1 || m.BitsPerSample != 16 {
		t.Fatalf("unexpected format %+v", m)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm payload altered")
	}
}
