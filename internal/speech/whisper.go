package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"outreach-platform/internal/audio"
)

// WhisperClient drives a whisper.cpp-style HTTP server. Long audio is
// split into chunks before upload; per-chunk partials are merged with
// overlap removal so chunk boundaries do not duplicate words.

type WhisperConfig struct {
	BaseURL  string
	ChunkLen time.Duration
	Timeout  time.Duration

	// SilenceRMS is the endpointing floor; zero uses the default.
	SilenceRMS float64
}

type WhisperClient struct {
	cfg   WhisperConfig
	httpc *http.Client
	log   *slog.Logger
}

func NewWhisperClient(cfg WhisperConfig, log *slog.Logger) *WhisperClient {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ChunkLen <= 0 {
		cfg.ChunkLen = 20 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WhisperClient{cfg: cfg, httpc: &http.Client{Timeout: timeout}, log: log}
}

func (c *WhisperClient) Transcribe(ctx context.Context, wav []byte) (string, error) {
	res, err := c.TranscribeRealtime(ctx, wav)
	if err != nil {
		return "", err
	}
	return res.Transcript, nil
}

func (c *WhisperClient) TranscribeRealtime(ctx context.Context, wav []byte) (RealtimeResult, error) {
	chunks, err := audio.Split(wav, c.cfg.ChunkLen)
	if err != nil {
		return RealtimeResult{}, fmt.Errorf("speech: prepare audio: %w", err)
	}

	partials := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		text, err := c.transcribeChunk(ctx, chunk)
		if err != nil {
			return RealtimeResult{}, err
		}
		if text = SanitizeTranscript(text); text != "" {
			partials = append(partials, text)
		}
	}

	silence, err := audio.TrailingSilence(wav, c.cfg.SilenceRMS)
	if err != nil {
		// 8-bit or exotic formats: no endpointing signal, not fatal.
		c.log.Debug("trailing silence probe failed", "err", err)
		silence = 0
	}

	return RealtimeResult{
		Transcript:      audio.MergePartials(partials),
		Partials:        partials,
		TrailingSilence: silence,
	}, nil
}

func (c *WhisperClient) transcribeChunk(ctx context.Context, chunk []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(chunk); err != nil {
		return "", err
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/inference", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriberUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrTranscriberUnavailable, resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("speech: decode transcription: %w", err)
	}
	return out.Text, nil
}
