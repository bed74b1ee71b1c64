package speech

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"outreach-platform/internal/audio"
)

// CoquiClient drives a Coqui-style HTTP TTS server. Long replies are
// synthesized sentence by sentence and concatenated; short recurring
// phrases (greetings, closings) are served from an in-process cache so
// answer-to-first-audio latency stays low.

type CoquiConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	CacheSize   int
}

type CoquiClient struct {
	cfg   CoquiConfig
	httpc *http.Client
	log   *slog.Logger

	mu    sync.Mutex
	cache map[string][]byte
}

func NewCoquiClient(cfg CoquiConfig, log *slog.Logger) *CoquiClient {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CoquiClient{
		cfg:   cfg,
		httpc: &http.Client{Timeout: timeout},
		log:   log,
		cache: map[string][]byte{},
	}
}

func (c *CoquiClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("speech: empty synthesis text")
	}

	key := strings.ToLower(text)
	if wav := c.cached(key); wav != nil {
		return wav, nil
	}

	sentences := splitSentences(text)
	parts := make([][]byte, 0, len(sentences))
	for _, s := range sentences {
		wav, err := c.synthesizeOne(ctx, s)
		if err != nil {
			return nil, err
		}
		parts = append(parts, wav)
	}

	wav := parts[0]
	if len(parts) > 1 {
		merged, err := audio.Concat(parts)
		if err != nil {
			return nil, fmt.Errorf("speech: join synthesized sentences: %w", err)
		}
		wav = merged
	}

	c.store(key, wav)
	return wav, nil
}

func (c *CoquiClient) synthesizeOne(ctx context.Context, text string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		wav, err := c.request(ctx, text)
		if err == nil {
			return wav, nil
		}
		lastErr = err
		c.log.Warn("synthesis attempt failed", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (c *CoquiClient) request(ctx context.Context, text string) ([]byte, error) {
	u := c.cfg.BaseURL + "/api/tts?text=" + url.QueryEscape(text)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesizerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSynthesizerUnavailable, resp.StatusCode)
	}
	wav, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if _, _, err := audio.Parse(wav); err != nil {
		return nil, fmt.Errorf("speech: synthesizer returned invalid audio: %w", err)
	}
	return wav, nil
}

func (c *CoquiClient) cached(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache[key]
}

func (c *CoquiClient) store(key string, wav []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cache) >= c.cfg.CacheSize {
		for k := range c.cache {
			delete(c.cache, k)
			break
		}
	}
	c.cache[key] = wav
}

func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	if len(out) == 0 {
		out = append(out, strings.TrimSpace(text))
	}
	return out
}
