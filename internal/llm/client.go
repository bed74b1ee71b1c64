package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to an Ollama-compatible generation endpoint. It also
// implements the model runtime's Warm/Unload surface: warming issues a
// one-token generation with a long keep-alive, unloading sets the
// keep-alive to zero so the runtime evicts the model.

var ErrUnavailable = errors.New("llm: model endpoint unavailable")

type Client struct {
	baseURL string
	httpc   *http.Client
	log     *slog.Logger
}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

func NewClient(cfg ClientConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpc:   &http.Client{Timeout: timeout},
		log:     log,
	}
}

type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	KeepAlive   string
}

type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

func (c *Client) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (string, error) {
	req := generateRequest{
		Model:     model,
		Prompt:    prompt,
		Stream:    false,
		KeepAlive: opts.KeepAlive,
	}
	options := map[string]any{}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		req.Options = options
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: generate returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("llm: decode generate response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("llm: generate failed: %s", out.Error)
	}
	return out.Response, nil
}

// Warm loads the model and keeps it resident for a while.
func (c *Client) Warm(ctx context.Context, model string) error {
	_, err := c.Generate(ctx, model, "ok", GenerateOptions{MaxTokens: 1, KeepAlive: "30m"})
	if err != nil {
		return fmt.Errorf("llm: warm %s: %w", model, err)
	}
	return nil
}

// Unload asks the runtime to evict the model immediately.
func (c *Client) Unload(ctx context.Context, model string) error {
	_, err := c.Generate(ctx, model, "", GenerateOptions{KeepAlive: "0"})
	if err != nil {
		return fmt.Errorf("llm: unload %s: %w", model, err)
	}
	return nil
}

// CheckAvailability probes the endpoint's model list.
func (c *Client) CheckAvailability(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
