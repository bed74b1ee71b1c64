package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"outreach-platform/internal/audio"
)

// PollyClient is the managed-cloud Synthesizer. Polly returns raw PCM;
// the adapter wraps it in a WAV header so the pipeline handles cloud
// and self-hosted synthesis identically.

type pollyAPI interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type PollyConfig struct {
	Region  string
	VoiceID string
	Engine  string
	Timeout time.Duration
}

func (c PollyConfig) withDefaults() PollyConfig {
	out := c
	if strings.TrimSpace(out.Region) == "" {
		out.Region = "us-east-1"
	}
	if strings.TrimSpace(out.VoiceID) == "" {
		out.VoiceID = "Joanna"
	}
	if strings.TrimSpace(out.Engine) == "" {
		out.Engine = "neural"
	}
	if out.Timeout <= 0 {
		out.Timeout = 15 * time.Second
	}
	return out
}

const pollySampleRate = 16000

type PollyClient struct {
	cfg PollyConfig

	mu     sync.Mutex
	client pollyAPI
}

func NewPollyClient(cfg PollyConfig) *PollyClient {
	return &PollyClient{cfg: cfg.withDefaults()}
}

// NewPollyClientWithAPI injects a client, used by tests.
func NewPollyClientWithAPI(cfg PollyConfig, api pollyAPI) *PollyClient {
	return &PollyClient{cfg: cfg.withDefaults(), client: api}
}

func (p *PollyClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("speech: empty synthesis text")
	}

	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	sampleRate := fmt.Sprintf("%d", pollySampleRate)

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	out, err := client.SynthesizeSpeech(reqCtx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   &sampleRate,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(p.cfg.VoiceID),
	})
	if err != nil {
		return nil, normalizePollyError(err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, fmt.Errorf("%w: empty audio stream", ErrSynthesizerUnavailable)
	}
	defer out.AudioStream.Close()

	pcm, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio stream: %v", ErrSynthesizerUnavailable, err)
	}
	return audio.Encode(pcm, audio.Meta{Channels: 1, SampleRate: pollySampleRate, BitsPerSample: 16}), nil
}

func normalizePollyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidSsmlException", "TextLengthExceededException", "InvalidSampleRateException":
			return fmt.Errorf("speech: polly rejected request (%s): %w", apiErr.ErrorCode(), err)
		default:
			return fmt.Errorf("%w: polly %s", ErrSynthesizerUnavailable, apiErr.ErrorCode())
		}
	}
	return fmt.Errorf("%w: %v", ErrSynthesizerUnavailable, err)
}

func (p *PollyClient) resolveClient(ctx context.Context) (pollyAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("speech: load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}
