// Package openai provides a remote transcription provider backed by the OpenAI
// audio transcription API (whisper-1).
//
// It is an alternative primary to the Lelapa provider and follows the same
// contract: credential and language are checked before any traffic, and the
// retry budget is owned by a [resilience.RetryPolicy] rather than the SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/fluency/internal/observe"
	"github.com/MrWong99/fluency/internal/resilience"
	"github.com/MrWong99/fluency/pkg/provider/transcribe"
)

// ServiceName is reported as Transcript.Service.
const ServiceName = "openai"

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = oai.AudioModelWhisper1

// languageHints maps learner languages to the ISO 639-1 hint sent to the API.
// Languages without an entry are sent without a hint and auto-detected.
var languageHints = map[string]string{
	"english":   "en",
	"afrikaans": "af",
}

// Ensure Provider implements the transcribe.Provider interface.
var _ transcribe.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   oai.AudioModel
	retry   *resilience.RetryPolicy
	metrics *observe.Metrics
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(c *config) { c.model = oai.AudioModel(model) }
}

// WithRetryPolicy overrides [resilience.DefaultRetryPolicy].
func WithRetryPolicy(rp resilience.RetryPolicy) Option {
	return func(c *config) { c.retry = &rp }
}

// WithMetrics records attempt counts and latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// Provider implements transcribe.Provider using the OpenAI API.
type Provider struct {
	client  oai.Client
	apiKey  string
	model   oai.AudioModel
	retry   resilience.RetryPolicy
	metrics *observe.Metrics
}

// New constructs a Provider. An empty apiKey is accepted; Transcribe then
// fails with [transcribe.ErrMissingCredential].
func New(apiKey string, opts ...Option) *Provider {
	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	p := &Provider{
		client:  oai.NewClient(reqOpts...),
		apiKey:  apiKey,
		model:   cfg.model,
		retry:   resilience.DefaultRetryPolicy(),
		metrics: cfg.metrics,
	}
	if cfg.retry != nil {
		p.retry = *cfg.retry
	}
	return p
}

// Name implements transcribe.Provider.
func (p *Provider) Name() string { return ServiceName }

// Configured reports whether an API key is set.
func (p *Provider) Configured() bool { return p.apiKey != "" }

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, audioPath, language string) (transcribe.Transcript, error) {
	if p.apiKey == "" {
		return transcribe.Transcript{}, fmt.Errorf("openai: %w", transcribe.ErrMissingCredential)
	}
	if !transcribe.IsSupported(language) {
		return transcribe.Transcript{}, fmt.Errorf("openai: %w: %q", transcribe.ErrUnsupportedLanguage, language)
	}

	log := observe.Logger(ctx).With("provider", ServiceName, "language", language)
	policy := p.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("openai attempt failed, retrying", "attempt", attempt+1, "wait", wait, "err", err)
	}

	text, err := resilience.Retry(ctx, policy, func(ctx context.Context, _ int) (string, error) {
		start := time.Now()
		text, err := p.once(ctx, audioPath, language)
		if p.metrics != nil {
			p.metrics.RecordTranscription(ctx, ServiceName, time.Since(start), err)
		}
		return text, err
	})
	if err != nil {
		if errors.Is(err, transcribe.ErrTimeout) && ctx.Err() == nil {
			return transcribe.Transcript{}, fmt.Errorf("OpenAI API timed out after %d attempts: %w", max(policy.MaxAttempts, 1), err)
		}
		return transcribe.Transcript{}, err
	}
	return transcribe.Transcript{Text: text, Service: ServiceName}, nil
}

// once performs a single upload attempt. The file is reopened per attempt
// because the SDK consumes the reader.
func (p *Provider) once(ctx context.Context, audioPath, language string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("openai: open audio: %w", err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		File:  f,
		Model: p.model,
	}
	if hint, ok := languageHints[language]; ok {
		params.Language = oai.String(hint)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return "", &transcribe.RemoteError{Service: "OpenAI", StatusCode: apiErr.StatusCode, Body: apiErr.Message}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("openai: %w: %w", transcribe.ErrTimeout, err)
		}
		return "", fmt.Errorf("openai: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
