// Package lelapa implements transcribe.Provider against the Lelapa AI
// (Vulavula) synchronous file transcription API.
//
// Each call uploads the whole normalised file as multipart/form-data and
// waits for the transcript. Failed attempts are retried according to a
// [resilience.RetryPolicy]; non-2xx answers count against the same budget as
// timeouts and transport errors.
//
// Usage:
//
//	p := lelapa.New(os.Getenv("LELAPA_API_TOKEN"))
//	t, err := p.Transcribe(ctx, "/tmp/task/audio.mp3", "zulu")
package lelapa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/fluency/internal/observe"
	"github.com/MrWong99/fluency/internal/resilience"
	"github.com/MrWong99/fluency/pkg/provider/transcribe"
)

// DefaultEndpoint is the production sync transcription URL.
const DefaultEndpoint = "https://vulavula-services.lelapa.ai/api/v2alpha/transcribe/sync/file"

// ServiceName is reported as Transcript.Service.
const ServiceName = "lelapa"

// Compile-time assertion that Provider implements transcribe.Provider.
var _ transcribe.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithEndpoint overrides the transcription URL. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithHTTPClient replaces the HTTP client. Per-attempt deadlines come from
// the retry policy, so the client should not set its own Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithRetryPolicy overrides [resilience.DefaultRetryPolicy].
func WithRetryPolicy(rp resilience.RetryPolicy) Option {
	return func(p *Provider) { p.retry = rp }
}

// WithMetrics records attempt counts and latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// Provider is the Lelapa transcription client. It is safe for concurrent use.
type Provider struct {
	token      string
	endpoint   string
	httpClient *http.Client
	retry      resilience.RetryPolicy
	metrics    *observe.Metrics
}

// New creates a Provider. An empty token is accepted; every Transcribe call
// then fails with [transcribe.ErrMissingCredential] without network traffic.
func New(token string, opts ...Option) *Provider {
	p := &Provider{
		token:      token,
		endpoint:   DefaultEndpoint,
		httpClient: &http.Client{},
		retry:      resilience.DefaultRetryPolicy(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements transcribe.Provider.
func (p *Provider) Name() string { return ServiceName }

// Configured reports whether an API token is set.
func (p *Provider) Configured() bool { return p.token != "" }

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, audioPath, language string) (transcribe.Transcript, error) {
	if p.token == "" {
		return transcribe.Transcript{}, fmt.Errorf("lelapa: %w", transcribe.ErrMissingCredential)
	}
	code, ok := transcribe.LanguageCodes[language]
	if !ok {
		return transcribe.Transcript{}, fmt.Errorf("lelapa: %w: %q", transcribe.ErrUnsupportedLanguage, language)
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return transcribe.Transcript{}, fmt.Errorf("lelapa: read audio: %w", err)
	}

	log := observe.Logger(ctx).With("provider", ServiceName, "language", language)
	policy := p.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("lelapa attempt failed, retrying", "attempt", attempt+1, "wait", wait, "err", err)
	}

	text, err := resilience.Retry(ctx, policy, func(ctx context.Context, attempt int) (string, error) {
		start := time.Now()
		text, err := p.post(ctx, audio, filepath.Base(audioPath), code)
		if p.metrics != nil {
			p.metrics.RecordTranscription(ctx, ServiceName, time.Since(start), err)
		}
		return text, err
	})
	if err != nil {
		if errors.Is(err, transcribe.ErrTimeout) && ctx.Err() == nil {
			return transcribe.Transcript{}, fmt.Errorf("Lelapa API timed out after %d attempts: %w", max(policy.MaxAttempts, 1), err)
		}
		return transcribe.Transcript{}, err
	}
	return transcribe.Transcript{Text: text, Service: ServiceName}, nil
}

// response is the subset of the API answer the service consumes.
type response struct {
	TranscriptionText string `json:"transcription_text"`
}

// post performs a single upload attempt.
func (p *Provider) post(ctx context.Context, audio []byte, filename, langCode string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", "audio/mp3")
	fw, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("lelapa: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("lelapa: write audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("lelapa: close multipart writer: %w", err)
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("lelapa: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("lang_code", langCode)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &body)
	if err != nil {
		return "", fmt.Errorf("lelapa: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-CLIENT-TOKEN", p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("lelapa: %w: %w", transcribe.ErrTimeout, err)
		}
		return "", fmt.Errorf("lelapa: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("lelapa: %w: %w", transcribe.ErrTimeout, err)
		}
		return "", fmt.Errorf("lelapa: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &transcribe.RemoteError{Service: "Lelapa", StatusCode: resp.StatusCode, Body: string(data)}
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return "", fmt.Errorf("lelapa: parse JSON response: %w", err)
	}
	slog.Debug("lelapa transcription received", "chars", len(r.TranscriptionText))
	return strings.TrimSpace(r.TranscriptionText), nil
}
