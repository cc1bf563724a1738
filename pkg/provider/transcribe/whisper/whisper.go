// Package whisper provides local whisper.cpp transcription providers used as
// the English fallback.
//
// [Provider] posts the normalised file to a running whisper-server binary
// (POST /inference). [NativeProvider] runs the model in-process through the
// whisper.cpp CGO bindings and loads it lazily on first use.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithModel("base"))
//	t, err := p.Transcribe(ctx, "/tmp/task/audio.mp3", "english")
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/fluency/pkg/provider/transcribe"
)

// ServiceName is reported as Transcript.Service by both providers.
const ServiceName = "whisper"

const defaultTimeout = 5 * time.Minute

// languageCodes maps learner languages to whisper's ISO 639-1 codes.
var languageCodes = map[string]string{
	"english":   "en",
	"afrikaans": "af",
	"sesotho":   "st",
	"zulu":      "zu",
}

// code resolves a learner language to the whisper language code.
func code(language string) (string, error) {
	c, ok := languageCodes[language]
	if !ok {
		return "", fmt.Errorf("whisper: %w: %q", transcribe.ErrUnsupportedLanguage, language)
	}
	return c, nil
}

// Compile-time assertion that Provider implements transcribe.Provider.
var _ transcribe.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base", "small"). When empty the server uses whichever model it was
// started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithHTTPClient replaces the HTTP client. The default has a 5 minute
// timeout, enough for a long recording on CPU.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements transcribe.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// New creates a Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements transcribe.Provider.
func (p *Provider) Name() string { return ServiceName }

// Transcribe uploads the file at audioPath to the /inference endpoint as
// multipart/form-data and returns the recognised text.
func (p *Provider) Transcribe(ctx context.Context, audioPath, language string) (transcribe.Transcript, error) {
	lang, err := code(language)
	if err != nil {
		return transcribe.Transcript{}, err
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whisper: read audio: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whisper: write audio data: %w", err)
	}
	if err := mw.WriteField("language", lang); err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whisper: write language field: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whisper: write format field: %w", err)
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return transcribe.Transcript{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return transcribe.Transcript{}, &transcribe.RemoteError{Service: "Whisper", StatusCode: resp.StatusCode, Body: string(data)}
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return transcribe.Transcript{Text: strings.TrimSpace(result.Text), Service: ServiceName}, nil
}
