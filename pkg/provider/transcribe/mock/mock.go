// Package mock provides a test double for the transcribe.Provider interface.
//
// Provider returns scripted results and records every call, so tests can
// assert which backend ran, how often, and with which language:
//
//	p := &mock.Provider{ServiceName: "lelapa", Err: errors.New("503")}
//	_, err := p.Transcribe(ctx, "/tmp/a.mp3", "zulu")
//	p.CallCount() // 1
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/fluency/pkg/provider/transcribe"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	AudioPath string
	Language  string
}

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// ServiceName is returned by Name and set as Transcript.Service.
	// Defaults to "mock".
	ServiceName string

	// Text is the transcript returned when Err is nil.
	Text string

	// Err, if non-nil, is returned from every Transcribe call.
	Err error

	// TranscribeFunc, if set, overrides Text and Err entirely.
	TranscribeFunc func(ctx context.Context, audioPath, language string) (transcribe.Transcript, error)

	calls []TranscribeCall
}

// Ensure Provider implements transcribe.Provider at compile time.
var _ transcribe.Provider = (*Provider)(nil)

// Name returns ServiceName or "mock".
func (p *Provider) Name() string {
	if p.ServiceName == "" {
		return "mock"
	}
	return p.ServiceName
}

// Transcribe records the call and returns the scripted result.
func (p *Provider) Transcribe(ctx context.Context, audioPath, language string) (transcribe.Transcript, error) {
	p.mu.Lock()
	p.calls = append(p.calls, TranscribeCall{AudioPath: audioPath, Language: language})
	fn, text, err := p.TranscribeFunc, p.Text, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, audioPath, language)
	}
	if err != nil {
		return transcribe.Transcript{}, err
	}
	return transcribe.Transcript{Text: text, Service: p.Name()}, nil
}

// Calls returns a copy of all recorded calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
