// Package transcribe defines the Provider interface for batch speech-to-text
// backends.
//
// A transcription provider takes a normalised audio file on disk (mono,
// 16 kHz) and a learner language name (e.g. "english", "zulu") and returns the
// recognised text. Remote providers (Lelapa, OpenAI) map the language name to
// their own code set and reject languages they do not support; the local
// whisper providers accept whatever language they were configured for.
//
// Implementations must be safe for concurrent use. Multiple analyses may
// transcribe at the same time.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Transcript is the outcome of a successful transcription call.
type Transcript struct {
	// Text is the recognised speech. It may be empty when the backend heard
	// nothing or omitted the transcript field.
	Text string

	// Service names the backend that produced Text (e.g. "lelapa", "whisper").
	Service string
}

// Provider is the abstraction over any batch transcription backend.
type Provider interface {
	// Name returns the short service tag reported as Transcript.Service.
	Name() string

	// Transcribe recognises the speech in the audio file at audioPath.
	// language is one of the learner language names (see [LanguageCodes]).
	//
	// Returns [ErrMissingCredential] or [ErrUnsupportedLanguage] without any
	// network traffic when the call cannot possibly succeed.
	Transcribe(ctx context.Context, audioPath, language string) (Transcript, error)
}

// Sentinel errors shared by all providers.
var (
	// ErrMissingCredential is returned when a remote provider has no API
	// credential configured. It is never retried.
	ErrMissingCredential = errors.New("transcribe: no API credential configured")

	// ErrUnsupportedLanguage is returned when the requested language is not in
	// the provider's supported set. It is never retried.
	ErrUnsupportedLanguage = errors.New("transcribe: unsupported language")

	// ErrTimeout marks an attempt that exceeded its per-attempt deadline.
	ErrTimeout = errors.New("transcribe: request timed out")
)

// RemoteError is returned when a remote service answers with a non-2xx
// status. Body holds the raw response body, untruncated.
type RemoteError struct {
	Service    string
	StatusCode int
	Body       string
}

// Error formats the status code and body verbatim so it can be shown to the
// user as the task's failure detail.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Service, e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *RemoteError) HTTPStatus() int { return e.StatusCode }

// LanguageCodes maps the learner language names accepted by the service to
// the ISO 639-3 codes used by the primary remote backend.
var LanguageCodes = map[string]string{
	"english":   "eng",
	"afrikaans": "afr",
	"sesotho":   "sot",
	"zulu":      "zul",
}

// FallbackLanguage is the only language the local fallback model is trusted
// with.
const FallbackLanguage = "english"

// DefaultLanguage applies when an upload does not name a language.
const DefaultLanguage = "english"

// Languages returns the supported language names in sorted order.
func Languages() []string {
	return slices.Sorted(maps.Keys(LanguageCodes))
}

// IsSupported reports whether language is one of [LanguageCodes].
func IsSupported(language string) bool {
	_, ok := LanguageCodes[language]
	return ok
}
