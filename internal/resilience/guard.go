package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/fluency/pkg/provider/transcribe"
)

// GuardedProvider wraps a [transcribe.Provider] with a [CircuitBreaker].
// While the breaker is open, Transcribe fails immediately with an error
// wrapping both [ErrCircuitOpen] and the last backend failure, so callers
// still see the remote status and body.
type GuardedProvider struct {
	inner   transcribe.Provider
	breaker *CircuitBreaker

	mu      sync.Mutex
	lastErr error
}

// Compile-time interface assertion.
var _ transcribe.Provider = (*GuardedProvider)(nil)

// NewGuardedProvider guards p with a breaker built from cfg. Configuration
// errors, unsupported languages and caller cancellation do not count as
// backend failures.
func NewGuardedProvider(p transcribe.Provider, cfg CircuitBreakerConfig) *GuardedProvider {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	if cfg.Ignore == nil {
		cfg.Ignore = isCallerError
	}
	return &GuardedProvider{inner: p, breaker: NewCircuitBreaker(cfg)}
}

// Name returns the wrapped provider's name.
func (g *GuardedProvider) Name() string { return g.inner.Name() }

// Unwrap returns the wrapped provider.
func (g *GuardedProvider) Unwrap() transcribe.Provider { return g.inner }

// Breaker exposes the underlying breaker for health reporting.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }

// Transcribe forwards to the wrapped provider unless the breaker is open.
func (g *GuardedProvider) Transcribe(ctx context.Context, audioPath, language string) (transcribe.Transcript, error) {
	var out transcribe.Transcript
	err := g.breaker.Execute(func() error {
		var err error
		out, err = g.inner.Transcribe(ctx, audioPath, language)
		return err
	})
	switch {
	case errors.Is(err, ErrCircuitOpen):
		if last := g.lastError(); last != nil {
			return transcribe.Transcript{}, fmt.Errorf("%s: %w; last error: %w", g.inner.Name(), err, last)
		}
		return transcribe.Transcript{}, fmt.Errorf("%s: %w", g.inner.Name(), err)
	case err != nil && !isCallerError(err):
		g.mu.Lock()
		g.lastErr = err
		g.mu.Unlock()
	}
	return out, err
}

func (g *GuardedProvider) lastError() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

func isCallerError(err error) bool {
	return errors.Is(err, transcribe.ErrMissingCredential) ||
		errors.Is(err, transcribe.ErrUnsupportedLanguage) ||
		errors.Is(err, context.Canceled)
}
