package main

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/fluency/internal/app"
	"github.com/MrWong99/fluency/internal/config"
	"github.com/MrWong99/fluency/internal/observe"
	"github.com/MrWong99/fluency/internal/resilience"
	"github.com/MrWong99/fluency/pkg/provider/transcribe"
	"github.com/MrWong99/fluency/pkg/provider/transcribe/lelapa"
	"github.com/MrWong99/fluency/pkg/provider/transcribe/openai"
	"github.com/MrWong99/fluency/pkg/provider/transcribe/whisper"
)

// registerBuiltinProviders wires the shipped transcription backends into
// reg. decoder feeds PCM to the in-process whisper model; the remote
// backends record their attempts on m.
func registerBuiltinProviders(reg *config.Registry, decoder whisper.PCMDecoder, m *observe.Metrics) {
	reg.Register("lelapa", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		opts := []lelapa.Option{lelapa.WithMetrics(m)}
		if entry.BaseURL != "" {
			opts = append(opts, lelapa.WithEndpoint(entry.BaseURL))
		}
		return lelapa.New(entry.APIKey, opts...), nil
	})

	reg.Register("openai", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		opts := []openai.Option{openai.WithMetrics(m)}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	reg.Register("whisper", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// whisper-native takes the model file from Model, or options.model_path.
	reg.Register("whisper-native", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		return whisper.NewNative(modelPath, decoder)
	})

	for _, name := range reg.Names() {
		slog.Debug("registered transcription provider", "name", name)
	}
}

// buildProviders instantiates the configured backends. Setting
// options.breaker_max_failures > 0 on the primary puts it behind a circuit
// breaker that opens after that many consecutive failed analyses.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	entry := cfg.Transcription.Primary
	primary, err := reg.Create(entry)
	if err != nil {
		return nil, fmt.Errorf("create primary provider %q: %w", entry.Name, err)
	}
	if n := optInt(entry.Options, "breaker_max_failures"); n > 0 {
		primary = resilience.NewGuardedProvider(primary, resilience.CircuitBreakerConfig{MaxFailures: n})
		slog.Info("circuit breaker enabled", "provider", entry.Name, "max_failures", n)
	}
	ps := &app.Providers{Primary: primary}
	slog.Info("provider created", "role", "primary", "name", entry.Name)

	if fb := cfg.Transcription.Fallback; cfg.FallbackEnabled() {
		p, err := reg.Create(fb)
		if err != nil {
			return nil, fmt.Errorf("create fallback provider %q: %w", fb.Name, err)
		}
		ps.Fallback = p
		slog.Info("provider created", "role", "fallback", "name", fb.Name)
	}
	return ps, nil
}

func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// optInt accepts the integer shapes yaml.v3 produces. Missing keys give 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
