package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/fluency/internal/config"
	"github.com/MrWong99/fluency/internal/observe"
	"github.com/MrWong99/fluency/internal/resilience"
)

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, nil, nil)

	cfg := config.Default()
	cfg.Transcription.Primary = config.ProviderEntry{Name: "lelapa", APIKey: "tok", Options: map[string]any{"breaker_max_failures": 2}}
	cfg.Transcription.Fallback = config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:8080"}

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	g, ok := ps.Primary.(*resilience.GuardedProvider)
	if !ok {
		t.Fatalf("primary = %T, want guarded", ps.Primary)
	}
	if g.Name() != "lelapa" || ps.Fallback == nil || ps.Fallback.Name() != "whisper" {
		t.Errorf("primary %q fallback %v", g.Name(), ps.Fallback)
	}
}

func TestBuildProviders_Unknown(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Transcription.Primary.Name = "nope"
	_, err := buildProviders(cfg, config.NewRegistry())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v", err)
	}
}

func TestOptInt(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"a": 3, "b": int64(4), "c": 5.0, "d": "x"}
	for key, want := range map[string]int{"a": 3, "b": 4, "c": 5, "d": 0, "missing": 0} {
		if got := optInt(opts, key); got != want {
			t.Errorf("optInt(%q) = %d, want %d", key, got, want)
		}
	}
	if optString(opts, "d") != "x" || optString(nil, "d") != "" {
		t.Error("optString")
	}
}

func TestBuildProviders_NoBreakerByDefault(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, nil, nil)

	cfg := config.Default()
	cfg.Transcription.Primary.APIKey = "tok"
	cfg.Transcription.Fallback.Name = config.FallbackDisabled

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if _, guarded := ps.Primary.(*resilience.GuardedProvider); guarded {
		t.Error("primary is behind a circuit breaker without breaker_max_failures")
	}
	if ps.Fallback != nil {
		t.Errorf("fallback = %v, want none", ps.Fallback)
	}
}

func TestRegisteredLelapa_RecordsAttempts(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transcription_text":"sawubona"}`))
	}))
	t.Cleanup(srv.Close)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, nil, m)
	p, err := reg.Create(config.ProviderEntry{Name: "lelapa", APIKey: "tok", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	audio := filepath.Join(t.TempDir(), "a.mp3")
	if err := os.WriteFile(audio, []byte("ID3"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Transcribe(context.Background(), audio, "zulu"); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var attempts int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "fluency.transcription.attempts" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("attempts data = %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("provider"); ok && v.AsString() == "lelapa" {
					attempts += dp.Value
				}
			}
		}
	}
	if attempts != 1 {
		t.Errorf("lelapa attempts = %d, want 1", attempts)
	}
}
