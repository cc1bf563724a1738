// Package observe provides application-wide observability primitives for the
// fluency service: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all service metrics.
const meterName = "github.com/MrWong99/fluency"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per analysis stage ---

	// NormalizeDuration tracks ffmpeg conversion latency.
	NormalizeDuration metric.Float64Histogram

	// TranscriptionDuration tracks the latency of a single transcription
	// attempt. Use with attribute.String("provider", ...).
	TranscriptionDuration metric.Float64Histogram

	// AnalysisDuration tracks end-to-end analysis latency from submission to
	// the terminal state. Use with attribute.String("status", ...).
	AnalysisDuration metric.Float64Histogram

	// --- Counters ---

	// TranscriptionAttempts counts transcription attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	TranscriptionAttempts metric.Int64Counter

	// FallbackTranscriptions counts analyses that switched to the local model.
	FallbackTranscriptions metric.Int64Counter

	// TasksSubmitted counts accepted uploads.
	TasksSubmitted metric.Int64Counter

	// TasksFinished counts analyses reaching a terminal state. Use with
	// attributes attribute.String("status", ...), attribute.String("band", ...).
	TasksFinished metric.Int64Counter

	// --- Gauges ---

	// ActiveTasks tracks analyses currently in flight.
	ActiveTasks metric.Int64UpDownCounter

	// ActiveStreams tracks open progress streams (SSE and WebSocket).
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// batch audio processing, which runs from sub-second conversions to remote
// calls of several minutes.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.NormalizeDuration, err = m.Float64Histogram("fluency.normalize.duration",
		metric.WithDescription("Latency of audio normalisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("fluency.transcription.duration",
		metric.WithDescription("Latency of a single transcription attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("fluency.analysis.duration",
		metric.WithDescription("End-to-end analysis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TranscriptionAttempts, err = m.Int64Counter("fluency.transcription.attempts",
		metric.WithDescription("Transcription attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.FallbackTranscriptions, err = m.Int64Counter("fluency.transcription.fallbacks",
		metric.WithDescription("Analyses that fell back to the local model."),
	); err != nil {
		return nil, err
	}
	if met.TasksSubmitted, err = m.Int64Counter("fluency.tasks.submitted",
		metric.WithDescription("Accepted analysis uploads."),
	); err != nil {
		return nil, err
	}
	if met.TasksFinished, err = m.Int64Counter("fluency.tasks.finished",
		metric.WithDescription("Analyses reaching a terminal state by status and band."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTasks, err = m.Int64UpDownCounter("fluency.tasks.active",
		metric.WithDescription("Analyses currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("fluency.streams.active",
		metric.WithDescription("Open progress streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("fluency.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// attemptStatus maps an attempt error to the status attribute value.
func attemptStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// RecordTranscription records one transcription attempt: its latency and an
// attempt counter increment labelled with the outcome.
func (m *Metrics) RecordTranscription(ctx context.Context, provider string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.TranscriptionDuration.Record(ctx, d.Seconds(), attrs)
	m.TranscriptionAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", attemptStatus(err)),
		),
	)
}

// RecordTaskFinished records a terminal analysis with its status and band.
// band is empty for failed analyses.
func (m *Metrics) RecordTaskFinished(ctx context.Context, status, band string, seconds float64) {
	m.TasksFinished.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("band", band),
		),
	)
	m.AnalysisDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}
