// Package app wires the fluency subsystems into a running service.
//
// New builds everything from the config, Run serves HTTP until the context
// is cancelled, and Shutdown waits for in-flight analyses before releasing
// resources.
//
// For tests, inject doubles through the functional options (WithNormalizer,
// WithArchiver). Anything not injected is built from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fluency/internal/analysis"
	"github.com/MrWong99/fluency/internal/config"
	"github.com/MrWong99/fluency/internal/fluency"
	"github.com/MrWong99/fluency/internal/health"
	"github.com/MrWong99/fluency/internal/media"
	"github.com/MrWong99/fluency/internal/observe"
	"github.com/MrWong99/fluency/internal/server"
	"github.com/MrWong99/fluency/internal/store/postgres"
	"github.com/MrWong99/fluency/internal/task"
	"github.com/MrWong99/fluency/pkg/provider/transcribe"
)

// Providers holds the transcription backends. Fallback may be nil.
// Populated by main via the config registry.
type Providers struct {
	Primary  transcribe.Provider
	Fallback transcribe.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	level      *slog.LevelVar
	metrics    *observe.Metrics
	normalizer analysis.Normalizer
	archive    analysis.Archiver
	registry   *task.Registry
	scorer     *fluency.Scorer
	orch       *analysis.Orchestrator
	handler    http.Handler

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option configures New.
type Option func(*App)

// WithNormalizer injects the audio normalizer instead of building one from
// cfg.Media.
func WithNormalizer(n analysis.Normalizer) Option {
	return func(a *App) { a.normalizer = n }
}

// WithArchiver injects the result archive instead of connecting to
// cfg.Storage.PostgresDSN.
func WithArchiver(ar analysis.Archiver) Option {
	return func(a *App) { a.archive = ar }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// NewNormalizer builds the ffmpeg normalizer described by cfg.
func NewNormalizer(cfg config.MediaConfig) *media.Normalizer {
	var opts []media.Option
	if cfg.FFmpegPath != "" {
		opts = append(opts, media.WithFFmpegPath(cfg.FFmpegPath))
	}
	if cfg.FFprobePath != "" {
		opts = append(opts, media.WithFFprobePath(cfg.FFprobePath))
	}
	return media.NewNormalizer(opts...)
}

// New wires the application. providers.Primary is required.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Primary == nil {
		return nil, errors.New("app: a primary transcription provider is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.normalizer == nil {
		a.normalizer = NewNormalizer(cfg.Media)
	}

	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}
	a.registerProviderClosers()

	a.registry = task.NewRegistry()
	a.scorer = fluency.NewScorer(cfg.Standards)

	orchOpts := []analysis.Option{
		analysis.WithMetrics(a.metrics),
		analysis.WithMaxConcurrent(cfg.Analysis.MaxConcurrent),
	}
	if cfg.Storage.TempDir != "" {
		orchOpts = append(orchOpts, analysis.WithTempDir(cfg.Storage.TempDir))
	}
	if providers.Fallback != nil {
		orchOpts = append(orchOpts, analysis.WithFallback(providers.Fallback))
	}
	if a.archive != nil {
		orchOpts = append(orchOpts, analysis.WithArchiver(a.archive))
	}
	orch, err := analysis.New(a.registry, a.normalizer, providers.Primary, a.scorer, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.orch = orch

	srv, err := server.New(server.Config{
		Submitter:      orch,
		Registry:       a.registry,
		Health:         health.New(a.readinessCheckers()...),
		Status:         a.status,
		Metrics:        a.metrics,
		MetricsHandler: observe.MetricsHandler(),
		PollInterval:   cfg.Analysis.StreamPollInterval,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.handler = srv
	return a, nil
}

func (a *App) initArchive(ctx context.Context) error {
	if a.archive != nil || a.cfg.Storage.PostgresDSN == "" {
		return nil
	}
	store, err := postgres.NewStore(ctx, a.cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	a.archive = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("analysis archive enabled")
	return nil
}

// registerProviderClosers releases providers holding resources, such as a
// loaded whisper model.
func (a *App) registerProviderClosers() {
	for _, p := range []transcribe.Provider{a.providers.Primary, a.providers.Fallback} {
		if c, ok := unwrap(p).(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}
}

func (a *App) readinessCheckers() []health.Checker {
	ffmpeg := a.cfg.Media.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	checks := []health.Checker{
		health.Binary("ffmpeg", ffmpeg),
		health.Configured("transcription", a.transcriptionConfigured),
	}
	if p, ok := a.archive.(health.Pinger); ok {
		checks = append(checks, health.Ping("archive", p))
	}
	return checks
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the analysis orchestrator.
func (a *App) Orchestrator() *analysis.Orchestrator { return a.orch }

// Registry returns the task registry.
func (a *App) Registry() *task.Registry { return a.registry }

func (a *App) status() server.Status {
	return server.Status{
		TranscriptionConfigured: a.transcriptionConfigured(),
		WhisperLoaded:           a.whisperLoaded(),
		GradeLevels:             a.scorer.Standards().Grades(),
	}
}

func (a *App) transcriptionConfigured() bool {
	if c, ok := unwrap(a.providers.Primary).(interface{ Configured() bool }); ok {
		return c.Configured()
	}
	return true
}

// whisperLoaded reports whether the local fallback can serve requests
// without a model load.
func (a *App) whisperLoaded() bool {
	if a.providers.Fallback == nil {
		return false
	}
	if l, ok := unwrap(a.providers.Fallback).(interface{ Loaded() bool }); ok {
		return l.Loaded()
	}
	return true
}

func unwrap(p transcribe.Provider) transcribe.Provider {
	for {
		u, ok := p.(interface{ Unwrap() transcribe.Provider })
		if !ok {
			return p
		}
		p = u.Unwrap()
	}
}

// ApplyConfig installs the hot-reloadable parts of a new config. It is the
// callback for [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.StandardsChanged {
		std := d.NewStandards
		if std == nil {
			std = fluency.DefaultStandards()
		}
		a.scorer.SetStandards(std)
		slog.Info("fluency standards reloaded", "grades", d.ChangedGrades)
	}
	if d.RestartRequired {
		slog.Warn("configuration changes require a restart to take effect")
	}
}

// Run listens on cfg.Server.ListenAddr and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled, then stops accepting
// requests. Open progress streams end with ctx. It returns ctx.Err() after a
// clean stop.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown waits for in-flight analyses, then runs the closers. If ctx
// expires first the remaining work is skipped and ctx's error returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "tasks", a.registry.Len(), "closers", len(a.closers))

		if err := a.orch.Wait(ctx); err != nil {
			slog.Warn("analyses still running at shutdown deadline", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
