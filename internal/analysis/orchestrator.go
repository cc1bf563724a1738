// Package analysis runs a reading-fluency analysis end to end: persist the
// upload, normalise the audio, transcribe it (primary backend, local
// fallback for English), score the reading speed and publish the result to
// the task registry.
//
// Each submission runs in its own goroutine. Every failure, including a
// panic, ends the task in [task.Failed]; no task is left Processing.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/fluency/internal/fluency"
	"github.com/MrWong99/fluency/internal/observe"
	"github.com/MrWong99/fluency/internal/task"
	"github.com/MrWong99/fluency/pkg/provider/transcribe"
)

// DefaultGradeLevel applies when an upload does not name a grade.
const DefaultGradeLevel = fluency.DefaultGrade

// DefaultArchiveTimeout bounds one [Archiver.Archive] call.
const DefaultArchiveTimeout = 10 * time.Second

// defaultSuffix is kept for uploads whose filename has no extension.
const defaultSuffix = ".webm"

// ErrConversion is the failure detail of a task whose audio could not be
// normalised.
var ErrConversion = errors.New("audio conversion failed")

// Normalizer converts uploads and measures them. Implemented by
// *media.Normalizer.
type Normalizer interface {
	Normalize(ctx context.Context, inputPath string) (string, error)
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Archiver persists finished analyses. Implemented by the PostgreSQL store.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// Upload is one submitted recording.
type Upload struct {
	Audio      io.Reader
	Filename   string
	Language   string
	GradeLevel string
}

// Result is the payload of a completed task.
type Result struct {
	Success              bool               `json:"success"`
	TranscriptionService string             `json:"transcription_service"`
	Language             string             `json:"language"`
	GradeLevel           string             `json:"grade_level"`
	AudioDurationSeconds float64            `json:"audio_duration_seconds"`
	TranscribedText      string             `json:"transcribed_text"`
	WordCount            int                `json:"word_count"`
	WordsPerMinute       float64            `json:"words_per_minute"`
	FluencyAssessment    fluency.Assessment `json:"fluency_assessment"`
}

// Failure is the payload of a failed task.
type Failure struct {
	Error string `json:"error"`
}

// TranscriptionResult is the outcome of the transcription step.
type TranscriptionResult struct {
	Succeeded   bool
	Text        string
	ServiceUsed string
	ErrorDetail string
}

// Record is what an [Archiver] receives once a task is terminal.
type Record struct {
	TaskID     string
	Status     task.Status
	Language   string
	GradeLevel string
	Result     *Result
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithFallback sets the local provider tried when the primary fails for
// [transcribe.FallbackLanguage].
func WithFallback(p transcribe.Provider) Option {
	return func(o *Orchestrator) { o.fallback = p }
}

// WithArchiver stores every finished analysis in a.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTempDir sets the parent of the per-task scratch directories.
// Defaults to [os.TempDir].
func WithTempDir(dir string) Option {
	return func(o *Orchestrator) { o.tempDir = dir }
}

// WithMaxConcurrent bounds the number of analyses running at once. Excess
// submissions stay Queued until a slot frees. n <= 0 means unbounded.
func WithMaxConcurrent(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = semaphore.NewWeighted(n)
		}
	}
}

// Orchestrator accepts uploads and runs their analyses in the background.
type Orchestrator struct {
	reg        *task.Registry
	normalizer Normalizer
	primary    transcribe.Provider
	fallback   transcribe.Provider
	scorer     *fluency.Scorer
	archive    Archiver
	metrics    *observe.Metrics
	tempDir    string
	sem        *semaphore.Weighted

	archiveTimeout time.Duration

	wg sync.WaitGroup
}

// New returns an Orchestrator. reg, normalizer, primary and scorer are
// required.
func New(reg *task.Registry, normalizer Normalizer, primary transcribe.Provider, scorer *fluency.Scorer, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if reg == nil {
		errs = append(errs, errors.New("analysis: registry is required"))
	}
	if normalizer == nil {
		errs = append(errs, errors.New("analysis: normalizer is required"))
	}
	if primary == nil {
		errs = append(errs, errors.New("analysis: primary provider is required"))
	}
	if scorer == nil {
		errs = append(errs, errors.New("analysis: scorer is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		reg:        reg,
		normalizer: normalizer,
		primary:    primary,
		scorer:     scorer,
		tempDir:    os.TempDir(),

		archiveTimeout: DefaultArchiveTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Registry returns the registry tasks are published to.
func (o *Orchestrator) Registry() *task.Registry { return o.reg }

// Submit persists the upload, creates a task and starts its analysis. It
// returns as soon as the task exists. The analysis is detached from ctx
// cancellation but keeps its values (trace context).
func (o *Orchestrator) Submit(ctx context.Context, up Upload) (string, error) {
	if up.Language == "" {
		up.Language = transcribe.DefaultLanguage
	}
	if up.GradeLevel == "" {
		up.GradeLevel = DefaultGradeLevel
	}

	dir, audioPath, err := o.persist(up)
	if err != nil {
		return "", err
	}

	snap := o.reg.Create()
	o.metrics.TasksSubmitted.Add(ctx, 1, metric.WithAttributes(observe.Attr("language", up.Language)))
	observe.Logger(ctx).Info("analysis submitted", "task_id", snap.ID, "language", up.Language, "grade_level", up.GradeLevel)

	o.wg.Go(func() {
		o.run(context.WithoutCancel(ctx), snap, dir, audioPath, up.Language, up.GradeLevel)
	})
	return snap.ID, nil
}

// Wait blocks until every submitted analysis has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist writes the upload into a fresh scratch directory.
func (o *Orchestrator) persist(up Upload) (dir, path string, err error) {
	if up.Audio == nil {
		return "", "", errors.New("analysis: upload has no audio")
	}
	dir, err = os.MkdirTemp(o.tempDir, "fluency-*")
	if err != nil {
		return "", "", fmt.Errorf("analysis: create scratch dir: %w", err)
	}

	suffix := filepath.Ext(up.Filename)
	if suffix == "" {
		suffix = defaultSuffix
	}
	path = filepath.Join(dir, "upload"+suffix)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err == nil {
		_, err = io.Copy(f, up.Audio)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", "", fmt.Errorf("analysis: save upload: %w", err)
	}
	return dir, path, nil
}

// run is the background unit of work for one task.
func (o *Orchestrator) run(ctx context.Context, snap task.Snapshot, dir, audioPath, language, grade string) {
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			observe.Logger(ctx).Warn("failed to remove scratch dir", "dir", dir, "err", err)
		}
	}()

	ctx = observe.WithTaskID(ctx, snap.ID)
	ctx, span := observe.StartSpan(ctx, "analysis.run")
	defer span.End()
	log := observe.Logger(ctx)

	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.fail(ctx, snap, language, grade, err)
			return
		}
		defer o.sem.Release(1)
	}

	o.metrics.ActiveTasks.Add(ctx, 1)
	defer o.metrics.ActiveTasks.Add(ctx, -1)

	res, err := o.safeAnalyze(ctx, snap.ID, audioPath, language, grade)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.fail(ctx, snap, language, grade, err)
		return
	}

	o.progress(ctx, snap.ID, "🎉 Analysis complete!")
	if err := o.reg.Finish(snap.ID, task.Complete, res); err != nil {
		log.Error("failed to publish result", "err", err)
		return
	}
	o.metrics.RecordTaskFinished(ctx, task.Complete.String(), res.FluencyAssessment.Level, time.Since(snap.CreatedAt).Seconds())
	o.archiveRecord(ctx, Record{
		TaskID: snap.ID, Status: task.Complete, Language: language, GradeLevel: grade,
		Result: &res, CreatedAt: snap.CreatedAt, FinishedAt: time.Now(),
	})
}

// safeAnalyze converts a panic in the pipeline into an error.
func (o *Orchestrator) safeAnalyze(ctx context.Context, id, audioPath, language, grade string) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("analysis panicked", "panic", r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return o.analyze(ctx, id, audioPath, language, grade)
}

func (o *Orchestrator) analyze(ctx context.Context, id, audioPath, language, grade string) (Result, error) {
	if err := o.reg.SetStatus(id, task.Processing); err != nil {
		return Result{}, err
	}
	o.progress(ctx, id, "🎯 Starting reading fluency analysis...")

	o.progress(ctx, id, "🔄 Converting audio to MP3...")
	start := time.Now()
	mp3Path, err := o.normalizer.Normalize(ctx, audioPath)
	o.metrics.NormalizeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		observe.Logger(ctx).Warn("audio conversion failed", "err", err)
		return Result{}, ErrConversion
	}

	duration, err := o.normalizer.Duration(ctx, mp3Path)
	if err != nil {
		return Result{}, err
	}
	o.progress(ctx, id, fmt.Sprintf("📊 Audio duration: %.1f seconds", duration.Seconds()))

	tr := o.transcribe(ctx, id, mp3Path, language)
	if !tr.Succeeded {
		return Result{}, errors.New(tr.ErrorDetail)
	}
	o.progress(ctx, id, fmt.Sprintf("✅ Transcription successful with %s", tr.ServiceUsed))

	words := fluency.CountWords(tr.Text)
	wpm := fluency.WordsPerMinute(words, duration)
	o.progress(ctx, id, fmt.Sprintf("📝 Word count: %d, WPM: %v", words, wpm))

	return Result{
		Success:              true,
		TranscriptionService: tr.ServiceUsed,
		Language:             language,
		GradeLevel:           grade,
		AudioDurationSeconds: fluency.Round(duration.Seconds(), 2),
		TranscribedText:      tr.Text,
		WordCount:            words,
		WordsPerMinute:       wpm,
		FluencyAssessment:    o.scorer.Score(wpm, grade),
	}, nil
}

// transcribe tries the primary provider and, for the fallback language only,
// the local fallback. When both fail the primary's error is reported.
func (o *Orchestrator) transcribe(ctx context.Context, id, path, language string) TranscriptionResult {
	ctx, span := observe.StartSpan(ctx, "analysis.transcribe")
	defer span.End()

	o.progress(ctx, id, fmt.Sprintf("🌍 Transcribing with %s (%s)...", o.primary.Name(), language))
	t, err := o.primary.Transcribe(ctx, path, language)
	if err == nil {
		return TranscriptionResult{Succeeded: true, Text: t.Text, ServiceUsed: t.Service}
	}
	primaryErr := err
	observe.Logger(ctx).Warn("primary transcription failed", "provider", o.primary.Name(), "err", err)

	if o.fallback == nil || language != transcribe.FallbackLanguage {
		return TranscriptionResult{ErrorDetail: primaryErr.Error()}
	}

	o.progress(ctx, id, fmt.Sprintf("⚠️ %s failed, falling back to %s...", o.primary.Name(), o.fallback.Name()))
	o.metrics.FallbackTranscriptions.Add(ctx, 1)
	t, err = o.fallback.Transcribe(ctx, path, language)
	if err != nil {
		observe.Logger(ctx).Warn("fallback transcription failed", "provider", o.fallback.Name(), "err", err)
		return TranscriptionResult{ErrorDetail: primaryErr.Error()}
	}
	return TranscriptionResult{Succeeded: true, Text: t.Text, ServiceUsed: t.Service}
}

// fail publishes err as the task's terminal failure.
func (o *Orchestrator) fail(ctx context.Context, snap task.Snapshot, language, grade string, err error) {
	msg := err.Error()
	o.progress(ctx, snap.ID, "❌ Error: "+msg)
	if ferr := o.reg.Finish(snap.ID, task.Failed, Failure{Error: msg}); ferr != nil {
		observe.Logger(ctx).Error("failed to publish failure", "err", ferr)
		return
	}
	o.metrics.RecordTaskFinished(ctx, task.Failed.String(), "", time.Since(snap.CreatedAt).Seconds())
	o.archiveRecord(ctx, Record{
		TaskID: snap.ID, Status: task.Failed, Language: language, GradeLevel: grade,
		Error: msg, CreatedAt: snap.CreatedAt, FinishedAt: time.Now(),
	})
}

func (o *Orchestrator) progress(ctx context.Context, id, msg string) {
	if err := o.reg.Append(id, msg); err != nil {
		observe.Logger(ctx).Warn("failed to append progress", "err", err)
		return
	}
	observe.Logger(ctx).Info(msg)
}

func (o *Orchestrator) archiveRecord(ctx context.Context, rec Record) {
	if o.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.archiveTimeout)
	defer cancel()
	if err := o.archive.Archive(ctx, rec); err != nil {
		observe.Logger(ctx).Error("failed to archive analysis", "err", err)
	}
}
