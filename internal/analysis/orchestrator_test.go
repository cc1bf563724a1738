package analysis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/fluency/internal/fluency"
	"github.com/MrWong99/fluency/internal/task"
	"github.com/MrWong99/fluency/pkg/provider/transcribe"
	"github.com/MrWong99/fluency/pkg/provider/transcribe/mock"
)

// fakeNormalizer writes a sibling .mp3 and reports a fixed duration.
type fakeNormalizer struct {
	duration     time.Duration
	normalizeErr error
	durationErr  error
	panicMsg     string
}

func (f *fakeNormalizer) Normalize(_ context.Context, in string) (string, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.normalizeErr != nil {
		return "", f.normalizeErr
	}
	out := strings.TrimSuffix(in, filepath.Ext(in)) + ".mp3"
	return out, os.WriteFile(out, []byte("mp3"), 0o600)
}

func (f *fakeNormalizer) Duration(context.Context, string) (time.Duration, error) {
	return f.duration, f.durationErr
}

type recordingArchiver struct {
	mu   sync.Mutex
	recs []Record
	err  error
}

func (a *recordingArchiver) Archive(_ context.Context, rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return a.err
}

func newTestOrchestrator(t *testing.T, norm Normalizer, primary transcribe.Provider, opts ...Option) (*Orchestrator, string) {
	t.Helper()
	tmp := t.TempDir()
	opts = append([]Option{WithTempDir(tmp)}, opts...)
	o, err := New(task.NewRegistry(), norm, primary, fluency.NewScorer(nil), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, tmp
}

func submitAndWait(t *testing.T, o *Orchestrator, up Upload) task.Snapshot {
	t.Helper()
	if up.Audio == nil {
		up.Audio = strings.NewReader("RIFF....WAVE")
	}
	id, err := o.Submit(context.Background(), up)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	snap, ok := o.Registry().Get(id)
	if !ok {
		t.Fatalf("task %s missing", id)
	}
	return snap
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch files left behind: %v", entries)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, nil, nil, nil); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func TestSubmit_Success(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{ServiceName: "lelapa", Text: "the cat sat on the mat and the dog ran far away"}
	arch := &recordingArchiver{}
	o, tmp := newTestOrchestrator(t, &fakeNormalizer{duration: 24 * time.Second}, primary, WithArchiver(arch))

	snap := submitAndWait(t, o, Upload{Filename: "reading.wav", Language: "zulu", GradeLevel: "grade_1"})

	if snap.Status != task.Complete {
		t.Fatalf("status = %v, messages = %v", snap.Status, snap.Messages)
	}
	res, ok := snap.Result.(Result)
	if !ok {
		t.Fatalf("result type = %T", snap.Result)
	}
	if !res.Success || res.TranscriptionService != "lelapa" || res.Language != "zulu" {
		t.Errorf("result = %+v", res)
	}
	if res.WordCount != 12 || res.WordsPerMinute != 30.0 || res.AudioDurationSeconds != 24 {
		t.Errorf("counts = %d words, %v wpm, %vs", res.WordCount, res.WordsPerMinute, res.AudioDurationSeconds)
	}
	if res.FluencyAssessment.Level != "On Track" {
		t.Errorf("level = %q, want On Track", res.FluencyAssessment.Level)
	}

	wantMsgs := []string{
		task.InitialMessage,
		"🎯 Starting reading fluency analysis...",
		"🔄 Converting audio to MP3...",
		"📊 Audio duration: 24.0 seconds",
		"🌍 Transcribing with lelapa (zulu)...",
		"✅ Transcription successful with lelapa",
		"📝 Word count: 12, WPM: 30",
		"🎉 Analysis complete!",
	}
	if !slices.Equal(snap.Messages, wantMsgs) {
		t.Errorf("messages =\n%q\nwant\n%q", snap.Messages, wantMsgs)
	}

	calls := primary.Calls()
	if len(calls) != 1 || filepath.Ext(calls[0].AudioPath) != ".mp3" || calls[0].Language != "zulu" {
		t.Errorf("primary calls = %+v", calls)
	}
	assertScratchEmpty(t, tmp)

	if len(arch.recs) != 1 || arch.recs[0].Status != task.Complete || arch.recs[0].Result == nil {
		t.Errorf("archived = %+v", arch.recs)
	}
}

func TestSubmit_Defaults(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{Text: "hello"}
	o, _ := newTestOrchestrator(t, &fakeNormalizer{duration: time.Minute}, primary)

	snap := submitAndWait(t, o, Upload{})
	res := snap.Result.(Result)
	if res.Language != transcribe.DefaultLanguage || res.GradeLevel != DefaultGradeLevel {
		t.Errorf("defaults = %q/%q", res.Language, res.GradeLevel)
	}
}

func TestSubmit_NonEnglishFailureDoesNotFallBack(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{ServiceName: "lelapa", Err: &transcribe.RemoteError{Service: "Lelapa", StatusCode: 503, Body: "unavailable"}}
	fallback := &mock.Provider{ServiceName: "whisper", Text: "should not be used"}
	o, tmp := newTestOrchestrator(t, &fakeNormalizer{duration: 10 * time.Second}, primary, WithFallback(fallback))

	snap := submitAndWait(t, o, Upload{Language: "zulu"})

	if snap.Status != task.Failed {
		t.Fatalf("status = %v", snap.Status)
	}
	f, ok := snap.Result.(Failure)
	if !ok || !strings.Contains(f.Error, "503") {
		t.Errorf("result = %+v", snap.Result)
	}
	if fallback.CallCount() != 0 {
		t.Errorf("fallback called %d times for zulu", fallback.CallCount())
	}
	if last := snap.Messages[len(snap.Messages)-1]; !strings.HasPrefix(last, "❌ Error: ") {
		t.Errorf("last message = %q", last)
	}
	assertScratchEmpty(t, tmp)
}

func TestSubmit_EnglishFallsBack(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{ServiceName: "lelapa", Err: errors.New("Lelapa API error 500: boom")}
	fallback := &mock.Provider{ServiceName: "whisper", Text: "the cat sat"}
	o, _ := newTestOrchestrator(t, &fakeNormalizer{duration: 6 * time.Second}, primary, WithFallback(fallback))

	snap := submitAndWait(t, o, Upload{Language: "english"})

	if snap.Status != task.Complete {
		t.Fatalf("status = %v, result = %+v", snap.Status, snap.Result)
	}
	res := snap.Result.(Result)
	if res.TranscriptionService != "whisper" || res.WordCount != 3 || res.WordsPerMinute != 30 {
		t.Errorf("result = %+v", res)
	}
	if !slices.Contains(snap.Messages, "⚠️ lelapa failed, falling back to whisper...") {
		t.Errorf("missing fallback message: %q", snap.Messages)
	}
}

func TestSubmit_BothFailReportsPrimaryError(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{ServiceName: "lelapa", Err: errors.New("Lelapa API error 502: bad gateway")}
	fallback := &mock.Provider{ServiceName: "whisper", Err: errors.New("model not loaded")}
	o, _ := newTestOrchestrator(t, &fakeNormalizer{duration: 6 * time.Second}, primary, WithFallback(fallback))

	snap := submitAndWait(t, o, Upload{Language: "english"})

	if snap.Status != task.Failed {
		t.Fatalf("status = %v", snap.Status)
	}
	if got := snap.Result.(Failure).Error; got != "Lelapa API error 502: bad gateway" {
		t.Errorf("error = %q", got)
	}
}

func TestSubmit_ConversionFailure(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{Text: "unused"}
	o, tmp := newTestOrchestrator(t, &fakeNormalizer{normalizeErr: errors.New("ffmpeg exit 1")}, primary)

	snap := submitAndWait(t, o, Upload{Filename: "clip.webm"})

	if snap.Status != task.Failed {
		t.Fatalf("status = %v", snap.Status)
	}
	if got := snap.Result.(Failure).Error; got != ErrConversion.Error() {
		t.Errorf("error = %q", got)
	}
	if primary.CallCount() != 0 {
		t.Error("transcription must not run after conversion failure")
	}
	assertScratchEmpty(t, tmp)
}

func TestSubmit_DurationFailure(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator(t, &fakeNormalizer{durationErr: errors.New("ffprobe: no streams")}, &mock.Provider{Text: "x"})

	snap := submitAndWait(t, o, Upload{})
	if snap.Status != task.Failed || !strings.Contains(snap.Result.(Failure).Error, "no streams") {
		t.Errorf("snap = %+v", snap)
	}
}

func TestSubmit_PanicBecomesFailure(t *testing.T) {
	t.Parallel()
	o, tmp := newTestOrchestrator(t, &fakeNormalizer{panicMsg: "kaboom"}, &mock.Provider{Text: "x"})

	snap := submitAndWait(t, o, Upload{})

	if snap.Status != task.Failed {
		t.Fatalf("status = %v", snap.Status)
	}
	if got := snap.Result.(Failure).Error; !strings.Contains(got, "kaboom") {
		t.Errorf("error = %q", got)
	}
	assertScratchEmpty(t, tmp)
}

func TestSubmit_ArchiveErrorDoesNotFailTask(t *testing.T) {
	t.Parallel()
	arch := &recordingArchiver{err: errors.New("db down")}
	o, _ := newTestOrchestrator(t, &fakeNormalizer{duration: time.Minute}, &mock.Provider{Text: "one two"}, WithArchiver(arch))

	snap := submitAndWait(t, o, Upload{})
	if snap.Status != task.Complete {
		t.Errorf("status = %v", snap.Status)
	}
}

// hangingArchiver blocks until its context ends, like a stalled database.
type hangingArchiver struct {
	err chan error
}

func (a *hangingArchiver) Archive(ctx context.Context, _ Record) error {
	<-ctx.Done()
	a.err <- ctx.Err()
	return ctx.Err()
}

func TestSubmit_ArchiveIsBounded(t *testing.T) {
	t.Parallel()
	arch := &hangingArchiver{err: make(chan error, 1)}
	o, _ := newTestOrchestrator(t, &fakeNormalizer{duration: time.Minute}, &mock.Provider{Text: "one two"}, WithArchiver(arch))
	o.archiveTimeout = 20 * time.Millisecond

	snap := submitAndWait(t, o, Upload{})
	if snap.Status != task.Complete {
		t.Errorf("status = %v", snap.Status)
	}
	if err := <-arch.err; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("archive ctx err = %v, want deadline exceeded", err)
	}
}

func TestSubmit_MaxConcurrent(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var mu sync.Mutex
	running, peak := 0, 0
	primary := &mock.Provider{TranscribeFunc: func(ctx context.Context, _, _ string) (transcribe.Transcript, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return transcribe.Transcript{Text: "ok", Service: "mock"}, nil
	}}
	o, _ := newTestOrchestrator(t, &fakeNormalizer{duration: time.Second}, primary, WithMaxConcurrent(1))

	for range 3 {
		if _, err := o.Submit(context.Background(), Upload{Audio: strings.NewReader("a")}); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestSubmit_PersistFailure(t *testing.T) {
	t.Parallel()
	o, err := New(task.NewRegistry(), &fakeNormalizer{}, &mock.Provider{}, fluency.NewScorer(nil),
		WithTempDir(filepath.Join(t.TempDir(), "does", "not", "exist")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Submit(context.Background(), Upload{Audio: strings.NewReader("a")}); err == nil {
		t.Fatal("expected persist error")
	}
	if o.Registry().Len() != 0 {
		t.Error("no task should exist after a persist failure")
	}
}

func TestSubmit_StreamSeesEveryMessage(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator(t, &fakeNormalizer{duration: 30 * time.Second}, &mock.Provider{Text: "a b c"})

	id, err := o.Submit(context.Background(), Upload{Audio: strings.NewReader("a")})
	if err != nil {
		t.Fatal(err)
	}
	seq, err := task.Stream(context.Background(), o.Registry(), id, task.StreamOptions{PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	var progress []string
	var final task.Event
	for ev := range seq {
		if ev.Kind == task.Final {
			final = ev
			continue
		}
		progress = append(progress, ev.Message)
	}
	if final.Status != task.Complete {
		t.Fatalf("final = %+v", final)
	}
	if progress[len(progress)-1] != "🎉 Analysis complete!" {
		t.Errorf("last progress = %q", progress[len(progress)-1])
	}
}
