package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/fluency/internal/analysis"
	"github.com/MrWong99/fluency/internal/config"
	"github.com/MrWong99/fluency/internal/fluency"
	"github.com/MrWong99/fluency/internal/resilience"
	"github.com/MrWong99/fluency/internal/task"
	"github.com/MrWong99/fluency/pkg/provider/transcribe/mock"
)

type fakeNormalizer struct{ duration time.Duration }

func (f fakeNormalizer) Normalize(_ context.Context, in string) (string, error) {
	out := strings.TrimSuffix(in, filepath.Ext(in)) + ".mp3"
	return out, os.WriteFile(out, []byte("mp3"), 0o600)
}

func (f fakeNormalizer) Duration(context.Context, string) (time.Duration, error) {
	return f.duration, nil
}

type memArchive struct {
	mu   sync.Mutex
	recs []analysis.Record
}

func (m *memArchive) Archive(_ context.Context, rec analysis.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memArchive) Ping(context.Context) error { return nil }

// loadedFallback reports a loaded model and counts Close calls.
type loadedFallback struct {
	mock.Provider
	closed int
}

func (l *loadedFallback) Loaded() bool { return true }
func (l *loadedFallback) Close() error { l.closed++; return nil }

// configuredPrimary mimics a remote backend without a credential.
type configuredPrimary struct {
	mock.Provider
	ok bool
}

func (c *configuredPrimary) Configured() bool { return c.ok }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.TempDir = t.TempDir()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Analysis.StreamPollInterval = 5 * time.Millisecond
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, ps *Providers, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithNormalizer(fakeNormalizer{duration: 30 * time.Second})}, opts...)
	a, err := New(context.Background(), cfg, ps, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func upload(t *testing.T, url string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("language", "english")
	_ = mw.WriteField("grade_level", "grade_2")
	fw, err := mw.CreateFormFile("audio", "reading.webm")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.WriteString(fw, "webm")
	_ = mw.Close()

	resp, err := http.Post(url+"/analyze_audio", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}
	var body struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body.TaskID
}

func TestNew_RequiresPrimary(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), testConfig(t), &Providers{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestEndToEnd_FallbackAndStream(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{ServiceName: "lelapa", Err: errors.New("503")}
	fallback := &loadedFallback{Provider: mock.Provider{ServiceName: "whisper", Text: strings.Repeat("word ", 45)}}
	arch := &memArchive{}
	a := newTestApp(t, testConfig(t), &Providers{Primary: primary, Fallback: fallback}, WithArchiver(arch))

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	id := upload(t, srv.URL)
	resp, err := http.Get(srv.URL + "/status/" + id)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	body := string(raw)
	for _, want := range []string{
		"data: 🌍 Transcribing with lelapa (english)...",
		"data: ⚠️ lelapa failed, falling back to whisper...",
		"data: ✅ Transcription successful with whisper",
		"event: complete\ndata: {",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}

	snap, _ := a.Registry().Get(id)
	res, ok := snap.Result.(analysis.Result)
	if !ok {
		t.Fatalf("result = %#v", snap.Result)
	}
	// 45 words in 30s.
	if res.WordCount != 45 || res.WordsPerMinute != 90 || res.TranscriptionService != "whisper" {
		t.Errorf("result = %+v", res)
	}
	if res.FluencyAssessment.Level != fluency.Excellent.String() {
		t.Errorf("level = %q", res.FluencyAssessment.Level)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(arch.recs) != 1 || arch.recs[0].TaskID != id {
		t.Errorf("archive = %+v", arch.recs)
	}
	if fallback.closed != 1 {
		t.Errorf("fallback closed %d times", fallback.closed)
	}
}

func TestHealth_ReportsProviders(t *testing.T) {
	t.Parallel()
	guarded := resilience.NewGuardedProvider(&configuredPrimary{ok: false}, resilience.CircuitBreakerConfig{})
	fallback := &loadedFallback{}
	a := newTestApp(t, testConfig(t), &Providers{Primary: guarded, Fallback: fallback})

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["transcription_configured"] != false || body["whisper_loaded"] != true {
		t.Errorf("body = %v", body)
	}
	grades, _ := body["grade_levels"].([]any)
	if len(grades) != len(fluency.DefaultStandards()) {
		t.Errorf("grade_levels = %v", grades)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	old := testConfig(t)
	a := newTestApp(t, old, &Providers{Primary: &mock.Provider{}}, WithLevelVar(level))

	next := *old
	next.Server.LogLevel = config.LogDebug
	next.Standards = fluency.Standards{
		"grade_1": {Slow: 10, Target: 20, Good: 30},
	}
	a.ApplyConfig(old, &next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v", level.Level())
	}
	if got := a.scorer.Standards().Grades(); len(got) != 1 {
		t.Errorf("grades = %v", got)
	}

	// Dropping the override restores the built-in table.
	a.ApplyConfig(&next, old)
	if got := len(a.scorer.Standards()); got != len(fluency.DefaultStandards()) {
		t.Errorf("grades after revert = %d", got)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t), &Providers{Primary: &mock.Provider{}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	var resp *http.Response
	for range 50 {
		if resp, err = http.Get(url + "/healthz"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	fallback := &loadedFallback{}
	a := newTestApp(t, testConfig(t), &Providers{Primary: &mock.Provider{}, Fallback: fallback})
	for range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if fallback.closed != 1 {
		t.Errorf("closed %d times", fallback.closed)
	}
}

func TestRegistry_Exposed(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t), &Providers{Primary: &mock.Provider{}})
	if a.Registry() == nil || a.Orchestrator() == nil {
		t.Fatal("accessors returned nil")
	}
	var _ *task.Registry = a.Registry()
}
