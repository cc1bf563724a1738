// Package server exposes the fluency service over HTTP.
//
// Routes:
//
//	POST /analyze_audio          multipart upload, returns {"task_id": ...}
//	GET  /status/{task_id}       progress as Server-Sent Events
//	GET  /ws/status/{task_id}    progress as WebSocket JSON frames
//	GET  /health                 service summary
//	GET  /healthz, /readyz       probes (see package health)
//	GET  /metrics                Prometheus scrape endpoint
//
// Every route is wrapped in [observe.Middleware].
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/fluency/internal/analysis"
	"github.com/MrWong99/fluency/internal/health"
	"github.com/MrWong99/fluency/internal/observe"
	"github.com/MrWong99/fluency/internal/task"
	"github.com/MrWong99/fluency/pkg/provider/transcribe"
)

// DefaultMaxUploadBytes limits the size of a multipart upload.
const DefaultMaxUploadBytes = 64 << 20

// Submitter starts analyses. Implemented by *analysis.Orchestrator.
type Submitter interface {
	Submit(ctx context.Context, up analysis.Upload) (string, error)
}

// StatusFunc reports the dynamic parts of the /health payload.
type StatusFunc func() Status

// Status is the dynamic part of the /health payload.
type Status struct {
	TranscriptionConfigured bool
	WhisperLoaded           bool
	GradeLevels             []string
}

// Config holds the dependencies of a [Server]. Submitter and Registry are
// required.
type Config struct {
	Submitter Submitter
	Registry  *task.Registry

	// Health serves /healthz and /readyz. Optional.
	Health *health.Handler

	// Status feeds /health. Optional.
	Status StatusFunc

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Optional.
	MetricsHandler http.Handler

	// PollInterval is passed to [task.Stream].
	PollInterval time.Duration

	// MaxUploadBytes defaults to [DefaultMaxUploadBytes].
	MaxUploadBytes int64
}

// Server is the HTTP front end. It is an [http.Handler].
type Server struct {
	cfg     Config
	handler http.Handler
	now     func() time.Time
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Server, error) {
	if cfg.Submitter == nil || cfg.Registry == nil {
		return nil, errors.New("server: submitter and registry are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Status == nil {
		cfg.Status = func() Status { return Status{} }
	}

	s := &Server{cfg: cfg, now: time.Now}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyze_audio", s.handleAnalyze)
	mux.HandleFunc("GET /status/{task_id}", s.handleStatusSSE)
	mux.HandleFunc("GET /ws/status/{task_id}", s.handleStatusWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s, nil
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			health.WriteJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "Audio file too large"})
			return
		}
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		health.WriteJSON(w, http.StatusBadRequest, errorBody{Error: "No audio file provided"})
		return
	}
	defer file.Close()

	up := analysis.Upload{
		Audio:      file,
		Filename:   header.Filename,
		Language:   formValue(r, "language", transcribe.DefaultLanguage),
		GradeLevel: formValue(r, "grade_level", analysis.DefaultGradeLevel),
	}
	id, err := s.cfg.Submitter.Submit(r.Context(), up)
	if err != nil {
		observe.Logger(r.Context()).Error("failed to submit analysis", "err", err)
		health.WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to store upload"})
		return
	}
	health.WriteJSON(w, http.StatusOK, map[string]string{"task_id": id})
}

func formValue(r *http.Request, key, fallback string) string {
	if v := strings.TrimSpace(r.FormValue(key)); v != "" {
		return v
	}
	return fallback
}

func (s *Server) handleStatusSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	seq, err := task.Stream(r.Context(), s.cfg.Registry, id, task.StreamOptions{PollInterval: s.cfg.PollInterval})
	if err != nil {
		health.WriteJSON(w, http.StatusNotFound, errorBody{Error: "Invalid task ID"})
		return
	}

	ctx := observe.WithTaskID(r.Context(), id)
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.cfg.Metrics.ActiveStreams.Add(ctx, 1)
	defer s.cfg.Metrics.ActiveStreams.Add(ctx, -1)

	for ev := range seq {
		var err error
		if ev.Kind == task.Final {
			err = writeFinalSSE(w, ev.Result)
		} else {
			err = writeSSE(w, "", ev.Message)
		}
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			observe.Logger(ctx).Debug("status stream closed", "err", err)
			return
		}
	}
}

// writeSSE writes one event. Multi-line data is split into several data
// fields so the client reassembles it unchanged.
func writeSSE(w io.Writer, event, data string) error {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for line := range strings.SplitSeq(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func writeFinalSSE(w io.Writer, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("server: encode result: %w", err)
	}
	return writeSSE(w, "complete", string(payload))
}

// wsFrame is one WebSocket message.
type wsFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
	Result  any    `json:"result,omitempty"`
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	if _, ok := s.cfg.Registry.Get(id); !ok {
		health.WriteJSON(w, http.StatusNotFound, errorBody{Error: "Invalid task ID"})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead cancels ctx once it goes away.
	ctx := conn.CloseRead(observe.WithTaskID(r.Context(), id))

	seq, err := task.Stream(ctx, s.cfg.Registry, id, task.StreamOptions{PollInterval: s.cfg.PollInterval})
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "unknown task")
		return
	}

	s.cfg.Metrics.ActiveStreams.Add(ctx, 1)
	defer s.cfg.Metrics.ActiveStreams.Add(ctx, -1)

	for ev := range seq {
		frame := wsFrame{Type: "progress", Message: ev.Message}
		if ev.Kind == task.Final {
			frame = wsFrame{Type: "complete", Status: ev.Status.String(), Result: ev.Result}
		}
		data, err := json.Marshal(frame)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "encode failed")
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			observe.Logger(ctx).Debug("websocket closed", "err", err)
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}

type healthBody struct {
	Status                  string   `json:"status"`
	TranscriptionConfigured bool     `json:"transcription_configured"`
	LelapaConfigured        bool     `json:"lelapa_configured"` // legacy key
	WhisperLoaded           bool     `json:"whisper_loaded"`
	SupportedLanguages      []string `json:"supported_languages"`
	GradeLevels             []string `json:"grade_levels"`
	Timestamp               string   `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.cfg.Status()
	grades := st.GradeLevels
	if grades == nil {
		grades = []string{}
	}
	health.WriteJSON(w, http.StatusOK, healthBody{
		Status:                  "healthy",
		TranscriptionConfigured: st.TranscriptionConfigured,
		LelapaConfigured:        st.TranscriptionConfigured,
		WhisperLoaded:           st.WhisperLoaded,
		SupportedLanguages:      transcribe.Languages(),
		GradeLevels:             grades,
		Timestamp:               s.now().UTC().Format(time.RFC3339),
	})
}
