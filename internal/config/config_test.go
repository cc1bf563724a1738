package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/fluency/internal/config"
	"github.com/MrWong99/fluency/pkg/provider/transcribe"
	"github.com/MrWong99/fluency/pkg/provider/transcribe/mock"
)

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:8080"
  log_level: warn
  max_upload_bytes: 1048576
  shutdown_timeout: 10s

transcription:
  primary:
    name: lelapa
    api_key: tok-file
  fallback:
    name: whisper-native
    model: /models/ggml-base.en.bin

media:
  ffmpeg_path: /usr/bin/ffmpeg
  ffprobe_path: /usr/bin/ffprobe

analysis:
  max_concurrent: 4
  stream_poll_interval: 100ms

storage:
  temp_dir: /var/tmp/fluency
  postgres_dsn: postgres://localhost/fluency

standards:
  grade_r: {slow: 0, target: 10, good: 20}
  grade_1: {slow: 12, target: 32, good: 52}
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:8080" || cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second || cfg.Server.MaxUploadBytes != 1<<20 {
		t.Errorf("server limits = %+v", cfg.Server)
	}
	if p := cfg.Transcription.Primary; p.Name != "lelapa" || p.APIKey != "tok-file" {
		t.Errorf("primary = %+v", p)
	}
	if fb := cfg.Transcription.Fallback; fb.Name != "whisper-native" || fb.Model != "/models/ggml-base.en.bin" {
		t.Errorf("fallback = %+v", fb)
	}
	if cfg.Analysis.MaxConcurrent != 4 || cfg.Analysis.StreamPollInterval != 100*time.Millisecond {
		t.Errorf("analysis = %+v", cfg.Analysis)
	}
	if cfg.Storage.PostgresDSN == "" || cfg.Media.FFprobePath != "/usr/bin/ffprobe" {
		t.Errorf("storage/media = %+v %+v", cfg.Storage, cfg.Media)
	}
	if got := cfg.Standards["grade_1"]; got.Slow != 12 || got.Good != 52 {
		t.Errorf("standards grade_1 = %+v", got)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	def := config.Default()
	if cfg.Server != def.Server || cfg.Transcription.Primary.Name != "lelapa" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"listen addr", "server:\n  listen_addr: nope\n", "server.listen_addr"},
		{"negative concurrency", "analysis:\n  max_concurrent: -1\n", "analysis.max_concurrent"},
		{"native without model", "transcription:\n  fallback:\n    name: whisper-native\n", "transcription.fallback.model"},
		{"server without url", "transcription:\n  fallback:\n    name: whisper\n", "transcription.fallback.base_url"},
		{"bad standards", "standards:\n  grade_1: {slow: 50, target: 30, good: 10}\n", "standards"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\nanalysis:\n  max_concurrent: -3\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "max_concurrent"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		env        map[string]string
		mutate     func(*config.Config)
		wantKey    string
		wantListen string
	}{
		{
			name:       "lelapa token and port",
			env:        map[string]string{"LELAPA_API_TOKEN": "tok", "PORT": "8081"},
			wantKey:    "tok",
			wantListen: "0.0.0.0:8081",
		},
		{
			name:       "file key wins",
			env:        map[string]string{"LELAPA_API_TOKEN": "env"},
			mutate:     func(c *config.Config) { c.Transcription.Primary.APIKey = "file" },
			wantKey:    "file",
			wantListen: config.DefaultListenAddr,
		},
		{
			name:       "openai key and host",
			env:        map[string]string{"OPENAI_API_KEY": "sk", "LELAPA_API_TOKEN": "unused", "HOST": "127.0.0.1"},
			mutate:     func(c *config.Config) { c.Transcription.Primary.Name = "openai" },
			wantKey:    "sk",
			wantListen: "127.0.0.1:8000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			config.ApplyEnv(cfg, func(k string) string { return tt.env[k] })
			if cfg.Transcription.Primary.APIKey != tt.wantKey {
				t.Errorf("api key = %q, want %q", cfg.Transcription.Primary.APIKey, tt.wantKey)
			}
			if cfg.Server.ListenAddr != tt.wantListen {
				t.Errorf("listen = %q, want %q", cfg.Server.ListenAddr, tt.wantListen)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fluency.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "7000")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("listen = %q", cfg.Server.ListenAddr)
	}
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.Register("mock", func(e config.ProviderEntry) (transcribe.Provider, error) {
		return &mock.Provider{ServiceName: e.Model}, nil
	})
	reg.Register("broken", func(config.ProviderEntry) (transcribe.Provider, error) {
		return nil, errors.New("no model file")
	})

	p, err := reg.Create(config.ProviderEntry{Name: "mock", Model: "m1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Name() != "m1" {
		t.Errorf("Name = %q", p.Name())
	}
	if _, err := p.Transcribe(context.Background(), "a.mp3", "english"); err != nil {
		t.Errorf("Transcribe: %v", err)
	}

	if _, err := reg.Create(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unknown: err = %v", err)
	}
	if _, err := reg.Create(config.ProviderEntry{Name: "broken"}); err == nil || !strings.Contains(err.Error(), "no model file") {
		t.Errorf("factory error = %v", err)
	}
	if got := reg.Names(); !slices.Equal(got, []string{"broken", "mock"}) {
		t.Errorf("Names = %v", got)
	}
}

func TestFallbackDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		yaml        string
		env         map[string]string
		wantEnabled bool
		wantName    string
		wantModel   string
	}{
		{
			name:        "no file section",
			wantEnabled: true,
			wantName:    "whisper-native",
			wantModel:   config.DefaultWhisperModelPath,
		},
		{
			name:        "model from env",
			env:         map[string]string{"WHISPER_MODEL_PATH": "/models/ggml-small.bin"},
			wantEnabled: true,
			wantName:    "whisper-native",
			wantModel:   "/models/ggml-small.bin",
		},
		{
			name:        "file model wins",
			yaml:        "transcription:\n  fallback:\n    name: whisper-native\n    model: /srv/m.bin\n",
			env:         map[string]string{"WHISPER_MODEL_PATH": "/models/ggml-small.bin"},
			wantEnabled: true,
			wantName:    "whisper-native",
			wantModel:   "/srv/m.bin",
		},
		{
			name:     "disabled",
			yaml:     "transcription:\n  fallback:\n    name: none\n",
			wantName: config.FallbackDisabled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err != nil {
				t.Fatalf("LoadFromReader: %v", err)
			}
			config.ApplyEnv(cfg, func(k string) string { return tt.env[k] })
			fb := cfg.Transcription.Fallback
			if cfg.FallbackEnabled() != tt.wantEnabled || fb.Name != tt.wantName || fb.Model != tt.wantModel {
				t.Errorf("fallback = %+v enabled=%v", fb, cfg.FallbackEnabled())
			}
		})
	}
}
