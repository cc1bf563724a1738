package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the transcription backends shipped with the
// service. Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"lelapa", "openai", "whisper", "whisper-native"}

// credentialEnv maps a backend name to the environment variable holding its
// credential.
var credentialEnv = map[string]string{
	"lelapa": "LELAPA_API_TOKEN",
	"openai": "OPENAI_API_KEY",
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. An empty path yields [Default] plus the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		ApplyEnv(cfg, os.Getenv)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// it. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// ApplyEnv overlays environment settings on cfg: backend credentials
// (LELAPA_API_TOKEN, OPENAI_API_KEY) when the file leaves them empty, the
// native whisper model from WHISPER_MODEL_PATH unless the file names one, and
// the listen address from HOST and PORT.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if fb := &cfg.Transcription.Fallback; fb.Name == "whisper-native" && (fb.Model == "" || fb.Model == DefaultWhisperModelPath) {
		if path := getenv("WHISPER_MODEL_PATH"); path != "" {
			fb.Model = path
		}
	}

	for _, e := range []*ProviderEntry{&cfg.Transcription.Primary, &cfg.Transcription.Fallback} {
		if e.APIKey != "" {
			continue
		}
		if key, ok := credentialEnv[e.Name]; ok {
			e.APIKey = getenv(key)
		}
	}

	host, port := getenv("HOST"), getenv("PORT")
	if host == "" && port == "" {
		return
	}
	curHost, curPort, err := net.SplitHostPort(cfg.Server.ListenAddr)
	if err != nil {
		curHost, curPort, _ = net.SplitHostPort(DefaultListenAddr)
	}
	if host == "" {
		host = curHost
	}
	if port == "" {
		port = curPort
	}
	cfg.Server.ListenAddr = net.JoinHostPort(host, port)
}

// Validate checks that cfg is coherent. It returns a joined error listing
// every failure.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", cfg.Server.ListenAddr, err))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must not be negative"))
	}

	if cfg.Transcription.Primary.Name == "" {
		errs = append(errs, errors.New("transcription.primary.name is required"))
	}
	validateProviderName("transcription.primary", cfg.Transcription.Primary.Name)
	if cfg.FallbackEnabled() {
		validateProviderName("transcription.fallback", cfg.Transcription.Fallback.Name)
	}

	if fb := cfg.Transcription.Fallback; fb.Name != "" && fb.Name == cfg.Transcription.Primary.Name {
		slog.Warn("transcription fallback is the same backend as the primary", "name", fb.Name)
	}
	if fb := cfg.Transcription.Fallback; fb.Name == "whisper-native" && fb.Model == "" {
		errs = append(errs, errors.New("transcription.fallback.model (model file path) is required for whisper-native"))
	}
	if fb := cfg.Transcription.Fallback; fb.Name == "whisper" && fb.BaseURL == "" {
		errs = append(errs, errors.New("transcription.fallback.base_url is required for whisper"))
	}
	if p := cfg.Transcription.Primary; credentialEnv[p.Name] != "" && p.APIKey == "" {
		slog.Warn("primary transcription credential is not set; analyses will fail until it is",
			"provider", p.Name, "env", credentialEnv[p.Name])
	}

	if cfg.Analysis.MaxConcurrent < 0 {
		errs = append(errs, errors.New("analysis.max_concurrent must not be negative"))
	}
	if cfg.Analysis.StreamPollInterval < 0 {
		errs = append(errs, errors.New("analysis.stream_poll_interval must not be negative"))
	}

	if len(cfg.Standards) > 0 {
		if err := cfg.Standards.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("standards: %w", err))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is set but unknown.
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown transcription provider; may be a typo or a custom registration",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
