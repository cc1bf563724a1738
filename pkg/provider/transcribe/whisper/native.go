// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/fluency/pkg/provider/transcribe"
)

// Compile-time assertion that NativeProvider satisfies transcribe.Provider.
var _ transcribe.Provider = (*NativeProvider)(nil)

// PCMDecoder turns an audio file into 16-bit signed little-endian mono PCM at
// 16 kHz, the input format whisper.cpp expects.
type PCMDecoder interface {
	DecodePCM(ctx context.Context, path string) ([]byte, error)
}

// NativeProvider implements transcribe.Provider using whisper.cpp Go bindings.
// The model is loaded on the first Transcribe call and shared by all later
// calls. A failed load is remembered and reported on every call.
type NativeProvider struct {
	modelPath string
	decoder   PCMDecoder
	load      func(path string) (whisperlib.Model, error)

	once    sync.Once
	model   whisperlib.Model
	loadErr error
	loaded  atomic.Bool
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithModelLoader replaces the function that loads the model file. Tests use
// it to observe lazy loading without a real model.
func WithModelLoader(load func(path string) (whisperlib.Model, error)) NativeOption {
	return func(p *NativeProvider) { p.load = load }
}

// NewNative creates a NativeProvider for the model file at modelPath. No
// model is loaded until the first Transcribe call.
func NewNative(modelPath string, decoder PCMDecoder, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	if decoder == nil {
		return nil, errors.New("whisper: decoder must not be nil")
	}
	p := &NativeProvider{
		modelPath: modelPath,
		decoder:   decoder,
		load:      whisperlib.New,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements transcribe.Provider.
func (p *NativeProvider) Name() string { return ServiceName }

// Loaded reports whether the model has been loaded successfully.
func (p *NativeProvider) Loaded() bool { return p.loaded.Load() }

// Close releases the whisper model if it was loaded.
func (p *NativeProvider) Close() error {
	if p.loaded.Load() && p.model != nil {
		return p.model.Close()
	}
	return nil
}

func (p *NativeProvider) ensureModel() (whisperlib.Model, error) {
	p.once.Do(func() {
		slog.Info("loading whisper model", "path", p.modelPath)
		m, err := p.load(p.modelPath)
		if err != nil {
			p.loadErr = fmt.Errorf("whisper: load model %q: %w", p.modelPath, err)
			slog.Error("whisper model failed to load", "err", err)
			return
		}
		p.model = m
		p.loaded.Store(true)
	})
	return p.model, p.loadErr
}

// Transcribe decodes the file to PCM, runs inference in a fresh whisper
// context and returns the concatenated segment text.
func (p *NativeProvider) Transcribe(ctx context.Context, audioPath, language string) (transcribe.Transcript, error) {
	lang, err := code(language)
	if err != nil {
		return transcribe.Transcript{}, err
	}
	model, err := p.ensureModel()
	if err != nil {
		return transcribe.Transcript{}, err
	}

	pcm, err := p.decoder.DecodePCM(ctx, audioPath)
	if err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whisper: decode audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return transcribe.Transcript{}, err
	}

	text, err := infer(model, pcmToFloat32(pcm), lang)
	if err != nil {
		return transcribe.Transcript{}, err
	}
	return transcribe.Transcript{Text: text, Service: ServiceName}, nil
}

// infer runs whisper.cpp on samples. Contexts are not thread-safe, so every
// call creates its own from the shared model.
func infer(model whisperlib.Model, samples []float32, lang string) (string, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
