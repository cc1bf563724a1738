// Package media normalises uploaded recordings with ffmpeg and inspects them
// with ffprobe.
//
// Every external process is started through a commandRunner so the command
// lines can be asserted in tests without the binaries being installed.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Target format of [Normalizer.Normalize] and [Normalizer.DecodePCM].
const (
	SampleRate = 16000
	Channels   = 1
	Bitrate    = "64k"
)

// CommandLog captures one external process invocation.
type CommandLog struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
}

// ConversionError is returned when ffmpeg or ffprobe fails or produces no
// usable output.
type ConversionError struct {
	Op      string
	Message string
	Log     CommandLog
	Err     error
}

// Error formats the failing stage and, when known, the command and exit code.
func (e *ConversionError) Error() string {
	if e.Log.Command == "" {
		return fmt.Sprintf("media: %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("media: %s: %s (cmd=%s exit=%d)", e.Op, e.Message, e.Log.Command, e.Log.ExitCode)
}

// Unwrap exposes the underlying process error.
func (e *ConversionError) Unwrap() error { return e.Err }

type commandResult struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.Bytes(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res, err
}

// Option configures a [Normalizer].
type Option func(*Normalizer)

// WithFFmpegPath overrides the ffmpeg binary. Defaults to "ffmpeg".
func WithFFmpegPath(path string) Option {
	return func(n *Normalizer) { n.ffmpeg = path }
}

// WithFFprobePath overrides the ffprobe binary. Defaults to "ffprobe".
func WithFFprobePath(path string) Option {
	return func(n *Normalizer) { n.ffprobe = path }
}

// Normalizer converts arbitrary uploads to the mono 16 kHz MP3 the
// transcription backends expect.
type Normalizer struct {
	ffmpeg  string
	ffprobe string
	runner  commandRunner
}

// NewNormalizer returns a Normalizer that shells out to ffmpeg and ffprobe.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{ffmpeg: "ffmpeg", ffprobe: "ffprobe", runner: execRunner{}}
	for _, o := range opts {
		o(n)
	}
	return n
}

// FFmpegPath returns the configured ffmpeg binary.
func (n *Normalizer) FFmpegPath() string { return n.ffmpeg }

// Normalize converts inputPath to a sibling file with the ".mp3" extension.
// The caller owns the returned file.
func (n *Normalizer) Normalize(ctx context.Context, inputPath string) (string, error) {
	out := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".mp3"
	if out == inputPath {
		out = strings.TrimSuffix(inputPath, ".mp3") + "_normalized.mp3"
	}

	args := buildNormalizeArgs(inputPath, out)
	res, err := n.runner.Run(ctx, n.ffmpeg, args...)
	log := CommandLog{Command: n.ffmpeg, Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	if err != nil {
		return "", &ConversionError{Op: "normalize", Message: "ffmpeg conversion failed", Log: log, Err: err}
	}
	if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
		return "", &ConversionError{Op: "normalize", Message: "ffmpeg produced no output", Log: log, Err: err}
	}
	return out, nil
}

// Duration returns the playback length of the file at path.
func (n *Normalizer) Duration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{"-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path}
	res, err := n.runner.Run(ctx, n.ffprobe, args...)
	log := CommandLog{Command: n.ffprobe, Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	if err != nil {
		return 0, &ConversionError{Op: "duration", Message: "ffprobe failed", Log: log, Err: err}
	}
	d, err := parseDuration(string(res.Stdout))
	if err != nil {
		return 0, &ConversionError{Op: "duration", Message: "unparseable ffprobe output", Log: log, Err: err}
	}
	return d, nil
}

// DecodePCM decodes the file at path to raw 16-bit signed little-endian mono
// PCM at [SampleRate].
func (n *Normalizer) DecodePCM(ctx context.Context, path string) ([]byte, error) {
	args := []string{"-nostdin", "-v", "error", "-i", path,
		"-ac", strconv.Itoa(Channels), "-ar", strconv.Itoa(SampleRate),
		"-f", "s16le", "-acodec", "pcm_s16le", "-"}
	res, err := n.runner.Run(ctx, n.ffmpeg, args...)
	if err != nil {
		return nil, &ConversionError{
			Op:      "decode",
			Message: "ffmpeg decode failed",
			Log:     CommandLog{Command: n.ffmpeg, Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr},
			Err:     err,
		}
	}
	return res.Stdout, nil
}

func buildNormalizeArgs(in, out string) []string {
	return []string{
		"-y", "-nostdin", "-v", "error",
		"-i", in,
		"-ac", strconv.Itoa(Channels),
		"-ar", strconv.Itoa(SampleRate),
		"-b:a", Bitrate,
		out,
	}
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return 0, fmt.Errorf("no duration in %q", s)
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if secs < 0 {
		return 0, fmt.Errorf("negative duration %v", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
