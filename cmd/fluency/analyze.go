package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/fluency/internal/analysis"
	"github.com/MrWong99/fluency/internal/app"
	"github.com/MrWong99/fluency/internal/config"
	"github.com/MrWong99/fluency/internal/observe"
	"github.com/MrWong99/fluency/internal/task"
	"github.com/MrWong99/fluency/pkg/provider/transcribe"
)

var (
	analyzeLanguage string
	analyzeGrade    string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <recording>",
	Short: "Analyse one recording and print the result as JSON",
	Long: `Analyze runs the same pipeline as the service on a local file. Progress
goes to stderr, the final JSON payload to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

// errAnalysisFailed makes the command exit non-zero after the failure
// payload has been printed.
var errAnalysisFailed = errors.New("analysis failed")

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeLanguage, "language", "l", transcribe.DefaultLanguage, "spoken language of the recording")
	analyzeCmd.Flags().StringVarP(&analyzeGrade, "grade", "g", analysis.DefaultGradeLevel, "grade level to score against")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	normalizer := app.NewNormalizer(cfg.Media)
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, normalizer, observe.DefaultMetrics())
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}
	application, err := app.New(ctx, cfg, providers, app.WithNormalizer(normalizer))
	if err != nil {
		return err
	}
	defer application.Shutdown(ctx)

	id, err := application.Orchestrator().Submit(ctx, analysis.Upload{
		Audio:      f,
		Filename:   filepath.Base(args[0]),
		Language:   analyzeLanguage,
		GradeLevel: analyzeGrade,
	})
	if err != nil {
		return err
	}

	seq, err := task.Stream(ctx, application.Registry(), id, task.StreamOptions{PollInterval: cfg.Analysis.StreamPollInterval})
	if err != nil {
		return err
	}
	for ev := range seq {
		if ev.Kind == task.Progress {
			fmt.Fprintln(cmd.ErrOrStderr(), ev.Message)
			continue
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(ev.Result); err != nil {
			return err
		}
		if ev.Status == task.Failed {
			return errAnalysisFailed
		}
		return nil
	}
	return ctx.Err()
}
