// Command fluency is the reading fluency analysis service.
//
//	fluency serve   --config config.yaml
//	fluency analyze --language zulu --grade grade_2 reading.webm
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/fluency/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "fluency",
	Short:         "Reading fluency analysis for recorded learners",
	Long:          `Fluency transcribes a learner's reading, measures words per minute and grades it against grade-level standards.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (defaults plus environment when empty)")
	rootCmd.AddCommand(serveCmd, analyzeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fluency failed", "err", err)
		os.Exit(1)
	}
}

// newLogger returns a text logger on stderr whose level follows level.
func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// setupLogging installs the default logger at cfg's level and returns the
// level var for hot reload.
func setupLogging(lvl config.LogLevel) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(lvl.SlogLevel())
	slog.SetDefault(newLogger(level))
	return level
}
