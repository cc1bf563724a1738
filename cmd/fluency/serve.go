package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/fluency/internal/app"
	"github.com/MrWong99/fluency/internal/config"
	"github.com/MrWong99/fluency/internal/observe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	Long:  `Serve accepts recordings over HTTP and streams analysis progress over SSE and WebSocket.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := setupLogging(cfg.Server.LogLevel)

	slog.Info("fluency starting",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"primary", cfg.Transcription.Primary.Name,
		"fallback", cfg.Transcription.Fallback.Name,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "fluency",
		ServiceVersion: rootCmd.Version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	normalizer := app.NewNormalizer(cfg.Media)
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, normalizer, observe.DefaultMetrics())
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithNormalizer(normalizer),
		app.WithLevelVar(level),
	)
	if err != nil {
		return err
	}

	if configPath != "" {
		w, err := config.NewWatcher(configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	slog.Info("shutdown signal received, stopping")

	shutdownErr := application.Shutdown(shutdownCtx)
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if err := errors.Join(runErr, shutdownErr); err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}
