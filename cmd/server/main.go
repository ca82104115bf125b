// Package main provides the entry point for the transcription orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juniormartinxo/transcription/internal/bootstrap"
	"github.com/juniormartinxo/transcription/internal/config"
	"github.com/juniormartinxo/transcription/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting transcription orchestrator",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("audios_dir", cfg.AudiosDir),
		slog.String("transcriptions_dir", cfg.TranscriptionsDir),
		slog.Int("max_concurrent_tasks", cfg.MaxConcurrentTasks),
		slog.String("transcriber_provider", cfg.TranscriberProvider),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	router := server.NewRouter(deps.Handlers, logger, server.DefaultConfig())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.TaskTimeoutSeconds+60) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := deps.Scheduler.Recover(startCtx); err != nil {
		logger.Error("startup recovery failed", slog.String("error", err.Error()))
	}
	cancelStart()

	runnerCtx, cancelRunner := context.WithCancel(context.Background())
	defer cancelRunner()
	deps.Scheduler.Start(runnerCtx)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	cancelRunner()
	deps.Scheduler.Wait()

	logger.Info("server stopped gracefully")
	return nil
}
