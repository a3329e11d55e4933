// Package main provides the entry point for the media operations API server.
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

	"github.com/maauso/mediaops-api/internal/bootstrap"
	"github.com/maauso/mediaops-api/internal/config"
	"github.com/maauso/mediaops-api/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting media operations API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("data_dir", cfg.DataDir),
		slog.String("database_driver", cfg.DatabaseDriver),
		slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
		slog.String("max_upload_size", cfg.MaxUploadSize),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("minio_enabled", cfg.MinIOEnabled()),
		slog.Bool("kafka_enabled", cfg.KafkaEnabled()),
	)

	// Initialize dependencies using bootstrap
	deps, err := bootstrap.NewDependencies(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	// Initialize HTTP handlers and router
	handlers := server.NewHandlers(deps.Orchestrator, deps.Library, deps.Store, logger,
		server.WithMaxUploadFiles(cfg.MaxUploadFiles),
	)
	router := server.NewRouter(handlers, logger, server.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		FilesDir:       deps.FilesDir,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Minute, // Large uploads and file downloads
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errCh:
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown failed: %w", err))
	}

	// Running jobs are cancelled and their partial outputs removed
	if err := deps.Close(ctx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close dependencies: %w", err))
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("server stopped gracefully")
	return nil
}
