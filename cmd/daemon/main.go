// Path: cmd/daemon/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catalog-sync/internal/app"
	"catalog-sync/internal/config"
	"catalog-sync/internal/delivery/rest"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Setup Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize Components
	logger.Info("Initializing components...")
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer application.Close()
	coreService := application.Service

	// 4. Start the watch loop in the background
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := coreService.Start(ctx); err != nil {
			logger.Error("Core service error", "error", err)
			cancel()
		}
	}()

	// 5. Initialize and Start The API Server
	apiServer := rest.NewServer(cfg.Server.Port, coreService, application.Metrics.Handler(), logger)
	go func() {
		logger.Info("API server starting", "port", cfg.Server.Port)
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", "error", err)
			cancel()
		}
	}()

	// 6. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("Shutdown signal received. Shutting down gracefully...")
	case <-ctx.Done():
		logger.Info("Shutting down after a fatal error...")
	}

	// Running batches finish; the next batch boundary sees the cancellation.
	cancel()
	coreService.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error during API server shutdown", "error", err)
	}

	select {
	case <-watchDone:
	case <-shutdownCtx.Done():
		logger.Warn("Watch loop did not stop in time")
	}

	logger.Info("Server shut down successfully.")
}
