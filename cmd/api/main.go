// Package main provides the API server entry point.
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

	"github.com/lllypuk/beacon/internal/config"
)

// Pause between cancelling background services and closing their resources.
const gracefulShutdownSleep = 100 * time.Millisecond

func main() {
	if err := run(); err != nil {
		//nolint:sloglint // The configured logger may not exist yet
		slog.Error("api server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := setupLogger(cfg)
	logger.Info("starting beacon API server",
		slog.String("version", "0.1.0"),
		slog.String("environment", getEnvironment(cfg)),
	)

	container, err := NewContainer(cfg, WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		if closeErr := container.Close(); closeErr != nil {
			logger.Error("container close error", slog.String("error", closeErr.Error()))
		}
	}()

	// Cancelling bgCtx stops the hub and the event bus loops.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if err = container.StartEventBus(bgCtx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	container.StartHub(bgCtx)

	router := SetupRoutes(container)
	e := router.Echo()
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout

	sigCtx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			slog.String("address", cfg.Server.Address()),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		serveErr <- e.Start(cfg.Server.Address())
	}()

	select {
	case err = <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err = e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	} else {
		logger.Info("HTTP server stopped")
	}

	// The hub and event bus watch bgCtx; give them a moment to drain before
	// the deferred container.Close drops their backing connections.
	bgCancel()
	time.Sleep(gracefulShutdownSleep)

	logger.Info("server shutdown complete")
	return nil
}

// setupLogger builds the process-wide slog logger from the log config and
// installs it as the default.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Log.Level),
		AddSource: cfg.IsDevelopment(),
	}

	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		// Anything else, including unset, means JSON.
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnvironment names the deployment environment for the startup log line.
func getEnvironment(cfg *config.Config) string {
	switch {
	case cfg.IsDevelopment():
		return "development"
	case cfg.IsProduction():
		return "production"
	default:
		return "unknown"
	}
}
