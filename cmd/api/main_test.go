package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/beacon/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  slog.Level
	}{
		{name: "Debug", level: "debug", want: slog.LevelDebug},
		{name: "Info", level: "info", want: slog.LevelInfo},
		{name: "Warn", level: "warn", want: slog.LevelWarn},
		{name: "Error", level: "error", want: slog.LevelError},
		{name: "Unknown", level: "verbose", want: slog.LevelInfo},
		{name: "Empty", level: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.level))
		})
	}
}

func TestSetupLogger_Formats(t *testing.T) {
	tests := []struct {
		name   string
		format string
	}{
		{name: "JSON", format: "json"},
		{name: "Text", format: "text"},
		{name: "UnknownFallsBackToJSON", format: "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Log.Format = tt.format

			logger := setupLogger(cfg)
			require.NotNil(t, logger)
			assert.Same(t, logger, slog.Default())
		})
	}
}

func TestGetEnvironment(t *testing.T) {
	t.Run("Development", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Log.Level = "debug"

		assert.Equal(t, "development", getEnvironment(cfg))
	})

	t.Run("Production", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Auth.JWTSecret = "a-real-production-secret"

		assert.Equal(t, "production", getEnvironment(cfg))
	})

	t.Run("ProductionViaJWKS", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Auth.JWKSURL = "https://idp.example.com/jwks.json"

		assert.Equal(t, "production", getEnvironment(cfg))
	})

	t.Run("Unknown", func(t *testing.T) {
		cfg := config.DefaultConfig()

		assert.Equal(t, "unknown", getEnvironment(cfg))
	})
}
