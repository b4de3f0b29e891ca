package middleware

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	statusClientError = 400
	statusServerError = 500
)

const (
	// RequestIDHeader is the header name for request ID.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the context key for request ID.
	RequestIDKey = "request_id"
)

// LoggingConfig holds configuration for the request logging middleware.
type LoggingConfig struct {
	Logger    *slog.Logger
	SkipPaths []string
}

// DefaultLoggingConfig returns a LoggingConfig with sensible defaults.
// Probe and scrape endpoints are skipped so they do not flood the log.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Logger:    slog.Default(),
		SkipPaths: []string{"/health", "/ready", "/metrics"},
	}
}

// Logging returns a middleware that logs each HTTP request with a request id.
// The id is taken from the X-Request-ID header when the caller supplies one,
// generated otherwise, and echoed back on the response.
func Logging(config LoggingConfig) echo.MiddlewareFunc {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skip[path] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if _, ok := skip[req.URL.Path]; ok {
				return next(c)
			}

			requestID := ensureRequestID(c)

			start := time.Now()
			err := next(c)
			status := effectiveStatus(c.Response().Status, err)

			attrs := requestAttrs(c, requestID, status, time.Since(start))
			if err != nil && status >= statusClientError {
				attrs = append(attrs, slog.String("error", err.Error()))
			}

			config.Logger.LogAttrs(req.Context(), levelFor(status), "HTTP request", attrs...)
			return err
		}
	}
}

// ensureRequestID reuses the caller-supplied id or mints one, storing it in
// the context and echoing it on the response.
func ensureRequestID(c echo.Context) string {
	id := c.Request().Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.New().String()
	}
	c.Response().Header().Set(RequestIDHeader, id)
	c.Set(RequestIDKey, id)
	return id
}

// effectiveStatus prefers the status carried by an echo.HTTPError, since the
// response status is not yet committed when the handler returns one.
func effectiveStatus(status int, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return status
}

func requestAttrs(c echo.Context, requestID string, status int, latency time.Duration) []slog.Attr {
	req := c.Request()
	attrs := []slog.Attr{
		slog.String("request_id", requestID),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", status),
		slog.Duration("latency", latency),
		slog.String("remote_ip", c.RealIP()),
		slog.String("user_agent", req.UserAgent()),
	}
	if query := req.URL.RawQuery; query != "" {
		attrs = append(attrs, slog.String("query", query))
	}
	if req.ContentLength > 0 {
		attrs = append(attrs, slog.Int64("content_length", req.ContentLength))
	}
	return append(attrs, slog.Int64("response_size", c.Response().Size))
}

func levelFor(status int) slog.Level {
	switch {
	case status >= statusServerError:
		return slog.LevelError
	case status >= statusClientError:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// GetRequestID retrieves the request ID from the echo context.
func GetRequestID(c echo.Context) string {
	if id, ok := c.Get(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
