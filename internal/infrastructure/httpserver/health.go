// Package httpserver provides HTTP server infrastructure components.
package httpserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Health status values shared by all health endpoints.
const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy = "healthy"

	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy = "unhealthy"

	// StatusDegraded indicates the component is operational but with issues.
	StatusDegraded = "degraded"

	// StatusReady indicates the service is ready to accept traffic.
	StatusReady = "ready"

	// StatusNotReady indicates the service is not ready to accept traffic.
	StatusNotReady = "not_ready"
)

// ComponentStatus represents the health status of a single component.
type ComponentStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body returned by all health endpoints.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components []ComponentStatus `json:"components,omitempty"`
}

// HealthChecker reports application health. The DI container implements it
// over its infrastructure handles (MongoDB, Redis, the websocket hub, the due
// backlog).
type HealthChecker interface {
	// IsReady reports whether the service can take traffic. The context
	// should come from the current request so probes respect deadlines.
	IsReady(ctx context.Context) bool

	// GetHealthStatus returns per-component health.
	GetHealthStatus(ctx context.Context) []ComponentStatus
}

// HealthEndpoints serves the liveness, readiness, and detail probes.
type HealthEndpoints struct {
	checker HealthChecker
}

// NewHealthEndpoints creates a new HealthEndpoints instance.
func NewHealthEndpoints(checker HealthChecker) *HealthEndpoints {
	return &HealthEndpoints{checker: checker}
}

// Register mounts the three probe endpoints:
//
//	GET /health         liveness, always 200 while the process runs
//	GET /ready          readiness, 200 or 503 per the checker
//	GET /health/details per-component status
func (h *HealthEndpoints) Register(e *echo.Echo) {
	e.GET("/health", h.handleHealth)
	e.GET("/ready", h.handleReady)
	e.GET("/health/details", h.handleHealthDetails)
}

func (h *HealthEndpoints) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: StatusHealthy})
}

func (h *HealthEndpoints) handleReady(c echo.Context) error {
	ctx := c.Request().Context()

	status, code := StatusReady, http.StatusOK
	if h.checker != nil && !h.checker.IsReady(ctx) {
		status, code = StatusNotReady, http.StatusServiceUnavailable
	}

	return c.JSON(code, HealthResponse{
		Status:     status,
		Components: h.components(ctx),
	})
}

func (h *HealthEndpoints) handleHealthDetails(c echo.Context) error {
	ctx := c.Request().Context()
	components := h.components(ctx)
	status, code := rollUp(components)

	return c.JSON(code, HealthResponse{
		Status:     status,
		Components: components,
	})
}

// rollUp derives the overall status: any unhealthy component makes the whole
// service unhealthy, any degraded one degrades it.
func rollUp(components []ComponentStatus) (string, int) {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy, http.StatusServiceUnavailable
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status, http.StatusOK
}

func (h *HealthEndpoints) components(ctx context.Context) []ComponentStatus {
	if h.checker == nil {
		return nil
	}
	return h.checker.GetHealthStatus(ctx)
}

// RegisterHealthEndpointsWithChecker registers health endpoints backed by a
// HealthChecker. This is a convenience function for the Router.
func (r *Router) RegisterHealthEndpointsWithChecker(checker HealthChecker) {
	NewHealthEndpoints(checker).Register(r.echo)
}
