// Package httphandler contains the REST handlers for the schedule registry
// and run progress APIs.
package httphandler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	scheduleapp "github.com/lllypuk/beacon/internal/application/schedule"
	scheduledomain "github.com/lllypuk/beacon/internal/domain/schedule"
	"github.com/lllypuk/beacon/internal/infrastructure/httpserver"
	"github.com/lllypuk/beacon/internal/middleware"
)

// Pagination bounds for schedule listings.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ScheduleService defines the schedule registry operations the handler needs.
// Declared on the consumer side per project guidelines.
type ScheduleService interface {
	Create(ctx context.Context, cmd scheduleapp.CreateCommand) (*scheduledomain.Schedule, error)
	Update(ctx context.Context, cmd scheduleapp.UpdateCommand) (*scheduledomain.Schedule, error)
	Delete(ctx context.Context, principal, scheduleID string) error
	Get(ctx context.Context, principal, scheduleID string) (*scheduledomain.Schedule, error)
	List(ctx context.Context, principal, resourceID string, offset, limit int) ([]*scheduledomain.Schedule, error)
	RunNow(ctx context.Context, principal, scheduleID string) (string, error)
	RunResource(ctx context.Context, principal, resourceID string) (string, error)
}

// CreateScheduleRequest is the payload for creating a schedule.
type CreateScheduleRequest struct {
	ResourceID string `json:"resource_id"`
	CronExpr   string `json:"cron_expr"`
	Enabled    bool   `json:"enabled"`
}

// UpdateScheduleRequest is the payload for editing a schedule.
// Absent fields are left unchanged.
type UpdateScheduleRequest struct {
	CronExpr *string `json:"cron_expr,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
}

// RunSummaryResponse is the bookkeeping of the most recent run.
type RunSummaryResponse struct {
	OperationID string    `json:"operation_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
}

// ScheduleResponse is the API representation of a schedule.
type ScheduleResponse struct {
	ID                string              `json:"id"`
	ResourceID        string              `json:"resource_id"`
	CronExpr          string              `json:"cron_expr"`
	Enabled           bool                `json:"enabled"`
	NextDueAt         *time.Time          `json:"next_due_at,omitempty"`
	ActiveOperationID string              `json:"active_operation_id,omitempty"`
	LastRun           *RunSummaryResponse `json:"last_run,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// RunTriggeredResponse carries the operation id of a freshly triggered run.
type RunTriggeredResponse struct {
	OperationID string `json:"operation_id"`
}

// ScheduleHandler serves the schedule registry endpoints.
type ScheduleHandler struct {
	service ScheduleService
	logger  *slog.Logger
}

// NewScheduleHandler creates a schedule handler.
func NewScheduleHandler(service ScheduleService, logger *slog.Logger) *ScheduleHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleHandler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers the schedule endpoints on the authenticated group.
func (h *ScheduleHandler) RegisterRoutes(r *httpserver.Router) {
	schedules := r.NewAuthRouteGroup("/schedules")
	schedules.POST("", h.CreateSchedule)
	schedules.GET("", h.ListSchedules)
	schedules.GET("/:id", h.GetSchedule)
	schedules.PUT("/:id", h.UpdateSchedule)
	schedules.DELETE("/:id", h.DeleteSchedule)
	schedules.POST("/:id/run", h.RunSchedule)

	resources := r.NewAuthRouteGroup("/resources")
	resources.POST("/:id/check", h.CheckResource)
}

// CreateSchedule handles POST /schedules.
func (h *ScheduleHandler) CreateSchedule(c echo.Context) error {
	var req CreateScheduleRequest
	if err := c.Bind(&req); err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON")
	}
	if strings.TrimSpace(req.ResourceID) == "" {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "VALIDATION_ERROR", "resource_id is required")
	}
	if strings.TrimSpace(req.CronExpr) == "" {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "VALIDATION_ERROR", "cron_expr is required")
	}

	sched, err := h.service.Create(c.Request().Context(), scheduleapp.CreateCommand{
		Principal:  middleware.GetPrincipal(c),
		ResourceID: req.ResourceID,
		CronExpr:   req.CronExpr,
		Enabled:    req.Enabled,
	})
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondCreated(c, toScheduleResponse(sched))
}

// GetSchedule handles GET /schedules/:id.
func (h *ScheduleHandler) GetSchedule(c echo.Context) error {
	sched, err := h.service.Get(c.Request().Context(), middleware.GetPrincipal(c), c.Param("id"))
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondOK(c, toScheduleResponse(sched))
}

// ListSchedules handles GET /schedules. Supports resource_id, offset and
// limit query parameters.
func (h *ScheduleHandler) ListSchedules(c echo.Context) error {
	offset, limit := parsePagination(c)

	schedules, err := h.service.List(
		c.Request().Context(),
		middleware.GetPrincipal(c),
		strings.TrimSpace(c.QueryParam("resource_id")),
		offset,
		limit,
	)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	items := make([]ScheduleResponse, 0, len(schedules))
	for _, s := range schedules {
		items = append(items, toScheduleResponse(s))
	}
	return httpserver.RespondOK(c, map[string]any{
		"schedules": items,
		"offset":    offset,
		"limit":     limit,
	})
}

// UpdateSchedule handles PUT /schedules/:id.
func (h *ScheduleHandler) UpdateSchedule(c echo.Context) error {
	var req UpdateScheduleRequest
	if err := c.Bind(&req); err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON")
	}
	if req.CronExpr == nil && req.Enabled == nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "VALIDATION_ERROR", "at least one of cron_expr or enabled is required")
	}

	sched, err := h.service.Update(c.Request().Context(), scheduleapp.UpdateCommand{
		Principal:  middleware.GetPrincipal(c),
		ScheduleID: c.Param("id"),
		CronExpr:   req.CronExpr,
		Enabled:    req.Enabled,
	})
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondOK(c, toScheduleResponse(sched))
}

// DeleteSchedule handles DELETE /schedules/:id.
func (h *ScheduleHandler) DeleteSchedule(c echo.Context) error {
	if err := h.service.Delete(c.Request().Context(), middleware.GetPrincipal(c), c.Param("id")); err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondNoContent(c)
}

// RunSchedule handles POST /schedules/:id/run. The run executes
// asynchronously; the response only carries the operation id to watch.
func (h *ScheduleHandler) RunSchedule(c echo.Context) error {
	operationID, err := h.service.RunNow(c.Request().Context(), middleware.GetPrincipal(c), c.Param("id"))
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondAccepted(c, RunTriggeredResponse{OperationID: operationID})
}

// CheckResource handles POST /resources/:id/check, triggering an ad hoc
// check with no schedule attached.
func (h *ScheduleHandler) CheckResource(c echo.Context) error {
	operationID, err := h.service.RunResource(c.Request().Context(), middleware.GetPrincipal(c), c.Param("id"))
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondAccepted(c, RunTriggeredResponse{OperationID: operationID})
}

func toScheduleResponse(s *scheduledomain.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:                s.ID,
		ResourceID:        s.ResourceID,
		CronExpr:          s.CronExpr,
		Enabled:           s.Enabled,
		NextDueAt:         s.NextDueAt,
		ActiveOperationID: s.ActiveOperationID,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	if s.LastRun != nil {
		resp.LastRun = &RunSummaryResponse{
			OperationID: s.LastRun.OperationID,
			StartedAt:   s.LastRun.StartedAt,
			FinishedAt:  s.LastRun.FinishedAt,
			Outcome:     string(s.LastRun.Outcome),
			Error:       s.LastRun.Error,
		}
	}
	return resp
}

func parsePagination(c echo.Context) (offset, limit int) {
	offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return offset, limit
}
