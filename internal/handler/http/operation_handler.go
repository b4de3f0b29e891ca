package httphandler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
	"github.com/lllypuk/beacon/internal/infrastructure/httpserver"
	"github.com/lllypuk/beacon/internal/middleware"
)

// ProgressService defines the run progress operations the handler needs.
// Declared on the consumer side per project guidelines.
type ProgressService interface {
	Begin(ctx context.Context, operationID, scheduleID, resourceID string) (*run.Snapshot, error)
	Publish(ctx context.Context, ev run.Event) error
	Join(ctx context.Context, principal, operationID string) (*run.Snapshot, error)
}

// PublishEventRequest is the payload for publishing a progress event from an
// external producer. ResourceID is only consulted on the first event of a
// run, to begin tracking it.
type PublishEventRequest struct {
	ResourceID      string       `json:"resource_id,omitempty"`
	Status          string       `json:"status,omitempty"`
	Percent         *int         `json:"percent,omitempty"`
	Processed       *int64       `json:"processed,omitempty"`
	Total           *int64       `json:"total,omitempty"`
	Step            string       `json:"step,omitempty"`
	Message         string       `json:"message,omitempty"`
	Errors          []string     `json:"errors,omitempty"`
	Warnings        []string     `json:"warnings,omitempty"`
	RemainingMillis *int64       `json:"remaining_ms,omitempty"`
	Outcome         *run.Outcome `json:"outcome,omitempty"`
	At              *time.Time   `json:"at,omitempty"`
}

// SnapshotResponse is the API representation of a run snapshot.
type SnapshotResponse struct {
	OperationID     string       `json:"operation_id"`
	ScheduleID      string       `json:"schedule_id,omitempty"`
	ResourceID      string       `json:"resource_id"`
	Status          string       `json:"status"`
	Percent         int          `json:"percent"`
	Processed       int64        `json:"processed"`
	Total           int64        `json:"total"`
	Step            string       `json:"step,omitempty"`
	Message         string       `json:"message,omitempty"`
	RecentErrors    []string     `json:"recent_errors,omitempty"`
	RecentWarnings  []string     `json:"recent_warnings,omitempty"`
	RemainingMillis int64        `json:"remaining_ms,omitempty"`
	Outcome         *run.Outcome `json:"outcome,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	LastUpdatedAt   time.Time    `json:"last_updated_at"`
}

// OperationHandler serves the run progress endpoints.
type OperationHandler struct {
	service ProgressService
	logger  *slog.Logger
}

// NewOperationHandler creates an operation handler.
func NewOperationHandler(service ProgressService, logger *slog.Logger) *OperationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperationHandler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers the operation endpoints on the authenticated group.
func (h *OperationHandler) RegisterRoutes(r *httpserver.Router) {
	operations := r.NewAuthRouteGroup("/operations")
	operations.GET("/:id", h.GetOperation)
	operations.POST("/:id/events", h.PublishEvent)
}

// GetOperation handles GET /operations/:id. Terminal snapshots stay
// retrievable for the retention window; afterwards this returns 404.
func (h *OperationHandler) GetOperation(c echo.Context) error {
	snap, err := h.service.Join(c.Request().Context(), middleware.GetPrincipal(c), c.Param("id"))
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondOK(c, toSnapshotResponse(snap))
}

// PublishEvent handles POST /operations/:id/events: progress published by an
// external producer such as a migration worker. The first event for an
// unknown operation id must carry resource_id, which begins tracking the run
// before the event is applied.
func (h *OperationHandler) PublishEvent(c echo.Context) error {
	operationID := c.Param("id")

	var req PublishEventRequest
	if err := c.Bind(&req); err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON")
	}

	ev := run.Event{
		OperationID:     operationID,
		Status:          run.Status(strings.TrimSpace(req.Status)),
		Percent:         req.Percent,
		Processed:       req.Processed,
		Total:           req.Total,
		Step:            req.Step,
		Message:         req.Message,
		Errors:          req.Errors,
		Warnings:        req.Warnings,
		RemainingMillis: req.RemainingMillis,
		Outcome:         req.Outcome,
	}
	if req.At != nil {
		ev.At = *req.At
	}
	if ev.Status != "" && !validEventStatus(ev.Status) {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "VALIDATION_ERROR", "unknown status "+string(ev.Status))
	}

	ctx := c.Request().Context()
	err := h.service.Publish(ctx, ev)
	if errors.Is(err, errs.ErrNotFound) && req.ResourceID != "" {
		if _, beginErr := h.service.Begin(ctx, operationID, "", req.ResourceID); beginErr != nil {
			return httpserver.RespondError(c, beginErr)
		}
		h.logger.InfoContext(ctx, "external run registered",
			slog.String("operation_id", operationID),
			slog.String("resource_id", req.ResourceID),
		)
		err = h.service.Publish(ctx, ev)
	}
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondAccepted(c, RunTriggeredResponse{OperationID: operationID})
}

func validEventStatus(s run.Status) bool {
	switch s {
	case run.StatusRunning, run.StatusSucceeded, run.StatusFailed, run.StatusTimedOut, run.StatusCancelled:
		return true
	default:
		return false
	}
}

func toSnapshotResponse(s *run.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		OperationID:     s.OperationID,
		ScheduleID:      s.ScheduleID,
		ResourceID:      s.ResourceID,
		Status:          string(s.Status),
		Percent:         s.Percent,
		Processed:       s.Processed,
		Total:           s.Total,
		Step:            s.Step,
		Message:         s.Message,
		RecentErrors:    s.RecentErrors,
		RecentWarnings:  s.RecentWarnings,
		RemainingMillis: s.RemainingMillis,
		Outcome:         s.Outcome,
		StartedAt:       s.StartedAt,
		FinishedAt:      s.FinishedAt,
		LastUpdatedAt:   s.LastUpdatedAt,
	}
}
