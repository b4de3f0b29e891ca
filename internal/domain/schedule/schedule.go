// Package schedule defines the recurring health-check schedule entity.
package schedule

import (
	"time"

	"github.com/google/uuid"

	"github.com/lllypuk/beacon/internal/domain/cron"
	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
)

// Schedule is the durable record of a recurring check for one resource.
//
// Invariant: NextDueAt is the earliest qualifying instant of CronExpr at or
// after the last recompute point while Enabled, and nil while disabled.
// ActiveOperationID is the claim marker: non-empty means a run is in flight
// and no new run may start for this schedule.
type Schedule struct {
	ID         string
	ResourceID string
	CronExpr   string
	Enabled    bool

	NextDueAt         *time.Time
	ActiveOperationID string
	LastRun           *RunSummary

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunSummary captures the bookkeeping of the most recent run.
// These fields are written only by the dispatcher/executor path, never by
// user edits.
type RunSummary struct {
	OperationID string
	StartedAt   time.Time
	FinishedAt  time.Time
	Outcome     run.Status
	Error       string
}

// New creates a schedule for a resource. The expression is validated
// synchronously; NextDueAt is computed from now when enabled.
func New(resourceID, cronExpr string, enabled bool, now time.Time) (*Schedule, error) {
	if resourceID == "" {
		return nil, errs.ErrInvalidInput
	}
	if err := cron.Validate(cronExpr); err != nil {
		return nil, err
	}

	s := &Schedule{
		ID:         uuid.New().String(),
		ResourceID: resourceID,
		CronExpr:   cronExpr,
		Enabled:    enabled,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
	s.recompute(now)
	return s, nil
}

// SetExpression replaces the cron expression and recomputes NextDueAt
// immediately. Invalid expressions are rejected before any state changes.
func (s *Schedule) SetExpression(cronExpr string, now time.Time) error {
	if err := cron.Validate(cronExpr); err != nil {
		return err
	}
	s.CronExpr = cronExpr
	s.UpdatedAt = now.UTC()
	s.recompute(now)
	return nil
}

// SetEnabled flips the enabled flag. Enabling recomputes NextDueAt from now;
// disabling clears it without touching any in-flight run.
func (s *Schedule) SetEnabled(enabled bool, now time.Time) {
	s.Enabled = enabled
	s.UpdatedAt = now.UTC()
	s.recompute(now)
}

// Reschedule advances NextDueAt from now forward. The dispatcher calls this
// at claim time, so any number of missed due instants coalesce into the
// single run being claimed.
func (s *Schedule) Reschedule(now time.Time) {
	s.recompute(now)
}

// IsDue reports whether the schedule is enabled, unclaimed, and past due.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Enabled &&
		s.ActiveOperationID == "" &&
		s.NextDueAt != nil &&
		!s.NextDueAt.After(now.UTC())
}

// IsRunning reports whether a run is currently claimed for this schedule.
func (s *Schedule) IsRunning() bool {
	return s.ActiveOperationID != ""
}

func (s *Schedule) recompute(now time.Time) {
	if !s.Enabled {
		s.NextDueAt = nil
		return
	}
	// CronExpr was validated on every write path.
	next, err := cron.Next(s.CronExpr, now)
	if err != nil {
		s.NextDueAt = nil
		return
	}
	s.NextDueAt = &next
}
