// Package healthcheck provides health check implementations for monitoring
// the scheduling pipeline.
package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lllypuk/beacon/internal/domain/schedule"
	"github.com/lllypuk/beacon/internal/infrastructure/httpserver"
)

// Default thresholds for the due-schedule backlog.
const (
	defaultWarningThreshold = 25
	defaultStaleAge         = 5 * time.Minute
)

// DueLister is the slice of the schedule registry the checker needs.
type DueLister interface {
	DueSchedules(ctx context.Context, now time.Time) ([]*schedule.Schedule, error)
}

// DueBacklogChecker reports how many schedules are due but unclaimed. A
// growing backlog means the dispatcher is down or cannot keep up.
type DueBacklogChecker struct {
	schedules        DueLister
	warningThreshold int
	staleAge         time.Duration
	backlogGauge     prometheus.Gauge
	now              func() time.Time
}

// DueBacklogOption configures DueBacklogChecker.
type DueBacklogOption func(*DueBacklogChecker)

// WithWarningThreshold sets the backlog size above which the component
// reports degraded.
func WithWarningThreshold(threshold int) DueBacklogOption {
	return func(c *DueBacklogChecker) {
		c.warningThreshold = threshold
	}
}

// WithStaleAge sets how far past due the oldest schedule may be before the
// component reports degraded.
func WithStaleAge(age time.Duration) DueBacklogOption {
	return func(c *DueBacklogChecker) {
		c.staleAge = age
	}
}

// WithBacklogGauge mirrors the observed backlog into a Prometheus gauge.
func WithBacklogGauge(gauge prometheus.Gauge) DueBacklogOption {
	return func(c *DueBacklogChecker) {
		c.backlogGauge = gauge
	}
}

// WithCheckClock overrides the time source, for tests.
func WithCheckClock(now func() time.Time) DueBacklogOption {
	return func(c *DueBacklogChecker) {
		c.now = now
	}
}

// NewDueBacklogChecker creates a due-schedule backlog health checker.
func NewDueBacklogChecker(schedules DueLister, opts ...DueBacklogOption) *DueBacklogChecker {
	c := &DueBacklogChecker{
		schedules:        schedules,
		warningThreshold: defaultWarningThreshold,
		staleAge:         defaultStaleAge,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the component name used in health responses.
func (c *DueBacklogChecker) Name() string {
	return "due_backlog"
}

// Check inspects the due backlog and classifies the component status.
func (c *DueBacklogChecker) Check(ctx context.Context) httpserver.ComponentStatus {
	now := c.now()
	due, err := c.schedules.DueSchedules(ctx, now)
	if err != nil {
		return httpserver.ComponentStatus{
			Name:    c.Name(),
			Status:  httpserver.StatusUnhealthy,
			Message: fmt.Sprintf("failed to scan due schedules: %v", err),
		}
	}

	if c.backlogGauge != nil {
		c.backlogGauge.Set(float64(len(due)))
	}

	var oldestLag time.Duration
	for _, s := range due {
		if s.NextDueAt == nil {
			continue
		}
		if lag := now.Sub(*s.NextDueAt); lag > oldestLag {
			oldestLag = lag
		}
	}

	status := httpserver.StatusHealthy
	if len(due) >= c.warningThreshold || oldestLag >= c.staleAge {
		status = httpserver.StatusDegraded
	}

	message := fmt.Sprintf("%d due schedules waiting", len(due))
	if oldestLag > 0 {
		message = fmt.Sprintf("%d due schedules waiting, oldest overdue by %v", len(due), oldestLag.Round(time.Second))
	}

	return httpserver.ComponentStatus{
		Name:    c.Name(),
		Status:  status,
		Message: message,
	}
}
