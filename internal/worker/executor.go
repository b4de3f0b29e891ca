// Package worker contains the background half of the check pipeline: the
// dispatcher that scans for due schedules and the executor that runs a
// single check and reports its outcome.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lllypuk/beacon/internal/connector"
	"github.com/lllypuk/beacon/internal/domain/run"
	"github.com/lllypuk/beacon/internal/domain/schedule"
	"github.com/lllypuk/beacon/internal/infrastructure/metrics"
)

// DefaultRunTimeout bounds a single check invocation.
const DefaultRunTimeout = 60 * time.Second

// ProgressSink receives the run lifecycle: registration and events.
type ProgressSink interface {
	Begin(ctx context.Context, operationID, scheduleID, resourceID string) (*run.Snapshot, error)
	Publish(ctx context.Context, ev run.Event) error
}

// ClaimReleaser clears a schedule's active claim with the run result.
type ClaimReleaser interface {
	ReleaseClaim(ctx context.Context, id, operationID string, summary schedule.RunSummary) error
}

// RunDescriptor identifies one run to execute. ScheduleID is empty for ad
// hoc runs, which have no claim to release.
type RunDescriptor struct {
	OperationID string
	ScheduleID  string
	ResourceID  string
}

// Executor runs one check end to end: resolve the resource, probe it under
// a timeout, publish exactly one terminal event, and release the claim.
type Executor struct {
	directory connector.Directory
	tester    connector.Tester
	progress  ProgressSink
	schedules ClaimReleaser
	logger    *slog.Logger
	metrics   *metrics.DispatcherMetrics
	timeout   time.Duration
	now       func() time.Time

	// base is the lifetime context runs execute under, detached from the
	// triggering request so an HTTP client disconnect cannot cancel a run.
	base context.Context
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithExecutorMetrics attaches dispatcher metrics.
func WithExecutorMetrics(m *metrics.DispatcherMetrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithRunTimeout bounds a single check invocation.
func WithRunTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithBaseContext sets the lifetime context for detached runs.
func WithBaseContext(ctx context.Context) ExecutorOption {
	return func(e *Executor) {
		e.base = ctx
	}
}

// WithExecutorClock overrides the time source, for tests.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates a run executor.
func NewExecutor(
	directory connector.Directory,
	tester connector.Tester,
	progress ProgressSink,
	schedules ClaimReleaser,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		directory: directory,
		tester:    tester,
		progress:  progress,
		schedules: schedules,
		logger:    slog.Default(),
		timeout:   DefaultRunTimeout,
		now:       time.Now,
		base:      context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRun launches the run asynchronously and returns immediately.
// Satisfies the schedule service's Runner dependency.
func (e *Executor) StartRun(operationID, scheduleID, resourceID string) {
	go e.Execute(e.base, RunDescriptor{
		OperationID: operationID,
		ScheduleID:  scheduleID,
		ResourceID:  resourceID,
	})
}

// Execute performs one run synchronously. It publishes exactly one terminal
// event, whatever goes wrong, and releases the schedule claim afterwards.
func (e *Executor) Execute(ctx context.Context, desc RunDescriptor) {
	startedAt := e.now().UTC()

	if _, err := e.progress.Begin(ctx, desc.OperationID, desc.ScheduleID, desc.ResourceID); err != nil {
		e.logger.ErrorContext(ctx, "failed to register run",
			slog.String("operation_id", desc.OperationID),
			slog.Any("error", err),
		)
		e.release(ctx, desc, schedule.RunSummary{
			OperationID: desc.OperationID,
			StartedAt:   startedAt,
			FinishedAt:  e.now().UTC(),
			Outcome:     run.StatusFailed,
			Error:       err.Error(),
		})
		return
	}

	outcome := e.probe(ctx, desc)
	outcome.Duration = e.now().UTC().Sub(startedAt)

	if err := e.progress.Publish(ctx, run.TerminalEvent(desc.OperationID, outcome)); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish terminal event",
			slog.String("operation_id", desc.OperationID),
			slog.Any("error", err),
		)
	}

	status := outcome.Status()
	if e.metrics != nil {
		e.metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
		e.metrics.RunDuration.WithLabelValues(string(status)).Observe(outcome.Duration.Seconds())
	}

	summary := schedule.RunSummary{
		OperationID: desc.OperationID,
		StartedAt:   startedAt,
		FinishedAt:  e.now().UTC(),
		Outcome:     status,
	}
	if !outcome.Success {
		summary.Error = outcome.ErrorDetails
		if summary.Error == "" {
			summary.Error = outcome.Message
		}
	}
	e.release(ctx, desc, summary)

	e.logger.InfoContext(ctx, "run finished",
		slog.String("operation_id", desc.OperationID),
		slog.String("resource_id", desc.ResourceID),
		slog.String("status", string(status)),
		slog.Duration("duration", outcome.Duration),
	)
}

// probe resolves the resource and tests it under the run timeout. The tester
// runs in its own goroutine so a hanging implementation cannot block the
// executor past the deadline; the run is reported timed out (or cancelled,
// when the run context itself ended) and the goroutine is left to notice
// cancellation on its own.
func (e *Executor) probe(ctx context.Context, desc RunDescriptor) run.Outcome {
	resource, err := e.directory.GetResource(ctx, desc.ResourceID)
	if err != nil {
		return run.Outcome{
			Success:      false,
			Message:      "failed to resolve resource",
			ErrorCode:    "resource_unresolved",
			ErrorDetails: err.Error(),
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type probeResult struct {
		outcome run.Outcome
		err     error
	}
	resultCh := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- probeResult{err: fmt.Errorf("tester panic: %v", r)}
			}
		}()
		outcome, testErr := e.tester.Test(probeCtx, resource)
		resultCh <- probeResult{outcome: outcome, err: testErr}
	}()

	select {
	case <-probeCtx.Done():
		return e.interrupted(ctx)
	case result := <-resultCh:
		if result.err != nil {
			// Once the probe context is done, the result is attributed to
			// the interruption no matter what the tester returned.
			if probeCtx.Err() != nil {
				return e.interrupted(ctx)
			}
			return run.Outcome{
				Success:      false,
				Message:      "check failed",
				ErrorCode:    "tester_error",
				ErrorDetails: result.err.Error(),
			}
		}
		return result.outcome
	}
}

// interrupted classifies a probe cut short: a cancelled run context means
// the run was cancelled, otherwise the probe deadline expired.
func (e *Executor) interrupted(ctx context.Context) run.Outcome {
	if ctx.Err() != nil {
		return run.Outcome{
			Success:   false,
			Message:   "check cancelled",
			ErrorCode: "cancelled",
			Cancelled: true,
		}
	}
	return run.Outcome{
		Success:   false,
		Message:   "check timed out",
		ErrorCode: "timeout",
		TimedOut:  true,
	}
}

func (e *Executor) release(ctx context.Context, desc RunDescriptor, summary schedule.RunSummary) {
	if desc.ScheduleID == "" {
		return
	}
	if err := e.schedules.ReleaseClaim(ctx, desc.ScheduleID, desc.OperationID, summary); err != nil {
		e.logger.WarnContext(ctx, "failed to release schedule claim",
			slog.String("schedule_id", desc.ScheduleID),
			slog.String("operation_id", desc.OperationID),
			slog.Any("error", err),
		)
	}
}
