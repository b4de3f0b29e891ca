package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
	"github.com/lllypuk/beacon/internal/domain/schedule"
	"github.com/lllypuk/beacon/internal/infrastructure/metrics"
)

// Default dispatcher configuration values.
const (
	defaultDispatcherPollInterval = 5 * time.Second
	defaultDispatcherPoolSize     = 8
)

// DispatcherConfig contains configuration for the schedule dispatcher.
type DispatcherConfig struct {
	// PollInterval is the time between scans for due schedules.
	PollInterval time.Duration

	// PoolSize bounds the number of runs executing concurrently.
	PoolSize int

	// Enabled determines if the dispatcher should run.
	Enabled bool
}

// DefaultDispatcherConfig returns sensible default configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval: defaultDispatcherPollInterval,
		PoolSize:     defaultDispatcherPoolSize,
		Enabled:      true,
	}
}

// ScheduleClaimer is the slice of the schedule registry the dispatcher needs:
// scanning for due schedules and claiming them atomically.
type ScheduleClaimer interface {
	DueSchedules(ctx context.Context, now time.Time) ([]*schedule.Schedule, error)
	Claim(ctx context.Context, id, operationID string, now time.Time) (*schedule.Schedule, error)
}

// Runner executes one claimed run synchronously.
type Runner interface {
	Execute(ctx context.Context, desc RunDescriptor)
}

// Dispatcher periodically scans the registry for due schedules, claims each
// one, and hands the claimed run to the executor pool. Multiple dispatcher
// instances can run against the same registry: the atomic claim guarantees
// each due schedule produces at most one run.
type Dispatcher struct {
	schedules ScheduleClaimer
	runner    Runner
	logger    *slog.Logger
	config    DispatcherConfig
	metrics   *metrics.DispatcherMetrics
	now       func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherMetrics attaches dispatcher metrics.
func WithDispatcherMetrics(m *metrics.DispatcherMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithDispatcherClock overrides the time source, for tests.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a schedule dispatcher.
func NewDispatcher(
	schedules ScheduleClaimer,
	runner Runner,
	logger *slog.Logger,
	config DispatcherConfig,
	opts ...DispatcherOption,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultDispatcherPollInterval
	}
	if config.PoolSize <= 0 {
		config.PoolSize = defaultDispatcherPoolSize
	}

	d := &Dispatcher{
		schedules: schedules,
		runner:    runner,
		logger:    logger,
		config:    config,
		now:       time.Now,
		sem:       make(chan struct{}, config.PoolSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the dispatcher and runs until the context is cancelled. In-flight
// runs are waited for before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.config.Enabled {
		d.logger.InfoContext(ctx, "dispatcher is disabled")
		return nil
	}

	d.logger.InfoContext(ctx, "starting dispatcher",
		slog.Duration("poll_interval", d.config.PollInterval),
		slog.Int("pool_size", d.config.PoolSize),
	)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.InfoContext(ctx, "dispatcher stopped")
			return ctx.Err()

		case <-ticker.C:
			if err := d.dispatchDue(ctx); err != nil {
				if d.metrics != nil {
					d.metrics.DispatchErrors.Inc()
				}
				d.logger.ErrorContext(ctx, "failed to dispatch due schedules",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// dispatchDue performs one scan-claim-dispatch cycle.
func (d *Dispatcher) dispatchDue(ctx context.Context) error {
	pollStart := time.Now()
	now := d.now()

	due, err := d.schedules.DueSchedules(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to scan due schedules: %w", err)
	}

	if d.metrics != nil {
		d.metrics.PollDuration.Observe(time.Since(pollStart).Seconds())
		d.metrics.DueBacklog.Set(float64(len(due)))
		if len(due) > 0 {
			d.metrics.DueBatchSize.Observe(float64(len(due)))
		}
	}
	if len(due) == 0 {
		return nil
	}

	d.logger.DebugContext(ctx, "dispatching due schedules",
		slog.Int("count", len(due)),
	)

	for _, sched := range due {
		operationID := run.NewOperationID()

		claimed, claimErr := d.schedules.Claim(ctx, sched.ID, operationID, d.now())
		if claimErr != nil {
			// Lost to a concurrent dispatcher or a manual trigger, or the
			// schedule was deleted between scan and claim. Both are routine.
			if errors.Is(claimErr, errs.ErrAlreadyRunning) {
				if d.metrics != nil {
					d.metrics.ClaimConflicts.Inc()
				}
				continue
			}
			if errors.Is(claimErr, errs.ErrNotFound) {
				continue
			}
			d.logger.WarnContext(ctx, "failed to claim schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", claimErr.Error()),
			)
			continue
		}

		d.launch(ctx, RunDescriptor{
			OperationID: operationID,
			ScheduleID:  claimed.ID,
			ResourceID:  claimed.ResourceID,
		})
	}
	return nil
}

// launch hands a claimed run to the bounded executor pool. The pool slot is
// acquired inside the run goroutine, so a full pool delays execution of the
// claimed run but never the scan loop itself.
func (d *Dispatcher) launch(ctx context.Context, desc RunDescriptor) {
	if d.metrics != nil {
		d.metrics.RunsDispatched.WithLabelValues("scheduled").Inc()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		if d.metrics != nil {
			d.metrics.RunsInFlight.Inc()
		}
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("run panicked",
					slog.String("operation_id", desc.OperationID),
					slog.String("schedule_id", desc.ScheduleID),
					slog.Any("panic", r),
				)
			}
			if d.metrics != nil {
				d.metrics.RunsInFlight.Dec()
			}
			<-d.sem
		}()

		d.runner.Execute(ctx, desc)
	}()
}

// ProcessOnce performs a single scan-claim-dispatch cycle and waits for the
// launched runs to finish (useful for testing).
func (d *Dispatcher) ProcessOnce(ctx context.Context) error {
	err := d.dispatchDue(ctx)
	d.wg.Wait()
	return err
}
