// Package schedule implements the schedule registry use cases: CRUD,
// enable/disable, and manual run triggering.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lllypuk/beacon/internal/connector"
	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
	scheduledomain "github.com/lllypuk/beacon/internal/domain/schedule"
)

// Authorization actions checked before schedule operations.
const (
	ActionManage = "schedule:manage"
	ActionRead   = "schedule:read"
	ActionRun    = "schedule:run"
)

// Repository is the durable schedule registry.
// Declared on the consumer side per project guidelines.
type Repository interface {
	Create(ctx context.Context, s *scheduledomain.Schedule) error
	Get(ctx context.Context, id string) (*scheduledomain.Schedule, error)
	Update(ctx context.Context, s *scheduledomain.Schedule) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, resourceID string, offset, limit int) ([]*scheduledomain.Schedule, error)
	Claim(ctx context.Context, id, operationID string, now time.Time) (*scheduledomain.Schedule, error)
}

// Authorizer answers whether a principal may perform an action on a resource.
type Authorizer interface {
	Allowed(ctx context.Context, principal, action, resourceID string) bool
}

// Runner launches the asynchronous execution of a claimed run. It must
// return immediately; execution and result reporting happen off the
// caller's request path.
type Runner interface {
	StartRun(operationID, scheduleID, resourceID string)
}

// Service wires the schedule registry use cases together.
type Service struct {
	repo      Repository
	directory connector.Directory
	authz     Authorizer
	runner    Runner
	logger    *slog.Logger
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a schedule service.
func NewService(
	repo Repository,
	directory connector.Directory,
	authz Authorizer,
	runner Runner,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		repo:      repo,
		directory: directory,
		authz:     authz,
		runner:    runner,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCommand creates a schedule for a resource.
type CreateCommand struct {
	Principal  string
	ResourceID string
	CronExpr   string
	Enabled    bool
}

// Create validates the expression synchronously, verifies the resource
// exists, and stores the schedule.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*scheduledomain.Schedule, error) {
	if !s.authz.Allowed(ctx, cmd.Principal, ActionManage, cmd.ResourceID) {
		return nil, errs.ErrForbidden
	}
	if _, err := s.directory.GetResource(ctx, cmd.ResourceID); err != nil {
		return nil, fmt.Errorf("resolve resource %s: %w", cmd.ResourceID, err)
	}

	sched, err := scheduledomain.New(cmd.ResourceID, cmd.CronExpr, cmd.Enabled, s.now())
	if err != nil {
		return nil, err
	}
	if err = s.repo.Create(ctx, sched); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "schedule created",
		slog.String("schedule_id", sched.ID),
		slog.String("resource_id", sched.ResourceID),
		slog.String("cron_expr", sched.CronExpr),
		slog.Bool("enabled", sched.Enabled),
	)
	return sched, nil
}

// UpdateCommand edits a schedule. Nil fields are left unchanged.
type UpdateCommand struct {
	Principal  string
	ScheduleID string
	CronExpr   *string
	Enabled    *bool
}

// Update applies an edit. Changing the expression or enabling recomputes
// the next due instant immediately; disabling clears it without cancelling
// an in-flight run.
func (s *Service) Update(ctx context.Context, cmd UpdateCommand) (*scheduledomain.Schedule, error) {
	sched, err := s.repo.Get(ctx, cmd.ScheduleID)
	if err != nil {
		return nil, err
	}
	if !s.authz.Allowed(ctx, cmd.Principal, ActionManage, sched.ResourceID) {
		return nil, errs.ErrForbidden
	}

	now := s.now()
	if cmd.CronExpr != nil {
		if err = sched.SetExpression(*cmd.CronExpr, now); err != nil {
			return nil, err
		}
	}
	if cmd.Enabled != nil {
		sched.SetEnabled(*cmd.Enabled, now)
	}

	if err = s.repo.Update(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// Delete removes a schedule.
func (s *Service) Delete(ctx context.Context, principal, scheduleID string) error {
	sched, err := s.repo.Get(ctx, scheduleID)
	if err != nil {
		return err
	}
	if !s.authz.Allowed(ctx, principal, ActionManage, sched.ResourceID) {
		return errs.ErrForbidden
	}
	return s.repo.Delete(ctx, scheduleID)
}

// Get returns one schedule.
func (s *Service) Get(ctx context.Context, principal, scheduleID string) (*scheduledomain.Schedule, error) {
	sched, err := s.repo.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if !s.authz.Allowed(ctx, principal, ActionRead, sched.ResourceID) {
		return nil, errs.ErrForbidden
	}
	return sched, nil
}

// List returns schedules, optionally filtered by resource.
func (s *Service) List(
	ctx context.Context,
	principal, resourceID string,
	offset, limit int,
) ([]*scheduledomain.Schedule, error) {
	if !s.authz.Allowed(ctx, principal, ActionRead, resourceID) {
		return nil, errs.ErrForbidden
	}
	return s.repo.List(ctx, resourceID, offset, limit)
}

// RunNow triggers a manual run of a schedule, bypassing the due check but
// still claiming atomically. Returns the operation id immediately; the
// outcome surfaces asynchronously through the hub and last-run fields.
// Returns errs.ErrAlreadyRunning when a run is already in flight.
func (s *Service) RunNow(ctx context.Context, principal, scheduleID string) (string, error) {
	sched, err := s.repo.Get(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	if !s.authz.Allowed(ctx, principal, ActionRun, sched.ResourceID) {
		return "", errs.ErrForbidden
	}

	operationID := run.NewOperationID()
	claimed, err := s.repo.Claim(ctx, scheduleID, operationID, s.now())
	if err != nil {
		return "", err
	}

	s.runner.StartRun(operationID, claimed.ID, claimed.ResourceID)

	s.logger.InfoContext(ctx, "manual run triggered",
		slog.String("schedule_id", scheduleID),
		slog.String("operation_id", operationID),
	)
	return operationID, nil
}

// RunResource triggers an ad hoc check of a resource with no schedule
// attached. The run is tracked under a fresh operation id with a nil
// schedule reference.
func (s *Service) RunResource(ctx context.Context, principal, resourceID string) (string, error) {
	if !s.authz.Allowed(ctx, principal, ActionRun, resourceID) {
		return "", errs.ErrForbidden
	}
	if _, err := s.directory.GetResource(ctx, resourceID); err != nil {
		return "", fmt.Errorf("resolve resource %s: %w", resourceID, err)
	}

	operationID := run.NewOperationID()
	s.runner.StartRun(operationID, "", resourceID)

	s.logger.InfoContext(ctx, "ad hoc check triggered",
		slog.String("resource_id", resourceID),
		slog.String("operation_id", operationID),
	)
	return operationID, nil
}
