// Package progress implements the run progress pipeline: folding published
// events into the per-operation snapshot, persisting it, and fanning it out
// to the broadcast layer.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
)

// DefaultMaxTail bounds the recent errors/warnings tails kept per snapshot.
const DefaultMaxTail = 20

// ActionWatch guards joining an operation's progress feed.
const ActionWatch = "operation:watch"

// RunRepository stores the latest snapshot per operation id.
type RunRepository interface {
	Save(ctx context.Context, snap *run.Snapshot) error
	Get(ctx context.Context, operationID string) (*run.Snapshot, error)
}

// Broadcaster fans an applied event out to live subscribers.
type Broadcaster interface {
	BroadcastProgress(ctx context.Context, ev run.Event) error
}

// Authorizer answers whether a principal may perform an action on a resource.
type Authorizer interface {
	Allowed(ctx context.Context, principal, action, resourceID string) bool
}

// Service serializes event application per operation: events for the same
// operation are folded and persisted one at a time, so the monotonicity
// invariants in run.Snapshot.Apply hold under concurrent publishers.
type Service struct {
	runs        RunRepository
	broadcaster Broadcaster
	authz       Authorizer
	logger      *slog.Logger
	maxTail     int
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*operationLock
}

type operationLock struct {
	mu   sync.Mutex
	refs int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMaxTail bounds the recent errors/warnings tails.
func WithMaxTail(n int) ServiceOption {
	return func(s *Service) {
		s.maxTail = n
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a progress service.
func NewService(runs RunRepository, broadcaster Broadcaster, authz Authorizer, opts ...ServiceOption) *Service {
	s := &Service{
		runs:        runs,
		broadcaster: broadcaster,
		authz:       authz,
		logger:      slog.Default(),
		maxTail:     DefaultMaxTail,
		now:         time.Now,
		locks:       make(map[string]*operationLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin starts tracking a run and broadcasts its initial running state.
func (s *Service) Begin(ctx context.Context, operationID, scheduleID, resourceID string) (*run.Snapshot, error) {
	unlock := s.lock(operationID)
	defer unlock()

	snap := run.NewSnapshot(operationID, scheduleID, resourceID, s.now())
	if err := s.runs.Save(ctx, snap); err != nil {
		return nil, err
	}

	started := run.Event{
		OperationID: operationID,
		Status:      run.StatusRunning,
		Message:     "run started",
		At:          snap.StartedAt,
	}
	if err := s.broadcaster.BroadcastProgress(ctx, started); err != nil {
		s.logger.WarnContext(ctx, "failed to broadcast run start",
			slog.String("operation_id", operationID),
			slog.Any("error", err),
		)
	}
	return snap, nil
}

// Publish folds an event into the operation's snapshot, persists it, and
// fans it out. Unknown operation ids yield errs.ErrNotFound; events after a
// terminal one yield errs.ErrRunCompleted.
func (s *Service) Publish(ctx context.Context, ev run.Event) error {
	unlock := s.lock(ev.OperationID)
	defer unlock()

	snap, err := s.runs.Get(ctx, ev.OperationID)
	if err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	if err = snap.Apply(ev, s.maxTail); err != nil {
		return err
	}
	if err = s.runs.Save(ctx, snap); err != nil {
		return err
	}

	if err = s.broadcaster.BroadcastProgress(ctx, ev); err != nil {
		// Broadcast is best-effort: the snapshot is already durable and a
		// late joiner recovers the state from it.
		s.logger.WarnContext(ctx, "failed to broadcast progress event",
			slog.String("operation_id", ev.OperationID),
			slog.Any("error", err),
		)
	}

	if ev.Terminal() {
		s.logger.InfoContext(ctx, "run finished",
			slog.String("operation_id", ev.OperationID),
			slog.String("status", string(ev.Status)),
		)
	}
	return nil
}

// CurrentState returns the latest snapshot for an operation. Terminal
// snapshots stay retrievable for the retention window enforced by the
// repository, after which this returns errs.ErrNotFound.
func (s *Service) CurrentState(ctx context.Context, operationID string) (*run.Snapshot, error) {
	return s.runs.Get(ctx, operationID)
}

// Join authorizes a principal to watch an operation and returns the current
// snapshot to seed the subscriber. Joining twice is idempotent from the
// caller's point of view.
func (s *Service) Join(ctx context.Context, principal, operationID string) (*run.Snapshot, error) {
	snap, err := s.runs.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !s.authz.Allowed(ctx, principal, ActionWatch, snap.ResourceID) {
		return nil, errs.ErrForbidden
	}
	return snap, nil
}

// lock acquires the per-operation lock, returning its release func.
func (s *Service) lock(operationID string) func() {
	s.mu.Lock()
	l, ok := s.locks[operationID]
	if !ok {
		l = &operationLock{}
		s.locks[operationID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, operationID)
		}
		s.mu.Unlock()
	}
}
