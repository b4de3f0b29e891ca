package memory

import (
	"context"
	"sync"
	"time"

	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
)

// DefaultRetention is how long terminal snapshots stay retrievable.
const DefaultRetention = 10 * time.Minute

// RunRepository is a map-backed store of run progress snapshots with
// bounded retention of terminal snapshots.
type RunRepository struct {
	mu        sync.Mutex
	snapshots map[string]*storedSnapshot
	retention time.Duration
	now       func() time.Time
}

type storedSnapshot struct {
	snapshot  *run.Snapshot
	expiresAt *time.Time
}

// RunRepositoryOption configures a RunRepository.
type RunRepositoryOption func(*RunRepository)

// WithRetention sets the terminal snapshot retention window.
func WithRetention(d time.Duration) RunRepositoryOption {
	return func(r *RunRepository) {
		r.retention = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) RunRepositoryOption {
	return func(r *RunRepository) {
		r.now = now
	}
}

// NewRunRepository creates an empty in-memory run snapshot store.
func NewRunRepository(opts ...RunRepositoryOption) *RunRepository {
	r := &RunRepository{
		snapshots: make(map[string]*storedSnapshot),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save upserts a snapshot. Terminal snapshots get an expiry stamp so late
// joiners can still fetch the final outcome within the retention window.
func (r *RunRepository) Save(_ context.Context, snap *run.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := &storedSnapshot{snapshot: cloneSnapshot(snap)}
	if snap.Status.Terminal() {
		expires := r.now().UTC().Add(r.retention)
		stored.expiresAt = &expires
	}
	r.snapshots[snap.OperationID] = stored
	return nil
}

// Get returns the snapshot for an operation id, or errs.ErrNotFound when it
// never existed or its retention expired.
func (r *RunRepository) Get(_ context.Context, operationID string) (*run.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.snapshots[operationID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if stored.expiresAt != nil && !stored.expiresAt.After(r.now().UTC()) {
		delete(r.snapshots, operationID)
		return nil, errs.ErrNotFound
	}
	return cloneSnapshot(stored.snapshot), nil
}

// Prune drops expired terminal snapshots and returns how many were removed.
func (r *RunRepository) Prune(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	removed := 0
	for id, stored := range r.snapshots {
		if stored.expiresAt != nil && !stored.expiresAt.After(now) {
			delete(r.snapshots, id)
			removed++
		}
	}
	return removed, nil
}

func cloneSnapshot(s *run.Snapshot) *run.Snapshot {
	c := *s
	if s.FinishedAt != nil {
		finished := *s.FinishedAt
		c.FinishedAt = &finished
	}
	if s.Outcome != nil {
		outcome := *s.Outcome
		c.Outcome = &outcome
	}
	c.RecentErrors = append([]string(nil), s.RecentErrors...)
	c.RecentWarnings = append([]string(nil), s.RecentWarnings...)
	return &c
}
