// Package memory provides in-memory repository implementations used in mock
// mode and unit tests. Semantics mirror the MongoDB implementations,
// including atomic claim behavior.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/schedule"
)

// ScheduleRepository is a map-backed schedule registry.
type ScheduleRepository struct {
	mu        sync.Mutex
	schedules map[string]*schedule.Schedule
}

// NewScheduleRepository creates an empty in-memory schedule repository.
func NewScheduleRepository() *ScheduleRepository {
	return &ScheduleRepository{
		schedules: make(map[string]*schedule.Schedule),
	}
}

// Create stores a new schedule.
func (r *ScheduleRepository) Create(_ context.Context, s *schedule.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.schedules[s.ID] = cloneSchedule(s)
	return nil
}

// Get returns a schedule by id.
func (r *ScheduleRepository) Get(_ context.Context, id string) (*schedule.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneSchedule(s), nil
}

// Update persists user-editable fields. Run bookkeeping fields are owned by
// Claim/ReleaseClaim and deliberately preserved here, so a concurrent user
// edit can never clobber an in-flight claim.
func (r *ScheduleRepository) Update(_ context.Context, s *schedule.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.schedules[s.ID]
	if !ok {
		return errs.ErrNotFound
	}

	updated := cloneSchedule(s)
	updated.ActiveOperationID = current.ActiveOperationID
	updated.LastRun = current.LastRun
	r.schedules[s.ID] = updated
	return nil
}

// Delete removes a schedule by id.
func (r *ScheduleRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schedules[id]; !ok {
		return errs.ErrNotFound
	}
	delete(r.schedules, id)
	return nil
}

// List returns schedules, optionally filtered by resource id, ordered by
// creation time descending.
func (r *ScheduleRepository) List(
	_ context.Context,
	resourceID string,
	offset, limit int,
) ([]*schedule.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*schedule.Schedule
	for _, s := range r.schedules {
		if resourceID != "" && s.ResourceID != resourceID {
			continue
		}
		result = append(result, cloneSchedule(s))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if offset >= len(result) {
		return []*schedule.Schedule{}, nil
	}
	result = result[offset:]
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DueSchedules returns enabled, unclaimed schedules whose next due instant
// has passed.
func (r *ScheduleRepository) DueSchedules(_ context.Context, now time.Time) ([]*schedule.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*schedule.Schedule
	for _, s := range r.schedules {
		if s.IsDue(now) {
			due = append(due, cloneSchedule(s))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextDueAt.Before(*due[j].NextDueAt)
	})
	return due, nil
}

// Claim atomically marks the schedule as running under operationID.
// Exactly one concurrent caller wins; losers get errs.ErrAlreadyRunning.
// The winning claim records the run start and advances NextDueAt from now,
// coalescing any missed due instants into this single run.
func (r *ScheduleRepository) Claim(
	_ context.Context,
	id, operationID string,
	now time.Time,
) (*schedule.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if s.ActiveOperationID != "" {
		return nil, errs.ErrAlreadyRunning
	}

	s.ActiveOperationID = operationID
	s.LastRun = &schedule.RunSummary{
		OperationID: operationID,
		StartedAt:   now.UTC(),
	}
	s.Reschedule(now)
	return cloneSchedule(s), nil
}

// ReleaseClaim records the run result and clears the claim, but only while
// the claim is still held by operationID.
func (r *ScheduleRepository) ReleaseClaim(
	_ context.Context,
	id, operationID string,
	summary schedule.RunSummary,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return errs.ErrNotFound
	}
	if s.ActiveOperationID != operationID {
		return errs.ErrNotFound
	}

	s.ActiveOperationID = ""
	s.LastRun = &summary
	return nil
}

func cloneSchedule(s *schedule.Schedule) *schedule.Schedule {
	c := *s
	if s.NextDueAt != nil {
		next := *s.NextDueAt
		c.NextDueAt = &next
	}
	if s.LastRun != nil {
		lr := *s.LastRun
		c.LastRun = &lr
	}
	return &c
}
