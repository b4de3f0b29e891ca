// Package run defines runs of long-running operations and their progress
// snapshots. A run is identified by an opaque operation id, which doubles as
// the broadcast group key.
package run

import (
	"time"

	"github.com/google/uuid"

	"github.com/lllypuk/beacon/internal/domain/errs"
)

// Status is the lifecycle state of a run.
type Status string

// Run statuses. Every status except StatusRunning is terminal.
const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further progress events.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// NewOperationID returns a fresh opaque operation id.
func NewOperationID() string {
	return uuid.New().String()
}

// Outcome is the classified result of one executor invocation.
type Outcome struct {
	Success      bool              `json:"success"`
	Duration     time.Duration     `json:"duration_ms"`
	Message      string            `json:"message,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorDetails string            `json:"error_details,omitempty"`
	ServerInfo   map[string]string `json:"server_info,omitempty"`
	TimedOut     bool              `json:"timed_out,omitempty"`
	Cancelled    bool              `json:"cancelled,omitempty"`
}

// Status maps the outcome to its terminal run status.
func (o Outcome) Status() Status {
	switch {
	case o.Cancelled:
		return StatusCancelled
	case o.TimedOut:
		return StatusTimedOut
	case o.Success:
		return StatusSucceeded
	default:
		return StatusFailed
	}
}

// Event is a single progress update published under an operation id.
// A nil optional field means "unchanged". An event whose Status is terminal
// closes the run; Outcome should accompany it.
type Event struct {
	OperationID string   `json:"operation_id"`
	Status      Status   `json:"status,omitempty"`
	Percent     *int     `json:"percent,omitempty"`
	Processed   *int64   `json:"processed,omitempty"`
	Total       *int64   `json:"total,omitempty"`
	Step        string   `json:"step,omitempty"`
	Message     string   `json:"message,omitempty"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	// RemainingMillis is the publisher's estimate of time left.
	RemainingMillis *int64    `json:"remaining_ms,omitempty"`
	Outcome         *Outcome  `json:"outcome,omitempty"`
	At              time.Time `json:"at"`
}

// Terminal reports whether the event closes its run.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// ProgressEvent builds a non-terminal event.
func ProgressEvent(operationID string, percent int, processed, total int64, step string) Event {
	return Event{
		OperationID: operationID,
		Percent:     &percent,
		Processed:   &processed,
		Total:       &total,
		Step:        step,
		At:          time.Now().UTC(),
	}
}

// TerminalEvent builds the closing event for a run from its outcome.
func TerminalEvent(operationID string, outcome Outcome) Event {
	return Event{
		OperationID: operationID,
		Status:      outcome.Status(),
		Message:     outcome.Message,
		Outcome:     &outcome,
		At:          time.Now().UTC(),
	}
}

// Snapshot is the latest known state of a run: the only progress history the
// system keeps, besides the bounded recent errors/warnings tail.
type Snapshot struct {
	OperationID string
	ScheduleID  string // empty for ad hoc and externally produced runs
	ResourceID  string
	Status      Status

	Percent         int
	Processed       int64
	Total           int64
	Step            string
	Message         string
	RecentErrors    []string
	RecentWarnings  []string
	RemainingMillis int64
	Outcome         *Outcome

	StartedAt     time.Time
	FinishedAt    *time.Time
	LastUpdatedAt time.Time
}

// NewSnapshot starts tracking a run in the running state.
func NewSnapshot(operationID, scheduleID, resourceID string, now time.Time) *Snapshot {
	now = now.UTC()
	return &Snapshot{
		OperationID:   operationID,
		ScheduleID:    scheduleID,
		ResourceID:    resourceID,
		Status:        StatusRunning,
		StartedAt:     now,
		LastUpdatedAt: now,
	}
}

// Apply folds an event into the snapshot.
//
// Invariants enforced here: percent is clamped to 0..100 and never decreases;
// a terminal snapshot accepts no further events (errs.ErrRunCompleted); the
// errors/warnings tails stay bounded at maxTail entries each.
func (s *Snapshot) Apply(ev Event, maxTail int) error {
	if s.Status.Terminal() {
		return errs.ErrRunCompleted
	}
	if ev.OperationID != s.OperationID {
		return errs.ErrInvalidInput
	}

	if ev.Percent != nil {
		p := clampPercent(*ev.Percent)
		if p > s.Percent {
			s.Percent = p
		}
	}
	if ev.Processed != nil {
		s.Processed = *ev.Processed
	}
	if ev.Total != nil {
		s.Total = *ev.Total
	}
	if ev.Step != "" {
		s.Step = ev.Step
	}
	if ev.Message != "" {
		s.Message = ev.Message
	}
	if ev.RemainingMillis != nil {
		s.RemainingMillis = *ev.RemainingMillis
	}
	s.RecentErrors = appendBounded(s.RecentErrors, ev.Errors, maxTail)
	s.RecentWarnings = appendBounded(s.RecentWarnings, ev.Warnings, maxTail)

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	s.LastUpdatedAt = at.UTC()

	if ev.Terminal() {
		s.Status = ev.Status
		s.Outcome = ev.Outcome
		finished := s.LastUpdatedAt
		s.FinishedAt = &finished
		if s.Status == StatusSucceeded {
			s.Percent = 100
		}
	}
	return nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// appendBounded appends items keeping only the most recent limit entries.
func appendBounded(tail, items []string, limit int) []string {
	if len(items) == 0 {
		return tail
	}
	tail = append(tail, items...)
	if limit > 0 && len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	return tail
}
