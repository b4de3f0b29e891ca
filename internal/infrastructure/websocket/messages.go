package websocket

import (
	"time"

	"github.com/lllypuk/beacon/internal/domain/run"
)

// Outbound message types.
const (
	MessageTypeSnapshot = "snapshot"
	MessageTypeProgress = "progress"
	MessageTypeFinished = "finished"
	MessageTypeAck      = "ack"
	MessageTypeError    = "error"
	MessageTypePong     = "pong"
)

// OutboundMessage represents a message sent over WebSocket.
type OutboundMessage struct {
	Type        string `json:"type"`
	OperationID string `json:"operation_id,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// SnapshotView is the wire shape of a run snapshot.
type SnapshotView struct {
	OperationID     string       `json:"operation_id"`
	ScheduleID      string       `json:"schedule_id,omitempty"`
	ResourceID      string       `json:"resource_id"`
	Status          run.Status   `json:"status"`
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

// NewSnapshotView converts a snapshot to its wire shape.
func NewSnapshotView(snap *run.Snapshot) SnapshotView {
	return SnapshotView{
		OperationID:     snap.OperationID,
		ScheduleID:      snap.ScheduleID,
		ResourceID:      snap.ResourceID,
		Status:          snap.Status,
		Percent:         snap.Percent,
		Processed:       snap.Processed,
		Total:           snap.Total,
		Step:            snap.Step,
		Message:         snap.Message,
		RecentErrors:    snap.RecentErrors,
		RecentWarnings:  snap.RecentWarnings,
		RemainingMillis: snap.RemainingMillis,
		Outcome:         snap.Outcome,
		StartedAt:       snap.StartedAt,
		FinishedAt:      snap.FinishedAt,
		LastUpdatedAt:   snap.LastUpdatedAt,
	}
}
