package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
)

// DefaultRunRetention is how long terminal snapshots stay retrievable.
const DefaultRunRetention = 10 * time.Minute

// RunRepository stores the latest progress snapshot per operation id.
// Terminal snapshots carry an expires_at stamp reaped by the TTL index
// created in EnsureIndexes, which implements the bounded retention window.
type RunRepository struct {
	collection *mongo.Collection
	retention  time.Duration
}

// RunRepositoryOption configures a RunRepository.
type RunRepositoryOption func(*RunRepository)

// WithRunRetention sets the terminal snapshot retention window.
func WithRunRetention(d time.Duration) RunRepositoryOption {
	return func(r *RunRepository) {
		r.retention = d
	}
}

// NewRunRepository creates a run snapshot repository over the given database.
func NewRunRepository(db *mongo.Database, opts ...RunRepositoryOption) *RunRepository {
	r := &RunRepository{
		collection: db.Collection(RunsCollection),
		retention:  DefaultRunRetention,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type runDocument struct {
	OperationID     string       `bson:"_id"`
	ScheduleID      string       `bson:"schedule_id,omitempty"`
	ResourceID      string       `bson:"resource_id,omitempty"`
	Status          string       `bson:"status"`
	Percent         int          `bson:"percent"`
	Processed       int64        `bson:"processed"`
	Total           int64        `bson:"total"`
	Step            string       `bson:"step,omitempty"`
	Message         string       `bson:"message,omitempty"`
	RecentErrors    []string     `bson:"recent_errors,omitempty"`
	RecentWarnings  []string     `bson:"recent_warnings,omitempty"`
	RemainingMillis int64        `bson:"remaining_ms,omitempty"`
	Outcome         *run.Outcome `bson:"outcome,omitempty"`
	StartedAt       time.Time    `bson:"started_at"`
	FinishedAt      *time.Time   `bson:"finished_at,omitempty"`
	LastUpdatedAt   time.Time    `bson:"last_updated_at"`
	ExpiresAt       *time.Time   `bson:"expires_at,omitempty"`
}

// Save upserts the snapshot for its operation id.
func (r *RunRepository) Save(ctx context.Context, snap *run.Snapshot) error {
	doc := snapshotToDocument(snap)
	if snap.Status.Terminal() {
		expires := time.Now().UTC().Add(r.retention)
		doc.ExpiresAt = &expires
	}

	_, err := r.collection.ReplaceOne(
		ctx,
		bson.M{"_id": snap.OperationID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return HandleMongoError(err, "run snapshot")
}

// Get returns the snapshot for an operation id. Expired terminal snapshots
// are treated as not found even before the TTL reaper removes them.
func (r *RunRepository) Get(ctx context.Context, operationID string) (*run.Snapshot, error) {
	var doc runDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": operationID}).Decode(&doc)
	if err != nil {
		return nil, HandleMongoError(err, "run snapshot")
	}
	if doc.ExpiresAt != nil && !doc.ExpiresAt.After(time.Now().UTC()) {
		return nil, errs.ErrNotFound
	}
	return documentToSnapshot(&doc), nil
}

func snapshotToDocument(snap *run.Snapshot) *runDocument {
	return &runDocument{
		OperationID:     snap.OperationID,
		ScheduleID:      snap.ScheduleID,
		ResourceID:      snap.ResourceID,
		Status:          string(snap.Status),
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

func documentToSnapshot(doc *runDocument) *run.Snapshot {
	return &run.Snapshot{
		OperationID:     doc.OperationID,
		ScheduleID:      doc.ScheduleID,
		ResourceID:      doc.ResourceID,
		Status:          run.Status(doc.Status),
		Percent:         doc.Percent,
		Processed:       doc.Processed,
		Total:           doc.Total,
		Step:            doc.Step,
		Message:         doc.Message,
		RecentErrors:    doc.RecentErrors,
		RecentWarnings:  doc.RecentWarnings,
		RemainingMillis: doc.RemainingMillis,
		Outcome:         doc.Outcome,
		StartedAt:       doc.StartedAt,
		FinishedAt:      doc.FinishedAt,
		LastUpdatedAt:   doc.LastUpdatedAt,
	}
}
