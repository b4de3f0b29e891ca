package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/beacon/internal/domain/cron"
	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
	"github.com/lllypuk/beacon/internal/domain/schedule"
)

// ScheduleRepository persists schedules. It is the single source of truth
// for claims: the conditional update in Claim is what makes at-most-one
// active run per schedule hold even with multiple dispatcher instances.
type ScheduleRepository struct {
	collection *mongo.Collection
}

// NewScheduleRepository creates a schedule repository over the given database.
func NewScheduleRepository(db *mongo.Database) *ScheduleRepository {
	return &ScheduleRepository{collection: db.Collection(SchedulesCollection)}
}

type scheduleDocument struct {
	ID                string              `bson:"_id"`
	ResourceID        string              `bson:"resource_id"`
	CronExpr          string              `bson:"cron_expr"`
	Enabled           bool                `bson:"enabled"`
	NextDueAt         *time.Time          `bson:"next_due_at,omitempty"`
	ActiveOperationID string              `bson:"active_operation_id,omitempty"`
	LastRun           *runSummaryDocument `bson:"last_run,omitempty"`
	CreatedAt         time.Time           `bson:"created_at"`
	UpdatedAt         time.Time           `bson:"updated_at"`
}

type runSummaryDocument struct {
	OperationID string     `bson:"operation_id"`
	StartedAt   time.Time  `bson:"started_at"`
	FinishedAt  *time.Time `bson:"finished_at,omitempty"`
	Outcome     string     `bson:"outcome,omitempty"`
	Error       string     `bson:"error,omitempty"`
}

// Create inserts a new schedule.
func (r *ScheduleRepository) Create(ctx context.Context, s *schedule.Schedule) error {
	_, err := r.collection.InsertOne(ctx, scheduleToDocument(s))
	return HandleMongoError(err, "schedule")
}

// Get returns a schedule by id.
func (r *ScheduleRepository) Get(ctx context.Context, id string) (*schedule.Schedule, error) {
	var doc scheduleDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		return nil, HandleMongoError(err, "schedule")
	}
	return documentToSchedule(&doc), nil
}

// Update persists the user-editable fields. Run bookkeeping fields
// (active_operation_id, last_run) are deliberately excluded, so a user edit
// can never clobber an in-flight claim written by the dispatcher.
func (r *ScheduleRepository) Update(ctx context.Context, s *schedule.Schedule) error {
	update := bson.M{
		"$set": bson.M{
			"cron_expr":  s.CronExpr,
			"enabled":    s.Enabled,
			"updated_at": s.UpdatedAt,
		},
	}
	if s.NextDueAt != nil {
		update["$set"].(bson.M)["next_due_at"] = s.NextDueAt.UTC()
	} else {
		update["$unset"] = bson.M{"next_due_at": ""}
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": s.ID}, update)
	if err != nil {
		return HandleMongoError(err, "schedule")
	}
	if result.MatchedCount == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes a schedule by id.
func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return HandleMongoError(err, "schedule")
	}
	if result.DeletedCount == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// List returns schedules ordered by creation time descending, optionally
// filtered by resource id.
func (r *ScheduleRepository) List(
	ctx context.Context,
	resourceID string,
	offset, limit int,
) ([]*schedule.Schedule, error) {
	filter := bson.M{}
	if resourceID != "" {
		filter["resource_id"] = resourceID
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(clampLimit(limit)))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, HandleMongoError(err, "schedules")
	}
	defer cursor.Close(ctx)

	schedules := make([]*schedule.Schedule, 0)
	for cursor.Next(ctx) {
		var doc scheduleDocument
		if decodeErr := cursor.Decode(&doc); decodeErr != nil {
			return nil, fmt.Errorf("decode schedule: %w", decodeErr)
		}
		schedules = append(schedules, documentToSchedule(&doc))
	}
	if err = cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return schedules, nil
}

// DueSchedules returns enabled, unclaimed schedules with next_due_at <= now.
func (r *ScheduleRepository) DueSchedules(ctx context.Context, now time.Time) ([]*schedule.Schedule, error) {
	filter := bson.M{
		"enabled":             true,
		"next_due_at":         bson.M{"$lte": now.UTC()},
		"active_operation_id": bson.M{"$in": bson.A{nil, ""}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_due_at", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, HandleMongoError(err, "schedules")
	}
	defer cursor.Close(ctx)

	var due []*schedule.Schedule
	for cursor.Next(ctx) {
		var doc scheduleDocument
		if decodeErr := cursor.Decode(&doc); decodeErr != nil {
			return nil, fmt.Errorf("decode schedule: %w", decodeErr)
		}
		due = append(due, documentToSchedule(&doc))
	}
	if err = cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return due, nil
}

// claimRetries bounds how often Claim restarts after losing to a concurrent
// edit of the same document.
const claimRetries = 3

// Claim atomically marks the schedule as running under operationID using a
// conditional FindOneAndUpdate: only a document without an active claim
// matches, so concurrent claimants (including other dispatcher processes)
// lose with errs.ErrAlreadyRunning. The filter also pins updated_at to the
// document the next_due_at recompute was based on; a concurrent edit or
// disable bumps updated_at and forces a recompute from the fresh document
// instead of writing a stale due time. The update records the run start and
// advances next_due_at from now, coalescing missed due instants.
func (r *ScheduleRepository) Claim(
	ctx context.Context,
	id, operationID string,
	now time.Time,
) (*schedule.Schedule, error) {
	now = now.UTC()

	for range claimRetries {
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.ActiveOperationID != "" {
			return nil, errs.ErrAlreadyRunning
		}

		set := bson.M{
			"active_operation_id": operationID,
			"last_run": runSummaryDocument{
				OperationID: operationID,
				StartedAt:   now,
			},
			"updated_at": now,
		}
		// Expression validity is guaranteed by the write paths; a recompute
		// failure here would mean corrupted stored state.
		if current.Enabled {
			if next, nextErr := cron.Next(current.CronExpr, now); nextErr == nil {
				set["next_due_at"] = next
			}
		}

		filter := bson.M{
			"_id":                 id,
			"active_operation_id": bson.M{"$in": bson.A{nil, ""}},
			"updated_at":          current.UpdatedAt,
		}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

		var doc scheduleDocument
		err = r.collection.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&doc)
		if err == nil {
			return documentToSchedule(&doc), nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, HandleMongoError(err, "schedule")
		}
		// No match: a concurrent claim, edit, or delete. The re-read at the
		// top of the loop tells which and retries on a plain edit.
	}
	return nil, fmt.Errorf("claim schedule %s: lost to concurrent edits", id)
}

// ReleaseClaim records the run result and clears the claim, conditional on
// the claim still being held by operationID.
func (r *ScheduleRepository) ReleaseClaim(
	ctx context.Context,
	id, operationID string,
	summary schedule.RunSummary,
) error {
	filter := bson.M{
		"_id":                 id,
		"active_operation_id": operationID,
	}
	update := bson.M{
		"$set": bson.M{
			"last_run":   summaryToDocument(summary),
			"updated_at": time.Now().UTC(),
		},
		"$unset": bson.M{"active_operation_id": ""},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return HandleMongoError(err, "schedule")
	}
	if result.MatchedCount == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scheduleToDocument(s *schedule.Schedule) *scheduleDocument {
	doc := &scheduleDocument{
		ID:                s.ID,
		ResourceID:        s.ResourceID,
		CronExpr:          s.CronExpr,
		Enabled:           s.Enabled,
		ActiveOperationID: s.ActiveOperationID,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	if s.NextDueAt != nil {
		next := s.NextDueAt.UTC()
		doc.NextDueAt = &next
	}
	if s.LastRun != nil {
		summary := summaryToDocument(*s.LastRun)
		doc.LastRun = &summary
	}
	return doc
}

func documentToSchedule(doc *scheduleDocument) *schedule.Schedule {
	s := &schedule.Schedule{
		ID:                doc.ID,
		ResourceID:        doc.ResourceID,
		CronExpr:          doc.CronExpr,
		Enabled:           doc.Enabled,
		NextDueAt:         doc.NextDueAt,
		ActiveOperationID: doc.ActiveOperationID,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
	if doc.LastRun != nil {
		s.LastRun = &schedule.RunSummary{
			OperationID: doc.LastRun.OperationID,
			StartedAt:   doc.LastRun.StartedAt,
			Outcome:     run.Status(doc.LastRun.Outcome),
			Error:       doc.LastRun.Error,
		}
		if doc.LastRun.FinishedAt != nil {
			s.LastRun.FinishedAt = *doc.LastRun.FinishedAt
		}
	}
	return s
}

func summaryToDocument(summary schedule.RunSummary) runSummaryDocument {
	doc := runSummaryDocument{
		OperationID: summary.OperationID,
		StartedAt:   summary.StartedAt,
		Outcome:     string(summary.Outcome),
		Error:       summary.Error,
	}
	if !summary.FinishedAt.IsZero() {
		finished := summary.FinishedAt
		doc.FinishedAt = &finished
	}
	return doc
}
