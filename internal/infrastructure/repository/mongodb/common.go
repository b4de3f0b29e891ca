// Package mongodb implements the durable schedule registry and the bounded
// run snapshot store on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/beacon/internal/domain/errs"
)

// Collection names.
const (
	SchedulesCollection = "schedules"
	RunsCollection      = "runs"
)

// Default pagination limits for list queries.
const (
	DefaultPaginationLimit = 50
	MaxPaginationLimit     = 200
)

// HandleMongoError converts a MongoDB error into a domain error.
func HandleMongoError(err error, resourceType string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return errs.ErrNotFound
	}
	return fmt.Errorf("failed to operate on %s: %w", resourceType, err)
}

// clampLimit applies default and maximum pagination limits.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPaginationLimit
	}
	if limit > MaxPaginationLimit {
		return MaxPaginationLimit
	}
	return limit
}

// EnsureIndexes creates the indexes both repositories rely on:
// the due-scan index on schedules and the TTL index implementing the
// terminal snapshot retention window on runs.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	schedules := db.Collection(SchedulesCollection)
	_, err := schedules.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "resource_id", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "enabled", Value: 1},
				{Key: "next_due_at", Value: 1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create schedule indexes: %w", err)
	}

	runs := db.Collection(RunsCollection)
	_, err = runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("create run TTL index: %w", err)
	}
	return nil
}
