package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore archives checkpoints in a Mongo collection. Deployments with
// heavy checkpoint churn use it to keep blob writes off the relational
// store that serves the claim path.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a store on the given database, ensuring the
// job/sequence index exists.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	coll := db.Collection("checkpoints")
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}, {Key: "sequence_no", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure checkpoint index: %w", err)
	}
	return &MongoStore{coll: coll}, nil
}

// Append implements Store.
func (s *MongoStore) Append(ctx context.Context, rec *Record) error {
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *MongoStore) Latest(ctx context.Context, jobID string) (*Record, error) {
	var rec Record
	err := s.coll.FindOne(ctx,
		bson.D{{Key: "job_id", Value: jobID}},
		options.FindOne().SetSort(bson.D{{Key: "sequence_no", Value: -1}}),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &rec, nil
}

// Discard implements Store.
func (s *MongoStore) Discard(ctx context.Context, jobID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.D{{Key: "job_id", Value: jobID}}); err != nil {
		return fmt.Errorf("discard checkpoints: %w", err)
	}
	return nil
}
