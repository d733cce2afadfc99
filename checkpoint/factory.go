package checkpoint

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"gorm.io/gorm"
)

// NewStore builds the store named by config.Backend. The gorm handle is
// only required for the sql backend.
func NewStore(ctx context.Context, config Config, db *gorm.DB) (Store, error) {
	switch config.Backend {
	case "", "sql":
		if db == nil {
			return nil, fmt.Errorf("checkpoint: sql backend requires a database handle")
		}
		return NewSQLStore(db), nil
	case "memory":
		return NewMemoryStore(), nil
	case "mongo":
		if config.MongoURI == "" {
			return nil, fmt.Errorf("checkpoint: mongo backend requires mongo_uri")
		}
		client, err := mongo.Connect(options.Client().ApplyURI(config.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		name := config.MongoDatabase
		if name == "" {
			name = "conveyor"
		}
		return NewMongoStore(ctx, client.Database(name))
	default:
		return nil, fmt.Errorf("checkpoint: unknown backend %q", config.Backend)
	}
}
