package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri" validate:"required,uri"`
	DBName   string `yaml:"dbName" json:"dbName" validate:"required"`
	CollName string `yaml:"collName" json:"collName" validate:"required"`
}

type collection interface {
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// MongoRecorder upserts one document per execution, keyed by its id.
type MongoRecorder struct {
	client *mongo.Client
	coll   collection
}

func NewMongoRecorder(ctx context.Context, cfg MongoConfig) (*MongoRecorder, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoRecorder{
		client: client,
		coll:   client.Database(cfg.DBName).Collection(cfg.CollName),
	}, nil
}

func (m *MongoRecorder) Record(ctx context.Context, rec Record) error {
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("audit: MongoDB ReplaceOne failed: %w", err)
	}
	return nil
}

func (m *MongoRecorder) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}
