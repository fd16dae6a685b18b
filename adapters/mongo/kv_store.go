package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/repositories"
)

type kvDocument struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// KeyValueStore implements repositories.KeyValueStore on a MongoDB collection,
// one document per key.
type KeyValueStore struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewKeyValueStore creates a store backed by the named collection
func NewKeyValueStore(db *mongo.Database, collection string, logger *zap.Logger) *KeyValueStore {
	if collection == "" {
		collection = "voicebus_state"
	}
	return &KeyValueStore{
		collection: db.Collection(collection),
		logger:     logger,
	}
}

// Get implements repositories.KeyValueStore
func (s *KeyValueStore) Get(ctx context.Context, key string) (string, error) {
	var doc kvDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", repositories.ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return doc.Value, nil
}

// Set implements repositories.KeyValueStore
func (s *KeyValueStore) Set(ctx context.Context, key, value string) error {
	update := bson.M{
		"$set": bson.M{
			"value":      value,
			"updated_at": time.Now(),
		},
	}
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": key}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	s.logger.Debug("Stored key", zap.String("key", key), zap.Int("bytes", len(value)))
	return nil
}

// Delete implements repositories.KeyValueStore
func (s *KeyValueStore) Delete(ctx context.Context, key string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}
