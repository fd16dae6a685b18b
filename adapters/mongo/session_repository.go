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

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
)

// SessionRepository implements repositories.SessionRepository using MongoDB
type SessionRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewSessionRepository creates a new MongoDB session repository. Indexes are
// created in the background.
func NewSessionRepository(db *mongo.Database, logger *zap.Logger) *SessionRepository {
	collection := db.Collection("sessions")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "device_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
		})
		if err != nil {
			logger.Error("Failed to create session indexes", zap.Error(err))
			return
		}
		logger.Debug("Session indexes created")
	}()

	return &SessionRepository{
		collection: collection,
		logger:     logger,
	}
}

// Create implements repositories.SessionRepository
func (r *SessionRepository) Create(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	// Ensure device can only have one active session
	existing, err := r.GetActiveByDeviceID(ctx, session.DeviceID)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.New("device already has an active session")
	}

	if _, err := r.collection.InsertOne(ctx, session); err != nil {
		r.logger.Error("Failed to create session", zap.Error(err), zap.String("device_id", session.DeviceID))
		return fmt.Errorf("failed to create session: %w", err)
	}

	r.logger.Info("Session created",
		zap.String("session_id", session.ID),
		zap.String("device_id", session.DeviceID))
	return nil
}

// GetByID implements repositories.SessionRepository
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*entities.Session, error) {
	var session entities.Session
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrSessionNotFound
		}
		r.logger.Error("Failed to get session by ID", zap.Error(err), zap.String("session_id", id))
		return nil, err
	}
	return &session, nil
}

// GetActiveByDeviceID implements repositories.SessionRepository
func (r *SessionRepository) GetActiveByDeviceID(ctx context.Context, deviceID string) (*entities.Session, error) {
	if deviceID == "" {
		return nil, errors.New("device ID cannot be empty")
	}

	filter := bson.M{
		"device_id":  deviceID,
		"status":     entities.SessionStatusActive,
		"expires_at": bson.M{"$gt": time.Now()},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "last_active_at", Value: -1}})

	var session entities.Session
	err := r.collection.FindOne(ctx, filter, opts).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // No active session found
		}
		r.logger.Error("Failed to get active session", zap.Error(err), zap.String("device_id", deviceID))
		return nil, fmt.Errorf("failed to get active session for device %s: %w", deviceID, err)
	}
	return &session, nil
}

// Update implements repositories.SessionRepository
func (r *SessionRepository) Update(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	update := bson.M{
		"$set": bson.M{
			"last_active_at": session.LastActiveAt,
			"expires_at":     session.ExpiresAt,
			"status":         session.Status,
			"turns":          session.Turns,
			"metadata":       session.Metadata,
		},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": session.ID}, update)
	if err != nil {
		r.logger.Error("Failed to update session", zap.Error(err), zap.String("session_id", session.ID))
		return fmt.Errorf("failed to update session: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrSessionNotFound
	}

	r.logger.Debug("Session updated", zap.String("session_id", session.ID))
	return nil
}

// ExpireSessions implements repositories.SessionRepository
func (r *SessionRepository) ExpireSessions(ctx context.Context) (int, error) {
	filter := bson.M{
		"status":     entities.SessionStatusActive,
		"expires_at": bson.M{"$lt": time.Now()},
	}
	update := bson.M{
		"$set": bson.M{"status": entities.SessionStatusExpired},
	}

	result, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		r.logger.Error("Failed to expire sessions", zap.Error(err))
		return 0, err
	}

	if result.ModifiedCount > 0 {
		r.logger.Info("Expired sessions", zap.Int64("count", result.ModifiedCount))
	}
	return int(result.ModifiedCount), nil
}
