package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
)

// connectTestDB connects to the database in MONGODB_URI and drops it on cleanup.
// The test is skipped when MONGODB_URI is not set.
func connectTestDB(t *testing.T) *Client {
	t.Helper()
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, Config{URI: mongoURI, Database: "wellvoice_test"}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Database.Drop(ctx)
		_ = client.Close(ctx)
	})
	return client
}

func TestSessionRepository_Integration(t *testing.T) {
	client := connectTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepository(client.Database, zap.NewNop())

	t.Run("CreateAndGetSession", func(t *testing.T) {
		session := entities.NewSession("test-device-001")
		if err := repo.Create(ctx, session); err != nil {
			t.Fatalf("Failed to create session: %v", err)
		}

		retrieved, err := repo.GetByID(ctx, session.ID)
		if err != nil {
			t.Fatalf("Failed to get session: %v", err)
		}
		if retrieved.DeviceID != "test-device-001" {
			t.Errorf("Expected device ID test-device-001, got %s", retrieved.DeviceID)
		}
		if retrieved.Status != entities.SessionStatusActive {
			t.Errorf("Expected status %s, got %s", entities.SessionStatusActive, retrieved.Status)
		}
	})

	t.Run("GetMissingSession", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "does-not-exist")
		if !errors.Is(err, repositories.ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("OneSessionPerDevice", func(t *testing.T) {
		deviceID := "test-device-003"
		if err := repo.Create(ctx, entities.NewSession(deviceID)); err != nil {
			t.Fatalf("Failed to create first session: %v", err)
		}
		if err := repo.Create(ctx, entities.NewSession(deviceID)); err == nil {
			t.Error("Expected error when creating second session for same device")
		}

		active, err := repo.GetActiveByDeviceID(ctx, deviceID)
		if err != nil {
			t.Fatalf("Failed to get active session: %v", err)
		}
		if active == nil {
			t.Fatal("Expected active session, got nil")
		}
	})

	t.Run("UpdateAppendsTurns", func(t *testing.T) {
		session := entities.NewSession("test-device-004")
		if err := repo.Create(ctx, session); err != nil {
			t.Fatalf("Failed to create session: %v", err)
		}

		session.AddTurn(entities.Turn{Role: entities.TurnRoleUser, MimeType: "audio/pcm;rate=16000", AudioBytes: 3200})
		session.AddTurn(entities.Turn{Role: entities.TurnRoleAssistant, Text: "Your massage is booked."})
		if err := repo.Update(ctx, session); err != nil {
			t.Fatalf("Failed to update session: %v", err)
		}

		updated, err := repo.GetByID(ctx, session.ID)
		if err != nil {
			t.Fatalf("Failed to get updated session: %v", err)
		}
		if len(updated.Turns) != 2 {
			t.Fatalf("Expected 2 turns, got %d", len(updated.Turns))
		}
		if updated.Turns[1].Text != "Your massage is booked." {
			t.Errorf("Unexpected assistant text %q", updated.Turns[1].Text)
		}
	})

	t.Run("ExpireSessions", func(t *testing.T) {
		session := entities.NewSession("test-device-006")
		session.ExpiresAt = time.Now().Add(-1 * time.Hour)

		// Bypass Create so the expired session can be inserted directly
		if _, err := client.Database.Collection("sessions").InsertOne(ctx, session); err != nil {
			t.Fatalf("Failed to insert expired session: %v", err)
		}

		n, err := repo.ExpireSessions(ctx)
		if err != nil {
			t.Fatalf("Failed to expire sessions: %v", err)
		}
		if n < 1 {
			t.Errorf("Expected at least 1 expired session, got %d", n)
		}

		expired, err := repo.GetByID(ctx, session.ID)
		if err != nil {
			t.Fatalf("Failed to get expired session: %v", err)
		}
		if expired.Status != entities.SessionStatusExpired {
			t.Errorf("Expected status %s, got %s", entities.SessionStatusExpired, expired.Status)
		}
	})
}

func TestKeyValueStore_Integration(t *testing.T) {
	client := connectTestDB(t)
	ctx := context.Background()
	store := NewKeyValueStore(client.Database, "", zap.NewNop())

	if _, err := store.Get(ctx, "queue"); !errors.Is(err, repositories.ErrKeyNotFound) {
		t.Fatalf("Expected ErrKeyNotFound, got %v", err)
	}

	for _, v := range []string{`[{"id":"a"}]`, `[]`} {
		if err := store.Set(ctx, "queue", v); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := store.Get(ctx, "queue")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != v {
			t.Errorf("Expected %q, got %q", v, got)
		}
	}

	if err := store.Delete(ctx, "queue"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "queue"); !errors.Is(err, repositories.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
	}
}
