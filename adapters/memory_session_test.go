package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
)

func TestMemorySessionRepository_CreateAndGet(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	session := entities.NewSession("device-1")
	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	got, err := repo.GetByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got.DeviceID != "device-1" {
		t.Errorf("Expected device ID device-1, got %s", got.DeviceID)
	}

	// Mutating the returned copy must not change the stored session
	got.AddTurn(entities.Turn{Role: entities.TurnRoleUser, AudioBytes: 10})
	again, _ := repo.GetByID(ctx, session.ID)
	if len(again.Turns) != 0 {
		t.Error("Stored session was modified through a returned copy")
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, repositories.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemorySessionRepository_OneActiveSessionPerDevice(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	first := entities.NewSession("device-1")
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if err := repo.Create(ctx, entities.NewSession("device-1")); err == nil {
		t.Error("Expected error creating a second active session")
	}

	active, err := repo.GetActiveByDeviceID(ctx, "device-1")
	if err != nil || active == nil || active.ID != first.ID {
		t.Fatalf("Expected active session %s, got %v (err %v)", first.ID, active, err)
	}

	first.Terminate()
	if err := repo.Update(ctx, first); err != nil {
		t.Fatalf("Failed to update session: %v", err)
	}
	active, err = repo.GetActiveByDeviceID(ctx, "device-1")
	if err != nil || active != nil {
		t.Errorf("Expected no active session after terminate, got %v (err %v)", active, err)
	}

	if err := repo.Create(ctx, entities.NewSession("device-1")); err != nil {
		t.Errorf("Expected new session after terminate, got %v", err)
	}
}

func TestMemorySessionRepository_ExpireSessions(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	stale := entities.NewSession("device-1")
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	fresh := entities.NewSession("device-2")
	for _, s := range []*entities.Session{stale, fresh} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Failed to create session: %v", err)
		}
	}

	n, err := repo.ExpireSessions(ctx)
	if err != nil {
		t.Fatalf("ExpireSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired session, got %d", n)
	}

	got, _ := repo.GetByID(ctx, stale.ID)
	if got.Status != entities.SessionStatusExpired {
		t.Errorf("Expected status %s, got %s", entities.SessionStatusExpired, got.Status)
	}
	if n, _ := repo.ExpireSessions(ctx); n != 0 {
		t.Errorf("Expected second pass to expire nothing, got %d", n)
	}
}

func TestMemorySessionRepository_UpdateMissing(t *testing.T) {
	repo := NewMemorySessionRepository()
	err := repo.Update(context.Background(), entities.NewSession("device-1"))
	if !errors.Is(err, repositories.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}
