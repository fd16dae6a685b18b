package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// ErrKeyNotFound is returned by KeyValueStore.Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// ErrSessionNotFound is returned when a session lookup has no match.
var ErrSessionNotFound = errors.New("session not found")

// KeyValueStore is durable, string-valued storage used by the voice bus.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SessionRepository defines data access methods for concierge sessions
type SessionRepository interface {
	Create(ctx context.Context, session *entities.Session) error
	GetByID(ctx context.Context, id string) (*entities.Session, error)
	// GetActiveByDeviceID returns nil without error when the device has no
	// active session.
	GetActiveByDeviceID(ctx context.Context, deviceID string) (*entities.Session, error)
	Update(ctx context.Context, session *entities.Session) error
	// ExpireSessions marks every active session past its expiry as expired
	// and returns how many were changed.
	ExpireSessions(ctx context.Context) (int, error)
}
