package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
)

// MemorySessionRepository is an in-memory implementation of SessionRepository.
// Sessions are lost on restart.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*entities.Session // id -> session
	active   map[string]string            // device_id -> id of its active session
}

// NewMemorySessionRepository creates an empty in-memory session repository
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]*entities.Session),
		active:   make(map[string]string),
	}
}

// Create implements SessionRepository interface
func (m *MemorySessionRepository) Create(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return errors.New("session with this ID already exists")
	}
	if id, ok := m.active[session.DeviceID]; ok && m.isActiveLocked(id) {
		return errors.New("device already has an active session")
	}

	m.sessions[session.ID] = copySession(session)
	if session.Status == entities.SessionStatusActive {
		m.active[session.DeviceID] = session.ID
	}
	return nil
}

// GetByID implements SessionRepository interface
func (m *MemorySessionRepository) GetByID(ctx context.Context, id string) (*entities.Session, error) {
	if id == "" {
		return nil, errors.New("session ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, repositories.ErrSessionNotFound
	}
	return copySession(session), nil
}

// GetActiveByDeviceID implements SessionRepository interface
func (m *MemorySessionRepository) GetActiveByDeviceID(ctx context.Context, deviceID string) (*entities.Session, error) {
	if deviceID == "" {
		return nil, errors.New("device ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[deviceID]
	if !ok || !m.isActiveLocked(id) {
		return nil, nil
	}
	return copySession(m.sessions[id]), nil
}

// Update implements SessionRepository interface
func (m *MemorySessionRepository) Update(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.sessions[session.ID]
	if !exists {
		return repositories.ErrSessionNotFound
	}

	updated := copySession(session)
	updated.CreatedAt = existing.CreatedAt // Preserve original creation time
	m.sessions[session.ID] = updated

	if session.Status == entities.SessionStatusActive {
		m.active[session.DeviceID] = session.ID
	} else if m.active[session.DeviceID] == session.ID {
		delete(m.active, session.DeviceID)
	}
	return nil
}

// ExpireSessions implements SessionRepository interface
func (m *MemorySessionRepository) ExpireSessions(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	expired := 0
	for id, session := range m.sessions {
		if session.Status != entities.SessionStatusActive || !now.After(session.ExpiresAt) {
			continue
		}
		session.Expire()
		expired++
		if m.active[session.DeviceID] == id {
			delete(m.active, session.DeviceID)
		}
	}
	return expired, nil
}

func (m *MemorySessionRepository) isActiveLocked(id string) bool {
	session, ok := m.sessions[id]
	return ok && !session.IsExpired()
}

// copySession returns a copy that shares nothing mutable with the original
func copySession(s *entities.Session) *entities.Session {
	c := *s
	c.Turns = append([]entities.Turn(nil), s.Turns...)
	return &c
}
