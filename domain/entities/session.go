package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the status of a concierge session
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusTerminated SessionStatus = "terminated"
)

// DefaultSessionTTL is how long a session stays alive after its last activity.
const DefaultSessionTTL = 24 * time.Hour

// TurnRole represents who produced a turn
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Turn is one exchange segment recorded on the server side of a session.
// User turns only record the audio size; audio itself is never stored.
type Turn struct {
	Timestamp     time.Time      `json:"timestamp" bson:"timestamp"`
	Role          TurnRole       `json:"role" bson:"role"`
	Text          string         `json:"text,omitempty" bson:"text,omitempty"`
	MimeType      string         `json:"mime_type,omitempty" bson:"mime_type,omitempty"`
	AudioBytes    int            `json:"audio_bytes,omitempty" bson:"audio_bytes,omitempty"`
	FunctionCalls []FunctionCall `json:"function_calls,omitempty" bson:"function_calls,omitempty"`
}

// SessionMetadata contains session-level metadata
type SessionMetadata struct {
	Language string `json:"language" bson:"language"`
}

// Session is a concierge conversation issued to one device.
type Session struct {
	ID           string          `json:"id" bson:"_id"`
	DeviceID     string          `json:"device_id" bson:"device_id"`
	CreatedAt    time.Time       `json:"created_at" bson:"created_at"`
	LastActiveAt time.Time       `json:"last_active_at" bson:"last_active_at"`
	ExpiresAt    time.Time       `json:"expires_at" bson:"expires_at"`
	Status       SessionStatus   `json:"status" bson:"status"`
	Turns        []Turn          `json:"turns" bson:"turns"`
	Metadata     SessionMetadata `json:"metadata" bson:"metadata"`
}

// NewSession creates a new active session for a device
func NewSession(deviceID string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(DefaultSessionTTL),
		Status:       SessionStatusActive,
		Turns:        make([]Turn, 0),
		Metadata:     SessionMetadata{Language: "en-US"},
	}
}

// AddTurn appends a turn and extends the session's lifetime
func (s *Session) AddTurn(turn Turn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	s.Turns = append(s.Turns, turn)
	s.UpdateLastActive()
}

// UpdateLastActive updates the last active timestamp and extends expiration
func (s *Session) UpdateLastActive() {
	s.LastActiveAt = time.Now()
	s.ExpiresAt = s.LastActiveAt.Add(DefaultSessionTTL)
}

// IsExpired checks if the session can no longer accept turns
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt) || s.Status != SessionStatusActive
}

// Terminate marks the session as terminated
func (s *Session) Terminate() {
	s.Status = SessionStatusTerminated
	s.UpdateLastActive()
}

// Expire marks the session as expired
func (s *Session) Expire() {
	s.Status = SessionStatusExpired
}

// RecentTurns returns at most limit of the latest turns, oldest first.
func (s *Session) RecentTurns(limit int) []Turn {
	if limit <= 0 || len(s.Turns) <= limit {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-limit:]
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.DeviceID == "" {
		return errors.New("device_id is required")
	}

	switch s.Status {
	case SessionStatusActive, SessionStatusExpired, SessionStatusTerminated:
	default:
		return errors.New("invalid session status")
	}

	return nil
}
