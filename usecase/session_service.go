package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
)

// Keys of the SessionConfig issued to clients.
const (
	ConfigSessionID = "sessionId"
	ConfigDeviceID  = "deviceId"
	ConfigToken     = "token"
	ConfigExpiresAt = "expiresAt"
)

// ErrInvalidDevice is returned when a session is requested without a device ID.
var ErrInvalidDevice = errors.New("device ID is required")

// TokenIssuer signs and validates session tokens
type TokenIssuer interface {
	GenerateSessionToken(sessionID, deviceID string) (string, time.Time, error)
}

// SessionService establishes concierge sessions for devices
type SessionService struct {
	sessionRepo repositories.SessionRepository
	issuer      TokenIssuer
	logger      *zap.Logger
}

// NewSessionService creates a new session service
func NewSessionService(sessionRepo repositories.SessionRepository, issuer TokenIssuer, logger *zap.Logger) *SessionService {
	return &SessionService{
		sessionRepo: sessionRepo,
		issuer:      issuer,
		logger:      logger,
	}
}

// Establish returns the SessionConfig for deviceID. The device's active
// session is resumed when there is one so conversation history carries over;
// otherwise a new session is created.
func (s *SessionService) Establish(ctx context.Context, deviceID string) (entities.SessionConfig, error) {
	if deviceID == "" {
		return nil, ErrInvalidDevice
	}

	session, err := s.sessionRepo.GetActiveByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("lookup active session: %w", err)
	}

	if session == nil {
		session = entities.NewSession(deviceID)
		if err := s.sessionRepo.Create(ctx, session); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		s.logger.Info("Created concierge session",
			zap.String("session_id", session.ID),
			zap.String("device_id", deviceID))
	} else {
		session.UpdateLastActive()
		if err := s.sessionRepo.Update(ctx, session); err != nil {
			return nil, fmt.Errorf("refresh session: %w", err)
		}
		s.logger.Info("Resumed concierge session",
			zap.String("session_id", session.ID),
			zap.String("device_id", deviceID),
			zap.Int("turns", len(session.Turns)))
	}

	token, expiresAt, err := s.issuer.GenerateSessionToken(session.ID, deviceID)
	if err != nil {
		return nil, err
	}

	return entities.SessionConfig{
		ConfigSessionID: session.ID,
		ConfigDeviceID:  deviceID,
		ConfigToken:     token,
		ConfigExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	}, nil
}
