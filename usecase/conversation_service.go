package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
	"github.com/satriahrh/wellvoice/internal/auth"
	"github.com/satriahrh/wellvoice/internal/codec"
)

// historyLimit bounds how many past turns are sent to the responder.
const historyLimit = 20

var (
	// ErrUnauthorized means the request's token is missing, invalid or does
	// not match its session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionClosed means the session expired or was terminated.
	ErrSessionClosed = errors.New("session is no longer active")

	// ErrInvalidMedia means the request carried no decodable audio.
	ErrInvalidMedia = errors.New("invalid media payload")
)

// TokenValidator checks session tokens
type TokenValidator interface {
	ValidateToken(token string) (*auth.JWTClaims, error)
}

// ConversationService handles streamed audio turns for established sessions
type ConversationService struct {
	sessionRepo repositories.SessionRepository
	responder   repositories.Responder
	tokens      TokenValidator
	logger      *zap.Logger

	// locks serializes turns per session so concurrent requests cannot drop
	// each other's history updates.
	locks sync.Map // session id -> *sync.Mutex
}

// NewConversationService creates a new conversation service
func NewConversationService(
	sessionRepo repositories.SessionRepository,
	responder repositories.Responder,
	tokens TokenValidator,
	logger *zap.Logger,
) *ConversationService {
	return &ConversationService{
		sessionRepo: sessionRepo,
		responder:   responder,
		tokens:      tokens,
		logger:      logger,
	}
}

// ProcessStream authorizes req against its session, asks the responder for an
// answer and records both turns.
func (s *ConversationService) ProcessStream(ctx context.Context, req entities.StreamRequest) (*entities.StreamResponse, error) {
	sessionID, err := s.authorize(req.Config)
	if err != nil {
		return nil, err
	}

	media, err := codec.Decode(req.Media)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsExpired() {
		return nil, ErrSessionClosed
	}

	s.logger.Info("Processing audio chunk",
		zap.String("session_id", sessionID),
		zap.String("mime_type", req.Media.MimeType),
		zap.Int("audio_bytes", len(media)))

	resp, err := s.responder.Respond(ctx, session.RecentTurns(historyLimit), media, req.Media.MimeType)
	if err != nil {
		return nil, fmt.Errorf("responder failed: %w", err)
	}

	session.AddTurn(entities.Turn{
		Role:       entities.TurnRoleUser,
		MimeType:   req.Media.MimeType,
		AudioBytes: len(media),
	})
	session.AddTurn(entities.Turn{
		Role:          entities.TurnRoleAssistant,
		Text:          resp.Text,
		FunctionCalls: resp.FunctionCalls,
	})
	if err := s.sessionRepo.Update(ctx, session); err != nil {
		// The answer is still useful to the caller; only history is lost.
		s.logger.Error("Failed to record turn",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	return resp, nil
}

func (s *ConversationService) authorize(config entities.SessionConfig) (string, error) {
	token := config.String(ConfigToken)
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if id := config.String(ConfigSessionID); id != "" && id != claims.SessionID {
		return "", fmt.Errorf("%w: token does not match session", ErrUnauthorized)
	}
	return claims.SessionID, nil
}

func (s *ConversationService) lockFor(sessionID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
