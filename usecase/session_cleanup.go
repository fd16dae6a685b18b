package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/repositories"
)

const (
	defaultCleanupInterval = 30 * time.Minute
	defaultInitialDelay    = time.Minute
)

// SessionCleanupService periodically marks sessions past their expiry as expired
type SessionCleanupService struct {
	sessionRepo  repositories.SessionRepository
	interval     time.Duration
	initialDelay time.Duration
	logger       *zap.Logger
}

// NewSessionCleanupService creates a new session cleanup service. Zero
// durations fall back to a 30 minute interval and a 1 minute initial delay.
func NewSessionCleanupService(sessionRepo repositories.SessionRepository, interval, initialDelay time.Duration, logger *zap.Logger) *SessionCleanupService {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}
	return &SessionCleanupService{
		sessionRepo:  sessionRepo,
		interval:     interval,
		initialDelay: initialDelay,
		logger:       logger,
	}
}

// Run cleans up until ctx is cancelled
func (s *SessionCleanupService) Run(ctx context.Context) error {
	s.logger.Info("Session cleanup service started", zap.Duration("interval", s.interval))
	defer s.logger.Info("Session cleanup service stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	initialTimer := time.NewTimer(s.initialDelay)
	defer initialTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-initialTimer.C:
			s.runCleanup(ctx)
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

// runCleanup performs the actual cleanup of expired sessions
func (s *SessionCleanupService) runCleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	n, err := s.sessionRepo.ExpireSessions(ctx)
	if err != nil {
		s.logger.Error("Failed to expire sessions", zap.Error(err))
		return
	}

	s.logger.Info("Session cleanup completed", zap.Int("expired", n))
}
