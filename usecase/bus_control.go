package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
	"github.com/satriahrh/wellvoice/internal/voicebus"
)

// BusControlService exposes the operator controls of a voice bus to the UI
// and the control API.
type BusControlService struct {
	bus         *voicebus.Bus
	establisher repositories.SessionEstablisher
	logger      *zap.Logger
}

// NewBusControlService creates a control service for bus. Sessions are
// obtained through establisher.
func NewBusControlService(bus *voicebus.Bus, establisher repositories.SessionEstablisher, logger *zap.Logger) *BusControlService {
	return &BusControlService{
		bus:         bus,
		establisher: establisher,
		logger:      logger,
	}
}

// Connect establishes a fresh session and starts delivery.
func (s *BusControlService) Connect(ctx context.Context) error {
	return s.bus.Connect(ctx, s.establisher)
}

// Disconnect stops delivery and forgets the session. Queued chunks stay.
func (s *BusControlService) Disconnect() {
	s.logger.Info("Disconnecting voice bus")
	s.bus.SetConnected(false, nil)
}

// ClearQueue discards every queued chunk.
func (s *BusControlService) ClearQueue() {
	s.bus.ClearQueue()
}

// Enqueue hands one captured chunk to the bus and returns its command ID.
func (s *BusControlService) Enqueue(payload entities.AudioPayload) string {
	return s.bus.Enqueue(payload)
}

// State returns the current bus snapshot.
func (s *BusControlService) State() entities.BusState {
	return s.bus.State()
}

// Pending returns the queued commands in delivery order.
func (s *BusControlService) Pending() []entities.QueuedCommand {
	return s.bus.Pending()
}
