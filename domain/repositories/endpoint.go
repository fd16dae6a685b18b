package repositories

import (
	"context"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// StreamingEndpoint delivers one audio chunk to the remote concierge and
// returns its structured response.
type StreamingEndpoint interface {
	Send(ctx context.Context, req entities.StreamRequest) (*entities.StreamResponse, error)
}

// SessionEstablisher performs the session-establishment exchange with the
// remote concierge and returns the config to attach to every delivery.
type SessionEstablisher interface {
	Establish(ctx context.Context, deviceID string) (entities.SessionConfig, error)
}

// Responder generates the concierge reply for one user audio chunk.
type Responder interface {
	Respond(ctx context.Context, history []entities.Turn, media []byte, mimeType string) (*entities.StreamResponse, error)
}
