package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// MockResponder is a deterministic stand-in for Gemini used in development
// and tests. It never calls the network.
type MockResponder struct{}

// NewMockResponder creates a new mock responder
func NewMockResponder() *MockResponder {
	return &MockResponder{}
}

// Respond implements repositories.Responder
func (m *MockResponder) Respond(ctx context.Context, history []entities.Turn, media []byte, mimeType string) (*entities.StreamResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	userTurns := 0
	for _, turn := range history {
		if turn.Role == entities.TurnRoleUser {
			userTurns++
		}
	}

	var text string
	switch {
	case len(media) == 0:
		text = "I didn't catch that. Could you say it again?"
	case userTurns == 0:
		text = fmt.Sprintf("Hello! I received %d bytes of %s. How can I help with your booking today?", len(media), baseMime(mimeType))
	default:
		text = fmt.Sprintf("Got it, that's message %d. Anything else?", userTurns+1)
	}

	return &entities.StreamResponse{
		Success:      true,
		Text:         text,
		TurnComplete: true,
	}, nil
}

func baseMime(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		return mimeType[:i]
	}
	return mimeType
}
