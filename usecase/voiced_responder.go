package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
)

// Synthesizer turns reply text into audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (entities.AudioPayload, error)
}

// VoicedResponder adds spoken audio to text-only replies of the wrapped
// responder. Synthesis failures leave the text reply intact.
type VoicedResponder struct {
	next   repositories.Responder
	synth  Synthesizer
	logger *zap.Logger
}

// NewVoicedResponder wraps next with synth
func NewVoicedResponder(next repositories.Responder, synth Synthesizer, logger *zap.Logger) *VoicedResponder {
	return &VoicedResponder{next: next, synth: synth, logger: logger}
}

// Respond implements repositories.Responder
func (r *VoicedResponder) Respond(ctx context.Context, history []entities.Turn, media []byte, mimeType string) (*entities.StreamResponse, error) {
	resp, err := r.next.Respond(ctx, history, media, mimeType)
	if err != nil || resp == nil || resp.Text == "" || resp.Audio != "" {
		return resp, err
	}

	audio, err := r.synth.Synthesize(ctx, resp.Text)
	if err != nil {
		r.logger.Warn("Failed to synthesize reply", zap.Error(err))
		return resp, nil
	}
	resp.Audio = audio.Data
	resp.AudioMimeType = audio.MimeType
	return resp, nil
}
