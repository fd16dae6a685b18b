package repositories

import (
	"context"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// CaptureSource pushes encoded audio chunks to onChunk until ctx is done or
// the source is exhausted.
type CaptureSource interface {
	Run(ctx context.Context, onChunk func(entities.AudioPayload)) error
}
