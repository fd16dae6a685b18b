//go:build !portaudio

package capture

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// ErrMicrophoneUnavailable is returned when the binary was built without the
// portaudio tag.
var ErrMicrophoneUnavailable = errors.New("microphone capture requires building with -tags portaudio")

// MicrophoneSource is unavailable in this build.
type MicrophoneSource struct{}

// NewMicrophoneSource always fails in this build.
func NewMicrophoneSource(chunk time.Duration, logger *zap.Logger) (*MicrophoneSource, error) {
	return nil, ErrMicrophoneUnavailable
}

// Run always fails in this build.
func (s *MicrophoneSource) Run(ctx context.Context, onChunk func(entities.AudioPayload)) error {
	return ErrMicrophoneUnavailable
}
