//go:build portaudio

package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/internal/codec"
)

// MicrophoneSource records the default input device as 16 kHz mono PCM.
type MicrophoneSource struct {
	sampleRate int
	chunk      time.Duration
	logger     *zap.Logger
}

// NewMicrophoneSource creates a source that emits one payload per chunk.
func NewMicrophoneSource(chunk time.Duration, logger *zap.Logger) (*MicrophoneSource, error) {
	if chunk <= 0 {
		chunk = 500 * time.Millisecond
	}
	return &MicrophoneSource{
		sampleRate: codec.DefaultSampleRate,
		chunk:      chunk,
		logger:     logger,
	}, nil
}

// Run records until ctx is done.
func (s *MicrophoneSource) Run(ctx context.Context, onChunk func(entities.AudioPayload)) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	buf := make([]int16, framesPerChunk(s.sampleRate, s.chunk))
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(s.sampleRate), len(buf), buf)
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start input stream: %w", err)
	}
	defer stream.Stop()

	s.logger.Info("Microphone capture started",
		zap.Int("sampleRate", s.sampleRate),
		zap.Duration("chunkDuration", s.chunk))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := stream.Read(); err != nil {
			// Overflows drop a frame of input; keep recording.
			if err == portaudio.InputOverflowed {
				s.logger.Warn("Microphone input overflowed")
				continue
			}
			return fmt.Errorf("read input stream: %w", err)
		}
		onChunk(codec.EncodePCM16(buf, s.sampleRate))
	}
}
