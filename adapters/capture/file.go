// Package capture produces encoded audio chunks for the voice bus from a
// microphone or from recorded files.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/internal/codec"
)

// ErrUnsupportedFormat is returned for files that are neither WAV nor MP3.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// FileSource replays a WAV or MP3 file as paced chunks, the way a microphone
// would deliver them.
type FileSource struct {
	path   string
	chunk  time.Duration
	loop   bool
	logger *zap.Logger
}

// NewFileSource creates a source for path. Each chunk covers chunk of audio;
// loop restarts the file when it ends.
func NewFileSource(path string, chunk time.Duration, loop bool, logger *zap.Logger) *FileSource {
	if chunk <= 0 {
		chunk = 500 * time.Millisecond
	}
	return &FileSource{path: path, chunk: chunk, loop: loop, logger: logger}
}

// Run decodes the file and emits one chunk per chunk interval. It returns nil
// when the file is exhausted or ctx is done.
func (s *FileSource) Run(ctx context.Context, onChunk func(entities.AudioPayload)) error {
	chunks, err := s.decode()
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		s.logger.Warn("Audio file is empty", zap.String("path", s.path))
		return nil
	}

	s.logger.Info("Replaying audio file",
		zap.String("path", s.path),
		zap.Int("chunks", len(chunks)),
		zap.Duration("chunkDuration", s.chunk),
		zap.Bool("loop", s.loop))

	ticker := time.NewTicker(s.chunk)
	defer ticker.Stop()

	for {
		for _, chunk := range chunks {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			onChunk(chunk)
		}
		if !s.loop {
			return nil
		}
	}
}

func (s *FileSource) decode() ([]entities.AudioPayload, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(s.path)); ext {
	case ".wav":
		return DecodeWAV(f, s.chunk)
	case ".mp3":
		return DecodeMP3(f, s.chunk)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// DecodeWAV splits a WAV stream into 16-bit mono PCM chunks of the given
// duration at the file's sample rate.
func DecodeWAV(r io.ReadSeeker, chunk time.Duration) ([]entities.AudioPayload, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav")
	}
	format := dec.Format()
	if format == nil || format.SampleRate <= 0 || format.NumChannels <= 0 {
		return nil, errors.New("invalid wav format")
	}

	frames := framesPerChunk(format.SampleRate, chunk)
	var chunks []entities.AudioPayload
	for {
		buf := &audio.IntBuffer{
			Format:         format,
			Data:           make([]int, frames*format.NumChannels),
			SourceBitDepth: int(dec.BitDepth),
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode wav: %w", err)
		}
		if n > 0 {
			buf.Data = buf.Data[:n]
			chunks = append(chunks, codec.EncodeIntBuffer(buf))
		}
		if err != nil || n < frames*format.NumChannels {
			break
		}
	}
	return chunks, nil
}

// DecodeMP3 splits an MP3 stream into 16-bit mono PCM chunks. The decoder
// always yields interleaved stereo.
func DecodeMP3(r io.Reader, chunk time.Duration) ([]entities.AudioPayload, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("decode mp3: %w", err)
	}
	format := &audio.Format{NumChannels: 2, SampleRate: dec.SampleRate()}

	frames := framesPerChunk(format.SampleRate, chunk)
	raw := make([]byte, frames*4)

	var chunks []entities.AudioPayload
	for {
		n, err := io.ReadFull(dec, raw)
		if n >= 4 {
			samples := n / 2
			buf := &audio.IntBuffer{
				Format:         format,
				Data:           make([]int, samples),
				SourceBitDepth: 16,
			}
			for i := 0; i < samples; i++ {
				buf.Data[i] = int(int16(binary.LittleEndian.Uint16(raw[i*2:])))
			}
			chunks = append(chunks, codec.EncodeIntBuffer(buf))
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode mp3: %w", err)
		}
	}
}

func framesPerChunk(sampleRate int, chunk time.Duration) int {
	frames := int(int64(sampleRate) * int64(chunk) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	return frames
}
