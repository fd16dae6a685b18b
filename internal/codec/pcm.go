// Package codec converts raw sample buffers into the base64 chunks carried by
// the voice bus, and back. Every function is pure.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-audio/audio"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// DefaultSampleRate is the rate the concierge expects from microphones.
const DefaultSampleRate = 16000

const pcmMimePrefix = "audio/pcm"

var ErrEmptyPayload = errors.New("empty audio payload")

// PCMMimeType returns the MIME type for 16-bit little-endian mono PCM.
func PCMMimeType(sampleRate int) string {
	return fmt.Sprintf("%s;rate=%d", pcmMimePrefix, sampleRate)
}

// SampleRate extracts the rate parameter from a PCM MIME type. It returns
// DefaultSampleRate when the parameter is missing or malformed.
func SampleRate(mimeType string) int {
	for _, part := range strings.Split(mimeType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k != "rate" {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return DefaultSampleRate
}

// EncodePCM16 packs mono samples as little-endian bytes and base64 encodes them.
func EncodePCM16(samples []int16, sampleRate int) entities.AudioPayload {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return entities.AudioPayload{
		Data:     base64.StdEncoding.EncodeToString(raw),
		MimeType: PCMMimeType(sampleRate),
	}
}

// EncodeFloat32 clamps samples in [-1, 1] to 16-bit PCM and encodes them.
func EncodeFloat32(samples []float32, sampleRate int) entities.AudioPayload {
	return EncodePCM16(Float32ToPCM16(samples), sampleRate)
}

// EncodeIntBuffer downmixes a decoded buffer to mono, rescales it to 16 bits
// and encodes it at the buffer's own sample rate.
func EncodeIntBuffer(buf *audio.IntBuffer) entities.AudioPayload {
	channels, rate := 1, DefaultSampleRate
	if buf.Format != nil {
		if buf.Format.NumChannels > 0 {
			channels = buf.Format.NumChannels
		}
		if buf.Format.SampleRate > 0 {
			rate = buf.Format.SampleRate
		}
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = 16
	}

	frames := len(buf.Data) / channels
	out := make([]int16, frames)
	for f := 0; f < frames; f++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[f*channels+c]
		}
		out[f] = rescale(sum/channels, depth)
	}
	return EncodePCM16(out, rate)
}

func rescale(v, depth int) int16 {
	switch {
	case depth == 16:
		return clamp16(v)
	case depth > 16:
		return clamp16(v >> (depth - 16))
	case depth == 8:
		// 8-bit WAV is unsigned.
		return clamp16((v - 128) << 8)
	default:
		return clamp16(v << (16 - depth))
	}
}

func clamp16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Float32ToPCM16 converts normalized float samples to 16-bit integers.
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * math.MaxInt16)
	}
	return out
}

// Decode returns the raw bytes carried by a payload.
func Decode(p entities.AudioPayload) ([]byte, error) {
	if p.Data == "" {
		return nil, ErrEmptyPayload
	}
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return raw, nil
}

// DecodePCM16 reverses EncodePCM16 and reports the sample rate from the MIME type.
func DecodePCM16(p entities.AudioPayload) ([]int16, int, error) {
	if !strings.HasPrefix(p.MimeType, pcmMimePrefix) {
		return nil, 0, fmt.Errorf("unsupported mime type %q", p.MimeType)
	}
	raw, err := Decode(p)
	if err != nil {
		return nil, 0, err
	}
	if len(raw)%2 != 0 {
		return nil, 0, fmt.Errorf("odd pcm16 payload length %d", len(raw))
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples, SampleRate(p.MimeType), nil
}
