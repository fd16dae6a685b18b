package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/internal/codec"
)

const (
	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM"   // Rachel voice
	defaultOutputFormat = "pcm_24000"              // PCM format for real-time applications
	defaultModelID      = "eleven_multilingual_v2" // Default model ID
	defaultStability    = 0.5                      // Default voice stability
	defaultClarity      = 0.75                     // Default voice clarity/similarity_boost

	// maxAudioBytes bounds one synthesized reply (about a minute of pcm_24000).
	maxAudioBytes = 3 << 20
)

// ElevenLabsConfig holds configuration for the ElevenLabs synthesizer
// Required fields:
// - APIKey: Your Eleven Labs API key
// Optional fields with defaults:
// - APIBaseURL: The base URL for the Eleven Labs API (default: "https://api.elevenlabs.io/v1")
// - VoiceID: The voice ID to use (default: "21m00Tcm4TlvDq8ikWAM" - Rachel voice)
// - ModelID: The model ID to use (default: "eleven_multilingual_v2")
// - OutputFormat: pcm_<rate> or mp3_<rate>_<bitrate> (default: "pcm_24000")
// - Stability: Voice stability value between 0 and 1 (default: 0.5)
// - Clarity: Voice clarity/similarity boost value between 0 and 1 (default: 0.75)
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Stability    float64
	Clarity      float64
	Timeout      time.Duration
}

// ElevenLabsSynthesizer turns concierge reply text into audio
type ElevenLabsSynthesizer struct {
	apiKey       string
	apiBaseURL   string
	voiceID      string
	modelID      string
	outputFormat string
	stability    float64
	clarity      float64
	client       *http.Client
	logger       *zap.Logger
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

type synthesisRequest struct {
	Text                   string        `json:"text"`
	ModelID                string        `json:"model_id"`
	VoiceSettings          voiceSettings `json:"voice_settings"`
	ApplyTextNormalization string        `json:"apply_text_normalization,omitempty"`
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("eleven labs API key is required")
	}
	if config.Stability < 0 || config.Stability > 1 {
		return fmt.Errorf("stability must be between 0 and 1, got %f", config.Stability)
	}
	if config.Clarity < 0 || config.Clarity > 1 {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", config.Clarity)
	}
	if config.OutputFormat != "" && !strings.HasPrefix(config.OutputFormat, "pcm_") && !strings.HasPrefix(config.OutputFormat, "mp3_") {
		return fmt.Errorf("unsupported output format %q", config.OutputFormat)
	}
	return nil
}

// NewElevenLabsSynthesizer creates a synthesizer, filling defaults for unset fields
func NewElevenLabsSynthesizer(config ElevenLabsConfig, logger *zap.Logger) (*ElevenLabsSynthesizer, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}

	s := &ElevenLabsSynthesizer{
		apiKey:       config.APIKey,
		apiBaseURL:   strings.TrimRight(orDefault(config.APIBaseURL, defaultAPIBaseURL), "/"),
		voiceID:      orDefault(config.VoiceID, defaultVoiceID),
		modelID:      orDefault(config.ModelID, defaultModelID),
		outputFormat: orDefault(config.OutputFormat, defaultOutputFormat),
		stability:    config.Stability,
		clarity:      config.Clarity,
		logger:       logger,
	}
	if s.stability == 0 {
		s.stability = defaultStability
	}
	if s.clarity == 0 {
		s.clarity = defaultClarity
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s.client = &http.Client{Timeout: timeout}

	logger.Info("ElevenLabs synthesizer configured",
		zap.String("voiceID", s.voiceID),
		zap.String("modelID", s.modelID),
		zap.String("outputFormat", s.outputFormat))
	return s, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Synthesize converts text into one base64 audio payload
func (e *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) (entities.AudioPayload, error) {
	if strings.TrimSpace(text) == "" {
		return entities.AudioPayload{}, fmt.Errorf("text cannot be empty")
	}

	requestBody, err := json.Marshal(synthesisRequest{
		Text:                   text,
		ModelID:                e.modelID,
		ApplyTextNormalization: "auto",
		VoiceSettings: voiceSettings{
			Stability:       e.stability,
			SimilarityBoost: e.clarity,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return entities.AudioPayload{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s&enable_logging=false",
		e.apiBaseURL, e.voiceID, e.outputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return entities.AudioPayload{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// PCM output requires the audio/pcm accept header
	mimeType := e.mimeType()
	httpReq.Header.Set("Accept", strings.SplitN(mimeType, ";", 2)[0])
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return entities.AudioPayload{}, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e.logger.Error("Eleven Labs API returned error",
			zap.Int("statusCode", resp.StatusCode),
			zap.String("response", string(errorBody)))
		return entities.AudioPayload{}, fmt.Errorf("eleven labs API returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return entities.AudioPayload{}, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audio) == 0 {
		return entities.AudioPayload{}, fmt.Errorf("eleven labs API returned no audio")
	}

	e.logger.Debug("Synthesized reply",
		zap.Int("textLength", len(text)),
		zap.Int("audioBytes", len(audio)))

	return entities.AudioPayload{
		Data:     base64.StdEncoding.EncodeToString(audio),
		MimeType: mimeType,
	}, nil
}

// mimeType maps the ElevenLabs output format to a MIME type
func (e *ElevenLabsSynthesizer) mimeType() string {
	if rate, ok := strings.CutPrefix(e.outputFormat, "pcm_"); ok {
		if n, err := strconv.Atoi(rate); err == nil {
			return codec.PCMMimeType(n)
		}
		return codec.PCMMimeType(codec.DefaultSampleRate)
	}
	return "audio/mpeg"
}

// NewElevenLabsConfigFromEnv creates a new ElevenLabsConfig from environment variables
func NewElevenLabsConfigFromEnv() ElevenLabsConfig {
	config := ElevenLabsConfig{
		APIKey:       os.Getenv("ELEVEN_LABS_API_KEY"),
		APIBaseURL:   os.Getenv("ELEVEN_LABS_API_BASE_URL"),
		VoiceID:      os.Getenv("ELEVEN_LABS_VOICE_ID"),
		ModelID:      os.Getenv("ELEVEN_LABS_MODEL_ID"),
		OutputFormat: os.Getenv("ELEVEN_LABS_OUTPUT_FORMAT"),
	}

	if stabilityStr := os.Getenv("ELEVEN_LABS_STABILITY"); stabilityStr != "" {
		if stability, err := strconv.ParseFloat(stabilityStr, 64); err == nil && stability >= 0 && stability <= 1 {
			config.Stability = stability
		}
	}

	if clarityStr := os.Getenv("ELEVEN_LABS_CLARITY"); clarityStr != "" {
		if clarity, err := strconv.ParseFloat(clarityStr, 64); err == nil && clarity >= 0 && clarity <= 1 {
			config.Clarity = clarity
		}
	}

	return config
}
