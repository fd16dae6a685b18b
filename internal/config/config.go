// Package config loads process configuration from an optional .env file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/internal/voicebus"
)

// LoadEnv reads path into the environment. Variables already set win. A
// missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// NewLogger builds the process logger. LOG_DEVELOPMENT=true selects the
// development encoder.
func NewLogger() (*zap.Logger, error) {
	if envBool("LOG_DEVELOPMENT", false) {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// ConciergeConfig configures the concierge server
type ConciergeConfig struct {
	Addr            string
	JWTSecret       string
	SessionTTL      time.Duration
	CleanupInterval time.Duration
	RequestTimeout  time.Duration

	// Session storage. Empty MongoURI keeps sessions in memory.
	MongoURI      string
	MongoDatabase string

	// Responder. UseMockLLM or an empty key selects the mock responder.
	GeminiAPIKey string
	GeminiModel  string
	UseMockLLM   bool
}

// ConciergeFromEnv reads the concierge configuration from the environment
func ConciergeFromEnv() ConciergeConfig {
	return ConciergeConfig{
		Addr:            envString("CONCIERGE_ADDR", ":8080"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		SessionTTL:      envDuration("SESSION_TTL", 24*time.Hour),
		CleanupInterval: envDuration("SESSION_CLEANUP_INTERVAL", 30*time.Minute),
		RequestTimeout:  envDuration("CONCIERGE_REQUEST_TIMEOUT", 30*time.Second),
		MongoURI:        os.Getenv("MONGODB_URI"),
		MongoDatabase:   envString("MONGODB_DATABASE", "wellvoice"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		GeminiModel:     os.Getenv("GEMINI_MODEL"),
		UseMockLLM:      envBool("USE_MOCK_LLM", false),
	}
}

// Validate checks required fields
func (c ConciergeConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("CONCIERGE_ADDR is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	return nil
}

// MockResponder reports whether the mock responder should be used
func (c ConciergeConfig) MockResponder() bool {
	return c.UseMockLLM || c.GeminiAPIKey == ""
}

// Transports understood by the voice bus daemon
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// Storage backends understood by the voice bus daemon
const (
	StorageSQLite = "sqlite"
	StorageMongo  = "mongo"
	StorageMemory = "memory"
)

// BusConfig configures the voice bus daemon
type BusConfig struct {
	Addr         string
	ConciergeURL string
	Transport    string
	DeviceID     string
	AutoConnect  bool

	Storage       string
	StoragePath   string
	MongoURI      string
	MongoDatabase string

	BatchMode       string
	DeliveryTimeout time.Duration

	// Capture is empty for none, "mic" for the microphone or a WAV/MP3 path.
	Capture       string
	ChunkDuration time.Duration
	Loop          bool
}

// BusFromEnv reads the voice bus configuration from the environment
func BusFromEnv() BusConfig {
	host, _ := os.Hostname()
	return BusConfig{
		Addr:            envString("VOICEBUS_ADDR", ":8090"),
		ConciergeURL:    envString("CONCIERGE_URL", "http://localhost:8080"),
		Transport:       envString("VOICEBUS_TRANSPORT", TransportHTTP),
		DeviceID:        envString("DEVICE_ID", host),
		AutoConnect:     envBool("VOICEBUS_AUTO_CONNECT", true),
		Storage:         envString("VOICEBUS_STORAGE", StorageSQLite),
		StoragePath:     envString("VOICEBUS_STORAGE_PATH", ".wellvoice/voicebus.db"),
		MongoURI:        os.Getenv("MONGODB_URI"),
		MongoDatabase:   envString("MONGODB_DATABASE", "wellvoice"),
		BatchMode:       os.Getenv("VOICEBUS_BATCH_MODE"),
		DeliveryTimeout: envDuration("VOICEBUS_DELIVERY_TIMEOUT", 0),
		Capture:         os.Getenv("VOICEBUS_CAPTURE"),
		ChunkDuration:   envDuration("CAPTURE_CHUNK_DURATION", 500*time.Millisecond),
		Loop:            envBool("CAPTURE_LOOP", false),
	}
}

// Validate checks the enumerations and the fields they require
func (c BusConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("VOICEBUS_ADDR is required")
	}
	if c.DeviceID == "" {
		return errors.New("DEVICE_ID is required")
	}
	switch c.Transport {
	case TransportHTTP, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Storage {
	case StorageSQLite:
		if c.StoragePath == "" {
			return errors.New("VOICEBUS_STORAGE_PATH is required for sqlite storage")
		}
	case StorageMongo:
		if c.MongoURI == "" {
			return errors.New("MONGODB_URI is required for mongo storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if _, err := voicebus.ParseBatchMode(c.BatchMode); err != nil {
		return err
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("CAPTURE_CHUNK_DURATION must be positive, got %s", c.ChunkDuration)
	}
	return nil
}

// StreamURL returns the concierge WebSocket URL derived from ConciergeURL
func (c BusConfig) StreamURL() string {
	base := strings.TrimRight(c.ConciergeURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/stream"
}

// BusSettings converts to voicebus.Config. Call Validate first.
func (c BusConfig) BusSettings() voicebus.Config {
	mode, _ := voicebus.ParseBatchMode(c.BatchMode)
	return voicebus.Config{
		DeviceID:        c.DeviceID,
		BatchMode:       mode,
		DeliveryTimeout: c.DeliveryTimeout,
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration falls back to def when the value is missing or malformed.
func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
