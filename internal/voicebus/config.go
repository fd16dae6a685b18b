package voicebus

import (
	"fmt"
	"strings"
	"time"
)

// BatchMode selects how a dequeued batch is transmitted.
type BatchMode int

const (
	// BatchModeFirstOnly sends the first command of each batch and treats the
	// remaining ones as coalesced into it once the send succeeds.
	BatchModeFirstOnly BatchMode = iota

	// BatchModeSequential sends every command of the batch in order.
	BatchModeSequential
)

func (m BatchMode) String() string {
	switch m {
	case BatchModeFirstOnly:
		return "first-only"
	case BatchModeSequential:
		return "sequential"
	default:
		return "unknown"
	}
}

// ParseBatchMode accepts the names returned by BatchMode.String.
func ParseBatchMode(s string) (BatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first-only", "first_only":
		return BatchModeFirstOnly, nil
	case "sequential":
		return BatchModeSequential, nil
	}
	return 0, fmt.Errorf("unknown batch mode %q", s)
}

const (
	defaultBatchSize       = 3
	defaultMaxRetries      = 3
	defaultRetention       = time.Hour
	defaultPersistLimit    = 100
	defaultPollInterval    = 500 * time.Millisecond
	defaultContinueDelay   = 100 * time.Millisecond
	defaultRecoveryDelay   = 2 * time.Second
	defaultDeliveryTimeout = 15 * time.Second
	defaultStorageTimeout  = 5 * time.Second

	DefaultQueueKey   = "wellvoice.command_queue"
	DefaultSessionKey = "wellvoice.session_config"
)

// Config tunes the bus. Zero values are replaced with defaults.
type Config struct {
	// DeviceID identifies this client during session establishment.
	DeviceID string

	// BatchSize is the maximum number of commands pulled per drain cycle. Default: 3.
	BatchSize int

	// BatchMode selects how a batch is transmitted. Default: BatchModeFirstOnly.
	BatchMode BatchMode

	// MaxRetries is the retry count at which a failing command is dropped. Default: 3.
	MaxRetries int

	// Retention bounds the age of persisted commands restored on Initialize. Default: 1h.
	Retention time.Duration

	// PersistLimit caps the number of commands written to storage. Default: 100.
	PersistLimit int

	// PollInterval is the period of the drain trigger. Default: 500ms.
	PollInterval time.Duration

	// ContinueDelay is the pause before the next cycle while work remains. Default: 100ms.
	ContinueDelay time.Duration

	// RecoveryDelay is how long the bus stays in ERROR before resuming. Default: 2s.
	RecoveryDelay time.Duration

	// DeliveryTimeout bounds each endpoint call. Default: 15s.
	DeliveryTimeout time.Duration

	// StorageTimeout bounds each storage read or write. Default: 5s.
	StorageTimeout time.Duration

	QueueKey   string
	SessionKey string

	// Now is the clock used for timestamps and eviction. Default: time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.PersistLimit <= 0 {
		c.PersistLimit = defaultPersistLimit
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ContinueDelay <= 0 {
		c.ContinueDelay = defaultContinueDelay
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = defaultRecoveryDelay
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaultDeliveryTimeout
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = defaultStorageTimeout
	}
	if c.QueueKey == "" {
		c.QueueKey = DefaultQueueKey
	}
	if c.SessionKey == "" {
		c.SessionKey = DefaultSessionKey
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
