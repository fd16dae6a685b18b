// Package voicebus buffers captured audio chunks in a durable FIFO and
// delivers them to the remote streaming endpoint while a session is
// connected, retrying failed chunks and reporting state to subscribers.
package voicebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
	"github.com/satriahrh/wellvoice/internal/observe"
)

var (
	// ErrNoSession is returned for a delivery attempted without a session config.
	ErrNoSession = errors.New("voicebus: no session established")

	// ErrDeliveryRejected means the endpoint answered with success=false.
	ErrDeliveryRejected = errors.New("voicebus: delivery rejected by endpoint")

	// ErrMalformedResponse means the endpoint returned no usable response.
	ErrMalformedResponse = errors.New("voicebus: malformed endpoint response")

	// ErrConnectInProgress is returned by Connect while another connect is pending.
	ErrConnectInProgress = errors.New("voicebus: connect already in progress")

	// ErrConnectInterrupted means the connection state changed while a session
	// was being established, so its result was discarded.
	ErrConnectInterrupted = errors.New("voicebus: connect interrupted")
)

// Bus is the voice command message bus. Create one per process with New and
// share the handle.
type Bus struct {
	cfg      Config
	store    repositories.KeyValueStore
	endpoint repositories.StreamingEndpoint
	metrics  *observe.Metrics
	logger   *zap.Logger

	persist *persister
	obs     *observers
	pump    *scheduler

	ctx    context.Context
	cancel context.CancelFunc

	initOnce sync.Once

	mu          sync.Mutex
	queue       commandQueue
	state       entities.ConnectionState
	session     entities.SessionConfig
	processing  bool
	initialized bool
	closed      bool
	generation  uint64
	version     uint64
	connectSeq  uint64
	recovery    *time.Timer
	recoverySeq uint64
	onResponse  ResponseHandler
}

// New creates a bus in the DISCONNECTED state. A nil store keeps the queue in
// memory only; nil metrics use observe.DefaultMetrics.
func New(
	cfg Config,
	store repositories.KeyValueStore,
	endpoint repositories.StreamingEndpoint,
	metrics *observe.Metrics,
	logger *zap.Logger,
) *Bus {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:      cfg,
		store:    store,
		endpoint: endpoint,
		metrics:  metrics,
		logger:   logger,
		persist:  newPersister(store, cfg.StorageTimeout, logger),
		obs:      newObservers(logger),
		ctx:      ctx,
		cancel:   cancel,
		state:    entities.ConnectionDisconnected,
	}
	b.pump = newScheduler(cfg.PollInterval, b.drainCycle)
	return b
}

// Initialize restores the persisted queue and session config. Entries older
// than the retention window are evicted. Storage failures are logged and the
// bus starts empty. Only the first call does any work.
func (b *Bus) Initialize(ctx context.Context) {
	b.initOnce.Do(func() {
		b.initialize(ctx)
	})
}

func (b *Bus) initialize(ctx context.Context) {
	loaded := b.loadQueue(ctx)
	session := b.loadSession(ctx)

	kept, evicted := evictExpired(loaded, b.cfg.Now(), b.cfg.Retention)
	if evicted > 0 {
		b.logger.Info("Evicted stale commands on load",
			zap.Int("evicted", evicted),
			zap.Int("kept", len(kept)))
		b.metrics.Evicted.Add(ctx, int64(evicted))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.queue.len()
	b.queue.prepend(kept)
	if b.session == nil && session != nil {
		b.session = session
	}
	b.initialized = true

	if evicted > 0 || pending > 0 {
		b.persistQueueLocked()
	}
	b.logger.Info("Voice bus initialized",
		zap.Int("restored", len(kept)),
		zap.Int("queued", b.queue.len()),
		zap.Bool("hasSession", b.session != nil))
	b.publishLocked()

	if b.state == entities.ConnectionConnected {
		b.pump.trigger()
	}
}

func (b *Bus) loadQueue(ctx context.Context) []entities.QueuedCommand {
	raw, ok := b.read(ctx, b.cfg.QueueKey)
	if !ok {
		return nil
	}
	var cmds []entities.QueuedCommand
	if err := json.Unmarshal([]byte(raw), &cmds); err != nil {
		b.logger.Error("Failed to decode persisted queue", zap.Error(err))
		return nil
	}
	return cmds
}

func (b *Bus) loadSession(ctx context.Context) entities.SessionConfig {
	raw, ok := b.read(ctx, b.cfg.SessionKey)
	if !ok {
		return nil
	}
	var session entities.SessionConfig
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		b.logger.Error("Failed to decode persisted session config", zap.Error(err))
		return nil
	}
	if len(session) == 0 {
		return nil
	}
	return session
}

func (b *Bus) read(ctx context.Context, key string) (string, bool) {
	if b.store == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StorageTimeout)
	defer cancel()

	raw, err := b.store.Get(ctx, key)
	if errors.Is(err, repositories.ErrKeyNotFound) {
		return "", false
	}
	if err != nil {
		b.logger.Error("Failed to read voice bus state", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return raw, raw != ""
}

// Enqueue appends a chunk and returns its id. Persistence happens in the
// background.
func (b *Bus) Enqueue(payload entities.AudioPayload) string {
	cmd := entities.QueuedCommand{
		ID:         newCommandID(),
		Payload:    payload,
		EnqueuedAt: b.cfg.Now().UnixMilli(),
	}

	b.mu.Lock()
	b.queue.push(cmd)
	b.persistQueueLocked()
	b.publishLocked()
	connected := b.state == entities.ConnectionConnected
	b.mu.Unlock()

	b.metrics.Enqueued.Add(context.Background(), 1)
	if connected {
		b.pump.trigger()
	}
	return cmd.ID
}

// OnChunk is the capture source callback.
func (b *Bus) OnChunk(payload entities.AudioPayload) {
	b.Enqueue(payload)
}

func newCommandID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ClearQueue drops every queued command. A batch that is in flight is not
// requeued if its delivery fails.
func (b *Bus) ClearQueue() {
	b.mu.Lock()
	n := b.queue.clear()
	b.generation++
	b.persistQueueLocked()
	b.publishLocked()
	b.mu.Unlock()

	b.metrics.RecordDropped(context.Background(), n, "cleared")
	b.logger.Info("Command queue cleared", zap.Int("dropped", n))
}

// SetConnected moves the bus to CONNECTED or DISCONNECTED. A non-nil session
// replaces the stored one; connecting with nil keeps the session restored by
// Initialize. Disconnecting forgets the session.
func (b *Bus) SetConnected(connected bool, session entities.SessionConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connectSeq++
	if !connected {
		b.clearSessionLocked()
		b.transitionLocked(entities.ConnectionDisconnected)
		return
	}
	if session != nil {
		b.setSessionLocked(session)
	}
	if !b.transitionLocked(entities.ConnectionConnected) {
		b.pump.trigger()
	}
}

// Connect establishes a session through est and enters CONNECTED. On failure
// the bus returns to DISCONNECTED.
func (b *Bus) Connect(ctx context.Context, est repositories.SessionEstablisher) error {
	b.mu.Lock()
	if b.state == entities.ConnectionConnecting {
		b.mu.Unlock()
		return ErrConnectInProgress
	}
	b.connectSeq++
	seq := b.connectSeq
	b.transitionLocked(entities.ConnectionConnecting)
	b.mu.Unlock()

	session, err := est.Establish(ctx, b.cfg.DeviceID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if seq != b.connectSeq {
		return ErrConnectInterrupted
	}
	if err == nil && len(session) == 0 {
		err = ErrNoSession
	}
	if err != nil {
		b.logger.Error("Failed to establish session",
			zap.String("deviceID", b.cfg.DeviceID),
			zap.Error(err))
		b.transitionLocked(entities.ConnectionDisconnected)
		return fmt.Errorf("establish session: %w", err)
	}
	b.setSessionLocked(session)
	b.transitionLocked(entities.ConnectionConnected)
	return nil
}

func (b *Bus) setSessionLocked(session entities.SessionConfig) {
	b.session = session.Clone()
	data, err := json.Marshal(b.session)
	if err != nil {
		b.logger.Error("Failed to encode session config", zap.Error(err))
		return
	}
	b.persist.set(b.cfg.SessionKey, string(data))
}

func (b *Bus) clearSessionLocked() {
	b.session = nil
	b.persist.remove(b.cfg.SessionKey)
}

// Subscribe registers fn and calls it right away with the current state, then
// after every mutation. Each call registers a separate subscription. The
// returned func unsubscribes and is safe to call more than once. A subscriber
// that blocks may miss intermediate states but always receives the newest.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	state := b.stateLocked()
	sub := b.obs.add(fn, state.Version)
	b.mu.Unlock()

	b.obs.notify(sub, state)
	sub.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.obs.remove(sub) })
	}
}

// SetResponseHandler installs the single response handler. Nil removes it.
func (b *Bus) SetResponseHandler(fn ResponseHandler) {
	b.mu.Lock()
	b.onResponse = fn
	b.mu.Unlock()
}

// State returns the current snapshot.
func (b *Bus) State() entities.BusState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Bus) QueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.len()
}

func (b *Bus) ConnectionState() entities.ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SessionConfig returns a copy of the active session config, or nil.
func (b *Bus) SessionConfig() entities.SessionConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session.Clone()
}

// Pending returns a copy of the queued commands, oldest first.
func (b *Bus) Pending() []entities.QueuedCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.snapshot(0)
}

// TriggerDrain runs a drain cycle on the calling goroutine. It returns
// immediately when a cycle is already running, the bus is not connected or
// the queue is empty.
func (b *Bus) TriggerDrain() {
	b.drainCycle()
}

// Flush waits for background storage writes submitted so far.
func (b *Bus) Flush(ctx context.Context) error {
	return b.persist.flush(ctx)
}

// Close stops draining, aborts an in-flight delivery and writes out pending
// storage updates. The queue stays in memory; it is not usable for delivery
// afterwards.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopRecoveryLocked()
	b.pump.stop()
	b.mu.Unlock()

	b.cancel()
	b.pump.wait()
	b.obs.close()
	if err := b.persist.close(ctx); err != nil {
		return fmt.Errorf("close voice bus: %w", err)
	}
	return nil
}

func (b *Bus) stateLocked() entities.BusState {
	return entities.BusState{
		ConnectionState: b.state,
		QueuedCount:     b.queue.len(),
		IsProcessing:    b.processing,
		Version:         b.version,
	}
}

func (b *Bus) publishLocked() {
	b.version++
	state := b.stateLocked()
	b.metrics.QueueDepth.Record(context.Background(), int64(state.QueuedCount))
	b.obs.publish(state)
}

// persistQueueLocked hands the newest PersistLimit commands to the writer.
// Nothing is written before Initialize so a stored queue is never clobbered
// before it has been read.
func (b *Bus) persistQueueLocked() {
	if !b.initialized {
		return
	}
	data, err := json.Marshal(b.queue.snapshot(b.cfg.PersistLimit))
	if err != nil {
		b.logger.Error("Failed to encode command queue", zap.Error(err))
		return
	}
	b.persist.set(b.cfg.QueueKey, string(data))
}
