package voicebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// scriptedEndpoint records requests and answers them through handle.
type scriptedEndpoint struct {
	mu       sync.Mutex
	requests []entities.StreamRequest
	handle   func(ctx context.Context, n int) (*entities.StreamResponse, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (e *scriptedEndpoint) Send(ctx context.Context, req entities.StreamRequest) (*entities.StreamResponse, error) {
	cur := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		peak := e.maxInFlight.Load()
		if cur <= peak || e.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}

	e.mu.Lock()
	e.requests = append(e.requests, req)
	n := len(e.requests)
	e.mu.Unlock()

	if e.handle == nil {
		return &entities.StreamResponse{Success: true}, nil
	}
	return e.handle(ctx, n)
}

func (e *scriptedEndpoint) calls() []entities.StreamRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]entities.StreamRequest(nil), e.requests...)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []entities.BusState
	at     []time.Time
}

func (r *stateRecorder) record(s entities.BusState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.at = append(r.at, time.Now())
}

func (r *stateRecorder) snapshot() []entities.BusState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entities.BusState(nil), r.states...)
}

// firstTime returns when the recorder first saw state cs after index from.
func (r *stateRecorder) firstTime(cs entities.ConnectionState, from int) (int, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := from; i < len(r.states); i++ {
		if r.states[i].ConnectionState == cs {
			return i, r.at[i], true
		}
	}
	return 0, time.Time{}, false
}

func fastConfig() Config {
	return Config{
		DeviceID:        "test-device",
		PollInterval:    10 * time.Millisecond,
		ContinueDelay:   5 * time.Millisecond,
		RecoveryDelay:   50 * time.Millisecond,
		DeliveryTimeout: time.Second,
		StorageTimeout:  time.Second,
	}
}

func newTestBus(t *testing.T, cfg Config, store *fakeStore, ep *scriptedEndpoint) *Bus {
	t.Helper()
	var b *Bus
	if store == nil {
		b = New(cfg, nil, ep, nil, zaptest.NewLogger(t))
	} else {
		b = New(cfg, store, ep, nil, zaptest.NewLogger(t))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return b
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func chunk(i int) entities.AudioPayload {
	return entities.AudioPayload{Data: fmt.Sprintf("chunk-%d", i), MimeType: "audio/pcm;rate=16000"}
}

var testSession = entities.SessionConfig{"sessionId": "x"}

func TestBus_DeliversInEnqueueOrder(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
	}{
		{"first-only single", func(c *Config) { c.BatchSize = 1 }},
		{"sequential batches", func(c *Config) { c.BatchMode = BatchModeSequential }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig()
			tt.cfg(&cfg)
			ep := &scriptedEndpoint{}
			b := newTestBus(t, cfg, nil, ep)

			const n = 7
			for i := 0; i < n; i++ {
				b.Enqueue(chunk(i))
			}
			b.SetConnected(true, testSession)

			waitFor(t, 2*time.Second, "all chunks delivered", func() bool {
				return len(ep.calls()) == n && b.QueueSize() == 0
			})
			for i, req := range ep.calls() {
				if req.Media.Data != chunk(i).Data {
					t.Errorf("delivery %d = %q, want %q", i, req.Media.Data, chunk(i).Data)
				}
				if req.Config.String("sessionId") != "x" {
					t.Errorf("delivery %d missing session config", i)
				}
			}
		})
	}
}

func TestBus_SequentialFailureRequeuesRemainder(t *testing.T) {
	ep := &scriptedEndpoint{
		handle: func(ctx context.Context, n int) (*entities.StreamResponse, error) {
			if n == 2 {
				return nil, errors.New("connection reset")
			}
			return &entities.StreamResponse{Success: true}, nil
		},
	}
	cfg := fastConfig()
	cfg.BatchMode = BatchModeSequential
	cfg.RecoveryDelay = 300 * time.Millisecond
	b := newTestBus(t, cfg, nil, ep)

	var responses atomic.Int32
	b.SetResponseHandler(func(entities.StreamResponse) { responses.Add(1) })

	for i := 0; i < 4; i++ {
		b.Enqueue(chunk(i))
	}
	b.SetConnected(true, testSession)

	waitFor(t, time.Second, "failed cycle settled", func() bool {
		return b.ConnectionState() == entities.ConnectionError && !b.State().IsProcessing
	})

	pending := b.Pending()
	want := []struct {
		data  string
		retry int
	}{
		{"chunk-1", 1},
		{"chunk-2", 1},
		{"chunk-3", 0},
	}
	if len(pending) != len(want) {
		t.Fatalf("pending = %d commands, want %d", len(pending), len(want))
	}
	for i, w := range want {
		if pending[i].Payload.Data != w.data || pending[i].RetryCount != w.retry {
			t.Errorf("pending[%d] = %s retry=%d, want %s retry=%d",
				i, pending[i].Payload.Data, pending[i].RetryCount, w.data, w.retry)
		}
	}
	if got := responses.Load(); got != 1 {
		t.Errorf("responses before failure = %d, want 1", got)
	}

	waitFor(t, 2*time.Second, "remainder delivered", func() bool {
		return b.QueueSize() == 0 && len(ep.calls()) == 5
	})
	var sent []string
	for _, req := range ep.calls() {
		sent = append(sent, req.Media.Data)
	}
	wantSent := []string{"chunk-0", "chunk-1", "chunk-1", "chunk-2", "chunk-3"}
	for i := range wantSent {
		if sent[i] != wantSent[i] {
			t.Fatalf("delivery order = %v, want %v", sent, wantSent)
		}
	}
}

func TestBus_AtMostOneDrainInFlight(t *testing.T) {
	release := make(chan struct{})
	ep := &scriptedEndpoint{
		handle: func(ctx context.Context, n int) (*entities.StreamResponse, error) {
			<-release
			return &entities.StreamResponse{Success: true}, nil
		},
	}
	cfg := fastConfig()
	cfg.BatchSize = 1
	b := newTestBus(t, cfg, nil, ep)

	var sawOverlap atomic.Bool
	var processing atomic.Bool
	b.Subscribe(func(s entities.BusState) {
		if s.IsProcessing && processing.Load() {
			sawOverlap.Store(true)
		}
		processing.Store(s.IsProcessing)
	})

	for i := 0; i < 5; i++ {
		b.Enqueue(chunk(i))
	}
	b.SetConnected(true, testSession)
	waitFor(t, time.Second, "first delivery to start", func() bool { return len(ep.calls()) == 1 })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.TriggerDrain()
		}()
	}
	wg.Wait()

	if got := len(ep.calls()); got != 1 {
		t.Errorf("deliveries started while one was in flight: %d", got)
	}
	if !b.State().IsProcessing {
		t.Error("expected the first cycle to still be processing")
	}

	close(release)
	waitFor(t, 2*time.Second, "queue drained", func() bool {
		s := b.State()
		return s.QueuedCount == 0 && !s.IsProcessing
	})
	if got := ep.maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent deliveries = %d, want 1", got)
	}
	if sawOverlap.Load() {
		t.Error("observed isProcessing set while already set")
	}
}

func TestBus_RetryCeiling(t *testing.T) {
	ep := &scriptedEndpoint{
		handle: func(ctx context.Context, n int) (*entities.StreamResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	cfg := fastConfig()
	cfg.RecoveryDelay = 10 * time.Millisecond
	b := newTestBus(t, cfg, nil, ep)

	b.Enqueue(chunk(0))
	b.SetConnected(true, testSession)

	waitFor(t, 2*time.Second, "command dropped", func() bool {
		return len(ep.calls()) == 3 && b.QueueSize() == 0
	})
	time.Sleep(100 * time.Millisecond)
	if got := len(ep.calls()); got != 3 {
		t.Errorf("attempts = %d, want exactly 3", got)
	}
}

func TestBus_InitializeEvictsStaleEntries(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	persisted := []entities.QueuedCommand{
		{ID: "stale", Payload: chunk(0), EnqueuedAt: now.Add(-2 * time.Hour).UnixMilli()},
		{ID: "fresh", Payload: chunk(1), EnqueuedAt: now.Add(-10 * time.Minute).UnixMilli()},
	}
	raw, _ := json.Marshal(persisted)
	store.data[DefaultQueueKey] = string(raw)

	cfg := fastConfig()
	cfg.Now = func() time.Time { return now }
	b := newTestBus(t, cfg, store, &scriptedEndpoint{})

	b.Initialize(context.Background())

	pending := b.Pending()
	if len(pending) != 1 || pending[0].ID != "fresh" {
		t.Fatalf("pending = %v, want only fresh", ids(pending))
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	stored, _ := store.value(DefaultQueueKey)
	var got []entities.QueuedCommand
	if err := json.Unmarshal([]byte(stored), &got); err != nil {
		t.Fatalf("stored queue is not JSON: %v", err)
	}
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Errorf("persisted = %v, want only fresh", ids(got))
	}
}

func TestBus_InitializeIsIdempotent(t *testing.T) {
	store := newFakeStore()
	raw, _ := json.Marshal([]entities.QueuedCommand{
		{ID: "a", Payload: chunk(0), EnqueuedAt: time.Now().UnixMilli()},
	})
	store.data[DefaultQueueKey] = string(raw)
	b := newTestBus(t, fastConfig(), store, &scriptedEndpoint{})

	b.Initialize(context.Background())
	gets := store.getCount()
	b.Initialize(context.Background())

	if store.getCount() != gets {
		t.Errorf("second Initialize read storage again")
	}
	if got := ids(b.Pending()); !equalIDs(got, []string{"a"}) {
		t.Errorf("pending = %v", got)
	}
}

func TestBus_InitializeMergesEarlyEnqueues(t *testing.T) {
	store := newFakeStore()
	raw, _ := json.Marshal([]entities.QueuedCommand{
		{ID: "restored", Payload: chunk(0), EnqueuedAt: time.Now().UnixMilli()},
	})
	store.data[DefaultQueueKey] = string(raw)
	b := newTestBus(t, fastConfig(), store, &scriptedEndpoint{})

	early := b.Enqueue(chunk(1))
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if stored, _ := store.value(DefaultQueueKey); stored != string(raw) {
		t.Error("queue written before Initialize")
	}

	b.Initialize(context.Background())
	if got := ids(b.Pending()); !equalIDs(got, []string{"restored", early}) {
		t.Errorf("pending = %v", got)
	}
}

func TestBus_InitializeSurvivesStorageFailure(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("storage offline")
	store.setErr = errors.New("storage offline")
	ep := &scriptedEndpoint{}
	b := newTestBus(t, fastConfig(), store, ep)

	b.Initialize(context.Background())
	b.Enqueue(chunk(0))
	if b.QueueSize() != 1 {
		t.Fatalf("queue size = %d, want 1", b.QueueSize())
	}

	b.SetConnected(true, testSession)
	waitFor(t, time.Second, "delivery without storage", func() bool {
		return len(ep.calls()) == 1 && b.QueueSize() == 0
	})
}

func TestBus_InitializeRestoresSession(t *testing.T) {
	store := newFakeStore()
	store.data[DefaultSessionKey] = `{"sessionId":"restored"}`
	ep := &scriptedEndpoint{}
	b := newTestBus(t, fastConfig(), store, ep)

	b.Initialize(context.Background())
	if got := b.SessionConfig().String("sessionId"); got != "restored" {
		t.Fatalf("session = %q", got)
	}

	b.Enqueue(chunk(0))
	b.SetConnected(true, nil)
	waitFor(t, time.Second, "delivery", func() bool { return len(ep.calls()) == 1 })
	if got := ep.calls()[0].Config.String("sessionId"); got != "restored" {
		t.Errorf("delivery session = %q", got)
	}
}

func TestBus_SubscribeReplaysCurrentState(t *testing.T) {
	b := newTestBus(t, fastConfig(), nil, &scriptedEndpoint{})
	b.Enqueue(chunk(0))
	b.Enqueue(chunk(1))

	rec := &stateRecorder{}
	b.Subscribe(rec.record)

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("replay calls = %d, want 1", len(got))
	}
	want := entities.BusState{ConnectionState: entities.ConnectionDisconnected, QueuedCount: 2}
	if got[0].ConnectionState != want.ConnectionState || got[0].QueuedCount != want.QueuedCount || got[0].IsProcessing {
		t.Errorf("replayed %+v, want %+v", got[0], want)
	}

	b.Enqueue(chunk(2))
	waitFor(t, time.Second, "notification after enqueue", func() bool {
		s := rec.snapshot()
		return len(s) == 2 && s[1].QueuedCount == 3
	})
}

func TestBus_UnsubscribeStopsNotifications(t *testing.T) {
	b := newTestBus(t, fastConfig(), nil, &scriptedEndpoint{})
	rec := &stateRecorder{}
	other := &stateRecorder{}

	unsubscribe := b.Subscribe(rec.record)
	b.Subscribe(other.record)
	unsubscribe()
	unsubscribe()

	b.Enqueue(chunk(0))
	waitFor(t, time.Second, "other subscriber notified", func() bool { return len(other.snapshot()) == 2 })
	if got := len(rec.snapshot()); got != 1 {
		t.Errorf("unsubscribed listener got %d calls, want only the replay", got)
	}
}

func TestBus_SubscriberPanicIsIsolated(t *testing.T) {
	b := newTestBus(t, fastConfig(), nil, &scriptedEndpoint{})
	b.Subscribe(func(entities.BusState) { panic("boom") })
	rec := &stateRecorder{}
	b.Subscribe(rec.record)

	b.Enqueue(chunk(0))
	b.Enqueue(chunk(1))

	waitFor(t, time.Second, "healthy subscriber notified", func() bool {
		s := rec.snapshot()
		return len(s) == 3 && s[2].QueuedCount == 2
	})
	if b.QueueSize() != 2 {
		t.Errorf("queue size = %d", b.QueueSize())
	}
}

func TestBus_SubscriberMayCallBackIntoBus(t *testing.T) {
	b := newTestBus(t, fastConfig(), nil, &scriptedEndpoint{})
	var seen atomic.Int32
	b.Subscribe(func(s entities.BusState) {
		if b.QueueSize() >= 0 {
			seen.Add(1)
		}
	})
	b.Enqueue(chunk(0))
	waitFor(t, time.Second, "reentrant subscriber", func() bool { return seen.Load() == 2 })
}

// Three chunks queued while disconnected go out in one cycle once connected.
func TestBus_DrainsQueuedBatchOnConnect(t *testing.T) {
	ep := &scriptedEndpoint{
		handle: func(ctx context.Context, n int) (*entities.StreamResponse, error) {
			return &entities.StreamResponse{Success: true, TurnComplete: true}, nil
		},
	}
	b := newTestBus(t, fastConfig(), nil, ep)

	var responses []entities.StreamResponse
	var mu sync.Mutex
	b.SetResponseHandler(func(r entities.StreamResponse) {
		mu.Lock()
		responses = append(responses, r)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		b.Enqueue(chunk(i))
	}
	if s := b.State(); s.QueuedCount != 3 || s.ConnectionState != entities.ConnectionDisconnected {
		t.Fatalf("state before connect = %+v", s)
	}

	b.SetConnected(true, testSession)

	waitFor(t, time.Second, "queue drained", func() bool {
		s := b.State()
		return s.QueuedCount == 0 && !s.IsProcessing
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(responses) != 1 {
		t.Fatalf("response callback fired %d times, want 1", len(responses))
	}
	if !responses[0].TurnComplete {
		t.Error("turnComplete not forwarded")
	}
	if got := len(ep.calls()); got != 1 {
		t.Errorf("endpoint calls = %d, want 1", got)
	}
}

func TestBus_RecoversFromDeliveryFailure(t *testing.T) {
	ep := &scriptedEndpoint{
		handle: func(ctx context.Context, n int) (*entities.StreamResponse, error) {
			if n == 1 {
				return nil, errors.New("network unreachable")
			}
			return &entities.StreamResponse{Success: true, Text: "ok"}, nil
		},
	}
	cfg := fastConfig()
	cfg.RecoveryDelay = 200 * time.Millisecond
	b := newTestBus(t, cfg, nil, ep)
	rec := &stateRecorder{}
	b.Subscribe(rec.record)

	b.Enqueue(chunk(0))
	b.SetConnected(true, testSession)

	waitFor(t, time.Second, "requeued after failure", func() bool {
		p := b.Pending()
		return b.ConnectionState() == entities.ConnectionError && len(p) == 1 && p[0].RetryCount == 1
	})

	waitFor(t, 2*time.Second, "redelivery", func() bool {
		return len(ep.calls()) == 2 && b.QueueSize() == 0
	})

	calls := ep.calls()
	if calls[0].Media != calls[1].Media {
		t.Errorf("redelivered %+v, want %+v", calls[1].Media, calls[0].Media)
	}

	waitFor(t, time.Second, "state history", func() bool {
		_, _, ok := rec.firstTime(entities.ConnectionError, 0)
		return ok
	})
	errIdx, errAt, _ := rec.firstTime(entities.ConnectionError, 0)
	_, backAt, ok := rec.firstTime(entities.ConnectionConnected, errIdx)
	if !ok {
		t.Fatal("never returned to CONNECTED")
	}
	if d := backAt.Sub(errAt); d < 150*time.Millisecond {
		t.Errorf("recovered after %v, want about %v", d, cfg.RecoveryDelay)
	}
}

func TestBus_MissingSessionIsDeliveryError(t *testing.T) {
	ep := &scriptedEndpoint{}
	cfg := fastConfig()
	cfg.RecoveryDelay = time.Second
	b := newTestBus(t, cfg, nil, ep)

	b.Enqueue(chunk(0))
	b.SetConnected(true, nil)

	waitFor(t, time.Second, "ERROR state", func() bool {
		p := b.Pending()
		return b.ConnectionState() == entities.ConnectionError && len(p) == 1 && p[0].RetryCount == 1
	})
	if got := len(ep.calls()); got != 0 {
		t.Errorf("endpoint called %d times without a session", got)
	}
}

func TestBus_DeliveryTimeout(t *testing.T) {
	ep := &scriptedEndpoint{
		handle: func(ctx context.Context, n int) (*entities.StreamResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	cfg := fastConfig()
	cfg.DeliveryTimeout = 30 * time.Millisecond
	cfg.RecoveryDelay = time.Second
	b := newTestBus(t, cfg, nil, ep)

	b.Enqueue(chunk(0))
	b.SetConnected(true, testSession)

	waitFor(t, time.Second, "timeout treated as failure", func() bool {
		p := b.Pending()
		s := b.State()
		return s.ConnectionState == entities.ConnectionError && !s.IsProcessing && len(p) == 1 && p[0].RetryCount == 1
	})
}

func TestBus_RejectedResponseIsFailure(t *testing.T) {
	ep := &scriptedEndpoint{
		handle: func(ctx context.Context, n int) (*entities.StreamResponse, error) {
			return &entities.StreamResponse{Success: false, Error: "bad token"}, nil
		},
	}
	cfg := fastConfig()
	cfg.RecoveryDelay = time.Second
	b := newTestBus(t, cfg, nil, ep)
	var called atomic.Bool
	b.SetResponseHandler(func(entities.StreamResponse) { called.Store(true) })

	b.Enqueue(chunk(0))
	b.SetConnected(true, testSession)

	waitFor(t, time.Second, "ERROR state", func() bool {
		return b.ConnectionState() == entities.ConnectionError && !b.State().IsProcessing
	})
	if called.Load() {
		t.Error("response handler called for a rejected delivery")
	}
}

func TestBus_PersistedQueueIsCapped(t *testing.T) {
	store := newFakeStore()
	b := newTestBus(t, fastConfig(), store, &scriptedEndpoint{})
	b.Initialize(context.Background())

	var first string
	for i := 0; i < 120; i++ {
		id := b.Enqueue(chunk(i))
		if i == 20 {
			first = id
		}
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if b.QueueSize() != 120 {
		t.Errorf("in-memory queue = %d, want 120", b.QueueSize())
	}
	stored, _ := store.value(DefaultQueueKey)
	var got []entities.QueuedCommand
	if err := json.Unmarshal([]byte(stored), &got); err != nil {
		t.Fatalf("stored queue is not JSON: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("persisted %d commands, want 100", len(got))
	}
	if got[0].ID != first {
		t.Errorf("oldest persisted = %s, want the 21st enqueued", got[0].ID)
	}
}

func TestBus_DisconnectClearsSession(t *testing.T) {
	store := newFakeStore()
	b := newTestBus(t, fastConfig(), store, &scriptedEndpoint{})
	b.Initialize(context.Background())

	b.SetConnected(true, testSession)
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok := store.value(DefaultSessionKey); !ok {
		t.Fatal("session config not persisted")
	}

	b.SetConnected(false, nil)
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok := store.value(DefaultSessionKey); ok {
		t.Error("session config still persisted after disconnect")
	}
	if b.SessionConfig() != nil {
		t.Error("session config kept in memory after disconnect")
	}
	if b.ConnectionState() != entities.ConnectionDisconnected {
		t.Errorf("state = %s", b.ConnectionState())
	}
}

func TestBus_DisconnectStopsDraining(t *testing.T) {
	ep := &scriptedEndpoint{}
	b := newTestBus(t, fastConfig(), nil, ep)
	b.SetConnected(true, testSession)
	b.SetConnected(false, nil)

	b.Enqueue(chunk(0))
	b.TriggerDrain()
	time.Sleep(50 * time.Millisecond)

	if len(ep.calls()) != 0 || b.QueueSize() != 1 {
		t.Errorf("drained while disconnected: calls=%d queued=%d", len(ep.calls()), b.QueueSize())
	}
}

func TestBus_ClearQueue(t *testing.T) {
	store := newFakeStore()
	b := newTestBus(t, fastConfig(), store, &scriptedEndpoint{})
	b.Initialize(context.Background())

	for i := 0; i < 3; i++ {
		b.Enqueue(chunk(i))
	}
	b.ClearQueue()

	if b.QueueSize() != 0 {
		t.Errorf("queue size = %d", b.QueueSize())
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if stored, _ := store.value(DefaultQueueKey); stored != "[]" {
		t.Errorf("stored queue = %q, want []", stored)
	}
}

func TestBus_ClearQueueDiscardsFailedInFlightBatch(t *testing.T) {
	release := make(chan struct{})
	ep := &scriptedEndpoint{
		handle: func(ctx context.Context, n int) (*entities.StreamResponse, error) {
			<-release
			return nil, errors.New("broken pipe")
		},
	}
	cfg := fastConfig()
	cfg.RecoveryDelay = time.Second
	b := newTestBus(t, cfg, nil, ep)

	b.Enqueue(chunk(0))
	b.SetConnected(true, testSession)
	waitFor(t, time.Second, "delivery in flight", func() bool { return len(ep.calls()) == 1 })

	b.ClearQueue()
	close(release)

	waitFor(t, time.Second, "cycle settled", func() bool { return !b.State().IsProcessing })
	if b.QueueSize() != 0 {
		t.Errorf("cleared command was requeued")
	}
}

type stubEstablisher struct {
	session  entities.SessionConfig
	err      error
	deviceID string
}

func (s *stubEstablisher) Establish(ctx context.Context, deviceID string) (entities.SessionConfig, error) {
	s.deviceID = deviceID
	return s.session, s.err
}

func TestBus_Connect(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ep := &scriptedEndpoint{}
		b := newTestBus(t, fastConfig(), nil, ep)
		rec := &stateRecorder{}
		b.Subscribe(rec.record)

		est := &stubEstablisher{session: entities.SessionConfig{"sessionId": "s-1", "token": "t"}}
		if err := b.Connect(context.Background(), est); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if est.deviceID != "test-device" {
			t.Errorf("device id = %q", est.deviceID)
		}
		if b.ConnectionState() != entities.ConnectionConnected {
			t.Errorf("state = %s", b.ConnectionState())
		}
		if got := b.SessionConfig().String("sessionId"); got != "s-1" {
			t.Errorf("session = %q", got)
		}

		waitFor(t, time.Second, "CONNECTED notification", func() bool {
			_, _, ok := rec.firstTime(entities.ConnectionConnected, 0)
			return ok
		})
		if _, _, ok := rec.firstTime(entities.ConnectionConnecting, 0); !ok {
			t.Error("CONNECTING was never published")
		}
	})

	t.Run("failure", func(t *testing.T) {
		b := newTestBus(t, fastConfig(), nil, &scriptedEndpoint{})
		boom := errors.New("backend down")

		err := b.Connect(context.Background(), &stubEstablisher{err: boom})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want wrapping %v", err, boom)
		}
		if b.ConnectionState() != entities.ConnectionDisconnected {
			t.Errorf("state = %s", b.ConnectionState())
		}
	})

	t.Run("empty session", func(t *testing.T) {
		b := newTestBus(t, fastConfig(), nil, &scriptedEndpoint{})
		err := b.Connect(context.Background(), &stubEstablisher{})
		if !errors.Is(err, ErrNoSession) {
			t.Fatalf("err = %v, want ErrNoSession", err)
		}
	})
}

func TestBus_ResponseHandlerIsReplaced(t *testing.T) {
	ep := &scriptedEndpoint{}
	cfg := fastConfig()
	cfg.BatchSize = 1
	b := newTestBus(t, cfg, nil, ep)

	var first, second atomic.Int32
	b.SetResponseHandler(func(entities.StreamResponse) { first.Add(1) })
	b.SetResponseHandler(func(entities.StreamResponse) { second.Add(1) })
	b.SetConnected(true, testSession)

	b.Enqueue(chunk(0))
	waitFor(t, time.Second, "second handler", func() bool { return second.Load() == 1 })

	b.SetResponseHandler(nil)
	b.Enqueue(chunk(1))
	waitFor(t, time.Second, "delivery without handler", func() bool { return len(ep.calls()) == 2 && b.QueueSize() == 0 })

	if first.Load() != 0 || second.Load() != 1 {
		t.Errorf("handler calls first=%d second=%d", first.Load(), second.Load())
	}
}

func TestBus_ResponseHandlerPanicDoesNotStopPump(t *testing.T) {
	ep := &scriptedEndpoint{}
	cfg := fastConfig()
	cfg.BatchSize = 1
	b := newTestBus(t, cfg, nil, ep)
	b.SetResponseHandler(func(entities.StreamResponse) { panic("handler bug") })

	b.Enqueue(chunk(0))
	b.Enqueue(chunk(1))
	b.SetConnected(true, testSession)

	waitFor(t, time.Second, "both delivered", func() bool { return len(ep.calls()) == 2 && b.QueueSize() == 0 })
	if b.ConnectionState() != entities.ConnectionConnected {
		t.Errorf("state = %s", b.ConnectionState())
	}
}

func TestBus_CloseKeepsAbortedDeliveryRetryCount(t *testing.T) {
	ep := &scriptedEndpoint{
		handle: func(ctx context.Context, n int) (*entities.StreamResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	store := newFakeStore()
	cfg := fastConfig()
	cfg.DeliveryTimeout = 10 * time.Second
	b := newTestBus(t, cfg, store, ep)
	b.Initialize(context.Background())

	b.Enqueue(chunk(0))
	b.SetConnected(true, testSession)
	waitFor(t, time.Second, "delivery in flight", func() bool { return len(ep.calls()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pending := b.Pending()
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Fatalf("pending after close = %+v, want chunk-0 with retry 0", pending)
	}

	stored, _ := store.value(DefaultQueueKey)
	var persisted []entities.QueuedCommand
	if err := json.Unmarshal([]byte(stored), &persisted); err != nil {
		t.Fatalf("stored queue is not JSON: %v", err)
	}
	if len(persisted) != 1 || persisted[0].RetryCount != 0 {
		t.Errorf("persisted queue = %+v, want chunk-0 with retry 0", persisted)
	}
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	b := New(fastConfig(), newFakeStore(), &scriptedEndpoint{}, nil, zap.NewNop())
	b.SetConnected(true, testSession)
	ctx := context.Background()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	b.Enqueue(chunk(0))
	b.TriggerDrain()
	if b.QueueSize() != 1 {
		t.Error("closed bus drained the queue")
	}
}
