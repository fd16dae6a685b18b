package voicebus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// Listener receives bus state snapshots.
type Listener func(entities.BusState)

// ResponseHandler receives the structured result of each successful delivery.
type ResponseHandler func(entities.StreamResponse)

type subscriber struct {
	id uint64
	fn Listener

	// mu serializes calls into fn; last is the newest version it has seen.
	mu      sync.Mutex
	last    uint64
	removed atomic.Bool
}

// maxObserverBacklog bounds the snapshots waiting for dispatch. When a slow
// subscriber lets it fill up the oldest are dropped; the newest always stays.
const maxObserverBacklog = 64

// observers fans state snapshots out to subscribers from its own goroutine so
// callbacks never run under the bus lock and may call back into the bus.
type observers struct {
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	subs    map[uint64]*subscriber
	nextID  uint64
	backlog []entities.BusState
	closed  bool
	done    chan struct{}
}

func newObservers(logger *zap.Logger) *observers {
	o := &observers{
		logger: logger,
		subs:   make(map[uint64]*subscriber),
		done:   make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	go o.run()
	return o
}

// add registers fn and returns it with its mutex held; the caller replays the
// current state and then unlocks, so no newer snapshot can overtake the replay.
func (o *observers) add(fn Listener, version uint64) *subscriber {
	sub := &subscriber{fn: fn, last: version}
	sub.mu.Lock()

	o.mu.Lock()
	o.nextID++
	sub.id = o.nextID
	o.subs[sub.id] = sub
	o.mu.Unlock()
	return sub
}

func (o *observers) remove(sub *subscriber) {
	sub.removed.Store(true)
	o.mu.Lock()
	delete(o.subs, sub.id)
	o.mu.Unlock()
}

func (o *observers) publish(state entities.BusState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if len(o.backlog) >= maxObserverBacklog {
		o.backlog = o.backlog[1:]
		o.logger.Debug("Subscriber backlog full, dropping oldest bus state",
			zap.Uint64("version", state.Version))
	}
	o.backlog = append(o.backlog, state)
	o.cond.Signal()
}

func (o *observers) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		for len(o.backlog) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.backlog) == 0 {
			o.mu.Unlock()
			return
		}
		state := o.backlog[0]
		o.backlog = o.backlog[1:]
		subs := make([]*subscriber, 0, len(o.subs))
		for _, sub := range o.subs {
			subs = append(subs, sub)
		}
		o.mu.Unlock()

		for _, sub := range subs {
			sub.mu.Lock()
			if !sub.removed.Load() && state.Version > sub.last {
				sub.last = state.Version
				o.notify(sub, state)
			}
			sub.mu.Unlock()
		}
	}
}

// notify calls a single subscriber, containing any panic it raises.
func (o *observers) notify(sub *subscriber, state entities.BusState) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Bus state subscriber panicked",
				zap.Uint64("subscriberID", sub.id),
				zap.Any("panic", r))
		}
	}()
	sub.fn(state)
}

// close delivers whatever is already queued and stops the dispatcher.
func (o *observers) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
	<-o.done
}
