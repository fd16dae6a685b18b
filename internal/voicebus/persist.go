package voicebus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/repositories"
)

type writeOp struct {
	key    string
	value  string
	delete bool
}

// persister is the single writer for durable storage. Callers hand it full
// snapshots without waiting; writes happen one at a time in submission order
// and a newer snapshot for a key replaces one that has not been written yet.
type persister struct {
	store   repositories.KeyValueStore
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]writeOp
	order   []string
	busy    bool
	closed  bool
	done    chan struct{}
}

func newPersister(store repositories.KeyValueStore, timeout time.Duration, logger *zap.Logger) *persister {
	p := &persister{
		store:   store,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]writeOp),
		done:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

func (p *persister) set(key, value string) {
	p.submit(writeOp{key: key, value: value})
}

func (p *persister) remove(key string) {
	p.submit(writeOp{key: key, delete: true})
}

func (p *persister) submit(op writeOp) {
	if p.store == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn("Dropping storage write after close", zap.String("key", op.key))
		return
	}
	if _, queued := p.pending[op.key]; !queued {
		p.order = append(p.order, op.key)
	}
	p.pending[op.key] = op
	p.cond.Broadcast()
}

func (p *persister) run() {
	defer close(p.done)

	p.mu.Lock()
	for {
		for len(p.order) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.order) == 0 {
			p.mu.Unlock()
			return
		}

		key := p.order[0]
		p.order = p.order[1:]
		op := p.pending[key]
		delete(p.pending, key)
		p.busy = true
		p.mu.Unlock()

		p.write(op)

		p.mu.Lock()
		p.busy = false
		p.cond.Broadcast()
	}
}

func (p *persister) write(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var err error
	if op.delete {
		err = p.store.Delete(ctx, op.key)
	} else {
		err = p.store.Set(ctx, op.key, op.value)
	}
	if err != nil {
		p.logger.Error("Failed to persist voice bus state",
			zap.String("key", op.key),
			zap.Bool("delete", op.delete),
			zap.Error(err))
	}
}

// flush blocks until every submitted write has been attempted.
func (p *persister) flush(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		p.mu.Lock()
		for len(p.order) > 0 || p.busy {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting writes; queued writes still complete.
func (p *persister) close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
