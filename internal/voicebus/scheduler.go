package voicebus

import (
	"context"
	"sync"
	"time"
)

// scheduler drives drain cycles from a ticker, an explicit wake signal and a
// one-shot continuation timer. Each running loop executes cycles serially.
type scheduler struct {
	interval time.Duration
	cycle    func()

	wake chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	cont   *time.Timer
	wg     sync.WaitGroup
}

func newScheduler(interval time.Duration, cycle func()) *scheduler {
	return &scheduler{
		interval: interval,
		cycle:    cycle,
		wake:     make(chan struct{}, 1),
	}
}

// start launches the loop unless it is already running.
func (s *scheduler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

// stop ends the loop without waiting for an in-flight cycle.
func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cont != nil {
		s.cont.Stop()
		s.cont = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// wait blocks until every loop started so far has returned.
func (s *scheduler) wait() {
	s.wg.Wait()
}

func (s *scheduler) trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// after schedules a single trigger once d has elapsed.
func (s *scheduler) after(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	if s.cont != nil {
		s.cont.Stop()
	}
	s.cont = time.AfterFunc(d, s.trigger)
}

func (s *scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if ctx.Err() != nil {
			return
		}
		s.cycle()
	}
}
