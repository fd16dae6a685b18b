package voicebus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// drainCycle delivers one batch. At most one cycle runs at a time; the
// processing flag is the gate.
func (b *Bus) drainCycle() {
	b.mu.Lock()
	if b.processing || b.closed || b.state != entities.ConnectionConnected || b.queue.len() == 0 {
		b.mu.Unlock()
		return
	}
	b.processing = true
	batch := b.queue.dequeueBatch(b.cfg.BatchSize)
	session := b.session.Clone()
	generation := b.generation
	b.publishLocked()
	b.mu.Unlock()

	var (
		failed []entities.QueuedCommand
		err    error
	)
	switch b.cfg.BatchMode {
	case BatchModeSequential:
		failed, err = b.deliverSequential(batch, session)
	default:
		failed, err = b.deliverFirstOnly(batch, session)
	}

	b.settle(failed, generation, err)
}

// deliverFirstOnly transmits the first payload of the batch. The rest of the
// batch is coalesced into it once it is accepted; on failure the whole batch
// is retried.
func (b *Bus) deliverFirstOnly(batch []entities.QueuedCommand, session entities.SessionConfig) ([]entities.QueuedCommand, error) {
	resp, err := b.send(batch[0], session)
	if err != nil {
		return batch, err
	}
	if n := len(batch) - 1; n > 0 {
		b.logger.Debug("Coalesced batched commands into first payload",
			zap.String("commandID", batch[0].ID),
			zap.Int("coalesced", n))
		b.metrics.RecordDropped(context.Background(), n, "coalesced")
	}
	b.emit(resp)
	return nil, nil
}

// deliverSequential transmits every command in order and stops at the first
// failure; that command and the ones after it are retried.
func (b *Bus) deliverSequential(batch []entities.QueuedCommand, session entities.SessionConfig) ([]entities.QueuedCommand, error) {
	for i, cmd := range batch {
		resp, err := b.send(cmd, session)
		if err != nil {
			return batch[i:], err
		}
		b.emit(resp)
	}
	return nil, nil
}

func (b *Bus) send(cmd entities.QueuedCommand, session entities.SessionConfig) (resp *entities.StreamResponse, err error) {
	if len(session) == 0 {
		return nil, ErrNoSession
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("endpoint panicked: %v", r)
		}
		b.metrics.DeliveryDuration.Record(context.Background(), time.Since(start).Seconds())
	}()

	resp, err = b.endpoint.Send(ctx, entities.StreamRequest{Media: cmd.Payload, Config: session})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrMalformedResponse
	}
	if !resp.Success {
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrDeliveryRejected, resp.Error)
		}
		return nil, ErrDeliveryRejected
	}

	b.metrics.Delivered.Add(context.Background(), 1)
	return resp, nil
}

func (b *Bus) emit(resp *entities.StreamResponse) {
	b.mu.Lock()
	handler := b.onResponse
	b.mu.Unlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Response handler panicked", zap.Any("panic", r))
		}
	}()
	handler(*resp)
}

// settle applies the outcome of a cycle: failed commands go back to the front
// of the queue, the state machine enters ERROR and the queue is persisted.
func (b *Bus) settle(failed []entities.QueuedCommand, generation uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.processing = false

	// Close aborted the send; the attempt does not count against the command.
	if err != nil && b.closed && errors.Is(err, context.Canceled) {
		b.logger.Info("Delivery aborted by shutdown", zap.Int("commands", len(failed)))
		if generation == b.generation {
			b.queue.prepend(failed)
		}
		b.persistQueueLocked()
		b.publishLocked()
		return
	}

	if err != nil {
		reason := failureReason(err)
		b.metrics.RecordDeliveryFailure(context.Background(), reason)
		b.logger.Warn("Delivery failed",
			zap.String("reason", reason),
			zap.Int("commands", len(failed)),
			zap.Error(err))

		if generation == b.generation {
			dropped := b.queue.requeueWithBackoff(failed, b.cfg.MaxRetries)
			for _, cmd := range dropped {
				b.logger.Warn("Dropping command after retry ceiling",
					zap.String("commandID", cmd.ID),
					zap.Int("retryCount", cmd.RetryCount))
			}
			b.metrics.RecordDropped(context.Background(), len(dropped), "retry_ceiling")
		}

		if b.state == entities.ConnectionConnected && !b.closed {
			b.transitionLocked(entities.ConnectionError)
		}
	}

	b.persistQueueLocked()
	b.publishLocked()

	if err == nil && b.state == entities.ConnectionConnected && b.queue.len() > 0 {
		b.pump.after(b.cfg.ContinueDelay)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrDeliveryRejected):
		return "rejected"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "transport"
	}
}
