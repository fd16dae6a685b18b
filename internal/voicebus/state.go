package voicebus

import (
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// transitionLocked moves the connection state machine to next. Entering
// CONNECTED starts the pump and leaving it stops the pump. ERROR arms the
// timer that optimistically returns to CONNECTED. Reports whether the state
// changed.
func (b *Bus) transitionLocked(next entities.ConnectionState) bool {
	prev := b.state
	if prev == next {
		return false
	}
	b.state = next

	if next != entities.ConnectionError {
		b.stopRecoveryLocked()
	}

	switch {
	case next == entities.ConnectionConnected && !b.closed:
		b.pump.start()
		b.pump.trigger()
	case prev == entities.ConnectionConnected:
		b.pump.stop()
	}

	if next == entities.ConnectionError && !b.closed {
		b.armRecoveryLocked()
	}

	b.logger.Info("Connection state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next))
	b.publishLocked()
	return true
}

func (b *Bus) armRecoveryLocked() {
	b.stopRecoveryLocked()
	seq := b.recoverySeq
	b.recovery = time.AfterFunc(b.cfg.RecoveryDelay, func() {
		b.recoverFromError(seq)
	})
}

// stopRecoveryLocked cancels a pending recovery. Bumping the sequence also
// neutralizes a timer that already fired and is waiting for the lock.
func (b *Bus) stopRecoveryLocked() {
	b.recoverySeq++
	if b.recovery != nil {
		b.recovery.Stop()
		b.recovery = nil
	}
}

func (b *Bus) recoverFromError(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq != b.recoverySeq || b.closed || b.state != entities.ConnectionError {
		return
	}
	b.recovery = nil
	b.logger.Info("Resuming delivery after error", zap.Duration("delay", b.cfg.RecoveryDelay))
	b.transitionLocked(entities.ConnectionConnected)
}
