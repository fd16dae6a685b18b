package voicebus

import (
	"time"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// commandQueue is the in-memory FIFO behind the bus. It is not safe for
// concurrent use; the bus mutex guards it.
type commandQueue struct {
	items []entities.QueuedCommand
}

func (q *commandQueue) len() int {
	return len(q.items)
}

func (q *commandQueue) push(cmd entities.QueuedCommand) {
	q.items = append(q.items, cmd)
}

// prepend puts cmds ahead of everything queued, keeping their order.
func (q *commandQueue) prepend(cmds []entities.QueuedCommand) {
	if len(cmds) == 0 {
		return
	}
	items := make([]entities.QueuedCommand, 0, len(cmds)+len(q.items))
	items = append(items, cmds...)
	q.items = append(items, q.items...)
}

// dequeueBatch removes and returns up to size of the oldest commands.
func (q *commandQueue) dequeueBatch(size int) []entities.QueuedCommand {
	n := size
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]entities.QueuedCommand, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	return batch
}

// requeueWithBackoff bumps the retry count of each failed command and puts
// the survivors back at the front in their original order. Commands that
// reach maxRetries are returned instead of requeued.
func (q *commandQueue) requeueWithBackoff(cmds []entities.QueuedCommand, maxRetries int) (dropped []entities.QueuedCommand) {
	retry := make([]entities.QueuedCommand, 0, len(cmds))
	for _, cmd := range cmds {
		cmd.RetryCount++
		if cmd.RetryCount >= maxRetries {
			dropped = append(dropped, cmd)
			continue
		}
		retry = append(retry, cmd)
	}
	q.prepend(retry)
	return dropped
}

// snapshot returns a copy of the newest limit commands, oldest first.
func (q *commandQueue) snapshot(limit int) []entities.QueuedCommand {
	items := q.items
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	out := make([]entities.QueuedCommand, len(items))
	copy(out, items)
	return out
}

func (q *commandQueue) clear() int {
	n := len(q.items)
	q.items = nil
	return n
}

// evictExpired drops commands older than retention and malformed entries.
func evictExpired(cmds []entities.QueuedCommand, now time.Time, retention time.Duration) (kept []entities.QueuedCommand, evicted int) {
	kept = make([]entities.QueuedCommand, 0, len(cmds))
	for _, cmd := range cmds {
		if cmd.ID == "" || cmd.Age(now) > retention {
			evicted++
			continue
		}
		kept = append(kept, cmd)
	}
	return kept, evicted
}
