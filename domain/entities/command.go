package entities

import "time"

// AudioPayload is one encoded audio chunk as produced by the capture pipeline.
// Data is base64 text; the bus never looks inside it.
type AudioPayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// QueuedCommand is an audio chunk waiting for delivery to the streaming endpoint.
// Payload is never modified after enqueue; only RetryCount changes.
type QueuedCommand struct {
	ID         string       `json:"id"`
	Payload    AudioPayload `json:"payload"`
	EnqueuedAt int64        `json:"enqueuedAt"` // ms since epoch
	RetryCount int          `json:"retryCount"`
}

// Age reports how long ago the command was enqueued relative to now.
func (c QueuedCommand) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(c.EnqueuedAt))
}
