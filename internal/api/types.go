package api

import "github.com/satriahrh/wellvoice/domain/entities"

// SessionRequest represents the request payload for session establishment
type SessionRequest struct {
	DeviceID string `json:"deviceId"`
}

// ChunkResponse acknowledges an enqueued audio chunk
type ChunkResponse struct {
	ID string `json:"id"`
}

// PendingCommand summarizes a queued command without its audio
type PendingCommand struct {
	ID         string `json:"id"`
	MimeType   string `json:"mimeType"`
	EnqueuedAt int64  `json:"enqueuedAt"`
	RetryCount int    `json:"retryCount"`
}

// BusStatusResponse represents the voice bus status
type BusStatusResponse struct {
	State   entities.BusState `json:"state"`
	Pending []PendingCommand  `json:"pending"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
