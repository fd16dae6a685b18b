package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/satriahrh/wellvoice/domain/entities"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Supported message types
const (
	// Concierge stream socket
	MessageTypeStream         MessageType = "stream"
	MessageTypeStreamResponse MessageType = "stream_response"

	// Voice bus UI socket
	MessageTypeBusState   MessageType = "bus_state"
	MessageTypeResponse   MessageType = "response"
	MessageTypeConnect    MessageType = "connect"
	MessageTypeDisconnect MessageType = "disconnect"
	MessageTypeClearQueue MessageType = "clear_queue"

	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
	MessageTypeError MessageType = "error"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id,omitempty"`
}

func newBase(t MessageType, id string) BaseMessage {
	return BaseMessage{
		Type:      t,
		Timestamp: time.Now().Format(time.RFC3339),
		MessageID: id,
	}
}

// StreamMessage carries one StreamRequest to the concierge
type StreamMessage struct {
	BaseMessage
	Media  entities.AudioPayload  `json:"media"`
	Config entities.SessionConfig `json:"config"`
}

// StreamResponseMessage answers the StreamMessage with the same message_id
type StreamResponseMessage struct {
	BaseMessage
	Response entities.StreamResponse `json:"response"`
}

// BusStateMessage pushes a voice bus snapshot to UI clients
type BusStateMessage struct {
	BaseMessage
	State entities.BusState `json:"state"`
}

// ResponseMessage forwards a concierge response to UI clients
type ResponseMessage struct {
	BaseMessage
	Response entities.StreamResponse `json:"response"`
}

// ControlMessage is a UI command for the voice bus
type ControlMessage struct {
	BaseMessage
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	// First parse as base message to get type
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeStream:
		var msg StreamMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid stream message: %w", err)
		}
		if err := v.validateStream(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypeStreamResponse:
		var msg StreamResponseMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid stream response message: %w", err)
		}
		return &msg, nil

	case MessageTypeConnect, MessageTypeDisconnect, MessageTypeClearQueue:
		var msg ControlMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid control message: %w", err)
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	case MessageTypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid error message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// validateStream validates stream message fields
func (v *MessageValidator) validateStream(msg *StreamMessage) error {
	if msg.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if msg.Media.Data == "" {
		return fmt.Errorf("media.data is required")
	}
	if msg.Media.MimeType == "" {
		return fmt.Errorf("media.mimeType is required")
	}
	return nil
}

// CreateStreamMessage wraps a StreamRequest for the concierge socket
func CreateStreamMessage(id string, req entities.StreamRequest) *StreamMessage {
	return &StreamMessage{
		BaseMessage: newBase(MessageTypeStream, id),
		Media:       req.Media,
		Config:      req.Config,
	}
}

// CreateStreamResponseMessage answers the stream message with the given id
func CreateStreamResponseMessage(id string, resp entities.StreamResponse) *StreamResponseMessage {
	return &StreamResponseMessage{
		BaseMessage: newBase(MessageTypeStreamResponse, id),
		Response:    resp,
	}
}

// CreateBusStateMessage creates a bus state update
func CreateBusStateMessage(state entities.BusState) *BusStateMessage {
	return &BusStateMessage{
		BaseMessage: newBase(MessageTypeBusState, ""),
		State:       state,
	}
}

// CreateResponseMessage creates a concierge response notification
func CreateResponseMessage(resp entities.StreamResponse) *ResponseMessage {
	return &ResponseMessage{
		BaseMessage: newBase(MessageTypeResponse, ""),
		Response:    resp,
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(id, code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError, id),
		Code:        code,
		Message:     message,
		Details:     details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{
		BaseMessage: newBase(MessageTypePong, ""),
		Data:        data,
	}
}
