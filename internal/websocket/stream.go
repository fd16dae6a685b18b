package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
	"github.com/satriahrh/wellvoice/internal/observe"
	"github.com/satriahrh/wellvoice/usecase"
)

// streamTimeout bounds the handling of one stream message.
const streamTimeout = 30 * time.Second

// StreamProcessor answers one streamed audio chunk
type StreamProcessor interface {
	ProcessStream(ctx context.Context, req entities.StreamRequest) (*entities.StreamResponse, error)
}

// StreamHandler serves the concierge stream socket. Each connection handles
// its messages one at a time and answers every stream message with a
// stream_response or error carrying the same message_id.
type StreamHandler struct {
	processor StreamProcessor
	validator *MessageValidator
	metrics   *observe.Metrics
	logger    *zap.Logger
}

// NewStreamHandler creates a handler for the concierge stream socket
func NewStreamHandler(processor StreamProcessor, metrics *observe.Metrics, logger *zap.Logger) *StreamHandler {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &StreamHandler{
		processor: processor,
		validator: NewMessageValidator(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Handle upgrades the request and serves the connection until it closes.
func (h *StreamHandler) Handle(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket error", zap.Error(err))
			}
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		reply := h.process(ctx, message)
		payload, err := json.Marshal(reply)
		if err != nil {
			h.logger.Error("Failed to encode reply", zap.Error(err))
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Error("Failed to write message", zap.Error(err))
			return nil
		}
	}
}

func (h *StreamHandler) process(ctx context.Context, message []byte) interface{} {
	msg, err := h.validator.ValidateMessage(message)
	if err != nil {
		var base BaseMessage
		_ = json.Unmarshal(message, &base)
		h.metrics.RecordConciergeRequest(ctx, "websocket", "invalid")
		return CreateErrorMessage(base.MessageID, "invalid_message", "Invalid message", err.Error())
	}

	switch m := msg.(type) {
	case *StreamMessage:
		ctx, cancel := context.WithTimeout(ctx, streamTimeout)
		defer cancel()

		resp, err := h.processor.ProcessStream(ctx, entities.StreamRequest{Media: m.Media, Config: m.Config})
		if err != nil {
			code := StreamErrorCode(err)
			h.metrics.RecordConciergeRequest(ctx, "websocket", code)
			h.logger.Warn("Stream request failed",
				zap.String("messageID", m.MessageID),
				zap.String("code", code),
				zap.Error(err))
			return CreateErrorMessage(m.MessageID, code, "Stream request failed", err.Error())
		}
		h.metrics.RecordConciergeRequest(ctx, "websocket", "ok")
		return CreateStreamResponseMessage(m.MessageID, *resp)

	case *PingMessage:
		return CreatePongMessage(m.Data)

	default:
		return CreateErrorMessage("", "unsupported", "Message not accepted on this socket", "")
	}
}

// StreamErrorCode maps a ProcessStream error to the code sent to clients.
func StreamErrorCode(err error) string {
	switch {
	case errors.Is(err, usecase.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, repositories.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, usecase.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, usecase.ErrInvalidMedia):
		return "invalid_media"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "responder_failed"
	}
}
