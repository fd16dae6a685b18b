package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	wsproto "github.com/satriahrh/wellvoice/internal/websocket"
)

// RemoteError is an error message returned by the concierge stream socket.
type RemoteError struct {
	Code    string
	Message string
	Details string
}

func (e *RemoteError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("concierge error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("concierge error %s: %s: %s", e.Code, e.Message, e.Details)
}

// WebSocketEndpoint delivers chunks over one persistent socket to the
// concierge's /ws/stream. Requests are serialized; replies are matched by
// message_id and late replies to abandoned requests are discarded. The
// socket is redialed after any transport error.
type WebSocketEndpoint struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketEndpoint creates an endpoint for the given ws:// or wss:// URL
func NewWebSocketEndpoint(url string, logger *zap.Logger) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Send writes one stream message and waits for the matching reply.
func (e *WebSocketEndpoint) Send(ctx context.Context, req entities.StreamRequest) (*entities.StreamResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	conn, err := e.connLocked(ctx)
	if err != nil {
		return nil, err
	}

	// Unblock reads and writes when ctx ends without a deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
		conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	id := uuid.NewString()
	if err := conn.WriteJSON(wsproto.CreateStreamMessage(id, req)); err != nil {
		e.dropLocked()
		return nil, e.transportErr(ctx, "write", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			e.dropLocked()
			return nil, e.transportErr(ctx, "read", err)
		}

		var base wsproto.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			e.logger.Warn("Discarding undecodable message", zap.Error(err))
			continue
		}
		if base.MessageID != id {
			e.logger.Debug("Discarding stale reply", zap.String("messageID", base.MessageID))
			continue
		}

		switch base.Type {
		case wsproto.MessageTypeStreamResponse:
			var msg wsproto.StreamResponseMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, fmt.Errorf("decode stream response: %w", err)
			}
			return &msg.Response, nil

		case wsproto.MessageTypeError:
			var msg wsproto.ErrorMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, fmt.Errorf("decode error message: %w", err)
			}
			return nil, &RemoteError{Code: msg.Code, Message: msg.Message, Details: msg.Details}

		default:
			return nil, fmt.Errorf("unexpected reply type %q", base.Type)
		}
	}
}

// Close closes the socket if one is open.
func (e *WebSocketEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := e.conn.Close()
	e.conn = nil
	return err
}

func (e *WebSocketEndpoint) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if e.conn != nil {
		return e.conn, nil
	}
	conn, _, err := e.dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", e.url, err)
	}
	e.logger.Info("Connected to concierge stream", zap.String("url", e.url))
	e.conn = conn
	return conn, nil
}

func (e *WebSocketEndpoint) dropLocked() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}

// transportErr prefers the context error so callers can tell a timeout from
// a broken socket.
func (e *WebSocketEndpoint) transportErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}
