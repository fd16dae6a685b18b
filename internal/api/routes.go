package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/internal/observe"
	"github.com/satriahrh/wellvoice/internal/voicebus"
	"github.com/satriahrh/wellvoice/internal/websocket"
	"github.com/satriahrh/wellvoice/usecase"
)

// SessionEstablisher issues sessions to devices
type SessionEstablisher interface {
	Establish(ctx context.Context, deviceID string) (entities.SessionConfig, error)
}

// BusController is the voice bus surface exposed over HTTP
type BusController interface {
	websocket.Controller
	Enqueue(payload entities.AudioPayload) string
	Pending() []entities.QueuedCommand
}

// InitConciergeRoutes registers the concierge API: session establishment and
// audio streaming over HTTP and WebSocket.
func InitConciergeRoutes(
	e *echo.Echo,
	sessions SessionEstablisher,
	conversations websocket.StreamProcessor,
	stream *websocket.StreamHandler,
	metrics *observe.Metrics,
	logger *zap.Logger,
) {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	initCommonRoutes(e, "wellvoice-concierge")

	v1 := e.Group("/api/v1")

	v1.POST("/sessions", func(c echo.Context) error {
		return createSession(c, sessions, logger)
	})
	v1.POST("/stream", func(c echo.Context) error {
		return streamChunk(c, conversations, metrics, logger)
	})

	e.GET("/ws/stream", stream.Handle)
}

// InitBusRoutes registers the voice bus control API and the UI socket.
func InitBusRoutes(e *echo.Echo, bus BusController, hub *websocket.Hub, logger *zap.Logger) {
	initCommonRoutes(e, "wellvoice-bus")

	v1 := e.Group("/api/v1/bus")

	v1.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, busStatus(bus))
	})
	v1.POST("/connect", func(c echo.Context) error {
		return connectBus(c, bus, logger)
	})
	v1.POST("/disconnect", func(c echo.Context) error {
		bus.Disconnect()
		return c.JSON(http.StatusOK, busStatus(bus))
	})
	v1.DELETE("/queue", func(c echo.Context) error {
		bus.ClearQueue()
		return c.JSON(http.StatusOK, busStatus(bus))
	})
	v1.POST("/chunks", func(c echo.Context) error {
		return enqueueChunk(c, bus, logger)
	})

	e.GET("/ws", func(c echo.Context) error {
		return websocket.HandleWebSocket(hub, c)
	})
}

func initCommonRoutes(e *echo.Echo, service string) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": service,
		})
	})
	e.GET("/metrics", echo.WrapHandler(observe.Handler()))
}

func createSession(c echo.Context, sessions SessionEstablisher, logger *zap.Logger) error {
	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind session request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	config, err := sessions.Establish(c.Request().Context(), req.DeviceID)
	if err != nil {
		if errors.Is(err, usecase.ErrInvalidDevice) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "missing_fields",
				Message: "Device ID is required",
			})
		}
		logger.Error("Failed to establish session",
			zap.String("device_id", req.DeviceID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "session_failed",
			Message: "Failed to establish session",
		})
	}

	return c.JSON(http.StatusOK, config)
}

func streamChunk(c echo.Context, conversations websocket.StreamProcessor, metrics *observe.Metrics, logger *zap.Logger) error {
	ctx := c.Request().Context()

	var req entities.StreamRequest
	if err := c.Bind(&req); err != nil {
		metrics.RecordConciergeRequest(ctx, "http", "invalid")
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	// A bearer token stands in for a config that does not carry one.
	if token := bearerToken(c.Request()); token != "" && req.Config.String(usecase.ConfigToken) == "" {
		req.Config = req.Config.Clone()
		if req.Config == nil {
			req.Config = entities.SessionConfig{}
		}
		req.Config[usecase.ConfigToken] = token
	}

	resp, err := conversations.ProcessStream(ctx, req)
	if err != nil {
		code := websocket.StreamErrorCode(err)
		metrics.RecordConciergeRequest(ctx, "http", code)
		logger.Warn("Stream request failed",
			zap.String("code", code),
			zap.Error(err))
		return c.JSON(streamStatus(code), ErrorResponse{
			Error:   code,
			Message: err.Error(),
		})
	}

	metrics.RecordConciergeRequest(ctx, "http", "ok")
	return c.JSON(http.StatusOK, resp)
}

func streamStatus(code string) int {
	switch code {
	case "unauthorized":
		return http.StatusUnauthorized
	case "session_not_found":
		return http.StatusNotFound
	case "session_closed":
		return http.StatusGone
	case "invalid_media":
		return http.StatusUnprocessableEntity
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return token
	}
	return ""
}

func connectBus(c echo.Context, bus BusController, logger *zap.Logger) error {
	if err := bus.Connect(c.Request().Context()); err != nil {
		if errors.Is(err, voicebus.ErrConnectInProgress) {
			return c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "connect_in_progress",
				Message: "A connection attempt is already running",
			})
		}
		logger.Warn("Bus connect failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "connect_failed",
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, busStatus(bus))
}

func enqueueChunk(c echo.Context, bus BusController, logger *zap.Logger) error {
	var payload entities.AudioPayload
	if err := c.Bind(&payload); err != nil {
		logger.Error("Failed to bind chunk", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if payload.Data == "" || payload.MimeType == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "data and mimeType are required",
		})
	}

	return c.JSON(http.StatusAccepted, ChunkResponse{ID: bus.Enqueue(payload)})
}

func busStatus(bus BusController) BusStatusResponse {
	pending := bus.Pending()
	resp := BusStatusResponse{
		State:   bus.State(),
		Pending: make([]PendingCommand, 0, len(pending)),
	}
	for _, cmd := range pending {
		resp.Pending = append(resp.Pending, PendingCommand{
			ID:         cmd.ID,
			MimeType:   cmd.Payload.MimeType,
			EnqueuedAt: cmd.EnqueuedAt,
			RetryCount: cmd.RetryCount,
		})
	}
	return resp
}
