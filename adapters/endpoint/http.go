// Package endpoint holds the client side of the concierge streaming contract:
// session establishment and chunk delivery over HTTP or WebSocket.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/domain/entities"
)

const (
	streamPath  = "/api/v1/stream"
	sessionPath = "/api/v1/sessions"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 8 << 20
)

// StatusError is returned when the concierge answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("concierge returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("concierge returned status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// HTTPConfig configures the HTTP endpoint client.
type HTTPConfig struct {
	// BaseURL of the concierge, e.g. http://localhost:8080.
	BaseURL string

	// Timeout caps each request in addition to the caller's context. Default: 30s.
	Timeout time.Duration
}

// HTTPEndpoint talks to the concierge REST API. It implements both
// repositories.StreamingEndpoint and repositories.SessionEstablisher.
type HTTPEndpoint struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPEndpoint creates a new HTTP endpoint client
func NewHTTPEndpoint(cfg HTTPConfig, logger *zap.Logger) *HTTPEndpoint {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPEndpoint{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// Send posts one chunk and decodes the structured response.
func (e *HTTPEndpoint) Send(ctx context.Context, req entities.StreamRequest) (*entities.StreamResponse, error) {
	var resp entities.StreamResponse
	if err := e.post(ctx, streamPath, req.Config.String("token"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Establish requests a session for deviceID and returns its SessionConfig.
func (e *HTTPEndpoint) Establish(ctx context.Context, deviceID string) (entities.SessionConfig, error) {
	body := map[string]string{"deviceId": deviceID}

	var config entities.SessionConfig
	if err := e.post(ctx, sessionPath, "", body, &config); err != nil {
		return nil, err
	}

	e.logger.Info("Session established",
		zap.String("deviceID", deviceID),
		zap.String("sessionID", config.String("sessionId")))
	return config, nil
}

func (e *HTTPEndpoint) post(ctx context.Context, path, token string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: httpResp.StatusCode}
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &errResp) == nil {
			statusErr.Code = errResp.Error
			statusErr.Message = errResp.Message
		}
		return statusErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
