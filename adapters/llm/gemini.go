package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/wellvoice/domain/entities"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.7
	defaultMaxTokens      = 512
	defaultTimeoutSeconds = 30
	maxAttempts           = 3
)

const defaultSystemPrompt = `You are the wellness concierge of a booking app.
Listen to the guest's voice message and answer briefly and warmly.
When the guest wants to see availability, book or cancel a session, call the matching function instead of guessing.`

// GeminiConfig configures the Gemini responder
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int
	TimeoutSeconds  int
	SystemPrompt    string
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}

	// Validate temperature is in the valid range
	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}

	if config.MaxOutputTokens < 0 {
		return fmt.Errorf("maxOutputTokens must be positive, got %d", config.MaxOutputTokens)
	}

	// Validate timeout is reasonable if specified
	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}

	return nil
}

// GeminiResponder answers voice turns with Google's Gemini API. Audio is sent
// inline with the conversation history as context.
type GeminiResponder struct {
	client  *genai.Client
	logger  *zap.Logger
	model   string
	timeout time.Duration
	config  *genai.GenerateContentConfig
}

// NewGeminiResponder creates a new Gemini responder
func NewGeminiResponder(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiResponder, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := config.Model
	if model == "" {
		model = defaultModel
		logger.Info("Using default model", zap.String("model", model))
	}
	temperature := config.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxOutputTokens := config.MaxOutputTokens
	if maxOutputTokens == 0 {
		maxOutputTokens = defaultMaxTokens
	}
	timeoutSeconds := config.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}
	systemPrompt := config.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	return &GeminiResponder{
		client:  client,
		logger:  logger,
		model:   model,
		timeout: time.Duration(timeoutSeconds) * time.Second,
		config: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			Temperature:       genai.Ptr(temperature),
			MaxOutputTokens:   int32(maxOutputTokens),
			Tools:             []*genai.Tool{{FunctionDeclarations: conciergeFunctions}},
		},
	}, nil
}

// Respond implements repositories.Responder
func (g *GeminiResponder) Respond(ctx context.Context, history []entities.Turn, media []byte, mimeType string) (*entities.StreamResponse, error) {
	if len(media) == 0 {
		return nil, errors.New("empty audio payload")
	}
	contents := buildContents(history, media, mimeType)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		response, err = g.client.Models.GenerateContent(ctx, g.model, contents, g.config)
		if err == nil {
			break
		}

		g.logger.Warn("Failed to generate content, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < maxAttempts-1 {
			select {
			case <-time.After(time.Duration(attempt+1) * time.Second):
			case <-ctx.Done():
				return nil, fmt.Errorf("generate content: %w", ctx.Err())
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	resp, err := parseResponse(response)
	if err != nil {
		return nil, err
	}

	g.logger.Info("Concierge turn processed",
		zap.Int("audio_bytes", len(media)),
		zap.Int("history_length", len(history)),
		zap.Int("function_calls", len(resp.FunctionCalls)),
		zap.Bool("turn_complete", resp.TurnComplete))
	return resp, nil
}

// buildContents converts the recorded turns into Gemini contents and appends
// the new audio as the final user message. User turns without text carry no
// usable content and are skipped.
func buildContents(history []entities.Turn, media []byte, mimeType string) []*genai.Content {
	var contents []*genai.Content
	for _, turn := range history {
		if turn.Text == "" {
			continue
		}
		switch turn.Role {
		case entities.TurnRoleAssistant:
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleUser))
		}
	}

	audio := genai.NewPartFromBytes(media, mimeType)
	contents = append(contents, genai.NewContentFromParts([]*genai.Part{audio}, genai.RoleUser))
	return contents
}

// parseResponse extracts text, function calls and inline audio from the
// first candidate.
func parseResponse(response *genai.GenerateContentResponse) (*entities.StreamResponse, error) {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return nil, errors.New("no content generated")
	}
	candidate := response.Candidates[0]

	resp := &entities.StreamResponse{Success: true}
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			resp.Text += part.Text
		}
		if part.FunctionCall != nil {
			resp.FunctionCalls = append(resp.FunctionCalls, entities.FunctionCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			resp.Audio = base64.StdEncoding.EncodeToString(part.InlineData.Data)
			resp.AudioMimeType = part.InlineData.MIMEType
		}
	}

	// A turn that asks for function calls continues once their results come back.
	resp.TurnComplete = candidate.FinishReason == genai.FinishReasonStop && len(resp.FunctionCalls) == 0
	return resp, nil
}

var conciergeFunctions = []*genai.FunctionDeclaration{
	{
		Name:        "list_available_slots",
		Description: "List open appointment slots for a wellness service on a given date.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"service": {Type: genai.TypeString, Description: "Service name, for example massage or yoga."},
				"date":    {Type: genai.TypeString, Description: "Date in YYYY-MM-DD format."},
			},
			Required: []string{"service", "date"},
		},
	},
	{
		Name:        "book_appointment",
		Description: "Book a wellness appointment for the guest.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"service":   {Type: genai.TypeString, Description: "Service name."},
				"starts_at": {Type: genai.TypeString, Description: "Start time in RFC 3339 format."},
				"notes":     {Type: genai.TypeString, Description: "Optional notes from the guest."},
			},
			Required: []string{"service", "starts_at"},
		},
	},
	{
		Name:        "cancel_appointment",
		Description: "Cancel an existing appointment.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"appointment_id": {Type: genai.TypeString, Description: "Identifier of the appointment."},
			},
			Required: []string{"appointment_id"},
		},
	},
}
