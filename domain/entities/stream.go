package entities

// SessionConfig is the backend-issued context required to address the
// streaming endpoint. Only the endpoint interprets its contents.
type SessionConfig map[string]any

// Clone returns a shallow copy so callers cannot mutate the bus' copy.
func (c SessionConfig) Clone() SessionConfig {
	if c == nil {
		return nil
	}
	out := make(SessionConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// String returns the string value stored under key, or "".
func (c SessionConfig) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// StreamRequest is one delivery to the remote streaming endpoint.
type StreamRequest struct {
	Media  AudioPayload  `json:"media"`
	Config SessionConfig `json:"config"`
}

// FunctionCall is a tool invocation requested by the AI backend.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// StreamResponse is the structured result of a delivery.
type StreamResponse struct {
	Success       bool           `json:"success"`
	Text          string         `json:"text,omitempty"`
	FunctionCalls []FunctionCall `json:"functionCalls,omitempty"`
	Audio         string         `json:"audio,omitempty"` // base64
	AudioMimeType string         `json:"audioMimeType,omitempty"`
	TurnComplete  bool           `json:"turnComplete,omitempty"`
	Error         string         `json:"error,omitempty"`
}
