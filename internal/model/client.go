package model

import "context"

// Message is one turn of a completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one streamed chat completion. Zero values
// defer to the client's configured defaults.
type CompletionRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage reports the token accounting of a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Health is the self-reported state of a model client.
type Health struct {
	Status    string `json:"status"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Stream pulls the text fragments of one completion. Next returns io.EOF
// once the completion ends; a stream that returned any other error is dead
// and must not be pulled again.
type Stream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Client is a streaming chat completion backend.
type Client interface {
	// ModelName identifies the configured model.
	ModelName() string
	// ChatCompletion opens a fresh completion stream. Every call makes a
	// new upstream request; streams are never reused.
	ChatCompletion(ctx context.Context, req CompletionRequest) (Stream, error)
	// TokenUsage reports the usage of the last finished completion, nil
	// when unknown.
	TokenUsage() *Usage
	// ValidateConnection verifies the backend is reachable with the
	// configured credentials.
	ValidateConnection(ctx context.Context) error
	// HealthCheck summarizes the backend state for health endpoints.
	HealthCheck(ctx context.Context) Health
}
