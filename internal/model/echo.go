package model

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/veritaslegal/chatstream/internal/logger"
)

// EchoClient is a deterministic offline backend. It repeats the last user
// message word by word, which keeps local development and tests independent
// of any upstream API.
type EchoClient struct {
	model  string
	logger *logger.Logger

	mu        sync.Mutex
	lastUsage *Usage
}

var _ Client = (*EchoClient)(nil)

// NewEchoClient builds the offline echo backend.
func NewEchoClient(log *logger.Logger) *EchoClient {
	return &EchoClient{
		model:  "echo-1",
		logger: log.WithComponent("model_client"),
	}
}

// ModelName implements Client.
func (c *EchoClient) ModelName() string {
	return c.model
}

// ChatCompletion implements Client.
func (c *EchoClient) ChatCompletion(ctx context.Context, req CompletionRequest) (Stream, error) {
	prompt := ""
	promptChars := 0
	for _, msg := range req.Messages {
		promptChars += len(msg.Content)
		if msg.Role == "user" {
			prompt = msg.Content
		}
	}
	if prompt == "" {
		return nil, NewClientError(ErrKindInvalidRequest, "no user message in request", nil)
	}

	reply := "You said: " + prompt

	c.mu.Lock()
	promptTokens := estimateTokens(promptChars)
	completionTokens := estimateTokens(len(reply))
	c.lastUsage = &Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
	c.mu.Unlock()

	return &echoStream{fragments: splitFragments(reply)}, nil
}

// TokenUsage implements Client.
func (c *EchoClient) TokenUsage() *Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastUsage == nil {
		return nil
	}
	usage := *c.lastUsage
	return &usage
}

// ValidateConnection implements Client. The echo backend is always
// reachable.
func (c *EchoClient) ValidateConnection(ctx context.Context) error {
	return nil
}

// HealthCheck implements Client.
func (c *EchoClient) HealthCheck(ctx context.Context) Health {
	return Health{
		Status:    "healthy",
		Provider:  "echo",
		Model:     c.model,
		Connected: true,
	}
}

// splitFragments cuts a reply into word-sized fragments that concatenate
// back to the original string.
func splitFragments(s string) []string {
	words := strings.Split(s, " ")
	fragments := make([]string, 0, len(words))
	for i, word := range words {
		if i == 0 {
			fragments = append(fragments, word)
			continue
		}
		fragments = append(fragments, " "+word)
	}
	return fragments
}

// estimateTokens approximates tokens as four characters each.
func estimateTokens(chars int) int {
	if chars == 0 {
		return 0
	}
	return chars/4 + 1
}

type echoStream struct {
	fragments []string
	pos       int
}

func (s *echoStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	fragment := s.fragments[s.pos]
	s.pos++
	return fragment, nil
}

func (s *echoStream) Close() error {
	return nil
}
