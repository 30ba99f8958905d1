package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/veritaslegal/chatstream/internal/logger"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4-turbo-preview"
	defaultTimeout = 60 * time.Second
)

// Scanner limits for upstream SSE lines.
const (
	initialScanBuffer = 64 * 1024
	maxScanBuffer     = 1024 * 1024
)

// OpenAIConfig configures an OpenAI-compatible streaming client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Timeout bounds the wait for upstream response headers. The response
	// body has no overall deadline: an http.Client timeout would cap the
	// total read time of a stream.
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// OpenAIClient streams chat completions from an OpenAI-compatible API. A
// circuit breaker guards connection setup so a flapping upstream fails fast
// instead of piling up requests.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	logger     *logger.Logger

	mu        sync.Mutex
	lastUsage *Usage
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client from cfg, filling in defaults for the
// base URL, model and header timeout.
func NewOpenAIClient(cfg OpenAIConfig, log *logger.Logger) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	clientLog := log.WithComponent("model_client")

	settings := gobreaker.Settings{
		Name:        "openai:" + cfg.Model,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			clientLog.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		// Only connection-class faults count toward tripping; auth and
		// request errors say nothing about upstream availability.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var clientErr *ClientError
			if errors.As(err, &clientErr) {
				return clientErr.Kind != ErrKindConnection
			}
			return false
		},
	}

	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Transport: newPooledTransport(cfg.Timeout)},
		breaker:     gobreaker.NewCircuitBreaker[*http.Response](settings),
		logger:      clientLog,
	}
}

// newPooledTransport tunes the transport for long-lived streaming bodies.
// Compression is disabled so chunks surface as soon as they arrive.
func newPooledTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		DisableCompression:    true,
	}
}

// ModelName implements Client.
func (c *OpenAIClient) ModelName() string {
	return c.model
}

// TokenUsage implements Client. It returns a copy of the usage captured
// from the last completion that reported one.
func (c *OpenAIClient) TokenUsage() *Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastUsage == nil {
		return nil
	}
	usage := *c.lastUsage
	return &usage
}

func (c *OpenAIClient) setLastUsage(usage *Usage) {
	c.mu.Lock()
	c.lastUsage = usage
	c.mu.Unlock()
}

type completionPayload struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ChatCompletion implements Client. The returned stream owns the response
// body and closes it when the stream ends or is closed early.
func (c *OpenAIClient) ChatCompletion(ctx context.Context, req CompletionRequest) (Stream, error) {
	payload := completionPayload{
		Model:         c.model,
		Messages:      req.Messages,
		MaxTokens:     c.maxTokens,
		Temperature:   c.temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload.Temperature = req.Temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewClientError(ErrKindInvalidRequest, "encoding completion request", err)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.openStream(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewClientError(ErrKindConnection, "circuit breaker open", err)
		}
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, initialScanBuffer), maxScanBuffer)
	return &openAIStream{client: c, body: resp.Body, scanner: scanner}, nil
}

func (c *OpenAIClient) openStream(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewClientError(ErrKindInvalidRequest, "building completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewClientError(ErrKindConnection, "completion request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}
	return resp, nil
}

// statusError maps an upstream error status onto a ClientError kind.
func (c *OpenAIClient) statusError(resp *http.Response) *ClientError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(raw))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}

	kind := ErrKindUnknown
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = ErrKindAuthentication
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = ErrKindRateLimit
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusNotFound ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		kind = ErrKindInvalidRequest
	case resp.StatusCode >= 500:
		kind = ErrKindConnection
	}

	c.logger.Error("upstream returned an error status",
		slog.Int("status", resp.StatusCode),
		slog.String("kind", string(kind)))
	return NewClientError(kind, fmt.Sprintf("upstream status %d: %s", resp.StatusCode, message), nil)
}

// ValidateConnection implements Client with a cheap models lookup.
func (c *OpenAIClient) ValidateConnection(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return NewClientError(ErrKindInvalidRequest, "building models request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return NewClientError(ErrKindConnection, "models request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// HealthCheck implements Client.
func (c *OpenAIClient) HealthCheck(ctx context.Context) Health {
	health := Health{
		Status:    "healthy",
		Provider:  "openai",
		Model:     c.model,
		Connected: true,
	}
	if err := c.ValidateConnection(ctx); err != nil {
		health.Status = "unhealthy"
		health.Connected = false
		health.Error = err.Error()
	}
	return health
}

// openAIStream adapts one SSE response body to the Stream interface. It is
// driven by a single goroutine at a time.
type openAIStream struct {
	client  *OpenAIClient
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
	done      bool
}

func (s *openAIStream) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			s.finish()
			return "", err
		}
		if !s.scanner.Scan() {
			return "", s.scanEnd()
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimPrefix(data, " ")
		if data == "[DONE]" {
			s.finish()
			return "", io.EOF
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.client.logger.Debug("skipping malformed stream chunk", slog.Any("error", err))
			continue
		}
		if chunk.Usage != nil {
			s.client.setLastUsage(&Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			})
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
		// Role headers and finish markers carry no content; keep scanning.
	}
}

// scanEnd classifies why the scanner stopped: clean end of stream,
// consumer cancellation, or a broken connection.
func (s *openAIStream) scanEnd() error {
	err := s.scanner.Err()
	s.finish()
	if err == nil {
		return io.EOF
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewClientError(ErrKindConnection, "reading completion stream", err)
}

func (s *openAIStream) finish() {
	s.done = true
	s.closeOnce.Do(func() {
		_ = s.body.Close()
	})
}

func (s *openAIStream) Close() error {
	s.finish()
	return nil
}
