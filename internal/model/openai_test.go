package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker/v2"

	"github.com/veritaslegal/chatstream/internal/logger"
)

func newStreamingServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization header = %q", got)
		}

		var payload struct {
			Model         string `json:"model"`
			Stream        bool   `json:"stream"`
			StreamOptions *struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("malformed request body: %v", err)
		}
		if !payload.Stream {
			t.Error("expected a streaming request")
		}
		if payload.StreamOptions == nil || !payload.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage to be set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("test server does not support flushing")
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
}

func drainStream(t *testing.T, stream Stream) []string {
	t.Helper()
	var fragments []string
	for {
		fragment, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return fragments
		}
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		fragments = append(fragments, fragment)
	}
}

func TestOpenAIClientStreamsCompletion(t *testing.T) {
	server := newStreamingServer(t, []string{
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`data: {"choices":[{"delta":{"content":" there"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
		`data: [DONE]`,
	})
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "gpt-test",
	}, logger.Discard())

	stream, err := client.ChatCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	defer stream.Close()

	fragments := drainStream(t, stream)
	want := []string{"Hello", " there"}
	if len(fragments) != len(want) {
		t.Fatalf("fragments = %q, want %q", fragments, want)
	}
	for i := range want {
		if fragments[i] != want[i] {
			t.Errorf("fragment %d = %q, want %q", i, fragments[i], want[i])
		}
	}

	usage := client.TokenUsage()
	if usage == nil {
		t.Fatal("usage not captured from the stream")
	}
	if usage.PromptTokens != 7 || usage.CompletionTokens != 2 || usage.TotalTokens != 9 {
		t.Errorf("usage = %+v", usage)
	}

	// The stream stays exhausted after [DONE].
	if _, err := stream.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next after [DONE] = %v, want io.EOF", err)
	}
}

func TestOpenAIClientIgnoresCommentsAndBlankLines(t *testing.T) {
	server := newStreamingServer(t, []string{
		`: keep-alive comment`,
		``,
		`data: {"choices":[{"delta":{"content":"only"}}]}`,
		`data: [DONE]`,
	})
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL}, logger.Discard())
	stream, err := client.ChatCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	defer stream.Close()

	fragments := drainStream(t, stream)
	if len(fragments) != 1 || fragments[0] != "only" {
		t.Errorf("fragments = %q, want [only]", fragments)
	}
}

func TestOpenAIClientMapsErrorStatuses(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, ErrKindAuthentication},
		{http.StatusForbidden, ErrKindAuthentication},
		{http.StatusTooManyRequests, ErrKindRateLimit},
		{http.StatusBadRequest, ErrKindInvalidRequest},
		{http.StatusNotFound, ErrKindInvalidRequest},
		{http.StatusUnprocessableEntity, ErrKindInvalidRequest},
		{http.StatusInternalServerError, ErrKindConnection},
		{http.StatusBadGateway, ErrKindConnection},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status %d", tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprintf(w, `{"error":{"message":"nope","type":"test"}}`)
			}))
			defer server.Close()

			client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL}, logger.Discard())
			_, err := client.ChatCompletion(context.Background(), CompletionRequest{
				Messages: []Message{{Role: "user", Content: "hi"}},
			})
			if err == nil {
				t.Fatal("expected an error")
			}

			var clientErr *ClientError
			if !errors.As(err, &clientErr) {
				t.Fatalf("error %v is not a ClientError", err)
			}
			if clientErr.Kind != tc.kind {
				t.Errorf("kind = %s, want %s", clientErr.Kind, tc.kind)
			}
		})
	}
}

func TestOpenAIClientConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing is listening anymore

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL}, logger.Discard())
	_, err := client.ChatCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := KindOf(err); got != ErrKindConnection {
		t.Errorf("kind = %s, want %s", got, ErrKindConnection)
	}
}

func TestOpenAIClientCircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL}, logger.Discard())
	req := CompletionRequest{Messages: []Message{{Role: "user", Content: "hi"}}}

	for i := 0; i < 5; i++ {
		if _, err := client.ChatCompletion(context.Background(), req); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i+1)
		}
	}

	_, err := client.ChatCompletion(context.Background(), req)
	if err == nil {
		t.Fatal("expected the circuit breaker to reject the call")
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState in the chain, got %v", err)
	}
	if got := KindOf(err); got != ErrKindConnection {
		t.Errorf("kind = %s, want %s", got, ErrKindConnection)
	}
	if got := hits.Load(); got != 5 {
		t.Errorf("upstream hit %d times, want 5 (open breaker must short-circuit)", got)
	}
}

func TestOpenAIClientAuthFailuresDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "bad-key", BaseURL: server.URL}, logger.Discard())
	req := CompletionRequest{Messages: []Message{{Role: "user", Content: "hi"}}}

	for i := 0; i < 8; i++ {
		_, err := client.ChatCompletion(context.Background(), req)
		if err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i+1)
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			t.Fatalf("breaker opened on auth failures at call %d", i+1)
		}
	}
}

func TestOpenAIClientValidateConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL}, logger.Discard())
	if err := client.ValidateConnection(context.Background()); err != nil {
		t.Errorf("ValidateConnection: %v", err)
	}

	health := client.HealthCheck(context.Background())
	if health.Status != "healthy" || !health.Connected {
		t.Errorf("health = %+v", health)
	}
	if health.Provider != "openai" {
		t.Errorf("provider = %q", health.Provider)
	}
}
