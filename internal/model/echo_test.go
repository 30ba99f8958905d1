package model

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/veritaslegal/chatstream/internal/logger"
)

func TestEchoClientEchoesLastUserMessage(t *testing.T) {
	client := NewEchoClient(logger.Discard())

	stream, err := client.ChatCompletion(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "ignored earlier turn"},
			{Role: "assistant", Content: "noted"},
			{Role: "user", Content: "hello world"},
		},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	defer stream.Close()

	fragments := drainStream(t, stream)
	if len(fragments) < 2 {
		t.Fatalf("expected the reply split into word fragments, got %q", fragments)
	}
	if got := strings.Join(fragments, ""); got != "You said: hello world" {
		t.Errorf("reply = %q, want %q", got, "You said: hello world")
	}

	usage := client.TokenUsage()
	if usage == nil {
		t.Fatal("usage not recorded")
	}
	if usage.TotalTokens != usage.PromptTokens+usage.CompletionTokens {
		t.Errorf("usage totals do not add up: %+v", usage)
	}
}

func TestEchoClientRequiresUserMessage(t *testing.T) {
	client := NewEchoClient(logger.Discard())

	_, err := client.ChatCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "system", Content: "be helpful"}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("error %v is not a ClientError", err)
	}
	if clientErr.Kind != ErrKindInvalidRequest {
		t.Errorf("kind = %s, want %s", clientErr.Kind, ErrKindInvalidRequest)
	}
}

func TestEchoClientHealthy(t *testing.T) {
	client := NewEchoClient(logger.Discard())

	if err := client.ValidateConnection(context.Background()); err != nil {
		t.Errorf("ValidateConnection: %v", err)
	}
	health := client.HealthCheck(context.Background())
	if health.Status != "healthy" || !health.Connected || health.Provider != "echo" {
		t.Errorf("health = %+v", health)
	}
}
