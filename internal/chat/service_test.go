package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veritaslegal/chatstream/internal/logger"
	"github.com/veritaslegal/chatstream/internal/model"
	"github.com/veritaslegal/chatstream/internal/sse"
	"github.com/veritaslegal/chatstream/internal/streaming"
)

// fakeClient scripts the model side of the pipeline. Every completion
// streams the configured fragments; a non-nil streamErr makes every stream
// fail on its first pull instead.
type fakeClient struct {
	mu        sync.Mutex
	fragments []string
	streamErr error
	usage     *model.Usage
	calls     int
	lastReq   model.CompletionRequest
}

func (f *fakeClient) ModelName() string { return "fake-model" }

func (f *fakeClient) ChatCompletion(ctx context.Context, req model.CompletionRequest) (model.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.streamErr != nil {
		return &fakeStream{err: f.streamErr}, nil
	}
	return &fakeStream{fragments: f.fragments}, nil
}

func (f *fakeClient) TokenUsage() *model.Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage
}

func (f *fakeClient) ValidateConnection(ctx context.Context) error { return nil }

func (f *fakeClient) HealthCheck(ctx context.Context) model.Health {
	return model.Health{Status: "healthy", Provider: "fake", Model: "fake-model", Connected: true}
}

func (f *fakeClient) lastRequest() model.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type fakeStream struct {
	fragments []string
	err       error
	pos       int
}

func (s *fakeStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.err != nil {
		return "", s.err
	}
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	fragment := s.fragments[s.pos]
	s.pos++
	return fragment, nil
}

func (s *fakeStream) Close() error { return nil }

func newTestService(t *testing.T, store Store, client model.Client) *Service {
	t.Helper()
	log := logger.Discard()
	cfg := streaming.Config{
		KeepaliveInterval: time.Minute,
		BatchSize:         3,
		BatchTimeout:      10 * time.Second,
	}
	handler := streaming.NewStreamHandler(cfg, log, nil)
	batching := streaming.NewBatchingStreamHandler(cfg, log, nil)
	events := sse.NewStreamManager(sse.Config{KeepaliveInterval: time.Minute}, log, nil)
	return NewService(ServiceConfig{}, store, client, handler, batching, events, nil, nil, log)
}

// replyEvent is the decoded form of one SSE event from a reply stream.
type replyEvent struct {
	kind    string
	payload map[string]any
}

func parseReplyEvent(t *testing.T, raw string) replyEvent {
	t.Helper()
	var ev replyEvent
	var dataLines []string
	for _, line := range strings.Split(strings.TrimSuffix(raw, "\n\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &ev.payload); err != nil {
		t.Fatalf("event data is not JSON: %v (%q)", err, raw)
	}
	return ev
}

func collectReply(t *testing.T, events <-chan string) []replyEvent {
	t.Helper()
	var out []replyEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case raw, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, parseReplyEvent(t, raw))
		case <-timeout:
			t.Fatal("timed out draining reply stream")
		}
	}
}

func tokenContents(events []replyEvent) []string {
	var contents []string
	for _, ev := range events {
		if ev.kind == "token" {
			contents = append(contents, ev.payload["content"].(string))
		}
	}
	return contents
}

func TestStreamReplyEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := &fakeClient{
		fragments: []string{"The", " quick", " brown", " fox"},
		usage:     &model.Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9},
	}
	svc := newTestService(t, store, client)

	session, err := svc.CreateSession(ctx, "contract review", ModeRegular)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	events, err := svc.StreamReply(ctx, session.ID, "Summarize the contract", false)
	if err != nil {
		t.Fatalf("StreamReply: %v", err)
	}
	out := collectReply(t, events)

	if out[0].kind != "status" || out[0].payload["status"] != "streaming_started" {
		t.Fatalf("first event = %s %v", out[0].kind, out[0].payload)
	}

	contents := tokenContents(out)
	want := []string{"The", " quick", " brown", " fox"}
	if len(contents) != len(want) {
		t.Fatalf("token contents = %q, want %q", contents, want)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, contents[i], want[i])
		}
	}

	last := out[len(out)-1]
	if last.kind != "done" {
		t.Errorf("last event kind = %q, want done", last.kind)
	}
	meta := out[len(out)-2]
	if meta.kind != "metadata" {
		t.Fatalf("event before done = %q, want metadata", meta.kind)
	}
	if meta.payload["model"] != "fake-model" {
		t.Errorf("metadata model = %v", meta.payload["model"])
	}
	for _, ev := range out {
		if ev.kind == "error" {
			t.Errorf("unexpected error event: %v", ev.payload)
		}
	}

	// The transcript now holds the user message and the accumulated reply.
	stored, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(stored.Messages) != 2 {
		t.Fatalf("stored %d messages, want 2", len(stored.Messages))
	}
	if stored.Messages[0].Role != RoleUser || stored.Messages[0].Content != "Summarize the contract" {
		t.Errorf("user message = %+v", stored.Messages[0])
	}
	if stored.Messages[1].Role != RoleAssistant || stored.Messages[1].Content != "The quick brown fox" {
		t.Errorf("assistant message = %+v", stored.Messages[1])
	}

	// The completion request leads with the system prompt and ends with the
	// user's message.
	req := client.lastRequest()
	if len(req.Messages) < 2 {
		t.Fatalf("completion request had %d messages", len(req.Messages))
	}
	if req.Messages[0].Role != "system" {
		t.Errorf("first request message role = %q, want system", req.Messages[0].Role)
	}
	if got := req.Messages[len(req.Messages)-1]; got.Role != "user" || got.Content != "Summarize the contract" {
		t.Errorf("last request message = %+v", got)
	}
}

func TestStreamReplyBatching(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := &fakeClient{fragments: []string{"A", "B", "C", "D", "E"}}
	svc := newTestService(t, store, client)

	session, err := svc.CreateSession(ctx, "", ModeRegular)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	events, err := svc.StreamReply(ctx, session.ID, "go", true)
	if err != nil {
		t.Fatalf("StreamReply: %v", err)
	}
	out := collectReply(t, events)

	contents := tokenContents(out)
	if len(contents) != 2 || contents[0] != "ABC" || contents[1] != "DE" {
		t.Errorf("batched token contents = %q, want [ABC DE]", contents)
	}
	if out[len(out)-1].kind != "done" {
		t.Errorf("last event kind = %q, want done", out[len(out)-1].kind)
	}

	stored, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.Messages[len(stored.Messages)-1].Content != "ABCDE" {
		t.Errorf("assistant message = %q, want ABCDE", stored.Messages[len(stored.Messages)-1].Content)
	}
}

func TestStreamReplyModelFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := &fakeClient{streamErr: errors.New("model exploded")}
	svc := newTestService(t, store, client)

	session, err := svc.CreateSession(ctx, "", ModeRegular)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	events, err := svc.StreamReply(ctx, session.ID, "boom", false)
	if err != nil {
		t.Fatalf("StreamReply: %v", err)
	}
	out := collectReply(t, events)

	last := out[len(out)-1]
	if last.kind != "error" {
		t.Fatalf("last event kind = %q, want error", last.kind)
	}
	if last.payload["code"] != "STREAMING_ERROR" {
		t.Errorf("error code = %v", last.payload["code"])
	}
	msg, _ := last.payload["message"].(string)
	if !strings.Contains(msg, "model exploded") {
		t.Errorf("error message = %q", msg)
	}
	for _, ev := range out {
		if ev.kind == "done" {
			t.Error("done event emitted after a failure")
		}
	}

	// Only the user message is in the transcript; nothing was persisted for
	// the failed reply.
	stored, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(stored.Messages) != 1 {
		t.Errorf("stored %d messages, want 1", len(stored.Messages))
	}
}

func TestStreamReplyUnknownSession(t *testing.T) {
	svc := newTestService(t, NewMemoryStore(), &fakeClient{fragments: []string{"x"}})

	if _, err := svc.StreamReply(context.Background(), "missing", "hello", false); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("StreamReply = %v, want ErrSessionNotFound", err)
	}
}

func TestStreamReplyDeepResearchPrompt(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{fragments: []string{"ok"}}
	svc := newTestService(t, NewMemoryStore(), client)

	session, err := svc.CreateSession(ctx, "", ModeDeepResearch)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	events, err := svc.StreamReply(ctx, session.ID, "analyze", false)
	if err != nil {
		t.Fatalf("StreamReply: %v", err)
	}
	collectReply(t, events)

	req := client.lastRequest()
	if !strings.Contains(req.Messages[0].Content, "deep research mode") {
		t.Errorf("system prompt missing the deep research addendum: %q", req.Messages[0].Content)
	}
}

func TestServiceHealth(t *testing.T) {
	svc := newTestService(t, NewMemoryStore(), &fakeClient{})
	health := svc.Health(context.Background())
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}
}
