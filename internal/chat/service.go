package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritaslegal/chatstream/internal/logger"
	"github.com/veritaslegal/chatstream/internal/metrics"
	"github.com/veritaslegal/chatstream/internal/model"
	"github.com/veritaslegal/chatstream/internal/sse"
	"github.com/veritaslegal/chatstream/internal/streaming"
	"github.com/veritaslegal/chatstream/internal/usage"
)

// DefaultContextWindow caps how many transcript messages are sent upstream
// per completion.
const DefaultContextWindow = 20

const baseSystemPrompt = `You are a legal assistant. You help with document ` +
	`analysis, contract review and legal research. Be accurate, cite the ` +
	`material you rely on, separate facts from interpretation, and recommend ` +
	`qualified counsel for decisions with legal consequences.`

const deepResearchPrompt = `Work in deep research mode: examine the question ` +
	`from multiple angles, lay out your reasoning step by step and name the ` +
	`risks and alternatives you see.`

// persistTimeout bounds the store writes that happen after a response
// finishes, which run detached from the request context.
const persistTimeout = 5 * time.Second

// ServiceConfig carries the completion tunables of the reply service.
type ServiceConfig struct {
	MaxTokens     int
	Temperature   float64
	ContextWindow int
}

// Service orchestrates chat replies: it persists the transcript, drives the
// model client through the streaming pipeline and frames the result as SSE
// events.
type Service struct {
	store    Store
	client   model.Client
	handler  *streaming.StreamHandler
	batching *streaming.BatchingStreamHandler
	events   *sse.StreamManager
	usage    *usage.Recorder
	metrics  *metrics.Metrics
	logger   *logger.Logger

	maxTokens     int
	temperature   float64
	contextWindow int
}

// NewService wires the reply pipeline. The usage recorder and metrics may be
// nil; both are optional concerns.
func NewService(
	cfg ServiceConfig,
	store Store,
	client model.Client,
	handler *streaming.StreamHandler,
	batching *streaming.BatchingStreamHandler,
	events *sse.StreamManager,
	recorder *usage.Recorder,
	m *metrics.Metrics,
	log *logger.Logger,
) *Service {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContextWindow
	}
	return &Service{
		store:         store,
		client:        client,
		handler:       handler,
		batching:      batching,
		events:        events,
		usage:         recorder,
		metrics:       m,
		logger:        log.WithComponent("chat_service"),
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		contextWindow: cfg.ContextWindow,
	}
}

// CreateSession stores a new session. An empty mode defaults to regular.
func (s *Service) CreateSession(ctx context.Context, title string, mode Mode) (Session, error) {
	session := NewSession(title, mode)
	if err := s.store.CreateSession(ctx, session); err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	s.logger.Info("session created",
		slog.String("session_id", session.ID),
		slog.String("mode", string(session.Mode)))
	return session, nil
}

// GetSession loads one session with its transcript.
func (s *Service) GetSession(ctx context.Context, id string) (Session, error) {
	return s.store.GetSession(ctx, id)
}

// ListSessions returns all sessions without transcripts, newest first.
func (s *Service) ListSessions(ctx context.Context) ([]Session, error) {
	return s.store.ListSessions(ctx)
}

// DeleteSession removes a session and its transcript.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	return s.store.DeleteSession(ctx, id)
}

// Health summarizes service liveness and the model client's reachability.
func (s *Service) Health(ctx context.Context) map[string]any {
	return map[string]any{
		"status": "healthy",
		"model":  s.client.HealthCheck(ctx),
	}
}

// StreamReply appends the user message to the session and returns the framed
// SSE event stream of the assistant's reply. The assistant message is
// persisted once the response completes cleanly. The returned channel closes
// when the response ends or ctx is cancelled.
func (s *Service) StreamReply(ctx context.Context, sessionID, content string, useBatching bool) (<-chan string, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	userMsg := NewMessage(RoleUser, content)
	if err := s.store.AppendMessage(ctx, sessionID, userMsg); err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}
	session.Messages = append(session.Messages, userMsg)

	responseID := uuid.New().String()
	log := s.logger.WithFields(map[string]interface{}{
		"session_id":  sessionID,
		"response_id": responseID,
	})
	log.Info("starting reply stream",
		slog.String("mode", string(session.Mode)),
		slog.Bool("batching", useBatching))

	request := s.buildRequest(&session)
	factory := streaming.StreamFactory(func(ctx context.Context) (streaming.FragmentStream, error) {
		return s.client.ChatCompletion(ctx, request)
	})

	var chunks *streaming.ChunkStream
	if useBatching {
		chunks = s.batching.StreamWithRetry(ctx, factory, responseID, sessionID, nil)
	} else {
		chunks = s.handler.StreamWithRetry(ctx, factory, responseID, sessionID, nil)
	}

	started := time.Now()
	if s.metrics != nil {
		s.metrics.StreamsStarted.Inc()
		s.metrics.ActiveStreams.Inc()
	}

	tee := s.forward(ctx, chunks, sessionID, responseID, started, log)
	events := s.events.StreamChatResponse(ctx, tee, sse.StreamOptions{
		SessionID:     sessionID,
		ResponseID:    responseID,
		FinalMetadata: s.finalMetadata,
	})
	return s.events.StreamWithKeepalive(ctx, events, responseID), nil
}

// buildRequest assembles the completion request: the mode's system prompt
// followed by the most recent transcript window.
func (s *Service) buildRequest(session *Session) model.CompletionRequest {
	window := session.ContextMessages(s.contextWindow)

	messages := make([]model.Message, 0, len(window)+1)
	messages = append(messages, model.Message{
		Role:    string(RoleSystem),
		Content: s.systemPrompt(session.Mode),
	})
	for _, msg := range window {
		messages = append(messages, model.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	return model.CompletionRequest{
		Messages:    messages,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	}
}

func (s *Service) systemPrompt(mode Mode) string {
	if mode == ModeDeepResearch {
		return baseSystemPrompt + "\n\n" + deepResearchPrompt
	}
	return baseSystemPrompt
}

// finalMetadata reports the model and its token usage for the metadata event
// preceding done. Nil when the client has no usage for the response.
func (s *Service) finalMetadata() map[string]any {
	tokens := s.client.TokenUsage()
	if tokens == nil {
		return nil
	}
	return map[string]any{
		"model": s.client.ModelName(),
		"usage": map[string]any{
			"prompt_tokens":     tokens.PromptTokens,
			"completion_tokens": tokens.CompletionTokens,
			"total_tokens":      tokens.TotalTokens,
		},
	}
}

// teeStream relays chunks from the pipeline to the SSE manager while the
// service accumulates the reply. It mirrors the ChunkStream contract.
type teeStream struct {
	ch  chan streaming.Chunk
	err error
}

func (t *teeStream) Chunks() <-chan streaming.Chunk { return t.ch }

func (t *teeStream) Err() error { return t.err }

// forward drains src into a teeStream, collecting content so the assistant
// message can be stored when the response completes. Stream accounting
// happens here because this goroutine sees every outcome exactly once.
func (s *Service) forward(ctx context.Context, src *streaming.ChunkStream, sessionID, responseID string, started time.Time, log *logger.Logger) *teeStream {
	tee := &teeStream{ch: make(chan streaming.Chunk)}

	go func() {
		defer close(tee.ch)
		defer func() {
			if s.metrics != nil {
				s.metrics.ActiveStreams.Dec()
				s.metrics.StreamDuration.Observe(time.Since(started).Seconds())
			}
		}()

		var reply strings.Builder
		for chunk := range src.Chunks() {
			if !chunk.IsFinal {
				reply.WriteString(chunk.Content)
			}
			select {
			case tee.ch <- chunk:
			case <-ctx.Done():
				// The pipeline watches the same ctx and unwinds on its own.
				tee.err = ctx.Err()
				return
			}
		}

		if err := src.Err(); err != nil {
			tee.err = err
			if s.metrics != nil {
				s.metrics.StreamsErrored.Inc()
			}
			log.Error("reply stream failed", slog.String("error", err.Error()))
			return
		}

		if s.metrics != nil {
			s.metrics.StreamsCompleted.Inc()
		}
		s.persistReply(sessionID, responseID, reply.String(), started, log)
	}()

	return tee
}

// persistReply stores the assistant message and queues the usage record.
// It runs detached from the request context so a client disconnect at the
// very end of a response cannot lose the transcript write.
func (s *Service) persistReply(sessionID, responseID, content string, started time.Time, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.AppendMessage(ctx, sessionID, NewMessage(RoleAssistant, content)); err != nil {
		log.Error("failed to store assistant message",
			slog.Int("content_length", len(content)),
			slog.String("error", err.Error()))
	} else {
		log.Info("reply stored",
			slog.Int("content_length", len(content)),
			slog.Duration("duration", time.Since(started)))
	}

	if s.usage == nil {
		return
	}
	tokens := s.client.TokenUsage()
	if tokens == nil {
		return
	}
	if err := s.usage.RecordAsync(usage.Record{
		SessionID:        sessionID,
		ResponseID:       responseID,
		Model:            s.client.ModelName(),
		PromptTokens:     tokens.PromptTokens,
		CompletionTokens: tokens.CompletionTokens,
		TotalTokens:      tokens.TotalTokens,
		Duration:         time.Since(started),
	}); err != nil {
		log.Warn("usage record not queued", slog.String("error", err.Error()))
	}
}
