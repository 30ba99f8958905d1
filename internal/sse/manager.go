package sse

import (
	"context"
	"log/slog"
	"time"

	"github.com/veritaslegal/chatstream/internal/logger"
	"github.com/veritaslegal/chatstream/internal/metrics"
	"github.com/veritaslegal/chatstream/internal/streaming"
)

// Manager tunables. Zero values in Config fall back to these.
const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultRetryInterval     = 3000
	DefaultMaxMessageSize    = 65536
)

// Error codes carried by error event payloads.
const (
	CodeMessageTooLarge = "MESSAGE_TOO_LARGE"
	CodeStreamingError  = "STREAMING_ERROR"
)

// Config tunes a StreamManager.
type Config struct {
	// KeepaliveInterval is the idle time after which StreamWithKeepalive
	// injects a keepalive event.
	KeepaliveInterval time.Duration
	// RetryInterval is the client reconnect hint in milliseconds, sent on
	// the first event of every response.
	RetryInterval int
	// MaxMessageSize caps the framed byte length of a single event.
	MaxMessageSize int
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}

// ChunkSource is the upstream side of the manager: a chunk channel drained
// to exhaustion, then an error check, as produced by the streaming package.
type ChunkSource interface {
	Chunks() <-chan streaming.Chunk
	Err() error
}

// StreamOptions carries the per-response inputs of StreamChatResponse.
type StreamOptions struct {
	SessionID  string
	ResponseID string
	// FinalMetadata, when set, is consulted once as the final chunk
	// arrives. A non-empty result is emitted as a metadata event right
	// before the done event.
	FinalMetadata func() map[string]any
}

// StreamManager turns one response's chunk sequence into framed SSE events.
// A manager holds configuration only and may serve any number of concurrent
// responses.
type StreamManager struct {
	keepaliveInterval time.Duration
	retryInterval     int
	maxMessageSize    int

	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewStreamManager builds a manager. Nil metrics disables instrumentation.
func NewStreamManager(cfg Config, log *logger.Logger, m *metrics.Metrics) *StreamManager {
	cfg = cfg.withDefaults()
	return &StreamManager{
		keepaliveInterval: cfg.KeepaliveInterval,
		retryInterval:     cfg.RetryInterval,
		maxMessageSize:    cfg.MaxMessageSize,
		logger:            log.WithComponent("sse_manager"),
		metrics:           m,
	}
}

// StreamChatResponse frames chunks as SSE events and delivers them on the
// returned channel. The sequence opens with a streaming_started status event
// carrying the reconnect hint, then one token event per content chunk and a
// done event for the final chunk. An event whose framed size exceeds the
// configured limit is replaced by a MESSAGE_TOO_LARGE error event and the
// stream continues. A source error ends the stream with a single
// STREAMING_ERROR error event and nothing after it.
//
// The channel closes when the response is complete, the source fails, or
// ctx is cancelled.
func (m *StreamManager) StreamChatResponse(ctx context.Context, chunks ChunkSource, opts StreamOptions) <-chan string {
	out := make(chan string)

	go func() {
		defer close(out)

		log := m.logger.WithFields(map[string]interface{}{
			"session_id":  opts.SessionID,
			"response_id": opts.ResponseID,
		})
		log.Info("starting event stream")

		status := FormatStatus("streaming_started", map[string]any{
			"session_id":  opts.SessionID,
			"response_id": opts.ResponseID,
		}, "")
		status.Retry = m.retryInterval
		if !m.emit(ctx, out, status) {
			return
		}

		sent := 0
		for chunk := range chunks.Chunks() {
			if chunk.IsFinal && opts.FinalMetadata != nil {
				if fields := opts.FinalMetadata(); len(fields) > 0 {
					if !m.emit(ctx, out, FormatMetadata(fields, "")) {
						return
					}
				}
			}

			event := FormatChunk(chunk)
			framed := event.Format()
			if len(framed) > m.maxMessageSize {
				log.Warn("dropping oversized event",
					slog.Int("size", len(framed)),
					slog.Int("limit", m.maxMessageSize))
				if m.metrics != nil {
					m.metrics.OversizedEvents.Inc()
				}
				if !m.emit(ctx, out, FormatError("Message too large", CodeMessageTooLarge, "")) {
					return
				}
				continue
			}

			if !m.send(ctx, out, event.Type, framed) {
				return
			}
			sent++
		}

		if err := chunks.Err(); err != nil {
			log.Error("event stream failed",
				slog.String("error", err.Error()),
				slog.Int("events_sent", sent))
			// One terminal error event; the channel closes right after,
			// so nothing can follow it.
			m.emit(ctx, out, FormatError("Streaming failed: "+err.Error(), CodeStreamingError, ""))
			return
		}

		log.Info("event stream completed", slog.Int("events_sent", sent))
	}()

	return out
}

// StreamWithKeepalive forwards events and injects a keepalive event whenever
// the source has been idle for at least the keepalive interval. The returned
// channel closes when events closes or ctx is cancelled.
func (m *StreamManager) StreamWithKeepalive(ctx context.Context, events <-chan string, connectionID string) <-chan string {
	out := make(chan string)

	go func() {
		defer close(out)

		ticker := time.NewTicker(m.keepaliveInterval)
		defer ticker.Stop()
		lastSent := time.Now()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				select {
				case out <- event:
					lastSent = time.Now()
				case <-ctx.Done():
					return
				}
			case <-ticker.C:
				if time.Since(lastSent) < m.keepaliveInterval {
					continue
				}
				if !m.emit(ctx, out, FormatKeepalive(connectionID)) {
					return
				}
				lastSent = time.Now()
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// FormatConnectionEstablished frames the status event greeting a new SSE
// connection that is not yet tied to a response.
func (m *StreamManager) FormatConnectionEstablished(connectionID string) string {
	return FormatStatus("connection_established", map[string]any{
		"connection_id":  connectionID,
		"retry_interval": m.retryInterval,
	}, "").Format()
}

// emit frames the message and sends it, abandoning the send when ctx ends.
func (m *StreamManager) emit(ctx context.Context, out chan<- string, event Message) bool {
	return m.send(ctx, out, event.Type, event.Format())
}

func (m *StreamManager) send(ctx context.Context, out chan<- string, kind EventType, framed string) bool {
	select {
	case out <- framed:
		if m.metrics != nil {
			m.metrics.EventsEmitted.WithLabelValues(string(kind)).Inc()
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// ConnectionHeaders returns the response headers an SSE endpoint sets before
// writing the first event.
func ConnectionHeaders() map[string]string {
	return map[string]string{
		"Content-Type":                 "text/event-stream",
		"Cache-Control":                "no-cache",
		"Connection":                   "keep-alive",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Headers": "Cache-Control",
		"X-Accel-Buffering":            "no",
	}
}
