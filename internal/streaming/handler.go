package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veritaslegal/chatstream/internal/logger"
	"github.com/veritaslegal/chatstream/internal/metrics"
)

// StreamHandler turns a fragment source into an ordered chunk stream. It
// filters empty fragments, tracks activity for the keepalive task and
// appends a final chunk once the source is exhausted.
//
// The handler holds configuration only; every Stream invocation owns its
// buffer and keepalive task, so one handler serves concurrent responses.
type StreamHandler struct {
	bufferSize        int
	flushInterval     time.Duration
	keepaliveInterval time.Duration
	maxRetries        int

	logger  *logger.Logger
	metrics *metrics.Metrics

	// backoffUnit scales the exponential retry delay. Tests shrink it.
	backoffUnit time.Duration
	// onKeepalive observes keepalive emissions when set. Tests hook it.
	onKeepalive func(responseID, sessionID string)
}

// NewStreamHandler builds a handler from cfg. m may be nil to disable
// metrics.
func NewStreamHandler(cfg Config, log *logger.Logger, m *metrics.Metrics) *StreamHandler {
	cfg = cfg.withDefaults()
	return &StreamHandler{
		bufferSize:        cfg.BufferSize,
		flushInterval:     cfg.FlushInterval,
		keepaliveInterval: cfg.KeepaliveInterval,
		maxRetries:        cfg.MaxRetries,
		logger:            log.WithComponent("stream_handler"),
		metrics:           m,
		backoffUnit:       time.Second,
	}
}

// Stream consumes src and delivers its fragments as chunks tagged with the
// given response and session IDs. Ownership of src passes to the handler;
// the source is closed on every exit path. Metadata is attached to every
// chunk as-is.
func (h *StreamHandler) Stream(ctx context.Context, src FragmentStream, responseID, sessionID string, metadata map[string]any) *ChunkStream {
	out := newChunkStream()
	go func() {
		defer close(out.ch)
		out.err = h.run(ctx, src, responseID, sessionID, metadata, out)
	}()
	return out
}

func (h *StreamHandler) run(ctx context.Context, src FragmentStream, responseID, sessionID string, metadata map[string]any, out *ChunkStream) error {
	log := h.logger.WithFields(map[string]interface{}{
		"response_id": responseID,
		"session_id":  sessionID,
	})

	state := newStreamState()
	task := h.startKeepalive(ctx, state, responseID, sessionID)
	defer func() {
		task.Stop()
		state.clearBuffer()
		state.setActive(false)
		if err := src.Close(); err != nil {
			log.Debug("closing fragment source", slog.Any("error", err))
		}
	}()

	log.Info("starting stream")

	chunkCount := 0
	for {
		fragment, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The keepalive task must be fully stopped before the failure
			// becomes observable to the consumer.
			task.Stop()
			log.Error("streaming failed", slog.Any("error", err))
			return NewStreamingError("failed to stream response", err)
		}
		if fragment == "" {
			continue
		}

		state.touch()
		chunkCount++
		chunk := NewChunk(responseID, sessionID, fragment, metadata)
		if !out.send(ctx, chunk) {
			task.Stop()
			return NewStreamingError("stream consumer went away", ctx.Err())
		}
		if h.metrics != nil {
			h.metrics.ChunksEmitted.Inc()
		}

		state.buffer(fragment)
		if state.bufferedBytes() >= h.bufferSize {
			log.Debug("flushing stream buffer", slog.Int("buffered_bytes", state.bufferedBytes()))
			state.clearBuffer()
		}
	}

	final := NewFinalChunk(responseID, sessionID, metadata)
	if !out.send(ctx, final) {
		task.Stop()
		return NewStreamingError("stream consumer went away", ctx.Err())
	}
	if h.metrics != nil {
		h.metrics.ChunksEmitted.Inc()
	}

	log.Info("stream completed", slog.Int("chunks", chunkCount))
	return nil
}

func (h *StreamHandler) emitKeepalive(responseID, sessionID string) {
	h.logger.Debug("keepalive",
		slog.String("response_id", responseID),
		slog.String("session_id", sessionID))
	if h.metrics != nil {
		h.metrics.KeepalivesSent.Inc()
	}
	if h.onKeepalive != nil {
		h.onKeepalive(responseID, sessionID)
	}
}

// startKeepalive launches the keepalive goroutine for one stream. The task
// wakes every keepaliveInterval and emits a keepalive signal whenever the
// stream has been idle for at least one full interval.
func (h *StreamHandler) startKeepalive(ctx context.Context, state *streamState, responseID, sessionID string) *keepaliveTask {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &keepaliveTask{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(task.done)
		ticker := time.NewTicker(h.keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				if !state.isActive() {
					return
				}
				if state.sinceActivity() >= h.keepaliveInterval {
					h.emitKeepalive(responseID, sessionID)
				}
			}
		}
	}()

	return task
}

// keepaliveTask is the handle of a stream's keepalive goroutine. Stop
// cancels the task and waits for it to exit; calling it repeatedly is safe.
type keepaliveTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (t *keepaliveTask) Stop() {
	t.once.Do(func() {
		t.cancel()
		<-t.done
	})
}

// streamState is the per-invocation mutable state of a stream. The buffer
// belongs to the pump goroutine alone; the activity fields are shared with
// the keepalive task and therefore atomic.
type streamState struct {
	buf    []string
	bufLen int

	active       atomic.Bool
	lastActivity atomic.Int64 // unix nanos
}

func newStreamState() *streamState {
	s := &streamState{}
	s.active.Store(true)
	s.touch()
	return s
}

func (s *streamState) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *streamState) sinceActivity() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *streamState) isActive() bool {
	return s.active.Load()
}

func (s *streamState) setActive(v bool) {
	s.active.Store(v)
}

func (s *streamState) buffer(fragment string) {
	s.buf = append(s.buf, fragment)
	s.bufLen += len(fragment)
}

func (s *streamState) bufferedBytes() int {
	return s.bufLen
}

func (s *streamState) clearBuffer() {
	s.buf = s.buf[:0]
	s.bufLen = 0
}
