package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/veritaslegal/chatstream/internal/logger"
	"github.com/veritaslegal/chatstream/internal/metrics"
)

// BatchingStreamHandler groups fragments into fixed-size batches before
// emitting them as chunks, trading latency for fewer, larger events. A
// partial batch is flushed once BatchTimeout elapses so slow sources still
// make progress.
type BatchingStreamHandler struct {
	batchSize    int
	batchTimeout time.Duration
	maxRetries   int

	logger  *logger.Logger
	metrics *metrics.Metrics

	backoffUnit time.Duration
}

// NewBatchingStreamHandler builds a batching handler from cfg. m may be nil
// to disable metrics.
func NewBatchingStreamHandler(cfg Config, log *logger.Logger, m *metrics.Metrics) *BatchingStreamHandler {
	cfg = cfg.withDefaults()
	return &BatchingStreamHandler{
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		maxRetries:   cfg.MaxRetries,
		logger:       log.WithComponent("batching_stream_handler"),
		metrics:      m,
		backoffUnit:  time.Second,
	}
}

// Stream consumes src like StreamHandler.Stream but emits one chunk per
// batch instead of one per fragment. Batch boundaries never split a
// fragment; content concatenates in arrival order.
func (h *BatchingStreamHandler) Stream(ctx context.Context, src FragmentStream, responseID, sessionID string, metadata map[string]any) *ChunkStream {
	out := newChunkStream()
	go func() {
		defer close(out.ch)
		out.err = h.run(ctx, src, responseID, sessionID, metadata, out)
	}()
	return out
}

// StreamWithRetry is the batching counterpart of
// StreamHandler.StreamWithRetry. Fragments held in an unflushed batch when
// an attempt fails are discarded with the attempt.
func (h *BatchingStreamHandler) StreamWithRetry(ctx context.Context, factory StreamFactory, responseID, sessionID string, metadata map[string]any) *ChunkStream {
	policy := retryPolicy{
		stream:      h.Stream,
		maxRetries:  h.maxRetries,
		backoffUnit: h.backoffUnit,
		logger:      h.logger,
		metrics:     h.metrics,
	}
	return policy.run(ctx, factory, responseID, sessionID, metadata)
}

type pulled struct {
	fragment string
	err      error
}

func (h *BatchingStreamHandler) run(ctx context.Context, src FragmentStream, responseID, sessionID string, metadata map[string]any, out *ChunkStream) error {
	log := h.logger.WithFields(map[string]interface{}{
		"response_id": responseID,
		"session_id":  sessionID,
	})

	defer func() {
		if err := src.Close(); err != nil {
			log.Debug("closing fragment source", slog.Any("error", err))
		}
	}()

	// Fragments are pulled on a side goroutine so the select below can race
	// the flush timer against the next fragment.
	pullCtx, cancelPull := context.WithCancel(ctx)
	defer cancelPull()
	pulls := make(chan pulled)
	go func() {
		defer close(pulls)
		for {
			fragment, err := src.Next(pullCtx)
			select {
			case pulls <- pulled{fragment: fragment, err: err}:
			case <-pullCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		batch  []string
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer stopTimer()

	batches := 0
	emitBatch := func() bool {
		stopTimer()
		if len(batch) == 0 {
			return true
		}
		content := strings.Join(batch, "")
		batch = batch[:0]
		batches++
		chunk := NewChunk(responseID, sessionID, content, metadata)
		if !out.send(ctx, chunk) {
			return false
		}
		if h.metrics != nil {
			h.metrics.ChunksEmitted.Inc()
		}
		return true
	}

	log.Info("starting batched stream")

	for {
		select {
		case p, ok := <-pulls:
			if !ok {
				// Only reachable when the pull goroutine saw pullCtx done.
				return NewStreamingError("stream consumer went away", ctx.Err())
			}
			if errors.Is(p.err, io.EOF) {
				if !emitBatch() {
					return NewStreamingError("stream consumer went away", ctx.Err())
				}
				final := NewFinalChunk(responseID, sessionID, metadata)
				if !out.send(ctx, final) {
					return NewStreamingError("stream consumer went away", ctx.Err())
				}
				if h.metrics != nil {
					h.metrics.ChunksEmitted.Inc()
				}
				log.Info("batched stream completed", slog.Int("batches", batches))
				return nil
			}
			if p.err != nil {
				log.Error("batched streaming failed", slog.Any("error", p.err))
				return NewStreamingError("failed to stream response", p.err)
			}
			if p.fragment == "" {
				continue
			}

			batch = append(batch, p.fragment)
			if len(batch) >= h.batchSize {
				if !emitBatch() {
					return NewStreamingError("stream consumer went away", ctx.Err())
				}
			} else if timer == nil {
				// The first fragment of a new partial batch arms the timer.
				timer = time.NewTimer(h.batchTimeout)
				timerC = timer.C
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if len(batch) > 0 {
				log.Debug("batch timeout reached, flushing partial batch", slog.Int("fragments", len(batch)))
				if !emitBatch() {
					return NewStreamingError("stream consumer went away", ctx.Err())
				}
			}

		case <-ctx.Done():
			return NewStreamingError("stream consumer went away", ctx.Err())
		}
	}
}
