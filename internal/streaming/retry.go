package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritaslegal/chatstream/internal/logger"
	"github.com/veritaslegal/chatstream/internal/metrics"
)

// StreamWithRetry wraps Stream with up to MaxRetries attempts. Each attempt
// pulls a fresh source from factory. Chunks already delivered by a failed
// attempt are not revoked, so consumers may see duplicated content across
// attempts. Only connection-class failures are retried (see Classify); the
// delay before attempt n+1 grows as 2^n seconds.
func (h *StreamHandler) StreamWithRetry(ctx context.Context, factory StreamFactory, responseID, sessionID string, metadata map[string]any) *ChunkStream {
	policy := retryPolicy{
		stream:      h.Stream,
		maxRetries:  h.maxRetries,
		backoffUnit: h.backoffUnit,
		logger:      h.logger,
		metrics:     h.metrics,
	}
	return policy.run(ctx, factory, responseID, sessionID, metadata)
}

// retryPolicy is shared by the plain and batching handlers. stream is the
// single-attempt entry point of whichever handler owns the policy.
type retryPolicy struct {
	stream      func(ctx context.Context, src FragmentStream, responseID, sessionID string, metadata map[string]any) *ChunkStream
	maxRetries  int
	backoffUnit time.Duration
	logger      *logger.Logger
	metrics     *metrics.Metrics
}

func (p retryPolicy) run(ctx context.Context, factory StreamFactory, responseID, sessionID string, metadata map[string]any) *ChunkStream {
	out := newChunkStream()
	go func() {
		defer close(out.ch)
		out.err = p.attempts(ctx, factory, responseID, sessionID, metadata, out)
	}()
	return out
}

func (p retryPolicy) attempts(ctx context.Context, factory StreamFactory, responseID, sessionID string, metadata map[string]any, out *ChunkStream) error {
	log := p.logger.WithFields(map[string]interface{}{
		"response_id": responseID,
		"session_id":  sessionID,
	})

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 && p.metrics != nil {
			p.metrics.RetryAttempts.Inc()
		}

		err := p.attempt(ctx, factory, responseID, sessionID, metadata, out)
		if err == nil {
			return nil
		}
		if Classify(err) != Retryable {
			log.Error("stream attempt failed with non-retryable error",
				slog.Int("attempt", attempt+1),
				slog.Any("error", err))
			return ensureStreamingError(err)
		}

		lastErr = err
		log.Warn("stream attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", p.maxRetries),
			slog.Any("error", err))

		if attempt < p.maxRetries-1 {
			delay := p.backoffUnit << attempt
			log.Info("retrying stream", slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return NewStreamingError("retry wait interrupted", ctx.Err())
			}
		}
	}

	return NewStreamingError(fmt.Sprintf("all %d streaming attempts failed", p.maxRetries), lastErr)
}

// attempt makes one pass over a fresh source, forwarding every chunk to out.
func (p retryPolicy) attempt(ctx context.Context, factory StreamFactory, responseID, sessionID string, metadata map[string]any, out *ChunkStream) error {
	src, err := factory(ctx)
	if err != nil {
		return err
	}
	inner := p.stream(ctx, src, responseID, sessionID, metadata)
	for chunk := range inner.Chunks() {
		if !out.send(ctx, chunk) {
			// The inner stream watches the same ctx and shuts itself down.
			return NewStreamingError("stream consumer went away", ctx.Err())
		}
	}
	return inner.Err()
}

// ensureStreamingError wraps err unless a StreamingError already sits in
// its chain.
func ensureStreamingError(err error) error {
	var streamErr *StreamingError
	if errors.As(err, &streamErr) {
		return err
	}
	return NewStreamingError("streaming failed", err)
}
