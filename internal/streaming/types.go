package streaming

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Default pipeline tunables. Zero values in Config fall back to these.
const (
	DefaultBufferSize        = 1024
	DefaultFlushInterval     = 100 * time.Millisecond
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultBatchSize         = 5
	DefaultBatchTimeout      = 500 * time.Millisecond
)

// Config carries the tunables of the token stream pipeline.
type Config struct {
	// BufferSize is the number of buffered content bytes that triggers an
	// internal flush of the handler's accumulation buffer.
	BufferSize int
	// FlushInterval is advisory; flushing is size-driven. The value is
	// carried so operators tune both knobs in one place.
	FlushInterval time.Duration
	// KeepaliveInterval is both the wake-up period of the keepalive task
	// and the idle time after which a keepalive is emitted.
	KeepaliveInterval time.Duration
	// MaxRetries caps the number of stream attempts made by the retry
	// wrapper, first attempt included.
	MaxRetries int
	// BatchSize is the number of fragments that fills a batch.
	BatchSize int
	// BatchTimeout flushes a partial batch that has waited too long.
	BatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	return c
}

// Chunk is one unit of streamed response content. A final chunk carries no
// content and marks the end of a response.
type Chunk struct {
	ResponseID string         `json:"response_id"`
	ChunkID    string         `json:"chunk_id"`
	Content    string         `json:"content"`
	IsFinal    bool           `json:"is_final"`
	SessionID  string         `json:"session_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewChunk builds a content chunk with a fresh chunk ID.
func NewChunk(responseID, sessionID, content string, metadata map[string]any) Chunk {
	return Chunk{
		ResponseID: responseID,
		ChunkID:    uuid.New().String(),
		Content:    content,
		SessionID:  sessionID,
		Timestamp:  time.Now().UTC(),
		Metadata:   metadata,
	}
}

// NewFinalChunk builds the terminal chunk of a response.
func NewFinalChunk(responseID, sessionID string, metadata map[string]any) Chunk {
	chunk := NewChunk(responseID, sessionID, "", metadata)
	chunk.IsFinal = true
	return chunk
}

// FragmentStream is a single-use source of response text fragments. Next
// returns io.EOF once the source is exhausted; any other error means the
// stream is broken and must not be pulled again. Implementations release
// their underlying resources when Next returns an error and when Close is
// called early.
type FragmentStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// StreamFactory produces a fresh FragmentStream. The retry wrapper calls it
// once per attempt; a stream that has already failed is never reused.
type StreamFactory func(ctx context.Context) (FragmentStream, error)

// ChunkStream delivers the chunks of one response. Consumers drain Chunks
// and then inspect Err, following the bufio.Scanner contract:
//
//	for chunk := range cs.Chunks() {
//		...
//	}
//	if err := cs.Err(); err != nil {
//		...
//	}
type ChunkStream struct {
	ch  chan Chunk
	err error
}

func newChunkStream() *ChunkStream {
	return &ChunkStream{ch: make(chan Chunk)}
}

// Chunks returns the channel response chunks arrive on. The channel is
// unbuffered, so the producer blocks until the consumer keeps up, and is
// closed once the stream ends.
func (s *ChunkStream) Chunks() <-chan Chunk {
	return s.ch
}

// Err reports the error that terminated the stream, or nil after a clean
// completion. Only valid once Chunks is closed.
func (s *ChunkStream) Err() error {
	return s.err
}

// send delivers chunk unless ctx is cancelled first.
func (s *ChunkStream) send(ctx context.Context, chunk Chunk) bool {
	select {
	case s.ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
