// Package usage records per-response token consumption asynchronously so
// the streaming path never waits on the database.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veritaslegal/chatstream/internal/logger"
	"github.com/veritaslegal/chatstream/internal/metrics"
)

// Recorder tunables. Zero values in Config fall back to these.
const (
	DefaultBufferSize    = 256
	DefaultWorkers       = 2
	DefaultInsertTimeout = 5 * time.Second
)

// Record is one usage row: the token counts and wall-clock duration of a
// single completed response.
type Record struct {
	SessionID        string
	ResponseID       string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Duration         time.Duration
}

// Sink persists usage records.
type Sink interface {
	InsertUsage(ctx context.Context, rec Record) error
}

// NopSink discards records. Used when no database is configured.
type NopSink struct{}

func (NopSink) InsertUsage(ctx context.Context, rec Record) error { return nil }

// Config tunes a Recorder.
type Config struct {
	BufferSize int
	Workers    int
	// Timeout bounds each sink insert.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultInsertTimeout
	}
	return c
}

// Recorder queues usage records onto a fixed worker pool. RecordAsync never
// blocks; when the queue is full the record is dropped and counted.
type Recorder struct {
	sink     Sink
	records  chan Record
	workers  sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
	timeout  time.Duration
	dropped  atomic.Int64

	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewRecorder starts the worker pool. Nil metrics disables instrumentation.
func NewRecorder(cfg Config, sink Sink, log *logger.Logger, m *metrics.Metrics) *Recorder {
	cfg = cfg.withDefaults()
	r := &Recorder{
		sink:     sink,
		records:  make(chan Record, cfg.BufferSize),
		shutdown: make(chan struct{}),
		timeout:  cfg.Timeout,
		logger:   log.WithComponent("usage_recorder"),
		metrics:  m,
	}

	for i := 0; i < cfg.Workers; i++ {
		r.workers.Add(1)
		go r.worker()
	}

	return r
}

func (r *Recorder) worker() {
	defer r.workers.Done()

	for {
		select {
		case rec := <-r.records:
			r.insert(rec)
		case <-r.shutdown:
			// Drain what is already queued before exiting.
			for {
				select {
				case rec := <-r.records:
					r.insert(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) insert(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.sink.InsertUsage(ctx, rec); err != nil {
		r.logger.Error("failed to insert usage record",
			slog.String("session_id", rec.SessionID),
			slog.String("response_id", rec.ResponseID),
			slog.String("error", err.Error()))
	}
}

// RecordAsync queues rec without blocking. The record is dropped, counted
// and reported by error when the recorder is shutting down or the queue is
// full.
func (r *Recorder) RecordAsync(rec Record) error {
	if r.closed.Load() {
		return errors.New("usage recorder is shutting down")
	}

	select {
	case r.records <- rec:
		return nil
	default:
		dropped := r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.UsageRecordsDropped.Inc()
		}
		r.logger.Warn("usage queue full, dropping record",
			slog.String("session_id", rec.SessionID),
			slog.String("response_id", rec.ResponseID),
			slog.Int64("total_dropped", dropped))
		return errors.New("usage queue is full")
	}
}

// Dropped reports how many records have been discarded since start.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Shutdown stops intake, drains the queue and waits for the workers.
func (r *Recorder) Shutdown() {
	r.closed.Store(true)
	close(r.shutdown)
	r.workers.Wait()
}
