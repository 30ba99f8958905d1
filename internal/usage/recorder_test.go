package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/veritaslegal/chatstream/internal/logger"
)

type captureSink struct {
	mu  sync.Mutex
	got []Record
}

func (s *captureSink) InsertUsage(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, rec)
	return nil
}

func (s *captureSink) records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.got...)
}

// blockingSink parks every insert until release is closed. started is
// signalled on entry so tests know a worker is busy.
type blockingSink struct {
	started chan struct{}
	release chan struct{}
	capture captureSink
}

func (s *blockingSink) InsertUsage(ctx context.Context, rec Record) error {
	s.started <- struct{}{}
	<-s.release
	return s.capture.InsertUsage(ctx, rec)
}

func TestRecorderDeliversRecords(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(Config{BufferSize: 16, Workers: 2}, sink, logger.Discard(), nil)

	for i := 0; i < 3; i++ {
		if err := r.RecordAsync(Record{SessionID: "s1", ResponseID: "r1", Model: "echo-1", TotalTokens: i}); err != nil {
			t.Fatalf("RecordAsync: %v", err)
		}
	}
	r.Shutdown()

	if got := sink.records(); len(got) != 3 {
		t.Errorf("sink received %d records, want 3", len(got))
	}
	if r.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", r.Dropped())
	}
}

func TestRecorderDrainsQueueOnShutdown(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(Config{BufferSize: 16, Workers: 1}, sink, logger.Discard(), nil)

	for i := 0; i < 8; i++ {
		if err := r.RecordAsync(Record{ResponseID: "r1"}); err != nil {
			t.Fatalf("RecordAsync: %v", err)
		}
	}
	r.Shutdown()

	if got := sink.records(); len(got) != 8 {
		t.Errorf("sink received %d records, want all 8 after drain", len(got))
	}
}

func TestRecorderDropsWhenQueueIsFull(t *testing.T) {
	sink := &blockingSink{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	r := NewRecorder(Config{BufferSize: 1, Workers: 1}, sink, logger.Discard(), nil)

	if err := r.RecordAsync(Record{ResponseID: "first"}); err != nil {
		t.Fatalf("first RecordAsync: %v", err)
	}
	// Wait until the worker is parked inside the sink so the queue slot is
	// free again.
	select {
	case <-sink.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the first record")
	}

	if err := r.RecordAsync(Record{ResponseID: "second"}); err != nil {
		t.Fatalf("second RecordAsync: %v", err)
	}
	if err := r.RecordAsync(Record{ResponseID: "third"}); err == nil {
		t.Error("expected an error once the queue was full")
	}
	if r.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", r.Dropped())
	}

	close(sink.release)
	r.Shutdown()

	if got := sink.capture.records(); len(got) != 2 {
		t.Errorf("sink received %d records, want 2", len(got))
	}
}

func TestRecorderRejectsAfterShutdown(t *testing.T) {
	r := NewRecorder(Config{BufferSize: 4, Workers: 1}, NopSink{}, logger.Discard(), nil)
	r.Shutdown()

	if err := r.RecordAsync(Record{ResponseID: "late"}); err == nil {
		t.Error("expected an error after shutdown")
	}
}
