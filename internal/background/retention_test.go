package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veritaslegal/chatstream/internal/chat"
	"github.com/veritaslegal/chatstream/internal/logger"
)

type fakeStore struct {
	chat.Store

	mu      sync.Mutex
	cutoffs []time.Time
	removed int64
	err     error
}

func (f *fakeStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.removed, f.err
}

func (f *fakeStore) calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.cutoffs...)
}

func TestPruneUsesConfiguredTTL(t *testing.T) {
	store := &fakeStore{removed: 3}
	svc := NewRetentionService(RetentionConfig{
		Schedule:   "@hourly",
		SessionTTL: 24 * time.Hour,
	}, store, logger.Discard())

	before := time.Now().UTC().Add(-24 * time.Hour)
	svc.prune()
	after := time.Now().UTC().Add(-24 * time.Hour)

	calls := store.calls()
	if len(calls) != 1 {
		t.Fatalf("DeleteSessionsBefore called %d times, want 1", len(calls))
	}
	if cutoff := calls[0]; cutoff.Before(before) || cutoff.After(after) {
		t.Errorf("cutoff = %v, want within [%v, %v]", cutoff, before, after)
	}
}

func TestPruneSurvivesStoreErrors(t *testing.T) {
	store := &fakeStore{err: errors.New("connection lost")}
	svc := NewRetentionService(RetentionConfig{
		Schedule:   "@hourly",
		SessionTTL: time.Hour,
	}, store, logger.Discard())

	// Must not panic; the next scheduled run will retry.
	svc.prune()
	svc.prune()

	if got := len(store.calls()); got != 2 {
		t.Errorf("DeleteSessionsBefore called %d times, want 2", got)
	}
}

func TestRetentionLifecycle(t *testing.T) {
	svc := NewRetentionService(RetentionConfig{
		Schedule:   "@every 1h",
		SessionTTL: time.Hour,
	}, &fakeStore{}, logger.Discard())

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestRetentionRejectsBadSchedule(t *testing.T) {
	svc := NewRetentionService(RetentionConfig{
		Schedule:   "every now and then",
		SessionTTL: time.Hour,
	}, &fakeStore{}, logger.Discard())

	if err := svc.Start(); err == nil {
		svc.Stop()
		t.Fatal("Start accepted an invalid schedule")
	}
}
