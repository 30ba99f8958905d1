// Package background runs the scheduled maintenance jobs that keep the
// session store bounded.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/veritaslegal/chatstream/internal/chat"
	"github.com/veritaslegal/chatstream/internal/logger"
)

const pruneTimeout = time.Minute

// RetentionConfig controls when pruning runs and how long sessions are kept.
type RetentionConfig struct {
	// Schedule is a cron expression, e.g. "0 * * * *" or "@hourly".
	Schedule string
	// SessionTTL is how long an idle session survives before pruning.
	SessionTTL time.Duration
}

// RetentionService prunes sessions whose last activity is older than the TTL.
type RetentionService struct {
	store    chat.Store
	cron     *cron.Cron
	schedule string
	ttl      time.Duration
	logger   *logger.Logger
}

// NewRetentionService creates a retention service. Call Start to begin the
// schedule and Stop during shutdown.
func NewRetentionService(cfg RetentionConfig, store chat.Store, log *logger.Logger) *RetentionService {
	return &RetentionService{
		store:    store,
		cron:     cron.New(),
		schedule: cfg.Schedule,
		ttl:      cfg.SessionTTL,
		logger:   log.WithComponent("retention"),
	}
}

// Start registers the prune job and starts the scheduler.
func (s *RetentionService) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.prune); err != nil {
		return fmt.Errorf("registering retention job: %w", err)
	}
	s.cron.Start()

	s.logger.Info("retention schedule started",
		slog.String("schedule", s.schedule),
		slog.Duration("session_ttl", s.ttl))
	return nil
}

// Stop stops the scheduler and waits for a running prune to finish.
func (s *RetentionService) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("retention schedule stopped")
}

func (s *RetentionService) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.ttl)
	removed, err := s.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		s.logger.LogError(ctx, err, "session pruning failed")
		return
	}

	if removed > 0 {
		s.logger.Info("pruned idle sessions",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff))
	}
}
