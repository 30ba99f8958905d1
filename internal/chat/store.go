package chat

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound reports a session ID with no stored session behind it.
var ErrSessionNotFound = errors.New("session not found")

// Store persists chat sessions and their transcripts. Implementations
// return ErrSessionNotFound for lookups and writes against unknown IDs.
type Store interface {
	CreateSession(ctx context.Context, session Session) error
	// GetSession loads a session including its full transcript.
	GetSession(ctx context.Context, id string) (Session, error)
	// ListSessions returns all sessions without their messages, newest
	// first.
	ListSessions(ctx context.Context) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error
	// AppendMessage adds msg to the session transcript and bumps the
	// session's UpdatedAt.
	AppendMessage(ctx context.Context, sessionID string, msg Message) error
	// DeleteSessionsBefore removes sessions last updated before cutoff and
	// reports how many were removed.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
