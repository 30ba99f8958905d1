package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veritaslegal/chatstream/internal/chat"
	"github.com/veritaslegal/chatstream/internal/usage"
)

// Store implements the session store and the usage sink on PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ chat.Store = (*Store)(nil)
	_ usage.Sink = (*Store)(nil)
)

// NewStore wraps an open connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSession implements chat.Store.
func (s *Store) CreateSession(ctx context.Context, session chat.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.Title, string(session.Mode), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession implements chat.Store. The transcript is loaded in insertion
// order.
func (s *Store) GetSession(ctx context.Context, id string) (chat.Session, error) {
	var (
		session chat.Session
		mode    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, mode, created_at, updated_at
		FROM sessions WHERE id = $1`, id).
		Scan(&session.ID, &session.Title, &mode, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("loading session: %w", err)
	}
	session.Mode = chat.Mode(mode)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at
		FROM messages WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return chat.Session{}, fmt.Errorf("loading transcript: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg  chat.Message
			role string
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.Timestamp); err != nil {
			return chat.Session{}, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = chat.Role(role)
		session.Messages = append(session.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return chat.Session{}, fmt.Errorf("reading transcript: %w", err)
	}
	return session, nil
}

// ListSessions implements chat.Store.
func (s *Store) ListSessions(ctx context.Context) ([]chat.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, mode, created_at, updated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]chat.Session, 0)
	for rows.Next() {
		var (
			session chat.Session
			mode    string
		)
		if err := rows.Scan(&session.ID, &session.Title, &mode, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		session.Mode = chat.Mode(mode)
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession implements chat.Store. Messages go with the session via the
// foreign key cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if affected == 0 {
		return chat.ErrSessionNotFound
	}
	return nil
}

// AppendMessage implements chat.Store. The message insert and the session
// UpdatedAt bump commit together.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET updated_at = $2 WHERE id = $1`,
		sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if affected == 0 {
		return chat.ErrSessionNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, msg.Timestamp); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	return nil
}

// DeleteSessionsBefore implements chat.Store.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	return removed, nil
}

// Ping implements chat.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertUsage implements usage.Sink.
func (s *Store) InsertUsage(ctx context.Context, rec usage.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_log (session_id, response_id, model, prompt_tokens, completion_tokens, total_tokens, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.SessionID, rec.ResponseID, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}
