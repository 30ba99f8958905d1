// Package chat owns the conversation domain: sessions, transcripts, the
// reply orchestration service and its HTTP handlers.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Mode selects the response style of the assistant.
type Mode string

const (
	ModeRegular      Mode = "regular"
	ModeDeepResearch Mode = "deep_research"
)

// ValidMode reports whether m names a known chat mode.
func ValidMode(m Mode) bool {
	return m == ModeRegular || m == ModeDeepResearch
}

// Message is one entry in a session transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a message with a fresh ID and a UTC timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Session is one conversation and its transcript. Listing endpoints return
// sessions without messages; GetSession loads the full transcript.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// NewSession builds an empty session. An empty mode defaults to regular.
func NewSession(title string, mode Mode) Session {
	if mode == "" {
		mode = ModeRegular
	}
	now := time.Now().UTC()
	return Session{
		ID:        uuid.New().String(),
		Title:     title,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ContextMessages returns the most recent non-system messages, newest last,
// capped at limit. Zero or negative limit returns all of them.
func (s *Session) ContextMessages(limit int) []Message {
	var context []Message
	for _, msg := range s.Messages {
		if msg.Role != RoleSystem {
			context = append(context, msg)
		}
	}
	if limit > 0 && len(context) > limit {
		context = context[len(context)-limit:]
	}
	return context
}
