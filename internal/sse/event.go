// Package sse frames chat response streams as server-sent events.
//
// The wire format follows the SSE specification: optional "event:", "id:"
// and "retry:" lines, one "data:" line per payload line, and exactly one
// blank line terminating the event. Structured payloads are encoded as
// compact JSON; string payloads pass through verbatim.
package sse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType identifies the kind of a server-sent event.
type EventType string

const (
	EventToken     EventType = "token"
	EventError     EventType = "error"
	EventDone      EventType = "done"
	EventKeepalive EventType = "keepalive"
	EventMetadata  EventType = "metadata"
	EventStatus    EventType = "status"
)

// Message is one server-sent event before framing. Data holds either a
// string (written verbatim) or a JSON-encodable value. ID and Retry are
// optional; zero values omit the corresponding line.
type Message struct {
	Data  any
	Type  EventType
	ID    string
	Retry int
}

// Format renders the message in SSE wire framing. The payload is split on
// newlines so every payload line gets its own "data:" line even though JSON
// payloads are single-line by construction.
func (m Message) Format() string {
	var b strings.Builder

	if m.Type != "" {
		b.WriteString("event: ")
		b.WriteString(string(m.Type))
		b.WriteByte('\n')
	}
	if m.ID != "" {
		b.WriteString("id: ")
		b.WriteString(m.ID)
		b.WriteByte('\n')
	}
	if m.Retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(m.Retry))
		b.WriteByte('\n')
	}

	for _, line := range strings.Split(m.payload(), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}

	// The trailing blank line completes the event.
	b.WriteByte('\n')
	return b.String()
}

func (m Message) payload() string {
	switch data := m.Data.(type) {
	case string:
		return data
	default:
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Sprintf(`{"value":%q}`, fmt.Sprint(data))
		}
		return string(encoded)
	}
}

// timestamp stamps event payloads. RFC 3339 with sub-second precision, UTC.
func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
