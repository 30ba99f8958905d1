package sse

import (
	"github.com/veritaslegal/chatstream/internal/streaming"
)

// FormatToken builds a token event carrying one piece of response content.
// Metadata fields are merged into the payload next to content and timestamp.
func FormatToken(content, chunkID string, metadata map[string]any) Message {
	data := map[string]any{
		"type":      string(EventToken),
		"content":   content,
		"timestamp": timestamp(),
	}
	for k, v := range metadata {
		data[k] = v
	}
	return Message{Data: data, Type: EventToken, ID: chunkID}
}

// FormatError builds an error event. An empty code omits the code field.
func FormatError(message, code, errorID string) Message {
	data := map[string]any{
		"type":      string(EventError),
		"message":   message,
		"timestamp": timestamp(),
	}
	if code != "" {
		data["code"] = code
	}
	return Message{Data: data, Type: EventError, ID: errorID}
}

// FormatCompletion builds the done event that ends a successful response.
func FormatCompletion(message string, finalMetadata map[string]any, completionID string) Message {
	data := map[string]any{
		"type":      string(EventDone),
		"message":   message,
		"timestamp": timestamp(),
	}
	if len(finalMetadata) > 0 {
		data["metadata"] = finalMetadata
	}
	return Message{Data: data, Type: EventDone, ID: completionID}
}

// FormatKeepalive builds a keepalive event.
func FormatKeepalive(keepaliveID string) Message {
	data := map[string]any{
		"type":      string(EventKeepalive),
		"timestamp": timestamp(),
	}
	return Message{Data: data, Type: EventKeepalive, ID: keepaliveID}
}

// FormatStatus builds a status event such as streaming_started.
func FormatStatus(status string, details map[string]any, statusID string) Message {
	data := map[string]any{
		"type":      string(EventStatus),
		"status":    status,
		"timestamp": timestamp(),
	}
	if len(details) > 0 {
		data["details"] = details
	}
	return Message{Data: data, Type: EventStatus, ID: statusID}
}

// FormatMetadata builds a metadata event with the given fields merged into
// the payload. Used to report model and token usage alongside a response.
func FormatMetadata(fields map[string]any, metadataID string) Message {
	data := map[string]any{
		"type":      string(EventMetadata),
		"timestamp": timestamp(),
	}
	for k, v := range fields {
		data[k] = v
	}
	return Message{Data: data, Type: EventMetadata, ID: metadataID}
}

// FormatChunk maps a pipeline chunk to its wire event: done for the final
// chunk, token for everything else. Token payloads carry the chunk's
// correlation IDs plus any metadata attached upstream.
func FormatChunk(chunk streaming.Chunk) Message {
	if chunk.IsFinal {
		return FormatCompletion("Chat response completed", nil, chunk.ChunkID)
	}
	metadata := map[string]any{
		"session_id":  chunk.SessionID,
		"response_id": chunk.ResponseID,
	}
	for k, v := range chunk.Metadata {
		metadata[k] = v
	}
	return FormatToken(chunk.Content, chunk.ChunkID, metadata)
}
