package streaming

import (
	"errors"
	"fmt"
)

// StreamingError wraps any failure raised inside the streaming pipeline.
// The original error stays reachable through Unwrap so callers can still
// classify it with errors.As.
type StreamingError struct {
	msg   string
	cause error
}

// NewStreamingError builds a StreamingError with the given cause. A nil
// cause is allowed for failures that originate in the pipeline itself.
func NewStreamingError(msg string, cause error) *StreamingError {
	return &StreamingError{msg: msg, cause: cause}
}

func (e *StreamingError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *StreamingError) Unwrap() error {
	return e.cause
}

// ConnectionError marks a transport-level failure of a fragment source.
// Sources return it when the connection to the upstream breaks mid-stream.
type ConnectionError struct {
	msg   string
	cause error
}

// NewConnectionError builds a ConnectionError with the given cause.
func NewConnectionError(msg string, cause error) *ConnectionError {
	return &ConnectionError{msg: msg, cause: cause}
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// UpstreamError is implemented by error types raised by the upstream
// completion client. The retry wrapper treats any such failure as
// connection-class without knowing the concrete client types.
type UpstreamError interface {
	error
	Upstream() bool
}

// Decision is the outcome of classifying a stream failure.
type Decision int

const (
	// Fatal failures abort the stream immediately.
	Fatal Decision = iota
	// Retryable failures may succeed on a fresh attempt.
	Retryable
)

// Classify decides whether a failed attempt is worth retrying. Connection
// errors and upstream client errors are retryable wherever they sit in the
// wrap chain; everything else, cancellation included, is fatal.
func Classify(err error) Decision {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return Retryable
	}
	var upstream UpstreamError
	if errors.As(err, &upstream) && upstream.Upstream() {
		return Retryable
	}
	return Fatal
}
