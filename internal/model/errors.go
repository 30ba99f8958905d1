package model

import (
	"errors"
	"fmt"
)

// ErrorKind buckets client failures for retry and HTTP mapping decisions.
type ErrorKind string

const (
	ErrKindConnection     ErrorKind = "connection"
	ErrKindRateLimit      ErrorKind = "rate_limit"
	ErrKindInvalidRequest ErrorKind = "invalid_request"
	ErrKindAuthentication ErrorKind = "authentication"
	ErrKindUnknown        ErrorKind = "unknown"
)

// ClientError is any failure raised by a model client.
type ClientError struct {
	Kind  ErrorKind
	msg   string
	cause error
}

// NewClientError builds a ClientError. An empty kind falls back to
// ErrKindUnknown.
func NewClientError(kind ErrorKind, msg string, cause error) *ClientError {
	if kind == "" {
		kind = ErrKindUnknown
	}
	return &ClientError{Kind: kind, msg: msg, cause: cause}
}

func (e *ClientError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.msg, e.Kind, e.cause)
	}
	return fmt.Sprintf("%s (%s)", e.msg, e.Kind)
}

func (e *ClientError) Unwrap() error {
	return e.cause
}

// Upstream marks client failures as connection-class for the streaming
// retry policy.
func (e *ClientError) Upstream() bool {
	return true
}

// KindOf extracts the ErrorKind from err, returning ErrKindUnknown when no
// ClientError sits in the chain.
func KindOf(err error) ErrorKind {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Kind
	}
	return ErrKindUnknown
}
