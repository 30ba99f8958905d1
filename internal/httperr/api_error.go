// Package httperr carries the JSON error shape of the HTTP API and the gin
// helpers that send it.
package httperr

// APIError is the standardized error response body.
type APIError struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewAPIError builds an APIError with the given message and optional details.
func NewAPIError(message string, details map[string]interface{}) *APIError {
	return &APIError{
		Error:   message,
		Details: details,
	}
}
