package v1

import "fmt"

// Error kinds, as they appear in the "error" field of error bodies.
const (
	ErrorKindNotFound         = "not_found"
	ErrorKindInvalidInput     = "invalid_input"
	ErrorKindConflict         = "conflict"
	ErrorKindUnauthorized     = "unauthorized"
	ErrorKindForbidden        = "forbidden"
	ErrorKindNotReady         = "not_ready"
	ErrorKindInternal         = "internal"
	ErrorKindInvalidSignature = "invalid_signature"
	ErrorKindRateLimited      = "rate_limited"
)

// Error is the wire shape of every error response.
type Error struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func NewError(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func NewErrorf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
