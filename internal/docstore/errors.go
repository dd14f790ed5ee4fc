package docstore

import (
	"fmt"

	"github.com/njoerd114/rowsync/internal/model"
)

// Error describes a failed document store request. It unwraps to
// [model.ErrRemoteRejected] or [model.ErrRemoteWriteFailed], so callers can
// classify it with errors.Is and inspect it with errors.As.
type Error struct {
	Method     string
	Path       string
	StatusCode int // 0 when no response was received
	Attempts   int
	Message    string

	// Rejected is true for non-retryable refusals (4xx other than 429).
	Rejected bool

	cause error
}

func (e *Error) Error() string {
	status := "no response"
	if e.StatusCode != 0 {
		status = fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	verdict := "rejected"
	if !e.Rejected {
		verdict = fmt.Sprintf("failed after %d attempt(s)", e.Attempts)
	}
	return fmt.Sprintf("%s %s %s (%s): %s", e.Method, e.Path, verdict, status, e.Message)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	sentinel := model.ErrRemoteWriteFailed
	if e.Rejected {
		sentinel = model.ErrRemoteRejected
	}
	if e.cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.cause}
}

// statusError is the per-attempt failure for an unsuccessful HTTP status.
type statusError struct {
	code       int
	message    string
	retryAfter int // seconds, from a 429 Retry-After header
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.message)
}
