package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorRetrieval    ErrorCode = "RETRIEVAL_ERROR"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorState        ErrorCode = "STATE_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is the tagged error returned by CoachService. Reason is a short
// snake_case tag for logs; Err carries the wrapped cause.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
