package task

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError is returned before any task is launched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// RemoteSubmissionError covers non-2xx responses, network failures and
// predictions that finished in a failed state.
type RemoteSubmissionError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteSubmissionError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("remote submission failed (status %d): %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("remote submission failed (status %d)", e.StatusCode)
	case e.Message != "":
		return fmt.Sprintf("remote submission failed: %s", e.Message)
	case e.Err != nil:
		return fmt.Sprintf("remote submission failed: %v", e.Err)
	}
	return "remote submission failed"
}

func (e *RemoteSubmissionError) Unwrap() error { return e.Err }

// RateLimitedError is carried inside a RemoteSubmissionError when the remote
// service answers with too-many-requests.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("too many requests, retry after %s", e.RetryAfter)
	}
	return "too many requests, please retry later"
}

// NewRateLimitedError wraps a RateLimitedError in a RemoteSubmissionError so
// that both errors.As targets match.
func NewRateLimitedError(statusCode int, retryAfter time.Duration) error {
	rl := &RateLimitedError{RetryAfter: retryAfter}
	return &RemoteSubmissionError{StatusCode: statusCode, Message: rl.Error(), Err: rl}
}

func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// ErrNotLaunched marks tasks skipped because the batch context ended first.
var ErrNotLaunched = errors.New("task not launched")
