package models

import (
	"fmt"
	"time"
)

// ErrorKind classifies a remote or batch-level failure.
type ErrorKind string

const (
	ErrNetwork            ErrorKind = "network"
	ErrRateLimited        ErrorKind = "rate_limited"
	ErrAuthentication     ErrorKind = "authentication"
	ErrContentPolicy      ErrorKind = "content_policy"
	ErrMalformed          ErrorKind = "malformed"
	ErrStorageUnavailable ErrorKind = "storage_unavailable"
	ErrCancelled          ErrorKind = "cancelled"
)

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k ErrorKind) Retryable() bool {
	return k == ErrNetwork || k == ErrRateLimited
}

// APIError is a classified failure from the image API.
type APIError struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	StatusCode int           `json:"status_code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the dispatcher should try the call again.
func (e *APIError) Retryable() bool { return e.Kind.Retryable() }
