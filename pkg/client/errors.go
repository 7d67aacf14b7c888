package client

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Every failure returned by the fetch
// methods matches exactly one of them with errors.Is.
var (
	// ErrTransport covers network failures and non-success responses.
	ErrTransport = errors.New("transport error")

	// ErrDecode covers response bodies that are not in the expected shape.
	ErrDecode = errors.New("decode error")
)

// Errors produced by the retry loop.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and local cooldown blocks.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// APIError is a transport-kind failure with the upstream context attached.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	URL        string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d) for %s: %s: %v",
			e.ErrorClass, e.StatusCode, e.URL, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d) for %s: %s",
		e.ErrorClass, e.StatusCode, e.URL, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is makes every APIError match ErrTransport.
func (e *APIError) Is(target error) bool {
	return target == ErrTransport
}

// IsNotFound reports whether err is an upstream 404. The character API
// answers a search without matches with 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// decodeError wraps a decode failure for url.
func decodeError(url string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrDecode, url, fmt.Sprintf(format, args...))
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	case ErrorClassClient:
		// 4xx will not change on retry
		return false
	case ErrorClassRateLimit:
		// the cooldown in pkg/ratelimit decides when to try again
		return false
	default:
		return false
	}
}
