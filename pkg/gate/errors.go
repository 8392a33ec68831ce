package gate

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass classifies a failed API call for retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient covers network failures and 5xx responses.
	// The retry scheduler reschedules these with backoff.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassRateLimit covers server 429 responses. Handled by the
	// shared cooldown, never counted as an item failure by itself.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassPermanent covers non-429 4xx responses. Retrying cannot
	// help, so the item fails without further attempts.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrRateLimitRetriesExhausted is returned when a call keeps receiving
// 429 responses past the gate's retry budget.
var ErrRateLimitRetriesExhausted = errors.New("rate limit retries exhausted")

// APIError describes a failed call to the remote API.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("api %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("api %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classify categorizes a response/error pair.
func classify(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassTransient
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode >= 500:
		return ErrorClassTransient
	case resp.StatusCode >= 400:
		return ErrorClassPermanent
	default:
		return ""
	}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class == ErrorClassTransient || apiErr.Class == ErrorClassRateLimit
	}
	// Unclassified errors (network layer, exhausted 429 budget) are
	// worth another attempt.
	return true
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Class == ErrorClassPermanent
}
