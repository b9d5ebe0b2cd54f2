package deribit

import (
	"errors"
	"fmt"
	"time"
)

// ErrFetchExhausted is matched by every FetchExhaustedError.
var ErrFetchExhausted = errors.New("fetch retries exhausted")

// APIError is a non-2xx response or a JSON-RPC error envelope.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Body       []byte
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("deribit api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("deribit api error %d: %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the upstream asked us to slow down.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == 429 || e.Code == tooManyRequestsCode
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.RateLimited()
}

// TransientFetchError wraps a failure that is worth retrying: a network
// error, a timeout, a 5xx, a rate limit or a response of unexpected shape.
type TransientFetchError struct {
	Reason     string
	Err        error
	RetryAfter time.Duration
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error (%s): %v", e.Reason, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// Retry reasons.
const (
	ReasonRateLimited = "rate_limited"
	ReasonServerError = "server_error"
	ReasonNetwork     = "network"
	ReasonMalformed   = "malformed_response"
)

// FetchExhaustedError is returned once every attempt failed. The caller
// treats it as fatal for the current partition.
type FetchExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FetchExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *FetchExhaustedError) Unwrap() []error { return []error{ErrFetchExhausted, e.Err} }

func isTransient(err error) (*TransientFetchError, bool) {
	var te *TransientFetchError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
