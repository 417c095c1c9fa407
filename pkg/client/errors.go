package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/bitrix24-client/pkg/ratelimit"
	"github.com/Sternrassler/bitrix24-client/pkg/transport"
)

// Common errors returned by the client.
var (
	// ErrInvalidConfiguration wraps every constructor validation failure.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidBaseURL is returned when BaseURL is not an http(s) URL with a host.
	ErrInvalidBaseURL = errors.New("invalid base URL")

	// ErrMissingAccessToken is returned when AccessToken is empty.
	ErrMissingAccessToken = errors.New("access token is required")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a call.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInvalidUsage is returned when the client is used in a way the
	// response cannot support, e.g. fetchAll on a non-list method.
	ErrInvalidUsage = errors.New("invalid usage")

	// ErrSessionNotOpen is returned by calls on a client without an open session.
	ErrSessionNotOpen = fmt.Errorf("%w: client session is not open", ErrInvalidUsage)

	// ErrSessionAlreadyOpen is returned by Open on an open session.
	ErrSessionAlreadyOpen = fmt.Errorf("%w: client session is already open", ErrInvalidUsage)
)

// CodeQueryLimitExceeded is the API error code Bitrix24 returns when the
// portal's request rate is exceeded.
const CodeQueryLimitExceeded = "QUERY_LIMIT_EXCEEDED"

// TransportError is a failure to obtain an HTTP response.
type TransportError = transport.Error

// HTTPError is a non-2xx response whose body carries no API error.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// APIError is an error reported by Bitrix24 in the response body.
type APIError struct {
	Code        string
	Description string
	StatusCode  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("Bitrix24 API error [%s]: %s", e.Code, e.Description)
}

// InvalidResponseError is a response body that is not a JSON object or
// whose shape the client cannot use.
type InvalidResponseError struct {
	Reason string
	Body   string
}

// Error implements the error interface.
func (e *InvalidResponseError) Error() string {
	if e.Body == "" {
		return "invalid response from Bitrix24: " + e.Reason
	}
	return fmt.Sprintf("invalid response from Bitrix24: %s: %s", e.Reason, truncate(e.Body, 256))
}

// RetryExhaustedError is returned after the last permitted attempt failed
// with a retryable error. Err is that last error.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrRetryExhausted, e.Attempts, e.Err)
}

// Unwrap exposes both ErrRetryExhausted and the last underlying error.
func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Err}
}

// ErrorClass represents a classification of call errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses and non-retryable API errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses other than 503.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 503 responses and QUERY_LIMIT_EXCEEDED.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassInvalidResponse represents unusable response bodies.
	ErrorClassInvalidResponse ErrorClass = "invalid_response"

	// ErrorClassBlocked represents calls refused locally by the operating-time tracker.
	ErrorClassBlocked ErrorClass = "blocked"

	// ErrorClassCancelled represents caller cancellation.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// classifyError categorizes an error for retry decisions and metrics.
func classifyError(err error) ErrorClass {
	var (
		apiErr  *APIError
		httpErr *HTTPError
		trErr   *TransportError
		invErr  *InvalidResponseError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrContextCancelled):
		return ErrorClassCancelled
	case errors.Is(err, ratelimit.ErrMethodBlocked):
		return ErrorClassBlocked
	case errors.As(err, &apiErr):
		if apiErr.Code == CodeQueryLimitExceeded || apiErr.StatusCode == http.StatusServiceUnavailable {
			return ErrorClassRateLimit
		}
		if apiErr.StatusCode >= 500 {
			return ErrorClassServer
		}
		return ErrorClassClient
	case errors.As(err, &httpErr):
		switch {
		case httpErr.StatusCode == http.StatusServiceUnavailable:
			return ErrorClassRateLimit
		case httpErr.StatusCode >= 500:
			return ErrorClassServer
		default:
			return ErrorClassClient
		}
	case errors.As(err, &trErr):
		if trErr.Kind == transport.KindCanceled {
			return ErrorClassCancelled
		}
		return ErrorClassNetwork
	case errors.As(err, &invErr):
		return ErrorClassInvalidResponse
	default:
		return ErrorClassClient
	}
}

// isRetryable reports whether another attempt of the same request may
// succeed: 503, QUERY_LIMIT_EXCEEDED, connection failures and per-attempt
// timeouts. DNS failures and other 5xx are not retried.
func isRetryable(err error) bool {
	if classifyError(err) == ErrorClassRateLimit {
		return true
	}
	var trErr *TransportError
	if errors.As(err, &trErr) {
		return trErr.Transient()
	}
	return false
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrContextCancelled, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
