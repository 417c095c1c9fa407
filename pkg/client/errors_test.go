package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Sternrassler/bitrix24-client/pkg/ratelimit"
	"github.com/Sternrassler/bitrix24-client/pkg/transport"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		class     ErrorClass
		retryable bool
	}{
		{
			name:      "503 http error",
			err:       &HTTPError{StatusCode: http.StatusServiceUnavailable},
			class:     ErrorClassRateLimit,
			retryable: true,
		},
		{
			name:      "503 api error",
			err:       &APIError{Code: "SOMETHING", StatusCode: http.StatusServiceUnavailable},
			class:     ErrorClassRateLimit,
			retryable: true,
		},
		{
			name:      "query limit exceeded",
			err:       &APIError{Code: CodeQueryLimitExceeded, StatusCode: http.StatusOK},
			class:     ErrorClassRateLimit,
			retryable: true,
		},
		{
			name:      "expired token",
			err:       &APIError{Code: "expired_token", StatusCode: http.StatusUnauthorized},
			class:     ErrorClassClient,
			retryable: false,
		},
		{
			name:      "method not found",
			err:       &APIError{Code: "ERROR_METHOD_NOT_FOUND", StatusCode: http.StatusNotFound},
			class:     ErrorClassClient,
			retryable: false,
		},
		{
			name:      "500 is not retried",
			err:       &HTTPError{StatusCode: http.StatusInternalServerError},
			class:     ErrorClassServer,
			retryable: false,
		},
		{
			name:      "connection failure",
			err:       &transport.Error{Kind: transport.KindConnection},
			class:     ErrorClassNetwork,
			retryable: true,
		},
		{
			name:      "attempt timeout",
			err:       &transport.Error{Kind: transport.KindTimeout},
			class:     ErrorClassNetwork,
			retryable: true,
		},
		{
			name:      "dns failure",
			err:       &transport.Error{Kind: transport.KindDNS},
			class:     ErrorClassNetwork,
			retryable: false,
		},
		{
			name:      "caller cancellation",
			err:       &transport.Error{Kind: transport.KindCanceled, Err: context.Canceled},
			class:     ErrorClassCancelled,
			retryable: false,
		},
		{
			name:      "invalid response",
			err:       &InvalidResponseError{Reason: "not json"},
			class:     ErrorClassInvalidResponse,
			retryable: false,
		},
		{
			name:      "blocked method",
			err:       fmt.Errorf("%w: crm.lead.list", ratelimit.ErrMethodBlocked),
			class:     ErrorClassBlocked,
			retryable: false,
		},
		{
			name:      "wrapped api error",
			err:       fmt.Errorf("page 2: %w", &APIError{Code: CodeQueryLimitExceeded}),
			class:     ErrorClassRateLimit,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.class {
				t.Errorf("classifyError() = %q, want %q", got, tt.class)
			}
			if got := isRetryable(tt.err); got != tt.retryable {
				t.Errorf("isRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}

	if got := classifyError(nil); got != "" {
		t.Errorf("classifyError(nil) = %q, want empty", got)
	}
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: "expired_token", Description: "The access token provided has expired."}
	want := "Bitrix24 API error [expired_token]: The access token provided has expired."
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestHTTPError_Error(t *testing.T) {
	err := &HTTPError{StatusCode: 502, Body: "Bad Gateway"}
	if got := err.Error(); got != "HTTP 502: Bad Gateway" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRetryExhaustedError_Unwrap(t *testing.T) {
	last := &APIError{Code: CodeQueryLimitExceeded, Description: "Too many requests", StatusCode: 503}
	err := error(&RetryExhaustedError{Attempts: 3, Err: last})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Error("expected errors.Is(err, ErrRetryExhausted)")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("expected errors.As to find the last APIError")
	}
	if apiErr.Code != CodeQueryLimitExceeded {
		t.Errorf("Code = %q", apiErr.Code)
	}

	want := "retry attempts exhausted after 3 attempts: Bitrix24 API error [QUERY_LIMIT_EXCEEDED]: Too many requests"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestSessionErrorsAreInvalidUsage(t *testing.T) {
	if !errors.Is(ErrSessionNotOpen, ErrInvalidUsage) {
		t.Error("ErrSessionNotOpen should wrap ErrInvalidUsage")
	}
	if !errors.Is(ErrSessionAlreadyOpen, ErrInvalidUsage) {
		t.Error("ErrSessionAlreadyOpen should wrap ErrInvalidUsage")
	}
}

func TestCancelled(t *testing.T) {
	err := cancelled(context.DeadlineExceeded)
	if !errors.Is(err, ErrContextCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("cancelled() should match both sentinels, got %v", err)
	}
}
