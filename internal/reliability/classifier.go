// Package reliability classifies provider failures and computes retry backoff.
package reliability

import (
	"errors"
	"fmt"
	"time"
)

// Class groups failures by how the pipeline must react to them.
type Class string

const (
	// ClassTransport covers socket and network failures. Retryable at the
	// connection level, fatal for the flush that hit them.
	ClassTransport Class = "transport"
	// ClassValidation covers oversized, empty or unreadable input. Never retried.
	ClassValidation Class = "validation"
	// ClassProvider covers upstream API failures.
	ClassProvider Class = "provider"
	// ClassOrchestration covers missing sessions, exhausted turn limits and
	// similar conditions handled as graceful termination.
	ClassOrchestration Class = "orchestration"
)

// Provider error codes surfaced by the STT/LLM/TTS adapters.
const (
	CodeUnauthorized      = "unauthorized"
	CodeRateLimited       = "rate_limited"
	CodeInsufficientQuota = "insufficient_quota"
	CodeServerError       = "server_error"
	CodeOversizedInput    = "oversized_input"
	CodeEmptyInput        = "empty_input"
	CodeUnreadableInput   = "unreadable_input"
	CodeTimeout           = "timeout"
	CodeNetwork           = "network_error"
)

// Error is a classified pipeline failure. Adapters wrap raw provider errors in
// one of these so retry loops never have to sniff error strings.
type Error struct {
	Class     Class
	Code      string
	Provider  string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s/%s (%s)", e.Class, e.Code, e.Provider)
	}
	return fmt.Sprintf("%s/%s (%s): %v", e.Class, e.Code, e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewProviderError classifies an upstream provider failure by code.
// Rate-limited, server-error, timeout and network errors are retryable;
// unauthorized and insufficient-quota stop further attempts on that provider.
func NewProviderError(provider, code string, err error) *Error {
	return &Error{
		Class:     ClassProvider,
		Code:      code,
		Provider:  provider,
		Retryable: isRetryableCode(code),
		Err:       err,
	}
}

// NewValidationError marks input that must never be retried.
func NewValidationError(provider, code string, err error) *Error {
	return &Error{Class: ClassValidation, Code: code, Provider: provider, Retryable: false, Err: err}
}

// NewTransportError marks a network-level failure of a single attempt.
func NewTransportError(provider string, err error) *Error {
	return &Error{Class: ClassTransport, Code: CodeNetwork, Provider: provider, Retryable: true, Err: err}
}

// IsRetryable reports whether err is a classified error safe to retry.
// Unclassified errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// CodeOf extracts the classification code from err, or "unknown".
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "unknown"
}

// ClassOf extracts the classification class from err, or ClassProvider.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassProvider
}

func isRetryableCode(code string) bool {
	switch code {
	case CodeRateLimited, CodeServerError, CodeTimeout, CodeNetwork:
		return true
	default:
		return false
	}
}

// CodeForHTTPStatus maps an upstream HTTP status to a provider error code.
func CodeForHTTPStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return CodeUnauthorized
	case status == 402:
		return CodeInsufficientQuota
	case status == 413:
		return CodeOversizedInput
	case status == 429:
		return CodeRateLimited
	default:
		return CodeServerError
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
