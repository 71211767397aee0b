package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies an error for retry, failover, and breaker decisions. The
// orchestrator inspects kinds only; it never sees upstream HTTP status codes.
type Kind string

const (
	// KindValidation is a malformed or incomplete request. Never retried.
	KindValidation Kind = "validation"
	// KindAuthentication is a missing or rejected credential. Never retried.
	KindAuthentication Kind = "authentication"
	// KindAuthorization is a valid credential without permission. Never retried.
	KindAuthorization Kind = "authorization"
	// KindModelNotFound is an unknown or unsupported model. Never retried.
	KindModelNotFound Kind = "model_not_found"
	// KindRateLimit is an upstream or gateway rate limit. Never retried
	// within the same call; RetryAfter may carry the upstream hint.
	KindRateLimit Kind = "rate_limit"
	// KindTransient is an upstream 5xx, connection reset, or similar fault.
	// Retried with backoff, then failed over.
	KindTransient Kind = "transient"
	// KindProviderFatal is an upstream fault retrying cannot fix, such as
	// quota exhaustion. Not retried; failover may still help.
	KindProviderFatal Kind = "provider_fatal"
	// KindCircuitOpen means the provider's breaker rejected the call.
	KindCircuitOpen Kind = "circuit_open"
	// KindQueueFull means the admission queue rejected the call.
	KindQueueFull Kind = "queue_full"
	// KindTimeout is an exceeded deadline on a probe, connect, or request.
	// Retried like a transient fault.
	KindTimeout Kind = "timeout"
	// KindInternal is anything unclassifiable. Logged with the wrapped cause.
	KindInternal Kind = "internal"
)

// Stable client-facing codes, one default per kind.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeAuthentication     = "AUTHENTICATION_ERROR"
	CodeAuthorization      = "AUTHORIZATION_ERROR"
	CodeModelNotFound      = "MODEL_NOT_FOUND"
	CodeRateLimit          = "RATE_LIMIT"
	CodeProviderUnavail    = "PROVIDER_UNAVAILABLE"
	CodeProviderError      = "PROVIDER_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeRequestTimeout     = "REQUEST_TIMEOUT"
	CodeInternal           = "INTERNAL_ERROR"
)

// Error is the typed failure every gateway component exchanges.
type Error struct {
	// Kind drives retry, failover, and breaker policy.
	Kind Kind

	// Code is the stable client-facing identifier, for example
	// "MODEL_NOT_FOUND". Defaults per kind via codeFor.
	Code string

	// Message is human-readable.
	Message string

	// Provider names the adapter the error came from, empty for errors the
	// gateway raised itself.
	Provider string

	// Details optionally carries the failing field for validation errors or
	// upstream context for provider errors.
	Details map[string]any

	// RetryAfter is the upstream backoff hint for rate-limit errors.
	RetryAfter time.Duration

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Provider != "" {
		b.WriteString(" (")
		b.WriteString(e.Provider)
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the orchestrator may retry this error with
// backoff on the same provider.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

// CountsAsBreakerFailure reports whether the error indicates a provider
// fault that should advance the provider's circuit breaker. Caller-fault
// kinds (validation, auth, unknown model, rate limiting) never trip breakers.
func (e *Error) CountsAsBreakerFailure() bool {
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

// Failover reports whether trying another provider serving the same model
// could plausibly succeed where this one failed.
func (e *Error) Failover() bool {
	switch e.Kind {
	case KindTransient, KindTimeout, KindProviderFatal, KindRateLimit, KindCircuitOpen:
		return true
	}
	return false
}

// HTTPStatus maps the kind to the response status the HTTP layer sends.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindModelNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTransient, KindProviderFatal:
		return http.StatusBadGateway
	case KindCircuitOpen, KindQueueFull:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(kind Kind) string {
	switch kind {
	case KindValidation:
		return CodeValidation
	case KindAuthentication:
		return CodeAuthentication
	case KindAuthorization:
		return CodeAuthorization
	case KindModelNotFound:
		return CodeModelNotFound
	case KindRateLimit:
		return CodeRateLimit
	case KindTransient:
		return CodeProviderUnavail
	case KindProviderFatal:
		return CodeProviderError
	case KindCircuitOpen, KindQueueFull:
		return CodeServiceUnavailable
	case KindTimeout:
		return CodeRequestTimeout
	default:
		return CodeInternal
	}
}

// NewError builds an Error of the given kind with its default code.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: codeFor(kind), Message: message}
}

// Validation builds a 400-class validation error. details may name the
// failing field.
func Validation(message string, details map[string]any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: message, Details: details}
}

// Authentication builds a 401-class error attributed to provider (empty for
// gateway auth).
func Authentication(providerName, message string) *Error {
	return &Error{Kind: KindAuthentication, Code: CodeAuthentication, Message: message, Provider: providerName}
}

// ModelNotFound builds the 404-class unknown-model error.
func ModelNotFound(modelID string) *Error {
	return &Error{
		Kind:    KindModelNotFound,
		Code:    CodeModelNotFound,
		Message: fmt.Sprintf("model %q is not served by any registered provider", modelID),
		Details: map[string]any{"model": modelID},
	}
}

// RateLimited builds a 429-class error with an optional upstream hint.
func RateLimited(providerName string, retryAfter time.Duration, message string) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Code:       CodeRateLimit,
		Message:    message,
		Provider:   providerName,
		RetryAfter: retryAfter,
	}
}

// Transient wraps an upstream fault the orchestrator should retry.
func Transient(providerName, message string, cause error) *Error {
	return &Error{Kind: KindTransient, Code: CodeProviderUnavail, Message: message, Provider: providerName, cause: cause}
}

// Fatal wraps an upstream fault retrying cannot fix.
func Fatal(providerName, message string) *Error {
	return &Error{Kind: KindProviderFatal, Code: CodeProviderError, Message: message, Provider: providerName}
}

// CircuitOpen builds the fast-reject error for an open breaker.
func CircuitOpen(providerName string) *Error {
	return &Error{
		Kind:     KindCircuitOpen,
		Code:     CodeServiceUnavailable,
		Message:  fmt.Sprintf("circuit breaker open for provider %q", providerName),
		Provider: providerName,
	}
}

// QueueFull builds the admission-queue overflow error.
func QueueFull() *Error {
	return &Error{Kind: KindQueueFull, Code: CodeServiceUnavailable, Message: "admission queue is full"}
}

// Timeout builds a deadline-exceeded error for the named operation.
func Timeout(providerName, op string, limit time.Duration) *Error {
	return &Error{
		Kind:     KindTimeout,
		Code:     CodeRequestTimeout,
		Message:  fmt.Sprintf("%s exceeded %s", op, limit),
		Provider: providerName,
	}
}

// Internal wraps an unclassifiable failure.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: message, cause: cause}
}

// AsError extracts the typed error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns err's kind, treating untyped errors as internal.
func KindOf(err error) Kind {
	if pe, ok := AsError(err); ok {
		return pe.Kind
	}
	return KindInternal
}

// Wrap coerces err into a typed Error. Typed errors pass through unchanged;
// context errors become timeouts; anything else becomes internal.
func Wrap(providerName string, err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := AsError(err); ok {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{
			Kind:     KindTimeout,
			Code:     CodeRequestTimeout,
			Message:  err.Error(),
			Provider: providerName,
			cause:    err,
		}
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: err.Error(), Provider: providerName, cause: err}
}

// quotaHints are message fragments that mark a 429 as quota exhaustion
// rather than a momentary rate limit.
var quotaHints = []string{"quota", "billing", "insufficient_quota", "exceeded your current"}

// FromHTTPStatus classifies an upstream HTTP status into the taxonomy.
// Adapters call this once per failed upstream response; nothing above the
// adapter layer sees the raw status again.
func FromHTTPStatus(providerName string, status int, message string, retryAfter time.Duration) *Error {
	switch {
	case status == http.StatusBadRequest:
		return &Error{Kind: KindValidation, Code: CodeValidation, Message: message, Provider: providerName}
	case status == http.StatusUnauthorized:
		return Authentication(providerName, message)
	case status == http.StatusForbidden:
		return &Error{Kind: KindAuthorization, Code: CodeAuthorization, Message: message, Provider: providerName}
	case status == http.StatusNotFound:
		return &Error{Kind: KindModelNotFound, Code: CodeModelNotFound, Message: message, Provider: providerName}
	case status == http.StatusRequestTimeout:
		return &Error{Kind: KindTimeout, Code: CodeRequestTimeout, Message: message, Provider: providerName}
	case status == http.StatusTooManyRequests:
		lower := strings.ToLower(message)
		for _, hint := range quotaHints {
			if strings.Contains(lower, hint) {
				return Fatal(providerName, message)
			}
		}
		return RateLimited(providerName, retryAfter, message)
	case status >= 500:
		return Transient(providerName, message, nil)
	case status >= 400:
		return Fatal(providerName, message)
	default:
		return Internal(fmt.Sprintf("unexpected upstream status %d: %s", status, message), nil)
	}
}
