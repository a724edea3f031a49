package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureReason categorizes why a provider request failed.
type FailureReason string

const (
	// ReasonRateLimit indicates rate limiting (HTTP 429).
	ReasonRateLimit FailureReason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth FailureReason = "auth"

	// ReasonBilling indicates payment/quota issues (HTTP 402).
	ReasonBilling FailureReason = "billing"

	// ReasonTimeout indicates a request timeout.
	ReasonTimeout FailureReason = "timeout"

	// ReasonServerError indicates server-side issues (HTTP 5xx).
	ReasonServerError FailureReason = "server_error"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400).
	ReasonInvalidRequest FailureReason = "invalid_request"

	// ReasonUnavailable indicates the model or provider is not available.
	ReasonUnavailable FailureReason = "unavailable"

	// ReasonProtocol indicates a malformed provider response.
	ReasonProtocol FailureReason = "protocol"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown FailureReason = "unknown"
)

// ProviderError is a structured provider failure carrying the context the
// retry logic needs.
type ProviderError struct {
	Reason   FailureReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError builds a classified ProviderError from a raw cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithMessage sets the human-readable message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error's text and returns a FailureReason.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return ReasonRateLimit
	}
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return ReasonTimeout
	}
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return ReasonAuth
	}
	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") {
		return ReasonBilling
	}
	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "unavailable") {
		return ReasonUnavailable
	}
	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") {
		return ReasonServerError
	}
	return ReasonUnknown
}

func classifyStatusCode(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// IsRateLimited reports whether the error is a 429-class failure, the only
// condition the executor auto-retries.
func IsRateLimited(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Reason == ReasonRateLimit
	}
	return ClassifyError(err) == ReasonRateLimit
}

// ErrUnknownModel marks a request for a model absent from the membership
// table.
var ErrUnknownModel = errors.New("model not in provider membership table")
