// Package resilience wraps every tool invocation with failure
// classification, retries with jittered exponential backoff, per-tool
// circuit breakers, and fallback chains.
package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// FailureClass buckets an invocation failure for recovery decisions.
type FailureClass string

const (
	ClassTimeout            FailureClass = "timeout"
	ClassAuthentication     FailureClass = "authentication"
	ClassServiceUnavailable FailureClass = "service_unavailable"
	ClassValidation         FailureClass = "validation"
	ClassNetwork            FailureClass = "network"
	ClassToolError          FailureClass = "tool_error"
	ClassDependencyError    FailureClass = "dependency_error"
	ClassResourceError      FailureClass = "resource_error"
)

// Classify buckets an error into a failure class. HTTP status codes on
// wrapped InvocationErrors take precedence; sentinel and net errors
// cover non-HTTP transports.
func Classify(err error) FailureClass {
	if err == nil {
		return ""
	}

	var invErr *core.InvocationError
	if errors.As(err, &invErr) && invErr.StatusCode > 0 {
		switch {
		case invErr.StatusCode == http.StatusUnauthorized || invErr.StatusCode == http.StatusForbidden:
			return ClassAuthentication
		case invErr.StatusCode == http.StatusRequestTimeout || invErr.StatusCode == http.StatusGatewayTimeout:
			return ClassTimeout
		case invErr.StatusCode == http.StatusBadRequest || invErr.StatusCode == http.StatusUnprocessableEntity:
			return ClassValidation
		case invErr.StatusCode == http.StatusTooManyRequests || invErr.StatusCode == http.StatusInsufficientStorage:
			return ClassResourceError
		case invErr.StatusCode == http.StatusServiceUnavailable || invErr.StatusCode == http.StatusBadGateway:
			return ClassServiceUnavailable
		case invErr.StatusCode == http.StatusFailedDependency:
			return ClassDependencyError
		case invErr.StatusCode >= 500:
			return ClassToolError
		default:
			return ClassToolError
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrTimeout) {
		return ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}

	if errors.Is(err, core.ErrConnectionFailed) {
		return ClassNetwork
	}
	if errors.Is(err, core.ErrCircuitBreakerOpen) || errors.Is(err, core.ErrRequestFailed) {
		return ClassServiceUnavailable
	}
	if errors.Is(err, core.ErrToolNotFound) {
		return ClassDependencyError
	}
	if errors.Is(err, core.ErrInvalidConfiguration) {
		return ClassValidation
	}

	return ClassToolError
}

// IsTransient reports whether a failure class is worth retrying against
// the same tool.
func IsTransient(class FailureClass) bool {
	switch class {
	case ClassTimeout, ClassNetwork, ClassServiceUnavailable:
		return true
	default:
		return false
	}
}
