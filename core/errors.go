package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	// Registry errors
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolAlreadyExists = errors.New("tool already registered")

	// Selection errors
	ErrNoToolSatisfiesIntent = errors.New("no tool satisfies required capabilities")

	// Intent errors
	ErrIntentUnknown = errors.New("intent could not be classified")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Workflow errors
	ErrWorkflowCycle    = errors.New("workflow contains circular dependencies")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrStepFailed       = errors.New("workflow step failed")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyWorkflows   = errors.New("concurrent workflow limit reached")

	// Transport errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// ErrorKind names the failing component in an OrchestrationError.
type ErrorKind string

const (
	KindIntentAnalysis    ErrorKind = "intent_analysis"
	KindToolSelection     ErrorKind = "tool_selection"
	KindWorkflowExecution ErrorKind = "workflow_execution"
	KindToolInvocation    ErrorKind = "tool_invocation"
	KindPartialFailure    ErrorKind = "partial_workflow_failure"
	KindConfiguration     ErrorKind = "configuration"
)

// OrchestrationError is the typed error surfaced to callers when all
// recovery paths are exhausted. Raw transport errors stay wrapped inside
// Err and are never serialized; Suggestion tells the caller what to try.
type OrchestrationError struct {
	Kind          ErrorKind
	Component     string
	CorrelationID string
	Suggestion    string
	Err           error
}

func (e *OrchestrationError) Error() string {
	if e.CorrelationID != "" && e.Err != nil {
		return fmt.Sprintf("%s [%s]: %v", e.Component, e.CorrelationID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// NewOrchestrationError creates a typed orchestration error.
func NewOrchestrationError(kind ErrorKind, component, correlationID string, err error) *OrchestrationError {
	return &OrchestrationError{
		Kind:          kind,
		Component:     component,
		CorrelationID: correlationID,
		Err:           err,
	}
}

// WithSuggestion attaches a recovery hint and returns the error.
func (e *OrchestrationError) WithSuggestion(s string) *OrchestrationError {
	e.Suggestion = s
	return e
}

// InvocationError wraps a transport or tool-level failure before the
// error handler classifies it. StatusCode is zero for non-HTTP failures.
type InvocationError struct {
	ToolID     string
	Capability string
	StatusCode int
	Err        error
}

func (e *InvocationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("invoking %s/%s: status %d: %v", e.ToolID, e.Capability, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("invoking %s/%s: %v", e.ToolID, e.Capability, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error is a transient infrastructure failure
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRequestFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrToolNotFound) ||
		errors.Is(err, ErrWorkflowNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
