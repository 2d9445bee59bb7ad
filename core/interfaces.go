package core

import (
	"context"
	"time"
)

// Logger interface - minimal structured logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// ToolRegistry stores tool metadata and serves lookups for selection.
// Implementations must be safe for concurrent use; updates to one tool
// must not serialize reads of unrelated tools.
type ToolRegistry interface {
	Register(ctx context.Context, info *ToolInfo) error
	Unregister(ctx context.Context, toolID string) error
	Get(ctx context.Context, toolID string) (*ToolInfo, error)
	List(ctx context.Context) ([]*ToolInfo, error)
	FindByCapability(ctx context.Context, capability string) ([]*ToolInfo, error)
	UpdateHealth(ctx context.Context, toolID string, status HealthStatus) error
	UpdatePerformance(ctx context.Context, toolID string, perf PerformanceSnapshot) error
}

// Invocation describes a single capability call against a tool.
type Invocation struct {
	Capability string
	Parameters map[string]interface{}
	Timeout    time.Duration
}

// InvocationResult carries the payload of a completed tool call.
type InvocationResult struct {
	Payload    map[string]interface{}
	StatusCode int
	Latency    time.Duration
}

// ToolInvoker abstracts the transport used to reach a tool. The engine
// never parses wire framing itself; implementations translate transport
// failures into classified errors (see InvocationError).
type ToolInvoker interface {
	Invoke(ctx context.Context, tool *ToolInfo, inv Invocation) (*InvocationResult, error)
}

// UserContext supplies conversation history and preference data for
// intent analysis and context scoring during selection.
type UserContext struct {
	SessionID           string            `json:"session_id,omitempty"`
	ConversationHistory []string          `json:"conversation_history,omitempty"`
	Preferences         map[string]string `json:"preferences,omitempty"`
	PersonalityType     string            `json:"personality_type,omitempty"`
}

// ContextProvider resolves the user/session context for a request.
type ContextProvider interface {
	UserContext(ctx context.Context, sessionID string) (*UserContext, error)
}

// Memory interface for state storage (result caches, execution records)
type Memory interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
