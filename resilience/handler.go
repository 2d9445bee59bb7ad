package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// InvocationRecorder receives the outcome of every invocation attempt,
// feeding the performance monitor's rolling histories.
type InvocationRecorder interface {
	RecordInvocation(toolID string, latency time.Duration, success bool, retries int, fallbackUsed bool)
}

// noopRecorder is used when no performance monitor is wired.
type noopRecorder struct{}

func (noopRecorder) RecordInvocation(string, time.Duration, bool, int, bool) {}

// Outcome is the result of executing an invocation through the error
// handling pipeline.
type Outcome struct {
	ToolID       string
	Payload      map[string]interface{}
	Latency      time.Duration
	Attempts     int
	FallbackUsed bool
	// Degraded marks a success served by a fallback tool.
	Degraded bool
	// Class is the last failure class when the outcome is an error.
	Class FailureClass
}

// Handler routes every tool invocation through its circuit breaker,
// retries transient failures with backoff, and walks the fallback chain
// when a tool is exhausted or its circuit is open.
type Handler struct {
	invoker  core.ToolInvoker
	breakers *BreakerGroup
	retry    *RetryPolicy
	recorder InvocationRecorder
	logger   core.Logger
	tel      core.Telemetry
}

// NewHandler creates the error handling pipeline.
func NewHandler(invoker core.ToolInvoker, breakers *BreakerGroup, retry *RetryPolicy) *Handler {
	return &Handler{
		invoker:  invoker,
		breakers: breakers,
		retry:    retry,
		recorder: noopRecorder{},
		logger:   &core.NoOpLogger{},
		tel:      &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider
func (h *Handler) SetLogger(logger core.Logger) {
	if logger == nil {
		h.logger = &core.NoOpLogger{}
	} else {
		h.logger = logger
	}
}

// SetTelemetry sets the telemetry provider
func (h *Handler) SetTelemetry(tel core.Telemetry) {
	if tel == nil {
		h.tel = &core.NoOpTelemetry{}
	} else {
		h.tel = tel
	}
}

// SetRecorder wires the performance monitor
func (h *Handler) SetRecorder(r InvocationRecorder) {
	if r == nil {
		h.recorder = noopRecorder{}
	} else {
		h.recorder = r
	}
}

// Breakers exposes the breaker group for introspection and health
// monitor acceleration.
func (h *Handler) Breakers() *BreakerGroup {
	return h.breakers
}

// Execute runs the invocation against the first usable tool in the
// chain. tools[0] is the primary; the rest are ranked fallbacks for the
// same capability. Transient failures are retried against the same tool
// before moving down the chain. A success served by any tool after the
// first is a degraded success.
func (h *Handler) Execute(ctx context.Context, correlationID string, tools []*core.ToolInfo, inv core.Invocation) (*Outcome, error) {
	if len(tools) == 0 {
		return nil, fmt.Errorf("no tools to invoke for capability %s: %w", inv.Capability, core.ErrToolNotFound)
	}

	var lastErr error
	var lastClass FailureClass
	totalAttempts := 0

	for idx, tool := range tools {
		breaker := h.breakers.For(tool.ID)
		if !breaker.Allow() {
			h.logger.Info("Circuit open, short-circuiting to fallback", map[string]interface{}{
				"operation":      "error_handler_short_circuit",
				"correlation_id": correlationID,
				"tool_id":        tool.ID,
				"capability":     inv.Capability,
			})
			h.tel.RecordMetric("orchestrator.breaker.rejections", 1, map[string]string{"tool_id": tool.ID})
			lastErr = fmt.Errorf("tool %s: %w", tool.ID, core.ErrCircuitBreakerOpen)
			lastClass = ClassServiceUnavailable
			continue
		}

		outcome, err := h.executeWithRetry(ctx, correlationID, tool, inv, idx > 0)
		totalAttempts += outcome.Attempts
		if err == nil {
			outcome.Attempts = totalAttempts
			if idx > 0 {
				outcome.FallbackUsed = true
				outcome.Degraded = true
				h.logger.Info("Invocation recovered via fallback tool", map[string]interface{}{
					"operation":      "error_handler_fallback_success",
					"correlation_id": correlationID,
					"tool_id":        tool.ID,
					"capability":     inv.Capability,
					"fallback_rank":  idx,
				})
			}
			return outcome, nil
		}

		lastErr = err
		lastClass = outcome.Class
		if ctx.Err() != nil {
			break
		}
	}

	h.logger.Error("All recovery paths exhausted", map[string]interface{}{
		"operation":      "error_handler_exhausted",
		"correlation_id": correlationID,
		"capability":     inv.Capability,
		"tools_tried":    len(tools),
		"failure_class":  string(lastClass),
		"error":          lastErr.Error(),
	})
	return &Outcome{Attempts: totalAttempts, Class: lastClass},
		fmt.Errorf("capability %s exhausted %d tool(s): %w", inv.Capability, len(tools), lastErr)
}

// executeWithRetry invokes one tool, retrying transient failure classes
// up to the policy's limit.
func (h *Handler) executeWithRetry(ctx context.Context, correlationID string, tool *core.ToolInfo, inv core.Invocation, isFallback bool) (*Outcome, error) {
	breaker := h.breakers.For(tool.ID)
	outcome := &Outcome{ToolID: tool.ID}

	var lastErr error
	for attempt := 0; ; attempt++ {
		outcome.Attempts++

		callCtx := ctx
		var cancel context.CancelFunc
		if inv.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		}
		start := time.Now()
		result, err := h.invoker.Invoke(callCtx, tool, inv)
		latency := time.Since(start)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			breaker.RecordSuccess()
			h.recorder.RecordInvocation(tool.ID, latency, true, attempt, isFallback)
			h.tel.RecordMetric("orchestrator.invocation.latency_ms", float64(latency.Milliseconds()),
				map[string]string{"tool_id": tool.ID, "capability": inv.Capability})
			outcome.Payload = result.Payload
			outcome.Latency = latency
			return outcome, nil
		}

		class := Classify(err)
		outcome.Class = class
		breaker.RecordFailure()
		h.recorder.RecordInvocation(tool.ID, latency, false, attempt, isFallback)
		lastErr = err

		h.logger.Warn("Invocation attempt failed", map[string]interface{}{
			"operation":      "error_handler_attempt_failed",
			"correlation_id": correlationID,
			"tool_id":        tool.ID,
			"capability":     inv.Capability,
			"attempt":        attempt,
			"failure_class":  string(class),
			"latency_ms":     latency.Milliseconds(),
			"error":          err.Error(),
		})

		if !IsTransient(class) {
			return outcome, lastErr
		}
		if attempt >= h.retry.MaxRetries {
			return outcome, fmt.Errorf("%w: %v", core.ErrMaxRetriesExceeded, lastErr)
		}
		if !breaker.Allow() {
			// Opened mid-retry; stop burning attempts on this tool.
			return outcome, fmt.Errorf("tool %s: %w", tool.ID, core.ErrCircuitBreakerOpen)
		}
		if err := h.retry.Wait(ctx, attempt); err != nil {
			return outcome, err
		}
	}
}
