package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// scriptedInvoker returns per-tool canned responses in order, then
// repeats the last one.
type scriptedInvoker struct {
	mu      sync.Mutex
	scripts map[string][]error
	calls   map[string]int
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		scripts: make(map[string][]error),
		calls:   make(map[string]int),
	}
}

func (s *scriptedInvoker) script(toolID string, errs ...error) {
	s.scripts[toolID] = errs
}

func (s *scriptedInvoker) callCount(toolID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[toolID]
}

func (s *scriptedInvoker) Invoke(ctx context.Context, tool *core.ToolInfo, inv core.Invocation) (*core.InvocationResult, error) {
	s.mu.Lock()
	n := s.calls[tool.ID]
	s.calls[tool.ID]++
	script := s.scripts[tool.ID]
	s.mu.Unlock()

	var err error
	if len(script) > 0 {
		if n >= len(script) {
			n = len(script) - 1
		}
		err = script[n]
	}
	if err != nil {
		return nil, err
	}
	return &core.InvocationResult{
		Payload:    map[string]interface{}{"served_by": tool.ID},
		StatusCode: 200,
		Latency:    5 * time.Millisecond,
	}, nil
}

func tool(id string) *core.ToolInfo {
	return &core.ToolInfo{
		ID:       id,
		Endpoint: "http://" + id + ".local",
		Capabilities: []core.Capability{
			{Name: "search_restaurants_by_district"},
		},
	}
}

func newTestHandler(invoker core.ToolInvoker) *Handler {
	retry := NewRetryPolicy(core.RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	})
	retry.SetRandFloat(func() float64 { return 0 })
	breakers := NewBreakerGroup(core.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 3,
	})
	return NewHandler(invoker, breakers, retry)
}

func searchInvocation() core.Invocation {
	return core.Invocation{
		Capability: "search_restaurants_by_district",
		Parameters: map[string]interface{}{"districts": []string{"Central"}},
	}
}

func transientErr() error {
	return &core.InvocationError{ToolID: "x", StatusCode: 503, Err: core.ErrRequestFailed}
}

func TestExecuteSuccessFirstTry(t *testing.T) {
	invoker := newScriptedInvoker()
	h := newTestHandler(invoker)

	out, err := h.Execute(context.Background(), "corr-1", []*core.ToolInfo{tool("a")}, searchInvocation())
	require.NoError(t, err)

	assert.Equal(t, "a", out.ToolID)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.FallbackUsed)
	assert.False(t, out.Degraded)
	assert.Equal(t, "a", out.Payload["served_by"])
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	invoker := newScriptedInvoker()
	invoker.script("a", transientErr(), transientErr(), nil)
	h := newTestHandler(invoker)

	out, err := h.Execute(context.Background(), "corr-1", []*core.ToolInfo{tool("a")}, searchInvocation())
	require.NoError(t, err)

	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, invoker.callCount("a"))
	assert.False(t, out.Degraded)
}

func TestExecuteDoesNotRetryPermanentFailures(t *testing.T) {
	invoker := newScriptedInvoker()
	invoker.script("a", &core.InvocationError{ToolID: "a", StatusCode: 401, Err: errors.New("bad token")})
	h := newTestHandler(invoker)

	_, err := h.Execute(context.Background(), "corr-1", []*core.ToolInfo{tool("a")}, searchInvocation())
	require.Error(t, err)
	assert.Equal(t, 1, invoker.callCount("a"))
}

func TestExecuteFallsBackAfterExhaustion(t *testing.T) {
	invoker := newScriptedInvoker()
	invoker.script("a", transientErr())
	h := newTestHandler(invoker)

	out, err := h.Execute(context.Background(), "corr-1",
		[]*core.ToolInfo{tool("a"), tool("b")}, searchInvocation())
	require.NoError(t, err)

	// MaxRetries=3 means 4 attempts on the primary before moving on.
	assert.Equal(t, 4, invoker.callCount("a"))
	assert.Equal(t, 1, invoker.callCount("b"))
	assert.Equal(t, "b", out.ToolID)
	assert.True(t, out.FallbackUsed)
	assert.True(t, out.Degraded)
	assert.Equal(t, 5, out.Attempts)
}

func TestExecuteSkipsOpenBreaker(t *testing.T) {
	invoker := newScriptedInvoker()
	h := newTestHandler(invoker)
	h.Breakers().ForceOpen("a")

	out, err := h.Execute(context.Background(), "corr-1",
		[]*core.ToolInfo{tool("a"), tool("b")}, searchInvocation())
	require.NoError(t, err)

	assert.Equal(t, 0, invoker.callCount("a"))
	assert.Equal(t, "b", out.ToolID)
	assert.True(t, out.Degraded)
}

func TestExecuteExhaustsAllTools(t *testing.T) {
	invoker := newScriptedInvoker()
	invoker.script("a", &core.InvocationError{ToolID: "a", StatusCode: 401, Err: errors.New("no")})
	invoker.script("b", &core.InvocationError{ToolID: "b", StatusCode: 401, Err: errors.New("no")})
	h := newTestHandler(invoker)

	out, err := h.Execute(context.Background(), "corr-1",
		[]*core.ToolInfo{tool("a"), tool("b")}, searchInvocation())
	require.Error(t, err)
	assert.Equal(t, ClassAuthentication, out.Class)
}

func TestExecuteFailuresOpenBreaker(t *testing.T) {
	invoker := newScriptedInvoker()
	invoker.script("a", &core.InvocationError{ToolID: "a", StatusCode: 500, Err: errors.New("boom")})
	h := newTestHandler(invoker)

	// Non-transient failures are not retried; each Execute records one
	// failure against the breaker.
	for i := 0; i < 5; i++ {
		_, err := h.Execute(context.Background(), "corr-1", []*core.ToolInfo{tool("a")}, searchInvocation())
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, h.Breakers().For("a").State())

	// With the circuit open the tool is not called again.
	before := invoker.callCount("a")
	_, err := h.Execute(context.Background(), "corr-1", []*core.ToolInfo{tool("a")}, searchInvocation())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCircuitBreakerOpen))
	assert.Equal(t, before, invoker.callCount("a"))
}

type countingRecorder struct {
	mu      sync.Mutex
	records []struct {
		toolID       string
		success      bool
		fallbackUsed bool
	}
}

func (r *countingRecorder) RecordInvocation(toolID string, latency time.Duration, success bool, retries int, fallbackUsed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, struct {
		toolID       string
		success      bool
		fallbackUsed bool
	}{toolID, success, fallbackUsed})
}

func TestExecuteFeedsRecorder(t *testing.T) {
	invoker := newScriptedInvoker()
	invoker.script("a", transientErr(), nil)
	h := newTestHandler(invoker)

	rec := &countingRecorder{}
	h.SetRecorder(rec)

	_, err := h.Execute(context.Background(), "corr-1", []*core.ToolInfo{tool("a")}, searchInvocation())
	require.NoError(t, err)

	require.Len(t, rec.records, 2)
	assert.False(t, rec.records[0].success)
	assert.True(t, rec.records[1].success)
}
