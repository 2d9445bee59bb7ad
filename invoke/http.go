// Package invoke provides transport implementations of core.ToolInvoker.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// HTTPInvoker calls tools over HTTP: POST {endpoint}/capabilities/{name}
// with a JSON parameter object. Requests carry trace context via the
// otelhttp transport. Responses must be JSON objects.
type HTTPInvoker struct {
	client *http.Client
	logger core.Logger
}

// NewHTTPInvoker creates an invoker with a traced HTTP client.
func NewHTTPInvoker() *HTTPInvoker {
	return &HTTPInvoker{
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider
func (h *HTTPInvoker) SetLogger(logger core.Logger) {
	if logger == nil {
		h.logger = &core.NoOpLogger{}
	} else {
		h.logger = logger
	}
}

// Invoke implements core.ToolInvoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, tool *core.ToolInfo, inv core.Invocation) (*core.InvocationResult, error) {
	body, err := json.Marshal(inv.Parameters)
	if err != nil {
		return nil, &core.InvocationError{
			ToolID:     tool.ID,
			Capability: inv.Capability,
			Err:        fmt.Errorf("marshaling parameters: %w", err),
		}
	}

	url := strings.TrimRight(tool.Endpoint, "/") + "/capabilities/" + inv.Capability
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &core.InvocationError{
			ToolID:     tool.ID,
			Capability: inv.Capability,
			Err:        fmt.Errorf("building request: %w", err),
		}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &core.InvocationError{
				ToolID:     tool.ID,
				Capability: inv.Capability,
				Err:        fmt.Errorf("%w: %v", core.ErrTimeout, err),
			}
		}
		return nil, &core.InvocationError{
			ToolID:     tool.ID,
			Capability: inv.Capability,
			Err:        fmt.Errorf("%w: %v", core.ErrConnectionFailed, err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &core.InvocationError{
			ToolID:     tool.ID,
			Capability: inv.Capability,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("reading response: %w", core.ErrRequestFailed),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &core.InvocationError{
			ToolID:     tool.ID,
			Capability: inv.Capability,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: status %d", core.ErrRequestFailed, resp.StatusCode),
		}
	}

	payload := make(map[string]interface{})
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, &core.InvocationError{
				ToolID:     tool.ID,
				Capability: inv.Capability,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("decoding response: %w", err),
			}
		}
	}

	h.logger.Debug("Tool invocation completed", map[string]interface{}{
		"operation":   "http_invoke",
		"tool_id":     tool.ID,
		"capability":  inv.Capability,
		"status_code": resp.StatusCode,
		"latency_ms":  latency.Milliseconds(),
		"bytes_in":    len(body),
		"bytes_out":   len(data),
	})

	return &core.InvocationResult{
		Payload:    payload,
		StatusCode: resp.StatusCode,
		Latency:    latency,
	}, nil
}

// HealthProbe performs a GET {endpoint}/health liveness check, for use
// as the health monitor's prober.
func (h *HTTPInvoker) HealthProbe(ctx context.Context, tool *core.ToolInfo) (time.Duration, error) {
	url := strings.TrimRight(tool.Endpoint, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return latency, &core.InvocationError{
			ToolID:     tool.ID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: health status %d", core.ErrRequestFailed, resp.StatusCode),
		}
	}
	return latency, nil
}
