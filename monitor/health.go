package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// Prober performs one active liveness check against a tool. A nil error
// means the tool answered within the probe timeout.
type Prober interface {
	Probe(ctx context.Context, tool *core.ToolInfo) (time.Duration, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, tool *core.ToolInfo) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context, tool *core.ToolInfo) (time.Duration, error) {
	return f(ctx, tool)
}

// BreakerOpener lets the health monitor accelerate circuit opening when
// a tool is observed unhealthy. Implemented by the resilience breaker
// group.
type BreakerOpener interface {
	ForceOpen(toolID string)
}

type toolHealthState struct {
	consecutiveFailures int
	lastStatus          core.HealthStatus
}

// HealthMonitor runs periodic active checks against every registered
// tool, classifies the results, and publishes status changes to the
// registry. It runs on its own goroutine and never blocks request
// processing.
type HealthMonitor struct {
	registry core.ToolRegistry
	prober   Prober
	breakers BreakerOpener
	cfg      core.MonitorConfig
	logger   core.Logger

	mu     sync.Mutex
	states map[string]*toolHealthState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a health monitor. breakers may be nil.
func NewHealthMonitor(registry core.ToolRegistry, prober Prober, cfg core.MonitorConfig) *HealthMonitor {
	return &HealthMonitor{
		registry: registry,
		prober:   prober,
		cfg:      cfg,
		logger:   &core.NoOpLogger{},
		states:   make(map[string]*toolHealthState),
	}
}

// SetLogger sets the logger provider
func (m *HealthMonitor) SetLogger(logger core.Logger) {
	if logger == nil {
		m.logger = &core.NoOpLogger{}
	} else {
		m.logger = logger
	}
}

// SetBreakerOpener wires circuit-breaker acceleration: tools classified
// UNHEALTHY have their breakers force-opened.
func (m *HealthMonitor) SetBreakerOpener(b BreakerOpener) {
	m.breakers = b
}

// Start launches the periodic check loop. Stop with Stop or by
// cancelling the parent context.
func (m *HealthMonitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.CheckAll(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()

	m.logger.Info("Health monitor started", map[string]interface{}{
		"operation":      "health_monitor_start",
		"check_interval": m.cfg.CheckInterval.String(),
	})
}

// Stop halts the check loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// CheckAll probes every registered tool once. Exposed for tests and for
// on-demand operator checks.
func (m *HealthMonitor) CheckAll(ctx context.Context) {
	tools, err := m.registry.List(ctx)
	if err != nil {
		m.logger.Error("Health check could not list tools", map[string]interface{}{
			"operation": "health_check",
			"error":     err.Error(),
		})
		return
	}

	var wg sync.WaitGroup
	for _, tool := range tools {
		wg.Add(1)
		go func(tool *core.ToolInfo) {
			defer wg.Done()
			m.checkOne(ctx, tool)
		}(tool)
	}
	wg.Wait()
}

func (m *HealthMonitor) checkOne(ctx context.Context, tool *core.ToolInfo) {
	// Tools flagged for maintenance are not probed.
	if flag, ok := tool.Metadata["maintenance"].(bool); ok && flag {
		m.publish(ctx, tool.ID, core.HealthMaintenance)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	latency, err := m.prober.Probe(probeCtx, tool)

	m.mu.Lock()
	state, ok := m.states[tool.ID]
	if !ok {
		state = &toolHealthState{lastStatus: core.HealthUnknown}
		m.states[tool.ID] = state
	}

	var status core.HealthStatus
	if err != nil {
		state.consecutiveFailures++
		if state.consecutiveFailures >= m.cfg.UnhealthyThreshold {
			status = core.HealthUnhealthy
		} else {
			status = core.HealthDegraded
		}
	} else {
		state.consecutiveFailures = 0
		if m.cfg.DegradedLatency > 0 && latency > m.cfg.DegradedLatency {
			status = core.HealthDegraded
		} else {
			status = core.HealthHealthy
		}
	}
	changed := state.lastStatus != status
	state.lastStatus = status
	m.mu.Unlock()

	if changed {
		m.logger.Info("Tool health classified", map[string]interface{}{
			"operation":  "health_check",
			"tool_id":    tool.ID,
			"status":     string(status),
			"latency_ms": latency.Milliseconds(),
		})
	}
	m.publish(ctx, tool.ID, status)

	if status == core.HealthUnhealthy && m.breakers != nil {
		m.breakers.ForceOpen(tool.ID)
	}
}

func (m *HealthMonitor) publish(ctx context.Context, toolID string, status core.HealthStatus) {
	if err := m.registry.UpdateHealth(ctx, toolID, status); err != nil {
		m.logger.Debug("Failed to publish health status", map[string]interface{}{
			"tool_id": toolID,
			"error":   err.Error(),
		})
	}
}
