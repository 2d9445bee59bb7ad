// Package monitor tracks per-tool performance and liveness. The
// performance monitor keeps bounded rolling histories fed by the error
// handler; the health monitor probes tools actively and publishes status
// changes to the registry.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// Alert describes a threshold breach on a tool's aggregates.
type Alert struct {
	ToolID    string        `json:"tool_id"`
	Reason    string        `json:"reason"`
	ErrorRate float64       `json:"error_rate,omitempty"`
	P95       time.Duration `json:"p95_latency,omitempty"`
	At        time.Time     `json:"at"`
}

// AlertFunc receives threshold-breach notifications. Called outside the
// history lock; must not block.
type AlertFunc func(Alert)

type invocationRecord struct {
	latency      time.Duration
	success      bool
	retries      int
	fallbackUsed bool
	at           time.Time
}

// rollingHistory is a fixed-capacity ring of invocation records.
type rollingHistory struct {
	mu      sync.Mutex
	records []invocationRecord
	next    int
	size    int
	// lastAlert throttles repeat alerts for the same tool.
	lastAlert time.Time
}

// PerformanceMonitor records invocation outcomes into per-tool rolling
// histories and computes windowed aggregates for selection scoring.
type PerformanceMonitor struct {
	capacity       int
	errorRateAlert float64
	p95Alert       time.Duration
	histories      sync.Map // tool ID -> *rollingHistory
	alertFn        AlertFunc
	alertMu        sync.RWMutex
	logger         core.Logger
}

// NewPerformanceMonitor creates a monitor with the configured history
// capacity and alert thresholds.
func NewPerformanceMonitor(cfg core.MonitorConfig) *PerformanceMonitor {
	return &PerformanceMonitor{
		capacity:       cfg.HistoryCapacity,
		errorRateAlert: cfg.ErrorRateAlert,
		p95Alert:       cfg.P95LatencyAlert,
		logger:         &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider
func (m *PerformanceMonitor) SetLogger(logger core.Logger) {
	if logger == nil {
		m.logger = &core.NoOpLogger{}
	} else {
		m.logger = logger
	}
}

// SetAlertFunc registers the alert callback.
func (m *PerformanceMonitor) SetAlertFunc(fn AlertFunc) {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	m.alertFn = fn
}

// RecordInvocation implements resilience.InvocationRecorder.
func (m *PerformanceMonitor) RecordInvocation(toolID string, latency time.Duration, success bool, retries int, fallbackUsed bool) {
	h := m.history(toolID)

	h.mu.Lock()
	rec := invocationRecord{
		latency:      latency,
		success:      success,
		retries:      retries,
		fallbackUsed: fallbackUsed,
		at:           time.Now(),
	}
	if len(h.records) < m.capacity {
		h.records = append(h.records, rec)
	} else {
		h.records[h.next] = rec
	}
	h.next = (h.next + 1) % m.capacity
	if h.size < m.capacity {
		h.size++
	}
	snap, ok := m.aggregateLocked(h)
	shouldAlert := ok && time.Since(h.lastAlert) > time.Minute
	var alert *Alert
	if shouldAlert {
		if m.errorRateAlert > 0 && snap.ErrorRate > m.errorRateAlert {
			alert = &Alert{ToolID: toolID, Reason: "error_rate_exceeded", ErrorRate: snap.ErrorRate, At: time.Now()}
		} else if m.p95Alert > 0 && snap.P95Latency > m.p95Alert {
			alert = &Alert{ToolID: toolID, Reason: "p95_latency_exceeded", P95: snap.P95Latency, At: time.Now()}
		}
		if alert != nil {
			h.lastAlert = time.Now()
		}
	}
	h.mu.Unlock()

	if alert != nil {
		m.logger.Warn("Performance alert raised", map[string]interface{}{
			"operation":  "performance_alert",
			"tool_id":    toolID,
			"reason":     alert.Reason,
			"error_rate": alert.ErrorRate,
			"p95_ms":     alert.P95.Milliseconds(),
		})
		m.alertMu.RLock()
		fn := m.alertFn
		m.alertMu.RUnlock()
		if fn != nil {
			fn(*alert)
		}
	}
}

// Snapshot implements selection.PerformanceProvider. ok is false when no
// history exists for the tool.
func (m *PerformanceMonitor) Snapshot(toolID string) (core.PerformanceSnapshot, bool) {
	v, ok := m.histories.Load(toolID)
	if !ok {
		return core.PerformanceSnapshot{}, false
	}
	h := v.(*rollingHistory)
	h.mu.Lock()
	defer h.mu.Unlock()
	return m.aggregateLocked(h)
}

// Publish pushes current aggregates for every tracked tool into the
// registry, feeding the stored snapshots used when the monitor itself is
// unavailable to a selector.
func (m *PerformanceMonitor) Publish(ctx context.Context, registry core.ToolRegistry) {
	m.histories.Range(func(k, v interface{}) bool {
		toolID := k.(string)
		h := v.(*rollingHistory)
		h.mu.Lock()
		snap, ok := m.aggregateLocked(h)
		h.mu.Unlock()
		if ok {
			if err := registry.UpdatePerformance(ctx, toolID, snap); err != nil {
				m.logger.Debug("Failed to publish performance snapshot", map[string]interface{}{
					"tool_id": toolID,
					"error":   err.Error(),
				})
			}
		}
		return true
	})
}

func (m *PerformanceMonitor) history(toolID string) *rollingHistory {
	if v, ok := m.histories.Load(toolID); ok {
		return v.(*rollingHistory)
	}
	v, _ := m.histories.LoadOrStore(toolID, &rollingHistory{})
	return v.(*rollingHistory)
}

// aggregateLocked computes windowed aggregates; the caller holds h.mu.
func (m *PerformanceMonitor) aggregateLocked(h *rollingHistory) (core.PerformanceSnapshot, bool) {
	if h.size == 0 {
		return core.PerformanceSnapshot{}, false
	}

	latencies := make([]time.Duration, 0, h.size)
	successes := 0
	fallbacks := 0
	var total time.Duration
	oldest := time.Now()
	newest := time.Time{}

	for i := 0; i < h.size; i++ {
		rec := h.records[i]
		latencies = append(latencies, rec.latency)
		total += rec.latency
		if rec.success {
			successes++
		}
		if rec.fallbackUsed {
			fallbacks++
		}
		if rec.at.Before(oldest) {
			oldest = rec.at
		}
		if rec.at.After(newest) {
			newest = rec.at
		}
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	n := len(latencies)
	successRate := float64(successes) / float64(n)
	window := newest.Sub(oldest)
	throughput := 0.0
	if window > 0 {
		throughput = float64(n) / window.Seconds()
	}

	// Availability counts primary-path successes: fallback-served calls
	// indicate the primary was effectively unavailable.
	availability := float64(n-fallbacks) / float64(n)

	return core.PerformanceSnapshot{
		SuccessRate:  successRate,
		ErrorRate:    1 - successRate,
		MeanLatency:  total / time.Duration(n),
		P50Latency:   percentile(latencies, 0.50),
		P95Latency:   percentile(latencies, 0.95),
		P99Latency:   percentile(latencies, 0.99),
		Throughput:   throughput,
		Availability: availability,
		SampleCount:  n,
		WindowStart:  oldest,
	}, true
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
