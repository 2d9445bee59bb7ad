package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

func testMonitorConfig() core.MonitorConfig {
	return core.MonitorConfig{
		HistoryCapacity: 100,
		ErrorRateAlert:  0.10,
		P95LatencyAlert: 5 * time.Second,
	}
}

func TestSnapshotEmptyWithoutHistory(t *testing.T) {
	m := NewPerformanceMonitor(testMonitorConfig())
	_, ok := m.Snapshot("ghost")
	assert.False(t, ok)
}

func TestSnapshotAggregates(t *testing.T) {
	m := NewPerformanceMonitor(testMonitorConfig())

	for i := 0; i < 8; i++ {
		m.RecordInvocation("a", 100*time.Millisecond, true, 0, false)
	}
	m.RecordInvocation("a", 500*time.Millisecond, false, 1, false)
	m.RecordInvocation("a", 200*time.Millisecond, true, 0, true)

	snap, ok := m.Snapshot("a")
	require.True(t, ok)

	assert.Equal(t, 10, snap.SampleCount)
	assert.InDelta(t, 0.9, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 0.1, snap.ErrorRate, 1e-9)
	// One of ten calls was served via fallback.
	assert.InDelta(t, 0.9, snap.Availability, 1e-9)
	assert.GreaterOrEqual(t, snap.P95Latency, snap.P50Latency)
	assert.Equal(t, 100*time.Millisecond, snap.P50Latency)
	assert.Equal(t, 200*time.Millisecond, snap.P99Latency)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.HistoryCapacity = 10
	m := NewPerformanceMonitor(cfg)

	// 10 failures, then 10 successes: the ring must forget the failures.
	for i := 0; i < 10; i++ {
		m.RecordInvocation("a", time.Millisecond, false, 0, false)
	}
	for i := 0; i < 10; i++ {
		m.RecordInvocation("a", time.Millisecond, true, 0, false)
	}

	snap, ok := m.Snapshot("a")
	require.True(t, ok)
	assert.Equal(t, 10, snap.SampleCount)
	assert.Equal(t, 1.0, snap.SuccessRate)
}

func TestErrorRateAlert(t *testing.T) {
	m := NewPerformanceMonitor(testMonitorConfig())

	var alerts []Alert
	m.SetAlertFunc(func(a Alert) { alerts = append(alerts, a) })

	for i := 0; i < 8; i++ {
		m.RecordInvocation("a", time.Millisecond, true, 0, false)
	}
	m.RecordInvocation("a", time.Millisecond, false, 0, false)
	m.RecordInvocation("a", time.Millisecond, false, 0, false)

	require.NotEmpty(t, alerts)
	assert.Equal(t, "a", alerts[0].ToolID)
	assert.Equal(t, "error_rate_exceeded", alerts[0].Reason)
	assert.Greater(t, alerts[0].ErrorRate, 0.10)
	// Repeat breaches within the throttle window raise no further alerts.
	assert.Len(t, alerts, 1)
}

func TestP95LatencyAlert(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.ErrorRateAlert = 0 // disabled, isolate the latency path
	m := NewPerformanceMonitor(cfg)

	var alerts []Alert
	m.SetAlertFunc(func(a Alert) { alerts = append(alerts, a) })

	for i := 0; i < 5; i++ {
		m.RecordInvocation("a", 6*time.Second, true, 0, false)
	}

	require.NotEmpty(t, alerts)
	assert.Equal(t, "p95_latency_exceeded", alerts[0].Reason)
}

func TestPublishUpdatesRegistry(t *testing.T) {
	m := NewPerformanceMonitor(testMonitorConfig())
	r := core.NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &core.ToolInfo{
		ID:           "a",
		Endpoint:     "http://a.local",
		Capabilities: []core.Capability{{Name: "recommend_restaurants"}},
	}))

	for i := 0; i < 5; i++ {
		m.RecordInvocation("a", 50*time.Millisecond, true, 0, false)
	}
	m.Publish(ctx, r)

	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Performance.SampleCount)
	assert.Equal(t, 1.0, got.Performance.SuccessRate)
}
