package core

import (
	"time"
)

// HealthStatus classifies a tool's liveness as observed by monitoring
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnhealthy   HealthStatus = "unhealthy"
	HealthUnknown     HealthStatus = "unknown"
	HealthMaintenance HealthStatus = "maintenance"
)

// Capability is a named function a tool can perform. Outputs lists the
// top-level keys the capability produces, used for compatibility scoring
// when chaining tools in a workflow.
type Capability struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Outputs     []string `json:"outputs,omitempty"`
}

// PerformanceSnapshot summarizes a tool's recent invocation history.
// Produced by the performance monitor and consumed by selection scoring.
type PerformanceSnapshot struct {
	SuccessRate  float64       `json:"success_rate"`
	ErrorRate    float64       `json:"error_rate"`
	MeanLatency  time.Duration `json:"mean_latency"`
	P50Latency   time.Duration `json:"p50_latency"`
	P95Latency   time.Duration `json:"p95_latency"`
	P99Latency   time.Duration `json:"p99_latency"`
	Throughput   float64       `json:"throughput"` // invocations per second over the window
	Availability float64       `json:"availability"`
	SampleCount  int           `json:"sample_count"`
	WindowStart  time.Time     `json:"window_start,omitempty"`
}

// ToolInfo is the registry record describing a remote tool: identity,
// capabilities, invocation endpoint, plus health and performance state
// maintained by the monitors.
type ToolInfo struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Endpoint     string                 `json:"endpoint"`
	Capabilities []Capability           `json:"capabilities"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Health       HealthStatus           `json:"health"`
	Performance  PerformanceSnapshot    `json:"performance"`
	LastSeen     time.Time              `json:"last_seen"`
}

// HasCapability reports whether the tool advertises the named capability.
func (t *ToolInfo) HasCapability(name string) bool {
	for _, c := range t.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// CapabilityNames returns the names of all advertised capabilities.
func (t *ToolInfo) CapabilityNames() []string {
	names := make([]string, 0, len(t.Capabilities))
	for _, c := range t.Capabilities {
		names = append(names, c.Name)
	}
	return names
}

// Clone returns a deep copy so registry snapshots can be mutated safely.
func (t *ToolInfo) Clone() *ToolInfo {
	cp := *t
	cp.Capabilities = make([]Capability, len(t.Capabilities))
	copy(cp.Capabilities, t.Capabilities)
	for i, c := range t.Capabilities {
		cp.Capabilities[i].Outputs = append([]string(nil), c.Outputs...)
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
