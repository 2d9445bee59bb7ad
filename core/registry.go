package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory ToolRegistry. Each tool record carries
// its own lock so health and performance updates for one tool never
// serialize reads of unrelated tools.
type MemoryRegistry struct {
	tools  sync.Map // tool ID -> *toolEntry
	logger Logger
}

type toolEntry struct {
	mu   sync.RWMutex
	info *ToolInfo
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{logger: &NoOpLogger{}}
}

// SetLogger configures the logger for this registry
func (r *MemoryRegistry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Register adds or replaces a tool record. Tool IDs are unique; a
// re-registration replaces the previous record.
func (r *MemoryRegistry) Register(ctx context.Context, info *ToolInfo) error {
	if info == nil || info.ID == "" {
		return fmt.Errorf("tool info missing ID: %w", ErrInvalidConfiguration)
	}

	cp := info.Clone()
	if cp.Health == "" {
		cp.Health = HealthUnknown
	}
	cp.LastSeen = time.Now()

	entry, loaded := r.tools.LoadOrStore(info.ID, &toolEntry{info: cp})
	if loaded {
		e := entry.(*toolEntry)
		e.mu.Lock()
		e.info = cp
		e.mu.Unlock()
	}

	r.logger.Info("Tool registered", map[string]interface{}{
		"tool_id":            info.ID,
		"tool_name":          info.Name,
		"capabilities_count": len(info.Capabilities),
		"endpoint":           info.Endpoint,
	})
	return nil
}

// Unregister removes a tool record
func (r *MemoryRegistry) Unregister(ctx context.Context, toolID string) error {
	if _, ok := r.tools.LoadAndDelete(toolID); !ok {
		return fmt.Errorf("unregister %s: %w", toolID, ErrToolNotFound)
	}
	r.logger.Info("Tool unregistered", map[string]interface{}{"tool_id": toolID})
	return nil
}

// Get returns a snapshot of a tool record
func (r *MemoryRegistry) Get(ctx context.Context, toolID string) (*ToolInfo, error) {
	entry, ok := r.tools.Load(toolID)
	if !ok {
		return nil, fmt.Errorf("get %s: %w", toolID, ErrToolNotFound)
	}
	e := entry.(*toolEntry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info.Clone(), nil
}

// List returns snapshots of all tools, ordered by ID for determinism.
func (r *MemoryRegistry) List(ctx context.Context) ([]*ToolInfo, error) {
	var tools []*ToolInfo
	r.tools.Range(func(_, v interface{}) bool {
		e := v.(*toolEntry)
		e.mu.RLock()
		tools = append(tools, e.info.Clone())
		e.mu.RUnlock()
		return true
	})
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	return tools, nil
}

// FindByCapability returns all tools advertising the named capability.
func (r *MemoryRegistry) FindByCapability(ctx context.Context, capability string) ([]*ToolInfo, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*ToolInfo
	for _, t := range all {
		if t.HasCapability(capability) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// UpdateHealth sets a tool's health status
func (r *MemoryRegistry) UpdateHealth(ctx context.Context, toolID string, status HealthStatus) error {
	entry, ok := r.tools.Load(toolID)
	if !ok {
		return fmt.Errorf("update health %s: %w", toolID, ErrToolNotFound)
	}
	e := entry.(*toolEntry)
	e.mu.Lock()
	prev := e.info.Health
	e.info.Health = status
	e.info.LastSeen = time.Now()
	e.mu.Unlock()

	if prev != status {
		r.logger.Info("Tool health changed", map[string]interface{}{
			"tool_id": toolID,
			"from":    string(prev),
			"to":      string(status),
		})
	}
	return nil
}

// UpdatePerformance replaces a tool's performance snapshot
func (r *MemoryRegistry) UpdatePerformance(ctx context.Context, toolID string, perf PerformanceSnapshot) error {
	entry, ok := r.tools.Load(toolID)
	if !ok {
		return fmt.Errorf("update performance %s: %w", toolID, ErrToolNotFound)
	}
	e := entry.(*toolEntry)
	e.mu.Lock()
	e.info.Performance = perf
	e.mu.Unlock()
	return nil
}
