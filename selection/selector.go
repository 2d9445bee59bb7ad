// Package selection ranks registered tools against a classified intent
// using weighted multi-factor scoring and produces fallback chains per
// required capability.
package selection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/intent"
)

// PerformanceProvider supplies live performance aggregates for scoring.
// The registry's stored snapshot is used when no provider is configured
// or the provider has no samples for a tool.
type PerformanceProvider interface {
	Snapshot(toolID string) (core.PerformanceSnapshot, bool)
}

// SelectedTool is a ranked selection with its fallback chain.
type SelectedTool struct {
	ToolID              string                   `json:"tool_id"`
	Score               float64                  `json:"score"`
	ExpectedPerformance core.PerformanceSnapshot `json:"expected_performance"`
	FallbackToolIDs     []string                 `json:"fallback_tool_ids,omitempty"`
	Factors             Factors                  `json:"factors"`
}

// Factors is the per-dimension score breakdown for a tool.
type Factors struct {
	Capability    float64 `json:"capability"`
	Performance   float64 `json:"performance"`
	Health        float64 `json:"health"`
	Context       float64 `json:"context"`
	Compatibility float64 `json:"compatibility"`
}

// Selection is the full result of ranking tools for an intent.
type Selection struct {
	Tools []SelectedTool `json:"tools"`
	// Fallbacks maps each required capability to a ranked list of tool
	// IDs excluding the already-selected tools.
	Fallbacks map[string][]string `json:"fallbacks,omitempty"`
}

// Selector ranks tools from the registry for an intent.
type Selector struct {
	registry core.ToolRegistry
	perf     PerformanceProvider
	cfg      core.SelectionConfig
	logger   core.Logger
}

// NewSelector creates a selector. perf may be nil, in which case the
// registry's stored snapshots are used.
func NewSelector(registry core.ToolRegistry, perf PerformanceProvider, cfg core.SelectionConfig) *Selector {
	return &Selector{
		registry: registry,
		perf:     perf,
		cfg:      cfg,
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider
func (s *Selector) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
	} else {
		s.logger = logger
	}
}

// Select ranks all tools whose capability set is a superset of the
// intent's required capabilities and returns the top-N above the minimum
// score, plus per-capability fallback chains. downstreamInputs lists the
// output keys dependent workflow steps will read, used for compatibility
// scoring; pass nil when no steps are chosen yet.
//
// Selection is deterministic for identical inputs: ties break by tool ID.
func (s *Selector) Select(ctx context.Context, in *intent.Intent, userCtx *core.UserContext, downstreamInputs []string) (*Selection, error) {
	tools, err := s.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tools for selection: %w", err)
	}

	type scored struct {
		tool    *core.ToolInfo
		score   float64
		factors Factors
		perf    core.PerformanceSnapshot
	}

	var candidates []scored
	for _, tool := range tools {
		if !hasAllCapabilities(tool, in.RequiredCapabilities) {
			continue
		}
		perf := s.performance(tool)
		factors := Factors{
			Capability:    capabilityScore(tool, in.RequiredCapabilities, in.OptionalCapabilities),
			Performance:   performanceScore(perf, s.cfg.LatencyCeiling),
			Health:        healthScore(tool.Health),
			Context:       contextScore(tool, userCtx),
			Compatibility: compatibilityScore(tool, downstreamInputs),
		}
		w := s.cfg.Weights
		score := w.Capability*factors.Capability +
			w.Performance*factors.Performance +
			w.Health*factors.Health +
			w.Context*factors.Context +
			w.Compatibility*factors.Compatibility
		candidates = append(candidates, scored{tool: tool, score: score, factors: factors, perf: perf})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("intent %s requires %s: %w",
			in.Type, strings.Join(in.RequiredCapabilities, ","), core.ErrNoToolSatisfiesIntent)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].tool.ID < candidates[j].tool.ID
	})

	sel := &Selection{Fallbacks: make(map[string][]string)}
	selected := make(map[string]bool)
	for _, c := range candidates {
		if len(sel.Tools) >= s.cfg.MaxTools {
			break
		}
		if c.score < s.cfg.MinScoreThreshold {
			break
		}
		selected[c.tool.ID] = true
		sel.Tools = append(sel.Tools, SelectedTool{
			ToolID:              c.tool.ID,
			Score:               c.score,
			ExpectedPerformance: c.perf,
			Factors:             c.factors,
		})
	}

	if len(sel.Tools) == 0 {
		return nil, fmt.Errorf("no tool scored above %.2f for intent %s: %w",
			s.cfg.MinScoreThreshold, in.Type, core.ErrNoToolSatisfiesIntent)
	}

	// Rank fallbacks per required capability, excluding selected tools.
	for _, cap := range in.RequiredCapabilities {
		var fallbacks []string
		for _, c := range candidates {
			if selected[c.tool.ID] {
				continue
			}
			if c.tool.HasCapability(cap) {
				fallbacks = append(fallbacks, c.tool.ID)
			}
		}
		// Tools outside the superset filter can still serve a single
		// capability as a fallback.
		others, err := s.registry.FindByCapability(ctx, cap)
		if err == nil {
			present := make(map[string]bool, len(fallbacks))
			for _, id := range fallbacks {
				present[id] = true
			}
			var extra []*core.ToolInfo
			for _, t := range others {
				if !selected[t.ID] && !present[t.ID] && !hasAllCapabilities(t, in.RequiredCapabilities) {
					extra = append(extra, t)
				}
			}
			sort.Slice(extra, func(i, j int) bool {
				hi, hj := healthScore(extra[i].Health), healthScore(extra[j].Health)
				if hi != hj {
					return hi > hj
				}
				return extra[i].ID < extra[j].ID
			})
			for _, t := range extra {
				fallbacks = append(fallbacks, t.ID)
			}
		}
		if len(fallbacks) > 0 {
			sel.Fallbacks[cap] = fallbacks
		}
	}

	// The primary selection's fallback chain serves its first required
	// capability; error handling walks this chain on failure.
	for i := range sel.Tools {
		if len(in.RequiredCapabilities) > 0 {
			sel.Tools[i].FallbackToolIDs = append([]string(nil), sel.Fallbacks[in.RequiredCapabilities[0]]...)
		}
	}

	s.logger.Debug("Tool selection completed", map[string]interface{}{
		"operation":   "tool_selection",
		"intent_type": string(in.Type),
		"candidates":  len(candidates),
		"selected":    len(sel.Tools),
		"top_tool":    sel.Tools[0].ToolID,
		"top_score":   sel.Tools[0].Score,
	})
	return sel, nil
}

// ExplainRanking returns the scored breakdown for every candidate tool,
// including those below the selection threshold. Read-only introspection
// for operators.
func (s *Selector) ExplainRanking(ctx context.Context, in *intent.Intent, userCtx *core.UserContext) ([]SelectedTool, error) {
	tools, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []SelectedTool
	for _, tool := range tools {
		if !hasAllCapabilities(tool, in.RequiredCapabilities) {
			continue
		}
		perf := s.performance(tool)
		factors := Factors{
			Capability:    capabilityScore(tool, in.RequiredCapabilities, in.OptionalCapabilities),
			Performance:   performanceScore(perf, s.cfg.LatencyCeiling),
			Health:        healthScore(tool.Health),
			Context:       contextScore(tool, userCtx),
			Compatibility: 1.0,
		}
		w := s.cfg.Weights
		out = append(out, SelectedTool{
			ToolID: tool.ID,
			Score: w.Capability*factors.Capability + w.Performance*factors.Performance +
				w.Health*factors.Health + w.Context*factors.Context + w.Compatibility*factors.Compatibility,
			ExpectedPerformance: perf,
			Factors:             factors,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ToolID < out[j].ToolID
	})
	return out, nil
}

func (s *Selector) performance(tool *core.ToolInfo) core.PerformanceSnapshot {
	if s.perf != nil {
		if snap, ok := s.perf.Snapshot(tool.ID); ok {
			return snap
		}
	}
	return tool.Performance
}

func hasAllCapabilities(tool *core.ToolInfo, required []string) bool {
	for _, cap := range required {
		if !tool.HasCapability(cap) {
			return false
		}
	}
	return true
}

// capabilityScore = 0.8*(required matched / required total) +
// 0.2*(optional matched / optional total), clamped to [0,1].
func capabilityScore(tool *core.ToolInfo, required, optional []string) float64 {
	score := 0.0
	if len(required) == 0 {
		score += 0.8
	} else {
		matched := 0
		for _, cap := range required {
			if tool.HasCapability(cap) {
				matched++
			}
		}
		score += 0.8 * float64(matched) / float64(len(required))
	}
	if len(optional) == 0 {
		score += 0.2
	} else {
		matched := 0
		for _, cap := range optional {
			if tool.HasCapability(cap) {
				matched++
			}
		}
		score += 0.2 * float64(matched) / float64(len(optional))
	}
	return clamp01(score)
}

// performanceScore weights recent aggregates: success rate 0.4, latency
// 0.3, throughput 0.15, error rate 0.1, availability 0.05.
func performanceScore(p core.PerformanceSnapshot, latencyCeiling time.Duration) float64 {
	if p.SampleCount == 0 {
		// No history yet; score neutrally rather than punishing new tools.
		return 0.5
	}
	normLatency := 0.0
	if latencyCeiling > 0 {
		normLatency = clamp01(float64(p.P95Latency) / float64(latencyCeiling))
	}
	throughputScore := clamp01(p.Throughput / 10.0)
	return clamp01(0.4*p.SuccessRate +
		0.3*(1-normLatency) +
		0.15*throughputScore +
		0.10*(1-p.ErrorRate) +
		0.05*p.Availability)
}

func healthScore(status core.HealthStatus) float64 {
	switch status {
	case core.HealthHealthy:
		return 1.0
	case core.HealthDegraded:
		return 0.5
	case core.HealthUnhealthy, core.HealthMaintenance:
		return 0.0
	default:
		return 0.3
	}
}

// contextScore measures alignment between tool metadata and user
// preference or personality signals; 0 with no context.
func contextScore(tool *core.ToolInfo, userCtx *core.UserContext) float64 {
	if userCtx == nil {
		return 0
	}
	score := 0.0
	if userCtx.PersonalityType != "" {
		if types, ok := tool.Metadata["personality_types"].([]interface{}); ok {
			for _, t := range types {
				if s, ok := t.(string); ok && strings.EqualFold(s, userCtx.PersonalityType) {
					score += 0.6
					break
				}
			}
		}
	}
	if len(userCtx.Preferences) > 0 {
		if tags, ok := tool.Metadata["tags"].([]interface{}); ok {
			for _, tag := range tags {
				s, ok := tag.(string)
				if !ok {
					continue
				}
				for _, pref := range userCtx.Preferences {
					if strings.EqualFold(s, pref) {
						score += 0.4
						break
					}
				}
			}
		}
	}
	return clamp01(score)
}

// compatibilityScore checks the tool's declared capability outputs
// against the input keys dependent steps will read. 1.0 when nothing
// downstream constrains the choice.
func compatibilityScore(tool *core.ToolInfo, downstreamInputs []string) float64 {
	if len(downstreamInputs) == 0 {
		return 1.0
	}
	produced := make(map[string]bool)
	for _, c := range tool.Capabilities {
		for _, out := range c.Outputs {
			produced[out] = true
		}
	}
	if len(produced) == 0 {
		// No declared schema; partial credit rather than exclusion.
		return 0.5
	}
	matched := 0
	for _, key := range downstreamInputs {
		if produced[key] {
			matched++
		}
	}
	return float64(matched) / float64(len(downstreamInputs))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
