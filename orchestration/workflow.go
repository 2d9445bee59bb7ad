// Package orchestration coordinates multi-step tool workflows: it turns
// classified intents into step graphs, executes them sequentially or in
// parallel with dependency ordering, and surfaces typed results with
// per-step accounting.
package orchestration

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// Strategy selects how a workflow's steps are scheduled.
type Strategy string

const (
	// StrategySequential runs steps in declared order, one at a time.
	StrategySequential Strategy = "sequential"
	// StrategyParallel runs dependency-free steps concurrently in stages.
	StrategyParallel Strategy = "parallel"
	// StrategyConditional is sequential scheduling with step predicates
	// deciding inclusion at runtime.
	StrategyConditional Strategy = "conditional"
)

// Transform names a declarative conversion applied to a mapped value.
type Transform string

const (
	TransformNone       Transform = ""
	TransformToString   Transform = "to_string"
	TransformToList     Transform = "to_list"
	TransformFlatten    Transform = "flatten"
	TransformExtractIDs Transform = "extract_ids"
)

// InputMapping routes one value from the execution context into a step's
// invocation parameters. Source is a dotted path: the first segment is a
// prior step ID (or "params" for the request parameters), the rest
// descend into that step's output object.
type InputMapping struct {
	Source    string      `yaml:"source" json:"source"`
	Target    string      `yaml:"target" json:"target"`
	Transform Transform   `yaml:"transform,omitempty" json:"transform,omitempty"`
	Required  bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Default   interface{} `yaml:"default,omitempty" json:"default,omitempty"`
}

// Condition gates a step at runtime. Equals compares the value at Path;
// when Equals is nil the condition holds if the path resolves at all.
type Condition struct {
	Path   string      `yaml:"path" json:"path"`
	Equals interface{} `yaml:"equals,omitempty" json:"equals,omitempty"`
}

// Step is one unit of work in a workflow: a capability invocation against
// a tool chosen at execution time (or pinned via ToolID).
type Step struct {
	ID         string `yaml:"id" json:"id"`
	Capability string `yaml:"capability" json:"capability"`
	// ToolID pins the step to one tool, bypassing selection. Mostly for
	// operator-authored templates.
	ToolID    string         `yaml:"tool_id,omitempty" json:"tool_id,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Inputs    []InputMapping `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Timeout   time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Condition *Condition     `yaml:"condition,omitempty" json:"condition,omitempty"`
	// Optional steps degrade gracefully: on failure the workflow
	// continues and DefaultOutput (possibly nil) stands in for the result.
	Optional      bool                   `yaml:"optional,omitempty" json:"optional,omitempty"`
	DefaultOutput map[string]interface{} `yaml:"default_output,omitempty" json:"default_output,omitempty"`
}

// MergeStrategy selects how step outputs combine into the workflow result.
type MergeStrategy string

const (
	// MergeShallow overlays step outputs key by key, later steps winning.
	MergeShallow MergeStrategy = "shallow"
	// MergeUnionByID additionally unions list values under the same key,
	// de-duplicating elements by their "id" field.
	MergeUnionByID MergeStrategy = "union_by_id"
)

// Workflow is a validated plan of steps.
type Workflow struct {
	ID       string        `yaml:"id" json:"id"`
	Name     string        `yaml:"name,omitempty" json:"name,omitempty"`
	Strategy Strategy      `yaml:"strategy" json:"strategy"`
	Steps    []Step        `yaml:"steps" json:"steps"`
	Merge    MergeStrategy `yaml:"merge,omitempty" json:"merge,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Validate checks structural integrity: at least one step, unique step
// IDs, known strategies and transforms, dependencies that exist, and an
// acyclic dependency graph.
func (w *Workflow) Validate() error {
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps: %w", w.ID, core.ErrInvalidConfiguration)
	}
	switch w.Strategy {
	case StrategySequential, StrategyParallel, StrategyConditional:
	default:
		return fmt.Errorf("workflow %s has unknown strategy %q: %w", w.ID, w.Strategy, core.ErrInvalidConfiguration)
	}

	graph := newStepGraph()
	for _, step := range w.Steps {
		if step.ID == "" {
			return fmt.Errorf("workflow %s contains a step without an id: %w", w.ID, core.ErrInvalidConfiguration)
		}
		if step.Capability == "" {
			return fmt.Errorf("step %s has no capability: %w", step.ID, core.ErrInvalidConfiguration)
		}
		for _, m := range step.Inputs {
			if m.Source == "" || m.Target == "" {
				return fmt.Errorf("step %s has an input mapping without source or target: %w", step.ID, core.ErrInvalidConfiguration)
			}
			switch m.Transform {
			case TransformNone, TransformToString, TransformToList, TransformFlatten, TransformExtractIDs:
			default:
				return fmt.Errorf("step %s uses unknown transform %q: %w", step.ID, m.Transform, core.ErrInvalidConfiguration)
			}
		}
		if err := graph.add(step.ID, step.DependsOn); err != nil {
			return err
		}
	}
	return graph.validate()
}

// graph builds the runtime dependency graph. Callers must have validated
// the workflow first.
func (w *Workflow) graph() *stepGraph {
	g := newStepGraph()
	for _, step := range w.Steps {
		_ = g.add(step.ID, step.DependsOn)
	}
	_ = g.validate()
	return g
}

func (w *Workflow) step(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// ParseWorkflowYAML decodes and validates an operator-authored workflow
// template.
func ParseWorkflowYAML(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow template: %w", core.ErrInvalidConfiguration)
	}
	if wf.Merge == "" {
		wf.Merge = MergeUnionByID
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ExecutionContext carries request parameters and intermediate step
// outputs during one workflow execution. Safe for concurrent step
// goroutines.
type ExecutionContext struct {
	CorrelationID string
	User          *core.UserContext

	mu      sync.RWMutex
	outputs map[string]map[string]interface{}
}

// NewExecutionContext seeds the context with the request parameters,
// reachable from mappings under the "params" root.
func NewExecutionContext(correlationID string, params map[string]interface{}, user *core.UserContext) *ExecutionContext {
	outputs := map[string]map[string]interface{}{
		"params": params,
	}
	return &ExecutionContext{
		CorrelationID: correlationID,
		User:          user,
		outputs:       outputs,
	}
}

// SetOutput records a completed step's output object.
func (ec *ExecutionContext) SetOutput(stepID string, output map[string]interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.outputs[stepID] = output
}

// Output returns a completed step's output object.
func (ec *ExecutionContext) Output(stepID string) (map[string]interface{}, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out, ok := ec.outputs[stepID]
	return out, ok
}

// Lookup resolves a dotted path ("search.restaurants") against recorded
// outputs. The first segment names a step (or "params"); the rest walk
// nested objects.
func (ec *ExecutionContext) Lookup(path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return nil, false
	}

	ec.mu.RLock()
	root, ok := ec.outputs[segments[0]]
	ec.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if len(segments) == 1 {
		return root, true
	}

	var current interface{} = root
	for _, seg := range segments[1:] {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Evaluate reports whether the condition holds against the context.
func (c *Condition) Evaluate(ec *ExecutionContext) bool {
	value, ok := ec.Lookup(c.Path)
	if !ok {
		return false
	}
	if c.Equals == nil {
		return true
	}
	return looselyEqual(value, c.Equals)
}

// looselyEqual compares scalars across the numeric types JSON and YAML
// decoding produce.
func looselyEqual(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// applyTransform converts a mapped value per its declared transform.
func applyTransform(value interface{}, transform Transform) (interface{}, error) {
	switch transform {
	case TransformNone:
		return value, nil

	case TransformToString:
		switch v := value.(type) {
		case string:
			return v, nil
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("to_string: %w", err)
			}
			return string(data), nil
		}

	case TransformToList:
		if list, ok := value.([]interface{}); ok {
			return list, nil
		}
		return []interface{}{value}, nil

	case TransformFlatten:
		list, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("flatten: value is %T, not a list", value)
		}
		var flat []interface{}
		for _, elem := range list {
			if inner, ok := elem.([]interface{}); ok {
				flat = append(flat, inner...)
			} else {
				flat = append(flat, elem)
			}
		}
		return flat, nil

	case TransformExtractIDs:
		list, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("extract_ids: value is %T, not a list", value)
		}
		var ids []interface{}
		for _, elem := range list {
			obj, ok := elem.(map[string]interface{})
			if !ok {
				continue
			}
			if id, ok := obj["id"]; ok {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}
	return nil, fmt.Errorf("unknown transform %q: %w", transform, core.ErrInvalidConfiguration)
}

// mergeOutputs combines completed step outputs into the workflow result
// object, iterating steps in declared order so later steps win conflicts.
func mergeOutputs(wf *Workflow, ec *ExecutionContext) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, step := range wf.Steps {
		output, ok := ec.Output(step.ID)
		if !ok {
			continue
		}
		for key, value := range output {
			if wf.Merge == MergeUnionByID {
				if existing, ok := merged[key].([]interface{}); ok {
					if incoming, ok := value.([]interface{}); ok {
						merged[key] = unionByID(existing, incoming)
						continue
					}
				}
			}
			merged[key] = value
		}
	}
	return merged
}

// unionByID appends incoming list elements, skipping objects whose "id"
// was already seen. Elements without an id are kept as-is.
func unionByID(existing, incoming []interface{}) []interface{} {
	seen := make(map[string]bool)
	for _, elem := range existing {
		if obj, ok := elem.(map[string]interface{}); ok {
			if id, ok := obj["id"]; ok {
				seen[fmt.Sprintf("%v", id)] = true
			}
		}
	}
	out := append([]interface{}(nil), existing...)
	for _, elem := range incoming {
		if obj, ok := elem.(map[string]interface{}); ok {
			if id, ok := obj["id"]; ok {
				if seen[fmt.Sprintf("%v", id)] {
					continue
				}
				seen[fmt.Sprintf("%v", id)] = true
			}
		}
		out = append(out, elem)
	}
	return out
}
