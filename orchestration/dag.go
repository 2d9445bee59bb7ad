package orchestration

import (
	"fmt"
	"sync"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// StepStatus tracks a node through workflow execution.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepCompleted
	StepFailed
	StepSkipped
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// stepGraph is the dependency DAG for one workflow execution. Cycles are
// rejected at build time via Validate; runtime status tracking drives
// stage scheduling and skip propagation.
type stepGraph struct {
	mu    sync.RWMutex
	nodes map[string]*graphNode
	order []string // declared order, for sequential execution
}

type graphNode struct {
	id         string
	deps       []string
	dependents []string
	status     StepStatus
}

func newStepGraph() *stepGraph {
	return &stepGraph{nodes: make(map[string]*graphNode)}
}

func (g *stepGraph) add(id string, deps []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("duplicate step %q: %w", id, core.ErrInvalidConfiguration)
	}
	g.nodes[id] = &graphNode{id: id, deps: append([]string(nil), deps...)}
	g.order = append(g.order, id)
	return nil
}

// validate checks that every dependency exists and the graph is acyclic.
func (g *stepGraph) validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, node := range g.nodes {
		for _, dep := range node.deps {
			depNode, exists := g.nodes[dep]
			if !exists {
				return fmt.Errorf("step %q depends on unknown step %q: %w", id, dep, core.ErrInvalidConfiguration)
			}
			depNode.dependents = append(depNode.dependents, id)
		}
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	for id := range g.nodes {
		if !visited[id] {
			if g.hasCycle(id, visited, inStack) {
				return core.ErrWorkflowCycle
			}
		}
	}
	return nil
}

func (g *stepGraph) hasCycle(id string, visited, inStack map[string]bool) bool {
	visited[id] = true
	inStack[id] = true
	for _, dep := range g.nodes[id].deps {
		if !visited[dep] {
			if g.hasCycle(dep, visited, inStack) {
				return true
			}
		} else if inStack[dep] {
			return true
		}
	}
	inStack[id] = false
	return false
}

// stages groups steps into execution levels: every step in a level has
// all dependencies in earlier levels, so one level can run concurrently.
func (g *stepGraph) stages() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var levels [][]string
	placed := make(map[string]bool)

	for len(placed) < len(g.nodes) {
		var level []string
		for _, id := range g.order {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range g.nodes[id].deps {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			// Unreachable after validate; guard against infinite loop.
			break
		}
		for _, id := range level {
			placed[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}

func (g *stepGraph) setStatus(id string, status StepStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node, ok := g.nodes[id]; ok {
		node.status = status
	}
}

func (g *stepGraph) status(id string) StepStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if node, ok := g.nodes[id]; ok {
		return node.status
	}
	return StepPending
}

func (g *stepGraph) deps(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if node, ok := g.nodes[id]; ok {
		return append([]string(nil), node.deps...)
	}
	return nil
}

// markDependentsSkipped recursively skips everything downstream of a
// failed or skipped step.
func (g *stepGraph) markDependentsSkipped(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var skipped []string
	g.skipDependents(id, &skipped)
	return skipped
}

func (g *stepGraph) skipDependents(id string, skipped *[]string) {
	node, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, dep := range node.dependents {
		depNode := g.nodes[dep]
		if depNode.status == StepPending {
			depNode.status = StepSkipped
			*skipped = append(*skipped, dep)
			g.skipDependents(dep, skipped)
		}
	}
}
