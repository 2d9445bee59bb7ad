package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/intent"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/monitor"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/resilience"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/selection"
)

// Request is one orchestration ask: free-text plus optional session and
// correlation identity. Re-invoking with the same correlation ID returns
// the cached result instead of re-executing side effects.
type Request struct {
	Text          string            `json:"text"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	User          *core.UserContext `json:"user,omitempty"`
}

// Result is the caller-facing outcome of Orchestrate.
type Result struct {
	CorrelationID string          `json:"correlation_id"`
	IntentType    string          `json:"intent_type"`
	Confidence    float64         `json:"confidence"`
	Workflow      *WorkflowResult `json:"workflow,omitempty"`
	// Cached marks an idempotent replay of a previously completed
	// execution.
	Cached bool `json:"cached,omitempty"`
}

// Orchestrator is the engine's front door: it classifies the request,
// selects tools, builds the workflow, and executes it under the global
// concurrency cap.
type Orchestrator struct {
	cfg      *core.Config
	registry core.ToolRegistry
	analyzer *intent.Analyzer
	selector *selection.Selector
	handler  *resilience.Handler
	engine   *Engine
	perfmon  *monitor.PerformanceMonitor
	store    *ExecutionStore
	provider core.ContextProvider

	templates map[intent.Type]*Workflow
	sem       chan struct{}
	active    activeExecutions
	logger    core.Logger
	tel       core.Telemetry
}

// NewOrchestrator wires the full pipeline from configuration. memory
// backs execution records and the idempotence cache; pass a
// core.MemoryStore for single-process use or a core.RedisStore to share
// state across instances.
func NewOrchestrator(cfg *core.Config, registry core.ToolRegistry, invoker core.ToolInvoker, memory core.Memory) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	perfmon := monitor.NewPerformanceMonitor(cfg.Monitor)

	retry := resilience.NewRetryPolicy(cfg.Retry)
	breakers := resilience.NewBreakerGroup(cfg.Breaker)
	handler := resilience.NewHandler(invoker, breakers, retry)
	handler.SetRecorder(perfmon)

	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		analyzer:  intent.NewAnalyzer(cfg.Intent),
		selector:  selection.NewSelector(registry, perfmon, cfg.Selection),
		handler:   handler,
		engine:    NewEngine(handler, cfg.Engine),
		perfmon:   perfmon,
		store:     NewExecutionStore(memory, cfg.Engine.ResultTTL),
		templates: make(map[intent.Type]*Workflow),
		sem:       make(chan struct{}, cfg.Engine.MaxConcurrentWorkflows),
		logger:    &core.NoOpLogger{},
		tel:       &core.NoOpTelemetry{},
	}, nil
}

// SetLogger sets the logger provider and propagates it to every
// component in the pipeline.
func (o *Orchestrator) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	o.logger = logger
	o.analyzer.SetLogger(logger)
	o.selector.SetLogger(logger)
	o.handler.SetLogger(logger)
	o.handler.Breakers().SetLogger(logger)
	o.engine.SetLogger(logger)
	o.perfmon.SetLogger(logger)
	o.store.SetLogger(logger)
}

// SetTelemetry sets the telemetry provider
func (o *Orchestrator) SetTelemetry(tel core.Telemetry) {
	if tel == nil {
		tel = &core.NoOpTelemetry{}
	}
	o.tel = tel
	o.handler.SetTelemetry(tel)
	o.engine.SetTelemetry(tel)
}

// SetContextProvider wires session context resolution for requests that
// carry a session ID but no inline user context.
func (o *Orchestrator) SetContextProvider(p core.ContextProvider) {
	o.provider = p
}

// RegisterTemplate replaces the built-in workflow template for an intent
// type with an operator-authored one.
func (o *Orchestrator) RegisterTemplate(t intent.Type, wf *Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	o.templates[t] = wf
	return nil
}

// PerformanceMonitor exposes the monitor for alert wiring and
// registry publication loops.
func (o *Orchestrator) PerformanceMonitor() *monitor.PerformanceMonitor {
	return o.perfmon
}

// Breakers exposes the circuit breaker group, usable as the health
// monitor's BreakerOpener.
func (o *Orchestrator) Breakers() *resilience.BreakerGroup {
	return o.handler.Breakers()
}

// Orchestrate processes one request end to end. It is safe for
// concurrent use; at most MaxConcurrentWorkflows executions run at once
// and excess requests fail fast with ErrTooManyWorkflows.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	// Idempotent replay: a completed execution under this correlation ID
	// short-circuits before any side effects.
	if cached, ok := o.store.CompletedResult(ctx, correlationID); ok {
		o.logger.Info("Returning cached result for correlation ID", map[string]interface{}{
			"operation":      "orchestrate",
			"correlation_id": correlationID,
		})
		return &Result{
			CorrelationID: correlationID,
			Workflow:      cached,
			Cached:        true,
		}, nil
	}

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	default:
		return nil, core.NewOrchestrationError(core.KindWorkflowExecution, "orchestrator", correlationID, core.ErrTooManyWorkflows).
			WithSuggestion("retry after in-flight workflows drain")
	}

	ctx, span := o.tel.StartSpan(ctx, "orchestrate")
	span.SetAttribute("correlation_id", correlationID)
	defer span.End()

	started := time.Now()
	userCtx := req.User
	if userCtx == nil && req.SessionID != "" && o.provider != nil {
		resolved, err := o.provider.UserContext(ctx, req.SessionID)
		if err != nil {
			o.logger.Warn("Context provider failed, continuing without session context", map[string]interface{}{
				"operation":      "orchestrate",
				"correlation_id": correlationID,
				"session_id":     req.SessionID,
				"error":          err.Error(),
			})
		} else {
			userCtx = resolved
		}
	}

	in, err := o.analyzer.Analyze(ctx, req.Text, userCtx)
	if err != nil {
		return nil, core.NewOrchestrationError(core.KindIntentAnalysis, "intent_analyzer", correlationID, err)
	}
	span.SetAttribute("intent.type", string(in.Type))
	span.SetAttribute("intent.confidence", in.Confidence)

	if in.Type == intent.TypeUnknown {
		return nil, core.NewOrchestrationError(core.KindIntentAnalysis, "intent_analyzer", correlationID,
			fmt.Errorf("confidence %.2f below threshold: %w", in.Confidence, core.ErrIntentUnknown)).
			WithSuggestion(in.Clarification)
	}

	wf, ok := o.templates[in.Type]
	if !ok {
		wf, err = BuildWorkflow(in)
		if err != nil {
			return nil, core.NewOrchestrationError(core.KindWorkflowExecution, "orchestrator", correlationID, err)
		}
	}

	sel, err := o.selector.Select(ctx, in, userCtx, downstreamInputKeys(wf))
	if err != nil {
		return nil, core.NewOrchestrationError(core.KindToolSelection, "tool_selector", correlationID, err).
			WithSuggestion("register a tool providing the required capabilities or relax the minimum score threshold")
	}

	if err := o.store.MarkRunning(ctx, correlationID); err != nil {
		o.logger.Warn("Could not persist running state", map[string]interface{}{
			"operation":      "orchestrate",
			"correlation_id": correlationID,
			"error":          err.Error(),
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.active.add(correlationID, cancel)
	defer func() {
		cancel()
		o.active.remove(correlationID)
	}()

	ec := NewExecutionContext(correlationID, in.Parameters, userCtx)
	resolver := &selectionResolver{registry: o.registry, selection: sel}

	wfResult, execErr := o.engine.Execute(runCtx, wf, ec, resolver)

	result := &Result{
		CorrelationID: correlationID,
		IntentType:    string(in.Type),
		Confidence:    in.Confidence,
		Workflow:      wfResult,
	}

	if execErr != nil {
		msg := execErr.Error()
		if runCtx.Err() == context.Canceled && ctx.Err() == nil {
			_ = o.store.Cancel(ctx, correlationID)
		} else {
			_ = o.store.Fail(ctx, correlationID, wfResult, msg)
		}
		o.tel.RecordMetric("orchestrator.requests", 1, map[string]string{"outcome": "failed"})
		return result, execErr
	}

	if err := o.store.Complete(ctx, correlationID, wfResult); err != nil {
		o.logger.Warn("Could not persist completed result", map[string]interface{}{
			"operation":      "orchestrate",
			"correlation_id": correlationID,
			"error":          err.Error(),
		})
	}

	o.logger.Info("Orchestration completed", map[string]interface{}{
		"operation":      "orchestrate",
		"correlation_id": correlationID,
		"intent_type":    string(in.Type),
		"workflow_id":    wf.ID,
		"degraded":       wfResult.Degraded,
		"partial":        wfResult.Partial,
		"duration_ms":    time.Since(started).Milliseconds(),
	})
	o.tel.RecordMetric("orchestrator.requests", 1, map[string]string{"outcome": "completed"})
	return result, nil
}

// GetWorkflowStatus returns the execution record for a correlation ID.
func (o *Orchestrator) GetWorkflowStatus(ctx context.Context, correlationID string) (*ExecutionRecord, error) {
	return o.store.Get(ctx, correlationID)
}

// CancelWorkflow cancels an in-flight execution by correlation ID and
// reports whether one was running.
func (o *Orchestrator) CancelWorkflow(correlationID string) bool {
	return o.active.cancel(correlationID)
}

// RankTools classifies the text and returns the scored ranking of every
// candidate tool, without executing anything.
func (o *Orchestrator) RankTools(ctx context.Context, text string, userCtx *core.UserContext) ([]selection.SelectedTool, error) {
	in, err := o.analyzer.Analyze(ctx, text, userCtx)
	if err != nil {
		return nil, err
	}
	if in.Type == intent.TypeUnknown {
		return nil, fmt.Errorf("cannot rank tools: %w", core.ErrIntentUnknown)
	}
	return o.selector.ExplainRanking(ctx, in, userCtx)
}

// BreakerSnapshots returns circuit breaker introspection for every tool
// seen so far, sorted by tool ID.
func (o *Orchestrator) BreakerSnapshots() []resilience.Snapshot {
	snaps := o.handler.Breakers().Snapshots()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ToolID < snaps[j].ToolID })
	return snaps
}

// selectionResolver maps workflow steps onto the selection result: the
// primary is the highest-scored selected tool offering the capability,
// followed by the capability's fallback chain.
type selectionResolver struct {
	registry  core.ToolRegistry
	selection *selection.Selection
}

func (r *selectionResolver) Resolve(ctx context.Context, step *Step) ([]*core.ToolInfo, error) {
	if step.ToolID != "" {
		tool, err := r.registry.Get(ctx, step.ToolID)
		if err != nil {
			return nil, fmt.Errorf("pinned tool %s: %w", step.ToolID, err)
		}
		return []*core.ToolInfo{tool}, nil
	}

	var chain []*core.ToolInfo
	seen := make(map[string]bool)
	for _, selected := range r.selection.Tools {
		tool, err := r.registry.Get(ctx, selected.ToolID)
		if err != nil {
			continue
		}
		if tool.HasCapability(step.Capability) && !seen[tool.ID] {
			seen[tool.ID] = true
			chain = append(chain, tool)
		}
	}
	for _, id := range r.selection.Fallbacks[step.Capability] {
		if seen[id] {
			continue
		}
		tool, err := r.registry.Get(ctx, id)
		if err != nil {
			continue
		}
		seen[id] = true
		chain = append(chain, tool)
	}

	if len(chain) == 0 {
		// Optional capabilities may sit outside the selection entirely.
		others, err := r.registry.FindByCapability(ctx, step.Capability)
		if err == nil {
			sort.Slice(others, func(i, j int) bool {
				hi, hj := healthRank(others[i].Health), healthRank(others[j].Health)
				if hi != hj {
					return hi > hj
				}
				return others[i].ID < others[j].ID
			})
			chain = others
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("capability %s: %w", step.Capability, core.ErrNoToolSatisfiesIntent)
	}
	return chain, nil
}

func healthRank(status core.HealthStatus) int {
	switch status {
	case core.HealthHealthy:
		return 3
	case core.HealthDegraded:
		return 2
	case core.HealthUnknown:
		return 1
	default:
		return 0
	}
}

// activeExecutions tracks in-flight cancel functions by correlation ID.
type activeExecutions struct {
	entries sync.Map
}

func (a *activeExecutions) add(id string, cancel context.CancelFunc) {
	a.entries.Store(id, cancel)
}

func (a *activeExecutions) remove(id string) {
	a.entries.Delete(id)
}

func (a *activeExecutions) cancel(id string) bool {
	v, ok := a.entries.LoadAndDelete(id)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}
