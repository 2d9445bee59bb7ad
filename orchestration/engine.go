package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/resilience"
)

// ToolResolver produces the invocation chain for a step: the primary
// tool first, ranked fallbacks after. Implemented by the orchestrator
// from its selection result.
type ToolResolver interface {
	Resolve(ctx context.Context, step *Step) ([]*core.ToolInfo, error)
}

// StepRecord is the per-step accounting attached to a workflow result.
type StepRecord struct {
	StepID       string        `json:"step_id"`
	ToolID       string        `json:"tool_id,omitempty"`
	Status       string        `json:"status"`
	Attempts     int           `json:"attempts,omitempty"`
	Latency      time.Duration `json:"latency,omitempty"`
	FallbackUsed bool          `json:"fallback_used,omitempty"`
	FailureClass string        `json:"failure_class,omitempty"`
	Error        string        `json:"error,omitempty"`
	SkipReason   string        `json:"skip_reason,omitempty"`
}

// WorkflowResult is the outcome of one workflow execution.
type WorkflowResult struct {
	WorkflowID    string                 `json:"workflow_id"`
	CorrelationID string                 `json:"correlation_id"`
	Success       bool                   `json:"success"`
	// Partial marks a tolerated required-step failure: the output holds
	// everything that did complete.
	Partial bool `json:"partial,omitempty"`
	// Degraded marks fallback-served or defaulted optional results.
	Degraded    bool                   `json:"degraded,omitempty"`
	Steps       []StepRecord           `json:"steps"`
	Output      map[string]interface{} `json:"output,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Duration    time.Duration          `json:"duration"`
}

// Engine executes validated workflows. Every tool call routes through
// the resilience handler, so retries, circuit breaking, and fallback
// chains apply uniformly regardless of strategy.
type Engine struct {
	handler *resilience.Handler
	cfg     core.EngineConfig
	logger  core.Logger
	tel     core.Telemetry
}

// NewEngine creates a workflow engine on top of the error handler.
func NewEngine(handler *resilience.Handler, cfg core.EngineConfig) *Engine {
	return &Engine{
		handler: handler,
		cfg:     cfg,
		logger:  &core.NoOpLogger{},
		tel:     &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider
func (e *Engine) SetLogger(logger core.Logger) {
	if logger == nil {
		e.logger = &core.NoOpLogger{}
	} else {
		e.logger = logger
	}
}

// SetTelemetry sets the telemetry provider
func (e *Engine) SetTelemetry(tel core.Telemetry) {
	if tel == nil {
		e.tel = &core.NoOpTelemetry{}
	} else {
		e.tel = tel
	}
}

// execution tracks mutable state for one run.
type execution struct {
	wf       *Workflow
	ec       *ExecutionContext
	graph    *stepGraph
	resolver ToolResolver

	mu       sync.Mutex
	records  map[string]*StepRecord
	degraded bool
	partial  bool
	fatal    error
}

// Execute runs the workflow to completion or first unrecoverable
// failure. The returned result always carries per-step records, even on
// error.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, ec *ExecutionContext, resolver ToolResolver) (*WorkflowResult, error) {
	if err := wf.Validate(); err != nil {
		return nil, core.NewOrchestrationError(core.KindConfiguration, "workflow_engine", ec.CorrelationID, err)
	}

	timeout := wf.Timeout
	if timeout <= 0 {
		timeout = e.cfg.WorkflowTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runCtx, span := e.tel.StartSpan(runCtx, "workflow.execute")
	span.SetAttribute("workflow.id", wf.ID)
	span.SetAttribute("workflow.strategy", string(wf.Strategy))
	span.SetAttribute("correlation_id", ec.CorrelationID)
	defer span.End()

	started := time.Now()
	ex := &execution{
		wf:       wf,
		ec:       ec,
		graph:    wf.graph(),
		resolver: resolver,
		records:  make(map[string]*StepRecord),
	}

	e.logger.Info("Workflow execution started", map[string]interface{}{
		"operation":      "workflow_execute",
		"workflow_id":    wf.ID,
		"correlation_id": ec.CorrelationID,
		"strategy":       string(wf.Strategy),
		"steps":          len(wf.Steps),
	})

	for _, stage := range ex.graph.stages() {
		if ex.fatalError() != nil || runCtx.Err() != nil {
			break
		}
		if wf.Strategy == StrategyParallel && len(stage) > 1 {
			var wg sync.WaitGroup
			for _, stepID := range stage {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					e.runStep(runCtx, ex, id)
				}(stepID)
			}
			wg.Wait()
		} else {
			for _, stepID := range stage {
				if ex.fatalError() != nil || runCtx.Err() != nil {
					break
				}
				e.runStep(runCtx, ex, stepID)
			}
		}
	}

	result := ex.buildResult(started)
	fatal := ex.fatalError()

	if fatal == nil && runCtx.Err() != nil && !result.Success {
		fatal = fmt.Errorf("workflow %s: %w", wf.ID, core.ErrTimeout)
	}

	e.logger.Info("Workflow execution finished", map[string]interface{}{
		"operation":      "workflow_execute",
		"workflow_id":    wf.ID,
		"correlation_id": ec.CorrelationID,
		"success":        result.Success,
		"partial":        result.Partial,
		"degraded":       result.Degraded,
		"duration_ms":    result.Duration.Milliseconds(),
	})
	e.tel.RecordMetric("orchestrator.workflow.duration_ms", float64(result.Duration.Milliseconds()),
		map[string]string{"workflow_id": wf.ID, "success": fmt.Sprintf("%t", result.Success)})

	if fatal != nil {
		span.RecordError(fatal)
		return result, core.NewOrchestrationError(core.KindWorkflowExecution, "workflow_engine", ec.CorrelationID, fatal)
	}
	return result, nil
}

// runStep evaluates conditions, resolves inputs, and invokes the step's
// capability through the resilience handler.
func (e *Engine) runStep(ctx context.Context, ex *execution, stepID string) {
	step := ex.wf.step(stepID)
	if ex.graph.status(stepID) == StepSkipped {
		ex.record(stepID, &StepRecord{StepID: stepID, Status: StepSkipped.String(), SkipReason: "upstream step failed"})
		return
	}

	if step.Condition != nil && !step.Condition.Evaluate(ex.ec) {
		ex.graph.setStatus(stepID, StepSkipped)
		ex.record(stepID, &StepRecord{StepID: stepID, Status: StepSkipped.String(), SkipReason: "condition not met"})
		e.logger.Debug("Step skipped by condition", map[string]interface{}{
			"operation":      "workflow_step",
			"correlation_id": ex.ec.CorrelationID,
			"step_id":        stepID,
			"condition_path": step.Condition.Path,
		})
		return
	}

	params, skipReason, err := e.resolveInputs(step, ex.ec)
	if skipReason != "" {
		ex.graph.setStatus(stepID, StepSkipped)
		ex.record(stepID, &StepRecord{StepID: stepID, Status: StepSkipped.String(), SkipReason: skipReason})
		return
	}
	if err != nil {
		e.failStep(ex, step, nil, err, string(resilience.ClassValidation))
		return
	}

	chain, err := ex.resolver.Resolve(ctx, step)
	if err != nil {
		e.failStep(ex, step, nil, err, "")
		return
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StepTimeout
	}
	inv := core.Invocation{
		Capability: step.Capability,
		Parameters: params,
		Timeout:    timeout,
	}

	ex.graph.setStatus(stepID, StepRunning)
	outcome, err := e.handler.Execute(ctx, ex.ec.CorrelationID, chain, inv)
	if err != nil {
		e.failStep(ex, step, outcome, err, string(outcome.Class))
		return
	}

	ex.graph.setStatus(stepID, StepCompleted)
	ex.ec.SetOutput(stepID, outcome.Payload)
	record := &StepRecord{
		StepID:       stepID,
		ToolID:       outcome.ToolID,
		Status:       StepCompleted.String(),
		Attempts:     outcome.Attempts,
		Latency:      outcome.Latency,
		FallbackUsed: outcome.FallbackUsed,
	}
	ex.record(stepID, record)
	if outcome.Degraded {
		ex.markDegraded()
	}
}

// failStep applies the failure policy: optional steps degrade, required
// steps either mark the result partial or abort the workflow.
func (e *Engine) failStep(ex *execution, step *Step, outcome *resilience.Outcome, err error, class string) {
	record := &StepRecord{
		StepID:       step.ID,
		Status:       StepFailed.String(),
		FailureClass: class,
		Error:        err.Error(),
	}
	if outcome != nil {
		record.ToolID = outcome.ToolID
		record.Attempts = outcome.Attempts
	}
	ex.graph.setStatus(step.ID, StepFailed)
	ex.record(step.ID, record)

	fields := map[string]interface{}{
		"operation":      "workflow_step",
		"correlation_id": ex.ec.CorrelationID,
		"step_id":        step.ID,
		"capability":     step.Capability,
		"optional":       step.Optional,
		"failure_class":  class,
		"error":          err.Error(),
	}

	if step.Optional {
		if step.DefaultOutput != nil {
			ex.ec.SetOutput(step.ID, step.DefaultOutput)
		}
		ex.markDegraded()
		e.logger.Warn("Optional step failed, continuing degraded", fields)
		return
	}

	if e.cfg.ToleratePartialResults {
		ex.markPartial()
		for _, skipped := range ex.graph.markDependentsSkipped(step.ID) {
			ex.record(skipped, &StepRecord{
				StepID:     skipped,
				Status:     StepSkipped.String(),
				SkipReason: fmt.Sprintf("required step %s failed", step.ID),
			})
		}
		e.logger.Warn("Required step failed, tolerating partial result", fields)
		return
	}

	e.logger.Error("Required step failed, aborting workflow", fields)
	for _, skipped := range ex.graph.markDependentsSkipped(step.ID) {
		ex.record(skipped, &StepRecord{
			StepID:     skipped,
			Status:     StepSkipped.String(),
			SkipReason: fmt.Sprintf("required step %s failed", step.ID),
		})
	}
	ex.setFatal(fmt.Errorf("step %s (%s): %w: %v", step.ID, step.Capability, core.ErrStepFailed, err))
}

// resolveInputs builds the invocation parameters from the step's
// mappings. A required mapping whose upstream source never materialized
// skips the step; a required request parameter that is absent fails it.
func (e *Engine) resolveInputs(step *Step, ec *ExecutionContext) (map[string]interface{}, string, error) {
	params := make(map[string]interface{})
	for _, m := range step.Inputs {
		value, ok := ec.Lookup(m.Source)
		if !ok {
			if m.Default != nil {
				params[m.Target] = m.Default
				continue
			}
			if !m.Required {
				continue
			}
			root, _, _ := splitPath(m.Source)
			if root == "params" {
				return nil, "", fmt.Errorf("step %s requires request parameter %s: %w", step.ID, m.Source, core.ErrInvalidConfiguration)
			}
			return nil, fmt.Sprintf("required input %s unavailable", m.Source), nil
		}
		transformed, err := applyTransform(value, m.Transform)
		if err != nil {
			return nil, "", fmt.Errorf("step %s input %s: %w", step.ID, m.Source, err)
		}
		params[m.Target] = transformed
	}
	return params, "", nil
}

func (ex *execution) record(stepID string, r *StepRecord) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.records[stepID] = r
}

func (ex *execution) markDegraded() {
	ex.mu.Lock()
	ex.degraded = true
	ex.mu.Unlock()
}

func (ex *execution) markPartial() {
	ex.mu.Lock()
	ex.partial = true
	ex.mu.Unlock()
}

func (ex *execution) setFatal(err error) {
	ex.mu.Lock()
	if ex.fatal == nil {
		ex.fatal = err
	}
	ex.mu.Unlock()
}

func (ex *execution) fatalError() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.fatal
}

// buildResult assembles step records in declared order and merges the
// completed outputs.
func (ex *execution) buildResult(started time.Time) *WorkflowResult {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	result := &WorkflowResult{
		WorkflowID:    ex.wf.ID,
		CorrelationID: ex.ec.CorrelationID,
		StartedAt:     started,
		CompletedAt:   time.Now(),
		Degraded:      ex.degraded,
		Partial:       ex.partial,
	}
	result.Duration = result.CompletedAt.Sub(started)

	for _, step := range ex.wf.Steps {
		record, ok := ex.records[step.ID]
		if !ok {
			record = &StepRecord{StepID: step.ID, Status: StepPending.String()}
			if ex.fatal != nil {
				record.Status = StepSkipped.String()
				record.SkipReason = "workflow aborted"
			}
		}
		result.Steps = append(result.Steps, *record)
	}
	result.Success = ex.fatal == nil && !ex.partial
	// Merged output surfaces whatever completed, even on partial failure.
	result.Output = mergeOutputs(ex.wf, ex.ec)
	return result
}
