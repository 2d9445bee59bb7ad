package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/intent"
)

func registerSearchOnlyTool(t *testing.T, r core.ToolRegistry) {
	t.Helper()
	require.NoError(t, r.Register(context.Background(), &core.ToolInfo{
		ID:       "search-1",
		Name:     "District Search",
		Endpoint: "http://search-1.local",
		Capabilities: []core.Capability{
			{Name: intent.CapSearchByDistrict, Outputs: []string{"restaurants"}},
		},
		Health: core.HealthHealthy,
	}))
	require.NoError(t, r.UpdateHealth(context.Background(), "search-1", core.HealthHealthy))
}

func registerSuiteTool(t *testing.T, r core.ToolRegistry) {
	t.Helper()
	require.NoError(t, r.Register(context.Background(), &core.ToolInfo{
		ID:       "suite-1",
		Name:     "Restaurant Suite",
		Endpoint: "http://suite-1.local",
		Capabilities: []core.Capability{
			{Name: intent.CapSearchByDistrict, Outputs: []string{"restaurants"}},
			{Name: intent.CapSearchByMeal, Outputs: []string{"restaurants"}},
			{Name: intent.CapRecommend, Outputs: []string{"recommendation"}},
			{Name: intent.CapSentiment, Outputs: []string{"sentiment"}},
		},
		Health: core.HealthHealthy,
	}))
	require.NoError(t, r.UpdateHealth(context.Background(), "suite-1", core.HealthHealthy))
}

func newTestOrchestrator(t *testing.T, registry core.ToolRegistry, invoker core.ToolInvoker) *Orchestrator {
	t.Helper()
	memory := core.NewMemoryStore()
	t.Cleanup(memory.Close)

	o, err := NewOrchestrator(core.DefaultConfig(), registry, invoker, memory)
	require.NoError(t, err)
	return o
}

func TestOrchestrateSearchByLocation(t *testing.T) {
	registry := core.NewMemoryRegistry()
	registerSearchOnlyTool(t, registry)

	invoker := newCapabilityInvoker()
	restaurants := []interface{}{
		map[string]interface{}{"id": "r1", "name": "Dim Sum House", "district": "Central"},
	}
	invoker.serve(intent.CapSearchByDistrict, map[string]interface{}{"restaurants": restaurants})

	o := newTestOrchestrator(t, registry, invoker)

	result, err := o.Orchestrate(context.Background(), Request{Text: "Find restaurants in Central district"})
	require.NoError(t, err)

	assert.Equal(t, string(intent.TypeSearchByLocation), result.IntentType)
	assert.GreaterOrEqual(t, result.Confidence, 0.8)
	require.NotNil(t, result.Workflow)
	assert.True(t, result.Workflow.Success)
	require.Len(t, result.Workflow.Steps, 1)
	assert.Equal(t, "completed", result.Workflow.Steps[0].Status)
	assert.Equal(t, "search-1", result.Workflow.Steps[0].ToolID)
	assert.Equal(t, restaurants, result.Workflow.Output["restaurants"])

	// The search tool received the canonical district name.
	params := invoker.params(intent.CapSearchByDistrict)
	require.Len(t, params, 1)
	assert.Equal(t, []string{"Central"}, params[0]["districts"])
}

func TestOrchestrateCombinedSearchAndRecommend(t *testing.T) {
	registry := core.NewMemoryRegistry()
	registerSuiteTool(t, registry)

	invoker := newCapabilityInvoker()
	invoker.serve(intent.CapSearchByDistrict, map[string]interface{}{
		"restaurants": []interface{}{map[string]interface{}{"id": "r1"}},
	})
	invoker.serve(intent.CapRecommend, map[string]interface{}{"recommendation": "r1"})
	invoker.serve(intent.CapSentiment, map[string]interface{}{"sentiment": map[string]interface{}{"r1": "positive"}})

	o := newTestOrchestrator(t, registry, invoker)

	result, err := o.Orchestrate(context.Background(), Request{
		Text: "Find restaurants in Tsim Sha Tsui and then recommend the best ones near me",
		User: &core.UserContext{PersonalityType: "ENFP"},
	})
	require.NoError(t, err)

	assert.Equal(t, string(intent.TypeCombined), result.IntentType)
	require.NotNil(t, result.Workflow)
	assert.True(t, result.Workflow.Success)
	assert.Equal(t, "r1", result.Workflow.Output["recommendation"])

	// Recommend saw the search output and the user's personality type.
	recoParams := invoker.params(intent.CapRecommend)
	require.Len(t, recoParams, 1)
	assert.NotNil(t, recoParams[0]["restaurants"])
	assert.Equal(t, "ENFP", recoParams[0]["personality_type"])

	// Sentiment got the extracted IDs.
	sentiParams := invoker.params(intent.CapSentiment)
	require.Len(t, sentiParams, 1)
	assert.Equal(t, []interface{}{"r1"}, sentiParams[0]["restaurant_ids"])
}

func TestOrchestrateUnknownIntent(t *testing.T) {
	registry := core.NewMemoryRegistry()
	registerSearchOnlyTool(t, registry)

	o := newTestOrchestrator(t, registry, newCapabilityInvoker())

	_, err := o.Orchestrate(context.Background(), Request{Text: "what is the meaning of life"})
	require.Error(t, err)

	var orchErr *core.OrchestrationError
	require.True(t, errors.As(err, &orchErr))
	assert.Equal(t, core.KindIntentAnalysis, orchErr.Kind)
	assert.NotEmpty(t, orchErr.Suggestion, "unknown intent must carry a clarification")
	assert.True(t, errors.Is(err, core.ErrIntentUnknown))
}

func TestOrchestrateNoMatchingTool(t *testing.T) {
	registry := core.NewMemoryRegistry()

	o := newTestOrchestrator(t, registry, newCapabilityInvoker())

	_, err := o.Orchestrate(context.Background(), Request{Text: "Find restaurants in Central district"})
	require.Error(t, err)

	var orchErr *core.OrchestrationError
	require.True(t, errors.As(err, &orchErr))
	assert.Equal(t, core.KindToolSelection, orchErr.Kind)
	assert.True(t, errors.Is(err, core.ErrNoToolSatisfiesIntent))
}

func TestOrchestrateIdempotentReplay(t *testing.T) {
	registry := core.NewMemoryRegistry()
	registerSearchOnlyTool(t, registry)

	invoker := newCapabilityInvoker()
	invoker.serve(intent.CapSearchByDistrict, map[string]interface{}{
		"restaurants": []interface{}{map[string]interface{}{"id": "r1"}},
	})

	o := newTestOrchestrator(t, registry, invoker)
	req := Request{Text: "Find restaurants in Central district", CorrelationID: "corr-42"}

	first, err := o.Orchestrate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := o.Orchestrate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Workflow.Output, second.Workflow.Output)

	// The tool was invoked exactly once; the replay had no side effects.
	assert.Len(t, invoker.params(intent.CapSearchByDistrict), 1)
}

func TestGetWorkflowStatus(t *testing.T) {
	registry := core.NewMemoryRegistry()
	registerSearchOnlyTool(t, registry)

	invoker := newCapabilityInvoker()
	invoker.serve(intent.CapSearchByDistrict, map[string]interface{}{"restaurants": []interface{}{}})

	o := newTestOrchestrator(t, registry, invoker)

	_, err := o.Orchestrate(context.Background(), Request{
		Text:          "Find restaurants in Central district",
		CorrelationID: "corr-7",
	})
	require.NoError(t, err)

	record, err := o.GetWorkflowStatus(context.Background(), "corr-7")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, record.State)
	require.NotNil(t, record.Result)
	assert.True(t, record.Result.Success)

	_, err = o.GetWorkflowStatus(context.Background(), "ghost")
	assert.True(t, errors.Is(err, core.ErrWorkflowNotFound))
}

// blockingInvoker parks every invocation until released.
type blockingInvoker struct {
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func newBlockingInvoker() *blockingInvoker {
	return &blockingInvoker{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingInvoker) Invoke(ctx context.Context, tool *core.ToolInfo, inv core.Invocation) (*core.InvocationResult, error) {
	b.startOnce.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return &core.InvocationResult{Payload: map[string]interface{}{}, StatusCode: 200}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestOrchestrateConcurrencyCap(t *testing.T) {
	registry := core.NewMemoryRegistry()
	registerSearchOnlyTool(t, registry)

	invoker := newBlockingInvoker()
	memory := core.NewMemoryStore()
	t.Cleanup(memory.Close)

	cfg := core.DefaultConfig()
	cfg.Engine.MaxConcurrentWorkflows = 1
	o, err := NewOrchestrator(cfg, registry, invoker, memory)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := o.Orchestrate(context.Background(), Request{Text: "Find restaurants in Central district"})
		done <- err
	}()

	select {
	case <-invoker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first workflow never started")
	}

	_, err = o.Orchestrate(context.Background(), Request{Text: "Find restaurants in Central district"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTooManyWorkflows))

	close(invoker.release)
	require.NoError(t, <-done)
}

func TestCancelWorkflow(t *testing.T) {
	registry := core.NewMemoryRegistry()
	registerSearchOnlyTool(t, registry)

	invoker := newBlockingInvoker()
	memory := core.NewMemoryStore()
	t.Cleanup(memory.Close)

	o, err := NewOrchestrator(core.DefaultConfig(), registry, invoker, memory)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := o.Orchestrate(context.Background(), Request{
			Text:          "Find restaurants in Central district",
			CorrelationID: "corr-cancel",
		})
		done <- err
	}()

	select {
	case <-invoker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow never started")
	}

	assert.True(t, o.CancelWorkflow("corr-cancel"))
	require.Error(t, <-done)

	record, err := o.GetWorkflowStatus(context.Background(), "corr-cancel")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCancelled, record.State)

	// Cancelling an unknown or finished execution reports false.
	assert.False(t, o.CancelWorkflow("corr-cancel"))
}

func TestRankToolsIntrospection(t *testing.T) {
	registry := core.NewMemoryRegistry()
	registerSearchOnlyTool(t, registry)
	registerSuiteTool(t, registry)

	o := newTestOrchestrator(t, registry, newCapabilityInvoker())

	ranked, err := o.RankTools(context.Background(), "Find restaurants in Central district", nil)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	for _, tool := range ranked {
		assert.Greater(t, tool.Score, 0.0)
	}
}

func TestBreakerSnapshotsSorted(t *testing.T) {
	registry := core.NewMemoryRegistry()
	o := newTestOrchestrator(t, registry, newCapabilityInvoker())

	o.Breakers().ForceOpen("zeta")
	o.Breakers().ForceOpen("alpha")

	snaps := o.BreakerSnapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "alpha", snaps[0].ToolID)
	assert.Equal(t, "zeta", snaps[1].ToolID)
}

func TestRegisterTemplateOverridesBuiltIn(t *testing.T) {
	registry := core.NewMemoryRegistry()
	registerSearchOnlyTool(t, registry)

	invoker := newCapabilityInvoker()
	invoker.serve(intent.CapSearchByDistrict, map[string]interface{}{"restaurants": []interface{}{}})

	o := newTestOrchestrator(t, registry, invoker)

	custom := &Workflow{
		ID:       "custom-search",
		Strategy: StrategySequential,
		Steps: []Step{{
			ID:         "lookup",
			Capability: intent.CapSearchByDistrict,
			Inputs:     []InputMapping{{Source: "params.districts", Target: "districts", Required: true}},
		}},
	}
	require.NoError(t, o.RegisterTemplate(intent.TypeSearchByLocation, custom))

	result, err := o.Orchestrate(context.Background(), Request{Text: "Find restaurants in Central district"})
	require.NoError(t, err)
	assert.Equal(t, "custom-search", result.Workflow.WorkflowID)
	assert.Equal(t, "lookup", result.Workflow.Steps[0].StepID)
}
