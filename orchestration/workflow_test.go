package orchestration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

func twoStepWorkflow() *Workflow {
	return &Workflow{
		ID:       "wf",
		Strategy: StrategySequential,
		Steps: []Step{
			{ID: "search", Capability: "search_restaurants_by_district"},
			{ID: "recommend", Capability: "recommend_restaurants", DependsOn: []string{"search"}},
		},
	}
}

func TestValidateAcceptsLinearWorkflow(t *testing.T) {
	assert.NoError(t, twoStepWorkflow().Validate())
}

func TestValidateRejectsCycle(t *testing.T) {
	wf := &Workflow{
		ID:       "wf",
		Strategy: StrategySequential,
		Steps: []Step{
			{ID: "a", Capability: "x", DependsOn: []string{"c"}},
			{ID: "b", Capability: "x", DependsOn: []string{"a"}},
			{ID: "c", Capability: "x", DependsOn: []string{"b"}},
		},
	}
	err := wf.Validate()
	assert.True(t, errors.Is(err, core.ErrWorkflowCycle))
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	wf := &Workflow{
		ID:       "wf",
		Strategy: StrategySequential,
		Steps:    []Step{{ID: "a", Capability: "x", DependsOn: []string{"a"}}},
	}
	assert.True(t, errors.Is(wf.Validate(), core.ErrWorkflowCycle))
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	wf := &Workflow{
		ID:       "wf",
		Strategy: StrategySequential,
		Steps:    []Step{{ID: "a", Capability: "x", DependsOn: []string{"ghost"}}},
	}
	assert.True(t, errors.Is(wf.Validate(), core.ErrInvalidConfiguration))
}

func TestValidateRejectsDuplicateStepIDs(t *testing.T) {
	wf := &Workflow{
		ID:       "wf",
		Strategy: StrategySequential,
		Steps: []Step{
			{ID: "a", Capability: "x"},
			{ID: "a", Capability: "y"},
		},
	}
	assert.Error(t, wf.Validate())
}

func TestValidateRejectsUnknownTransform(t *testing.T) {
	wf := &Workflow{
		ID:       "wf",
		Strategy: StrategySequential,
		Steps: []Step{{
			ID:         "a",
			Capability: "x",
			Inputs:     []InputMapping{{Source: "params.q", Target: "q", Transform: "reverse"}},
		}},
	}
	assert.Error(t, wf.Validate())
}

func TestStagesRespectDependencies(t *testing.T) {
	wf := &Workflow{
		ID:       "wf",
		Strategy: StrategyParallel,
		Steps: []Step{
			{ID: "s1", Capability: "x"},
			{ID: "s2", Capability: "x"},
			{ID: "join", Capability: "x", DependsOn: []string{"s1", "s2"}},
		},
	}
	require.NoError(t, wf.Validate())

	stages := wf.graph().stages()
	require.Len(t, stages, 2)
	assert.ElementsMatch(t, []string{"s1", "s2"}, stages[0])
	assert.Equal(t, []string{"join"}, stages[1])
}

func TestLookupDottedPaths(t *testing.T) {
	ec := NewExecutionContext("corr", map[string]interface{}{"districts": []string{"Central"}}, nil)
	ec.SetOutput("search", map[string]interface{}{
		"restaurants": []interface{}{map[string]interface{}{"id": "r1"}},
		"meta":        map[string]interface{}{"total": 1},
	})

	v, ok := ec.Lookup("params.districts")
	require.True(t, ok)
	assert.Equal(t, []string{"Central"}, v)

	v, ok = ec.Lookup("search.meta.total")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = ec.Lookup("search.missing")
	assert.False(t, ok)
	_, ok = ec.Lookup("ghost.anything")
	assert.False(t, ok)
}

func TestTransforms(t *testing.T) {
	restaurants := []interface{}{
		map[string]interface{}{"id": "r1", "name": "Dim Sum House"},
		map[string]interface{}{"id": "r2", "name": "Noodle Bar"},
		map[string]interface{}{"name": "Anonymous"},
	}

	t.Run("extract_ids", func(t *testing.T) {
		got, err := applyTransform(restaurants, TransformExtractIDs)
		require.NoError(t, err)
		assert.Equal(t, []interface{}{"r1", "r2"}, got)
	})

	t.Run("to_list wraps scalars", func(t *testing.T) {
		got, err := applyTransform("Central", TransformToList)
		require.NoError(t, err)
		assert.Equal(t, []interface{}{"Central"}, got)
	})

	t.Run("to_list passes lists through", func(t *testing.T) {
		got, err := applyTransform(restaurants, TransformToList)
		require.NoError(t, err)
		assert.Equal(t, restaurants, got)
	})

	t.Run("flatten one level", func(t *testing.T) {
		nested := []interface{}{
			[]interface{}{"a", "b"},
			[]interface{}{"c"},
			"d",
		}
		got, err := applyTransform(nested, TransformFlatten)
		require.NoError(t, err)
		assert.Equal(t, []interface{}{"a", "b", "c", "d"}, got)
	})

	t.Run("flatten rejects non-list", func(t *testing.T) {
		_, err := applyTransform("scalar", TransformFlatten)
		assert.Error(t, err)
	})

	t.Run("to_string serializes objects", func(t *testing.T) {
		got, err := applyTransform(map[string]interface{}{"id": "r1"}, TransformToString)
		require.NoError(t, err)
		assert.Equal(t, `{"id":"r1"}`, got)
	})
}

func TestConditionEvaluate(t *testing.T) {
	ec := NewExecutionContext("corr", map[string]interface{}{"mode": "fast"}, nil)
	ec.SetOutput("search", map[string]interface{}{"total": 3})

	assert.True(t, (&Condition{Path: "search.total"}).Evaluate(ec))
	assert.True(t, (&Condition{Path: "search.total", Equals: 3}).Evaluate(ec))
	assert.False(t, (&Condition{Path: "search.total", Equals: 4}).Evaluate(ec))
	assert.True(t, (&Condition{Path: "params.mode", Equals: "fast"}).Evaluate(ec))
	assert.False(t, (&Condition{Path: "search.missing"}).Evaluate(ec))
}

func TestMergeUnionByID(t *testing.T) {
	wf := &Workflow{
		ID:       "wf",
		Strategy: StrategyParallel,
		Merge:    MergeUnionByID,
		Steps: []Step{
			{ID: "s1", Capability: "x"},
			{ID: "s2", Capability: "x"},
		},
	}
	ec := NewExecutionContext("corr", nil, nil)
	ec.SetOutput("s1", map[string]interface{}{
		"restaurants": []interface{}{
			map[string]interface{}{"id": "r1"},
			map[string]interface{}{"id": "r2"},
		},
	})
	ec.SetOutput("s2", map[string]interface{}{
		"restaurants": []interface{}{
			map[string]interface{}{"id": "r2"},
			map[string]interface{}{"id": "r3"},
		},
		"total": 2,
	})

	merged := mergeOutputs(wf, ec)
	list := merged["restaurants"].([]interface{})
	require.Len(t, list, 3)
	assert.Equal(t, 2, merged["total"])
}

func TestParseWorkflowYAML(t *testing.T) {
	data := []byte(`
id: custom-search
strategy: sequential
steps:
  - id: search
    capability: search_restaurants_by_district
    inputs:
      - source: params.districts
        target: districts
        required: true
  - id: recommend
    capability: recommend_restaurants
    depends_on: [search]
    inputs:
      - source: search.restaurants
        target: restaurants
        transform: to_list
`)
	wf, err := ParseWorkflowYAML(data)
	require.NoError(t, err)
	assert.Equal(t, "custom-search", wf.ID)
	assert.Equal(t, MergeUnionByID, wf.Merge)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, []string{"search"}, wf.Steps[1].DependsOn)
	assert.Equal(t, TransformToList, wf.Steps[1].Inputs[0].Transform)
}

func TestParseWorkflowYAMLRejectsCycle(t *testing.T) {
	data := []byte(`
id: bad
strategy: sequential
steps:
  - id: a
    capability: x
    depends_on: [b]
  - id: b
    capability: x
    depends_on: [a]
`)
	_, err := ParseWorkflowYAML(data)
	assert.True(t, errors.Is(err, core.ErrWorkflowCycle))
}
