package orchestration

import (
	"fmt"
	"strings"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/intent"
)

// BuildWorkflow maps a classified intent onto a workflow plan. Built-in
// templates cover every known intent type; operator templates loaded via
// ParseWorkflowYAML can replace them through the orchestrator.
func BuildWorkflow(in *intent.Intent) (*Workflow, error) {
	switch in.Type {
	case intent.TypeSearchByLocation:
		return &Workflow{
			ID:       "search-by-location",
			Name:     "District restaurant search",
			Strategy: StrategySequential,
			Merge:    MergeUnionByID,
			Steps: []Step{
				{
					ID:         "search",
					Capability: intent.CapSearchByDistrict,
					Inputs: []InputMapping{
						{Source: "params.districts", Target: "districts", Required: true},
					},
				},
			},
		}, nil

	case intent.TypeSearchByMeal:
		return &Workflow{
			ID:       "search-by-meal",
			Name:     "Meal-type restaurant search",
			Strategy: StrategySequential,
			Merge:    MergeUnionByID,
			Steps: []Step{
				{
					ID:         "search",
					Capability: intent.CapSearchByMeal,
					Inputs: []InputMapping{
						{Source: "params.meal_types", Target: "meal_types", Required: true},
					},
				},
			},
		}, nil

	case intent.TypeRecommendation:
		return &Workflow{
			ID:       "recommendation",
			Name:     "Restaurant recommendation",
			Strategy: StrategySequential,
			Merge:    MergeUnionByID,
			Steps: []Step{
				{
					ID:         "recommend",
					Capability: intent.CapRecommend,
					Inputs: []InputMapping{
						{Source: "params.districts", Target: "districts"},
						{Source: "params.meal_types", Target: "meal_types"},
						{Source: "params.personality_type", Target: "personality_type"},
					},
				},
			},
		}, nil

	case intent.TypeCombined:
		// Search feeds recommendation; sentiment enriches in parallel with
		// the recommendation stage and degrades gracefully on failure.
		return &Workflow{
			ID:       "search-and-recommend",
			Name:     "Search then recommend",
			Strategy: StrategyParallel,
			Merge:    MergeUnionByID,
			Steps: []Step{
				{
					ID:         "search",
					Capability: intent.CapSearchByDistrict,
					Inputs: []InputMapping{
						{Source: "params.districts", Target: "districts", Required: true},
					},
				},
				{
					ID:         "recommend",
					Capability: intent.CapRecommend,
					DependsOn:  []string{"search"},
					Inputs: []InputMapping{
						{Source: "search.restaurants", Target: "restaurants", Required: true},
						{Source: "params.personality_type", Target: "personality_type"},
					},
				},
				{
					ID:         "sentiment",
					Capability: intent.CapSentiment,
					DependsOn:  []string{"search"},
					Optional:   true,
					Condition:  &Condition{Path: "search.restaurants"},
					Inputs: []InputMapping{
						{Source: "search.restaurants", Target: "restaurant_ids", Transform: TransformExtractIDs, Required: true},
					},
					DefaultOutput: map[string]interface{}{"sentiment": nil},
				},
			},
		}, nil

	case intent.TypeSentiment:
		return &Workflow{
			ID:       "sentiment-analysis",
			Name:     "Restaurant sentiment analysis",
			Strategy: StrategySequential,
			Merge:    MergeShallow,
			Steps: []Step{
				{
					ID:         "sentiment",
					Capability: intent.CapSentiment,
					Inputs: []InputMapping{
						{Source: "params.restaurant_ids", Target: "restaurant_ids"},
						{Source: "params.districts", Target: "districts"},
					},
				},
			},
		}, nil
	}
	return nil, fmt.Errorf("no workflow template for intent %s: %w", in.Type, core.ErrWorkflowNotFound)
}

// downstreamInputKeys lists the output keys that dependent steps will
// read, for compatibility scoring during selection. Only the leaf of
// each cross-step mapping matters: "search.restaurants" reads the
// "restaurants" key of an upstream output.
func downstreamInputKeys(wf *Workflow) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, step := range wf.Steps {
		if len(step.DependsOn) == 0 {
			continue
		}
		for _, m := range step.Inputs {
			root, leaf, ok := splitPath(m.Source)
			if !ok || root == "params" {
				continue
			}
			if !seen[leaf] {
				seen[leaf] = true
				keys = append(keys, leaf)
			}
		}
	}
	return keys
}

func splitPath(path string) (root, leaf string, ok bool) {
	first := strings.Index(path, ".")
	if first < 0 {
		return path, "", false
	}
	last := strings.LastIndex(path, ".")
	return path[:first], path[last+1:], true
}
