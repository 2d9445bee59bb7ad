// Package intent classifies free-text requests into typed intents with
// extracted parameters and the capabilities needed to serve them.
// Classification is rule-based: a table of intent signatures is matched
// against the request text, and user context (conversation history,
// stored preferences) contributes a bounded confidence boost.
package intent

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// Type enumerates the supported intent classes.
type Type string

const (
	TypeSearchByLocation Type = "SEARCH_BY_LOCATION"
	TypeSearchByMeal     Type = "SEARCH_BY_MEAL"
	TypeRecommendation   Type = "RECOMMENDATION"
	TypeCombined         Type = "COMBINED_SEARCH_AND_RECOMMENDATION"
	TypeSentiment        Type = "SENTIMENT_ANALYSIS"
	TypeUnknown          Type = "UNKNOWN"
)

// Intent is the classified purpose of a request. Created per request and
// discarded after the response.
type Intent struct {
	Type                 Type                   `json:"type"`
	Confidence           float64                `json:"confidence"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	OptionalCapabilities []string               `json:"optional_capabilities,omitempty"`
	// Clarification is set instead of parameters when confidence fell
	// below the configured threshold and Type is UNKNOWN.
	Clarification string `json:"clarification,omitempty"`
}

// Capability names used across the engine.
const (
	CapSearchByDistrict = "search_restaurants_by_district"
	CapSearchByMeal     = "search_restaurants_by_meal_type"
	CapSearchCombined   = "search_restaurants_combined"
	CapRecommend        = "recommend_restaurants"
	CapSentiment        = "analyze_restaurant_sentiment"
)

// capabilityTable maps each intent type to its required and optional
// capabilities. The same intent always derives the same set.
var capabilityTable = map[Type]struct {
	required []string
	optional []string
}{
	TypeSearchByLocation: {
		required: []string{CapSearchByDistrict},
		optional: []string{CapSearchCombined},
	},
	TypeSearchByMeal: {
		required: []string{CapSearchByMeal},
		optional: []string{CapSearchCombined},
	},
	TypeRecommendation: {
		required: []string{CapRecommend},
		optional: []string{CapSentiment},
	},
	TypeCombined: {
		required: []string{CapSearchByDistrict, CapRecommend},
		optional: []string{CapSearchCombined, CapSentiment},
	},
	TypeSentiment: {
		required: []string{CapSentiment},
		optional: nil,
	},
}

type signature struct {
	intentType     Type
	patterns       []*regexp.Regexp
	baseConfidence float64
	// perExtraMatch is added for every matching pattern beyond the first
	perExtraMatch float64
}

var signatures = []signature{
	{
		intentType: TypeCombined,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(find|search|look).*(and|then).*(recommend|suggest|pick)`),
			regexp.MustCompile(`(?i)\b(recommend|suggest).*(in|near|around)\b`),
			regexp.MustCompile(`(?i)\bbest\b.*\b(in|near|around)\b`),
		},
		baseConfidence: 0.75,
		perExtraMatch:  0.1,
	},
	{
		intentType: TypeRecommendation,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(recommend|suggestion|suggest|pick for me|what should i)\b`),
			regexp.MustCompile(`(?i)\b(best|top|favorite)\b.*\b(restaurant|place|food|eat)`),
		},
		baseConfidence: 0.8,
		perExtraMatch:  0.1,
	},
	{
		intentType: TypeSentiment,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(sentiment|reviews?|ratings?|how do people (feel|like)|opinion)\b`),
			regexp.MustCompile(`(?i)\b(liked|disliked|popular)\b.*\brestaurant`),
		},
		baseConfidence: 0.8,
		perExtraMatch:  0.1,
	},
	{
		intentType: TypeSearchByMeal,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(breakfast|lunch|dinner|brunch)\b`),
		},
		baseConfidence: 0.75,
		perExtraMatch:  0.1,
	},
	{
		intentType: TypeSearchByLocation,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(find|search|show|list|looking for)\b.*\b(restaurant|place|food|eat)`),
			regexp.MustCompile(`(?i)\brestaurants?\b.*\b(in|near|around|at)\b`),
			regexp.MustCompile(`(?i)\bwhere (can|should) i eat\b`),
		},
		baseConfidence: 0.8,
		perExtraMatch:  0.05,
	},
}

// districtAliases normalizes free-form district mentions to canonical
// names. Keys are lowercase.
var districtAliases = map[string]string{
	"central":          "Central",
	"central district": "Central",
	"admiralty":     "Admiralty",
	"causeway bay":  "Causeway Bay",
	"cwb":           "Causeway Bay",
	"tsim sha tsui": "Tsim Sha Tsui",
	"tst":           "Tsim Sha Tsui",
	"mong kok":      "Mong Kok",
	"mk":            "Mong Kok",
	"wan chai":      "Wan Chai",
	"sheung wan":    "Sheung Wan",
	"sha tin":       "Sha Tin",
	"tai po":        "Tai Po",
	"yuen long":     "Yuen Long",
	"tuen mun":      "Tuen Mun",
}

var mealTypes = []string{"breakfast", "brunch", "lunch", "dinner"}

// Analyzer classifies request text into intents. It holds only immutable
// tables and configuration, so it is safe for concurrent use.
type Analyzer struct {
	confidenceThreshold float64
	contextBoostCap     float64
	logger              core.Logger
}

// NewAnalyzer creates an analyzer from configuration.
func NewAnalyzer(cfg core.IntentConfig) *Analyzer {
	return &Analyzer{
		confidenceThreshold: cfg.ConfidenceThreshold,
		contextBoostCap:     cfg.ContextBoostCap,
		logger:              &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider
func (a *Analyzer) SetLogger(logger core.Logger) {
	if logger == nil {
		a.logger = &core.NoOpLogger{}
	} else {
		a.logger = logger
	}
}

// Analyze classifies the request text. It is a pure function of its
// inputs: no analyzer state is mutated.
func (a *Analyzer) Analyze(ctx context.Context, text string, userCtx *core.UserContext) (*Intent, error) {
	best, confidence := a.match(text)

	if best != TypeUnknown {
		confidence += a.contextBoost(text, best, userCtx)
		if confidence > 1.0 {
			confidence = 1.0
		}
	}

	if best == TypeUnknown || confidence < a.confidenceThreshold {
		a.logger.Debug("Intent below confidence threshold", map[string]interface{}{
			"operation":  "intent_analysis",
			"candidate":  string(best),
			"confidence": confidence,
			"threshold":  a.confidenceThreshold,
		})
		return &Intent{
			Type:          TypeUnknown,
			Confidence:    confidence,
			Clarification: "Could you clarify what you are looking for? For example: a district to search, a meal type, or a request for recommendations.",
		}, nil
	}

	params := a.extractParameters(text, userCtx)
	caps := capabilityTable[best]

	intent := &Intent{
		Type:                 best,
		Confidence:           confidence,
		Parameters:           params,
		RequiredCapabilities: append([]string(nil), caps.required...),
		OptionalCapabilities: append([]string(nil), caps.optional...),
	}

	a.logger.Debug("Intent classified", map[string]interface{}{
		"operation":   "intent_analysis",
		"intent_type": string(best),
		"confidence":  confidence,
		"parameters":  len(params),
	})
	return intent, nil
}

// match runs the signature table and returns the highest-confidence type.
// Ties break by table order, which lists more specific intents first.
func (a *Analyzer) match(text string) (Type, float64) {
	bestType := TypeUnknown
	bestConfidence := 0.0

	for _, sig := range signatures {
		matches := 0
		for _, p := range sig.patterns {
			if p.MatchString(text) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		confidence := sig.baseConfidence + float64(matches-1)*sig.perExtraMatch
		if confidence > 1.0 {
			confidence = 1.0
		}
		if confidence > bestConfidence {
			bestConfidence = confidence
			bestType = sig.intentType
		}
	}
	return bestType, bestConfidence
}

// contextBoost returns a bounded confidence increment from conversation
// history and stored preferences.
func (a *Analyzer) contextBoost(text string, t Type, userCtx *core.UserContext) float64 {
	if userCtx == nil {
		return 0
	}

	boost := 0.0
	lower := strings.ToLower(text)

	// Recent conversation about the same subject reinforces the match.
	for _, prior := range userCtx.ConversationHistory {
		pl := strings.ToLower(prior)
		if strings.Contains(pl, "restaurant") || strings.Contains(pl, "eat") {
			boost += 0.05
			break
		}
	}

	// A stored preference mentioned in the request is a strong signal.
	for _, pref := range userCtx.Preferences {
		if pref != "" && strings.Contains(lower, strings.ToLower(pref)) {
			boost += 0.05
			break
		}
	}

	// Personality-driven recommendation flows benefit from a known type.
	if userCtx.PersonalityType != "" && (t == TypeRecommendation || t == TypeCombined) {
		boost += 0.05
	}

	if boost > a.contextBoostCap {
		boost = a.contextBoostCap
	}
	return boost
}

func (a *Analyzer) extractParameters(text string, userCtx *core.UserContext) map[string]interface{} {
	params := make(map[string]interface{})
	lower := strings.ToLower(text)

	var districts []string
	seen := make(map[string]bool)
	// Longest aliases first so "central district" wins over "central".
	aliases := make([]string, 0, len(districtAliases))
	for alias := range districtAliases {
		aliases = append(aliases, alias)
	}
	sort.Slice(aliases, func(i, j int) bool { return len(aliases[i]) > len(aliases[j]) })
	for _, alias := range aliases {
		if containsWord(lower, alias) {
			canonical := districtAliases[alias]
			if !seen[canonical] {
				seen[canonical] = true
				districts = append(districts, canonical)
			}
		}
	}
	if len(districts) > 0 {
		sort.Strings(districts)
		params["districts"] = districts
	}

	var meals []string
	for _, meal := range mealTypes {
		if containsWord(lower, meal) {
			meals = append(meals, meal)
		}
	}
	if len(meals) > 0 {
		params["meal_types"] = meals
	}

	if userCtx != nil && userCtx.PersonalityType != "" {
		params["personality_type"] = userCtx.PersonalityType
	}

	return params
}

func containsWord(text, word string) bool {
	idx := strings.Index(text, word)
	for idx >= 0 {
		before := idx == 0 || !isAlnum(text[idx-1])
		afterIdx := idx + len(word)
		after := afterIdx >= len(text) || !isAlnum(text[afterIdx])
		if before && after {
			return true
		}
		next := strings.Index(text[idx+1:], word)
		if next < 0 {
			return false
		}
		idx = idx + 1 + next
	}
	return false
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
