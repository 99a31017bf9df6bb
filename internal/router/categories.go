// Package router implements C5, the Mixture-of-Experts scoring model that
// chooses which expert category — and, from there, which worker — should
// receive an admitted task. The additive/subtractive keyword model mirrors
// the orchestrator's declarative plugin-selection tables
// (services/orchestrator/plugins.go), generalized from a fixed plugin-type
// switch into a scored confidence vector.
package router

import "strings"

// CategorySpec describes one expert category's scoring inputs.
type CategorySpec struct {
	Name string

	// DeclaredTypes are task.DeclaredType values that short-circuit scoring
	// to a fixed high confidence.
	DeclaredTypes map[string]struct{}

	PositiveKeywords []string
	BoosterPhrases   []string
	NegativeKeywords []string

	// Max is the raw-score denominator used to normalize into [0,1]; chosen
	// per category so only an overwhelming match saturates to 1.0.
	Max float64

	// RequiredCapability is the worker capability tag a candidate must
	// declare to receive a task routed to this category.
	RequiredCapability string

	// HistoricalSuccessRate breaks ties among categories with equal score;
	// callers update it out of band as completions accrue.
	HistoricalSuccessRate float64
}

const (
	declaredTypeConfidence = 0.95
	positiveWeight         = 25
	boosterWeight          = 12
	negativePenalty        = 30
)

// FallbackCategory is routed to when no category clears the minimum
// confidence threshold.
const FallbackCategory = "fallback"

// DefaultCategories is the built-in expert table, grounded on the kinds of
// work the orchestrator's plugin set already models (SQL, HTTP, scripting,
// messaging) generalized into scoring categories.
func DefaultCategories() []*CategorySpec {
	return []*CategorySpec{
		{
			Name:                  "data-analysis",
			DeclaredTypes:         set("data-analysis", "analytics"),
			PositiveKeywords:      []string{"analyze", "dataset", "report", "statistics", "trend", "chart"},
			BoosterPhrases:        []string{"sales report", "quarterly"},
			NegativeKeywords:      []string{"delete", "deploy"},
			Max:                   100,
			RequiredCapability:    "data-analysis",
			HistoricalSuccessRate: 0.9,
		},
		{
			Name:                  "code-generation",
			DeclaredTypes:         set("code-generation", "coding"),
			PositiveKeywords:      []string{"function", "implement", "refactor", "bug", "compile", "code"},
			BoosterPhrases:        []string{"pull request", "unit test"},
			NegativeKeywords:      []string{"invoice", "shipment"},
			Max:                   100,
			RequiredCapability:    "code-generation",
			HistoricalSuccessRate: 0.85,
		},
		{
			Name:                  "document-processing",
			DeclaredTypes:         set("document-processing", "document"),
			PositiveKeywords:      []string{"summarize", "document", "pdf", "extract", "translate"},
			BoosterPhrases:        []string{"executive summary"},
			NegativeKeywords:      []string{"deploy", "compile"},
			Max:                   90,
			RequiredCapability:    "document-processing",
			HistoricalSuccessRate: 0.88,
		},
		{
			Name:                  "infrastructure",
			DeclaredTypes:         set("infrastructure", "ops"),
			PositiveKeywords:      []string{"deploy", "provision", "scale", "server", "kubernetes", "cluster"},
			BoosterPhrases:        []string{"rolling restart"},
			NegativeKeywords:      []string{"summarize", "analyze"},
			Max:                   100,
			RequiredCapability:    "infrastructure",
			HistoricalSuccessRate: 0.8,
		},
		{
			Name:                  FallbackCategory,
			DeclaredTypes:         map[string]struct{}{},
			PositiveKeywords:      nil,
			BoosterPhrases:        nil,
			NegativeKeywords:      nil,
			Max:                   1,
			RequiredCapability:    "",
			HistoricalSuccessRate: 0.5,
		},
	}
}

func set(vals ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

// containsPhrase reports whether phrase appears anywhere in text, case
// insensitively. Plain substring match, not word-boundary aware — spec.md
// §4.5's keyword scoring never calls for boundary checks, unlike the
// validator's pattern matching in aho.go.
func containsPhrase(text, phrase string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(phrase))
}
