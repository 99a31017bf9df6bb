package router

import (
	"sort"

	"github.com/ry-ops/taskguard/internal/model"
)

// Thresholds controls category selection.
type Thresholds struct {
	SingleExpert       float64 // score at/above which a category is chosen outright
	ParallelActivation float64 // score at/above which parallel activation is considered
	ParallelEnabled    bool
	Minimum            float64 // score below which fallback is used
}

// Decision is the router's output for one task.
type Decision struct {
	Scores     map[string]float64
	Categories []string // one category, unless parallel activation selected more
}

// Router is C5.
type Router struct {
	categories []*CategorySpec
	thresholds Thresholds
}

// New constructs a Router over the given category table and thresholds.
func New(categories []*CategorySpec, thresholds Thresholds) *Router {
	return &Router{categories: categories, thresholds: thresholds}
}

// score computes one category's normalized confidence for a task.
func score(spec *CategorySpec, declaredType, description string) float64 {
	if declaredType != "" {
		if _, ok := spec.DeclaredTypes[declaredType]; ok {
			return declaredTypeConfidence
		}
	}
	raw := 0.0
	for _, kw := range spec.PositiveKeywords {
		if containsPhrase(description, kw) {
			raw += positiveWeight
		}
	}
	for _, b := range spec.BoosterPhrases {
		if containsPhrase(description, b) {
			raw += boosterWeight
		}
	}
	for _, neg := range spec.NegativeKeywords {
		if containsPhrase(description, neg) {
			raw -= negativePenalty
		}
	}
	if raw < 0 {
		raw = 0
	}
	if spec.Max <= 0 {
		return 0
	}
	norm := raw / spec.Max
	if norm > 1 {
		norm = 1
	}
	return norm
}

// Route computes the confidence vector for task and selects one or more
// categories per the configured thresholds.
func (r *Router) Route(task model.Task) Decision {
	scores := make(map[string]float64, len(r.categories))
	for _, c := range r.categories {
		if c.Name == FallbackCategory {
			continue
		}
		scores[c.Name] = score(c, task.DeclaredType, task.Description)
	}

	type ranked struct {
		name  string
		score float64
	}
	var list []ranked
	for name, sc := range scores {
		list = append(list, ranked{name, sc})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return r.breakTie(task.DeclaredType, list[i].name, list[j].name)
	})

	if len(list) == 0 {
		return Decision{Scores: scores, Categories: []string{FallbackCategory}}
	}

	top := list[0]
	if top.score >= r.thresholds.SingleExpert {
		return Decision{Scores: scores, Categories: []string{top.name}}
	}
	if r.thresholds.ParallelEnabled && top.score >= r.thresholds.ParallelActivation {
		var cats []string
		for _, item := range list {
			if item.score >= r.thresholds.ParallelActivation {
				cats = append(cats, item.name)
			}
		}
		return Decision{Scores: scores, Categories: cats}
	}
	if top.score >= r.thresholds.Minimum {
		return Decision{Scores: scores, Categories: []string{top.name}}
	}
	return Decision{Scores: scores, Categories: []string{FallbackCategory}}
}

// breakTie returns true if a should sort before b: declared-type match
// first, then historical success rate, then lexicographic category name.
func (r *Router) breakTie(declaredType, a, b string) bool {
	specA, specB := r.byName(a), r.byName(b)
	if specA == nil || specB == nil {
		return a < b
	}
	_, aMatch := specA.DeclaredTypes[declaredType]
	_, bMatch := specB.DeclaredTypes[declaredType]
	if aMatch != bMatch {
		return aMatch
	}
	if specA.HistoricalSuccessRate != specB.HistoricalSuccessRate {
		return specA.HistoricalSuccessRate > specB.HistoricalSuccessRate
	}
	return a < b
}

func (r *Router) byName(name string) *CategorySpec {
	for _, c := range r.categories {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// RequiredCapability returns the capability tag a worker must declare to be
// eligible for category, or "" if the category imposes none (the fallback
// category, for instance).
func (r *Router) RequiredCapability(category string) string {
	if c := r.byName(category); c != nil {
		return c.RequiredCapability
	}
	return ""
}

// ChooseWorker picks the best candidate for a task already routed to
// category: lowest current load, ties broken by longest time since last
// assignment. Candidates must already be filtered for admissibility,
// capability, and spare capacity by the caller (store.ListCandidates).
func ChooseWorker(candidates []model.Worker) (model.Worker, bool) {
	if len(candidates) == 0 {
		return model.Worker{}, false
	}
	best := candidates[0]
	for _, w := range candidates[1:] {
		if w.Load < best.Load {
			best = w
			continue
		}
		if w.Load == best.Load && w.LastAssignedAt.Before(best.LastAssignedAt) {
			best = w
		}
	}
	return best, true
}
