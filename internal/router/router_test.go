package router

import (
	"testing"
	"time"

	"github.com/ry-ops/taskguard/internal/model"
)

func defaultThresholds() Thresholds {
	return Thresholds{SingleExpert: 0.80, ParallelActivation: 0.60, ParallelEnabled: false, Minimum: 0.30}
}

func TestRouteDeclaredTypeShortCircuits(t *testing.T) {
	r := New(DefaultCategories(), defaultThresholds())
	d := r.Route(model.Task{DeclaredType: "code-generation", Description: "irrelevant text"})
	if len(d.Categories) != 1 || d.Categories[0] != "code-generation" {
		t.Fatalf("want code-generation, got %v", d.Categories)
	}
	if d.Scores["code-generation"] != declaredTypeConfidence {
		t.Fatalf("want declared-type confidence %v, got %v", declaredTypeConfidence, d.Scores["code-generation"])
	}
}

func TestRouteKeywordScoringPicksBestCategory(t *testing.T) {
	r := New(DefaultCategories(), defaultThresholds())
	d := r.Route(model.Task{Description: "please refactor this function and implement a bug fix, then run unit test"})
	if len(d.Categories) != 1 || d.Categories[0] != "code-generation" {
		t.Fatalf("want code-generation, got %v (scores=%v)", d.Categories, d.Scores)
	}
}

func TestRouteBelowMinimumFallsBack(t *testing.T) {
	r := New(DefaultCategories(), defaultThresholds())
	d := r.Route(model.Task{Description: "hello there, how is your day going"})
	if len(d.Categories) != 1 || d.Categories[0] != FallbackCategory {
		t.Fatalf("want fallback, got %v (scores=%v)", d.Categories, d.Scores)
	}
}

func TestRouteParallelActivationDisabledPicksOne(t *testing.T) {
	// A description worth exactly three positive keywords (75/100 = 0.75) in
	// three categories would, with parallel activation enabled, fan out;
	// with it disabled (the default) it must pick exactly one.
	categories := []*CategorySpec{
		{Name: "a", DeclaredTypes: map[string]struct{}{}, PositiveKeywords: []string{"x", "y", "z"}, Max: 100, HistoricalSuccessRate: 0.9},
		{Name: "b", DeclaredTypes: map[string]struct{}{}, PositiveKeywords: []string{"x", "y", "z"}, Max: 100, HistoricalSuccessRate: 0.5},
		{Name: "c", DeclaredTypes: map[string]struct{}{}, PositiveKeywords: []string{"x", "y", "z"}, Max: 100, HistoricalSuccessRate: 0.5},
	}
	r := New(categories, defaultThresholds())
	d := r.Route(model.Task{Description: "x y z"})
	if len(d.Categories) != 1 {
		t.Fatalf("want exactly one category selected with parallel activation disabled, got %v", d.Categories)
	}
	if d.Categories[0] != "a" {
		t.Fatalf("want tie broken by historical success rate toward 'a', got %v", d.Categories)
	}
}

func TestChooseWorkerPicksLowestLoadThenLongestIdle(t *testing.T) {
	now := time.Now()
	candidates := []model.Worker{
		{ID: "w1", Load: 1, LastAssignedAt: now},
		{ID: "w2", Load: 0, LastAssignedAt: now.Add(-time.Hour)},
		{ID: "w3", Load: 0, LastAssignedAt: now},
	}
	chosen, ok := ChooseWorker(candidates)
	if !ok || chosen.ID != "w2" {
		t.Fatalf("want w2 (lowest load, longest idle), got %+v ok=%v", chosen, ok)
	}
}
