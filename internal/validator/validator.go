package validator

import "sync/atomic"

// Verdict is the admission outcome C4 hands back to the scheduler.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictFlag  Verdict = "flag"
	VerdictReject Verdict = "reject"
)

// ThreatMatch is one pattern hit surfaced to the caller and, from there, to
// the event bus, so observers can see exactly what tripped a rejection.
type ThreatMatch struct {
	PatternID string
	Category  string
	Severity  Severity
	Phrase    string
}

// Decision is the full result of classifying one task description.
type Decision struct {
	Verdict   Verdict
	Reason    string
	TotalRisk float64
	Threats   []ThreatMatch
}

// Thresholds configures the severity/risk cutoffs the default validator
// uses. Severity still dominates: any critical match rejects outright
// regardless of where TotalRisk falls.
type Thresholds struct {
	RejectRiskAt float64
	FlagRiskAt   float64
	AllowListed  map[string]struct{} // pattern IDs exempted from the high-severity auto-reject
}

// DefaultThresholds matches spec.md's documented defaults: critical always
// rejects, high rejects unless allow-listed, medium flags, low/none admits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RejectRiskAt: 90,
		FlagRiskAt:   30,
		AllowListed:  map[string]struct{}{},
	}
}

// Validator is C4. Safe for concurrent use; Reload atomically swaps the
// active pattern table without blocking in-flight Classify calls.
type Validator struct {
	auto       atomic.Pointer[automaton]
	thresholds Thresholds
}

// New constructs a Validator over patterns with the given thresholds.
func New(patterns []*Pattern, thresholds Thresholds) *Validator {
	v := &Validator{thresholds: thresholds}
	v.auto.Store(buildAutomaton(patterns))
	return v
}

// Reload atomically swaps in a new pattern table, e.g. from a hot-reload
// watcher. In-flight Classify calls continue to use the table they started
// with.
func (v *Validator) Reload(patterns []*Pattern) {
	v.auto.Store(buildAutomaton(patterns))
}

// Classify scans description and returns the admission decision.
func (v *Validator) Classify(description string) Decision {
	auto := v.auto.Load()
	hits := auto.match(description)
	if len(hits) == 0 {
		return Decision{Verdict: VerdictAllow, Reason: "no-threats-matched"}
	}

	var threats []ThreatMatch
	var totalRisk float64
	worst := SeverityNone
	seen := make(map[string]struct{}, len(hits))
	for _, p := range hits {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		threats = append(threats, ThreatMatch{PatternID: p.ID, Category: p.Category, Severity: p.Severity, Phrase: p.Phrase})
		totalRisk += p.RiskWeight
		if p.Severity.rank() > worst.rank() {
			worst = p.Severity
		}
	}

	const riskCap = 200
	if totalRisk > riskCap {
		totalRisk = riskCap
	}

	if worst == SeverityCritical {
		return Decision{Verdict: VerdictReject, Reason: "prompt-injection", TotalRisk: totalRisk, Threats: threats}
	}
	if worst == SeverityHigh && !v.allowListed(threats) {
		return Decision{Verdict: VerdictReject, Reason: "prompt-injection", TotalRisk: totalRisk, Threats: threats}
	}
	if totalRisk >= v.thresholds.RejectRiskAt {
		return Decision{Verdict: VerdictReject, Reason: "cumulative-risk-exceeded", TotalRisk: totalRisk, Threats: threats}
	}
	if worst == SeverityMedium || totalRisk >= v.thresholds.FlagRiskAt {
		return Decision{Verdict: VerdictFlag, Reason: "flagged-for-review", TotalRisk: totalRisk, Threats: threats}
	}
	return Decision{Verdict: VerdictAllow, Reason: "low-risk-threats-matched", TotalRisk: totalRisk, Threats: threats}
}

func (v *Validator) allowListed(threats []ThreatMatch) bool {
	if len(v.thresholds.AllowListed) == 0 {
		return false
	}
	for _, t := range threats {
		if t.Severity != SeverityHigh {
			continue
		}
		if _, ok := v.thresholds.AllowListed[t.PatternID]; !ok {
			return false
		}
	}
	return true
}
