// Package ranking re-orders search candidates with deterministic boost and
// bury rules evaluated against the querying user's context.
package ranking

import (
	"context"
	"sort"

	"github.com/alem-hub/progress-engine/internal/domain/criteria"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
)

// RuleKind distinguishes boosts from buries. A bury's effective weight is
// always negative regardless of the sign written in configuration; a boost
// contributes its configured weight as written.
type RuleKind string

const (
	KindBoost RuleKind = "boost"
	KindBury  RuleKind = "bury"
)

// Rule adds Weight to a candidate's score when Condition holds.
type Rule struct {
	ID          string
	Kind        RuleKind
	Description string
	Condition   criteria.Expr
	Weight      float64
}

// EffectiveWeight returns the signed weight the rule contributes.
func (r Rule) EffectiveWeight() float64 {
	if r.Kind != KindBury {
		return r.Weight
	}
	if r.Weight < 0 {
		return r.Weight
	}
	return -r.Weight
}

// Candidate is one result from the search provider.
type Candidate struct {
	Document criteria.Document `json:"document"`
	Score    float64           `json:"score"`
}

// Ranked is a candidate with its adjusted score and the rules that fired.
type Ranked struct {
	Candidate
	AdjustedScore float64  `json:"adjustedScore"`
	Adjustment    float64  `json:"adjustment"`
	MatchedRules  []string `json:"matchedRules"`
	OriginalIndex int      `json:"originalIndex"`
}

// Adjuster applies a fixed rule set. It holds no mutable state.
type Adjuster struct {
	rules []Rule
}

// NewAdjuster creates an Adjuster over rules, evaluated in the given order.
func NewAdjuster(rules []Rule) *Adjuster {
	return &Adjuster{rules: append([]Rule(nil), rules...)}
}

// Rules returns the active rules.
func (a *Adjuster) Rules() []Rule {
	return append([]Rule(nil), a.rules...)
}

// Adjust scores every candidate and returns them ordered by adjusted score,
// descending. Equal scores keep their original relative order.
func (a *Adjuster) Adjust(uc criteria.UserContext, candidates []Candidate) []Ranked {
	out := make([]Ranked, len(candidates))
	for i, c := range candidates {
		r := Ranked{Candidate: c, OriginalIndex: i, MatchedRules: []string{}}
		for _, rule := range a.rules {
			if criteria.EvaluateDoc(rule.Condition, uc, c.Document) {
				r.Adjustment += rule.EffectiveWeight()
				r.MatchedRules = append(r.MatchedRules, rule.ID)
			}
		}
		r.AdjustedScore = c.Score + r.Adjustment
		out[i] = r
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AdjustedScore > out[j].AdjustedScore
	})
	return out
}

// SearchProvider is the external ranked-retrieval collaborator.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// USER SIGNALS
// ══════════════════════════════════════════════════════════════════════════════

// Signals is the part of the ranking context derived from stored progress.
// Persona and phase come with each request.
type Signals struct {
	Completed  []string `json:"completed"`
	Bookmarked []string `json:"bookmarked"`
}

// SignalsFromTopics collects the completed and bookmarked topic IDs, sorted.
func SignalsFromTopics(topics []progress.TopicProgress) Signals {
	s := Signals{Completed: []string{}, Bookmarked: []string{}}
	for _, t := range topics {
		if t.IsCompleted() {
			s.Completed = append(s.Completed, t.TopicID)
		}
		if t.Bookmarked {
			s.Bookmarked = append(s.Bookmarked, t.TopicID)
		}
	}
	sort.Strings(s.Completed)
	sort.Strings(s.Bookmarked)
	return s
}

// Context builds the evaluation context for one query.
func (s Signals) Context(userID, persona, phase string) criteria.UserContext {
	uc := criteria.UserContext{
		UserID:       userID,
		Persona:      persona,
		CurrentPhase: phase,
		Completed:    make(map[string]bool, len(s.Completed)),
		Bookmarked:   make(map[string]bool, len(s.Bookmarked)),
	}
	for _, id := range s.Completed {
		uc.Completed[id] = true
	}
	for _, id := range s.Bookmarked {
		uc.Bookmarked[id] = true
	}
	return uc
}

// SignalCache keeps Signals for a short time. A miss is (Signals{}, false, nil).
type SignalCache interface {
	Get(ctx context.Context, userID string) (Signals, bool, error)
	Set(ctx context.Context, userID string, s Signals) error
	Invalidate(ctx context.Context, userID string) error
}
