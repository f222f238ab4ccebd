package criteria

import (
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/catalog"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
)

// EvalContext bundles a user's aggregates for progress-scope evaluation.
// It is read-only once built and safe for concurrent use.
type EvalContext struct {
	UserID  string
	Topics  map[string]progress.TopicProgress
	Paths   map[string]progress.PathProgress
	Streak  progress.Streak
	Stats   progress.Statistics
	Catalog *catalog.Catalog

	// AsOf decides whether the streak is still alive. Zero uses the stored value.
	AsOf time.Time
}

// NewEvalContext indexes a snapshot and precomputes statistics.
func NewEvalContext(snap progress.Snapshot, cat *catalog.Catalog, asOf time.Time) EvalContext {
	if cat == nil {
		cat = catalog.Empty()
	}
	ctx := EvalContext{
		UserID:  snap.UserID,
		Topics:  make(map[string]progress.TopicProgress, len(snap.Topics)),
		Paths:   make(map[string]progress.PathProgress, len(snap.Paths)),
		Streak:  snap.Streak,
		Catalog: cat,
		AsOf:    asOf,
	}
	for _, t := range snap.Topics {
		ctx.Topics[t.TopicID] = t
	}
	for _, p := range snap.Paths {
		ctx.Paths[p.PathID] = p
	}
	ctx.Stats = progress.Summarize(snap.Topics, snap.Paths, snap.Streak)
	return ctx
}

// Evaluate reports whether expr holds for ctx. Document-scope variants are
// false here; the compiler keeps them out of unlock criteria.
func Evaluate(expr Expr, ctx EvalContext) bool {
	switch e := expr.(type) {
	case CountAtLeast:
		n, ok := ctx.Stats.Count(e.Field)
		return ok && n >= e.N

	case AllOf:
		ids := ctx.Catalog.TopicsWithTag(e.Tag)
		if len(ids) == 0 {
			return false
		}
		for _, id := range ids {
			if !ctx.Topics[id].DepthLevelsCompleted.HasAtLeast(e.MinDepth) {
				return false
			}
		}
		return true

	case PhaseCoverage:
		for _, phase := range e.Phases {
			ids := ctx.Catalog.TopicsInPhase(phase)
			if len(ids) == 0 {
				return false
			}
			sum := 0
			for _, id := range ids {
				sum += ctx.Topics[id].CompletionPercentage
			}
			// Integer comparison of the mean against the threshold.
			if sum < e.Threshold*len(ids) {
				return false
			}
		}
		return true

	case StreakAtLeast:
		return ctx.Streak.CurrentAsOf(ctx.AsOf) >= e.Days

	case And:
		for _, t := range e.Terms {
			if !Evaluate(t, ctx) {
				return false
			}
		}
		return len(e.Terms) > 0

	case Or:
		for _, t := range e.Terms {
			if Evaluate(t, ctx) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// UserContext is what ranking rules know about the querying user.
type UserContext struct {
	UserID       string          `json:"userId,omitempty"`
	Persona      string          `json:"persona,omitempty"`
	CurrentPhase string          `json:"currentPhase,omitempty"`
	Completed    map[string]bool `json:"-"`
	Bookmarked   map[string]bool `json:"-"`
}

// NewUserContext derives the completed and bookmarked topic sets from aggregates.
func NewUserContext(userID, persona, phase string, topics []progress.TopicProgress) UserContext {
	uc := UserContext{
		UserID:       userID,
		Persona:      persona,
		CurrentPhase: phase,
		Completed:    make(map[string]bool),
		Bookmarked:   make(map[string]bool),
	}
	for _, t := range topics {
		if t.IsCompleted() {
			uc.Completed[t.TopicID] = true
		}
		if t.Bookmarked {
			uc.Bookmarked[t.TopicID] = true
		}
	}
	return uc
}

// Document is the metadata of one search candidate.
type Document struct {
	ID      string              `json:"id"`
	TopicID string              `json:"topicId,omitempty"`
	Title   string              `json:"title,omitempty"`
	Depth   progress.DepthLevel `json:"depth,omitempty"`
	Phase   string              `json:"phase,omitempty"`
	Tags    []string            `json:"tags,omitempty"`
	Facets  map[string]any      `json:"facets,omitempty"`
}

// EvaluateDoc reports whether a document-scope expr holds for (uc, doc).
// Progress-scope variants are false here.
func EvaluateDoc(expr Expr, uc UserContext, doc Document) bool {
	switch e := expr.(type) {
	case DocDepthIs:
		return doc.Depth == e.Depth
	case PersonaIs:
		return uc.Persona == e.Persona
	case DocBookmarked:
		return doc.TopicID != "" && uc.Bookmarked[doc.TopicID]
	case DocCompleted:
		return doc.TopicID != "" && uc.Completed[doc.TopicID]
	case DocInCurrentPhase:
		return uc.CurrentPhase != "" && doc.Phase == uc.CurrentPhase
	case DocPhaseIs:
		return doc.Phase == e.Phase
	case DocTagIs:
		for _, t := range doc.Tags {
			if t == e.Tag {
				return true
			}
		}
		return false

	case And:
		for _, t := range e.Terms {
			if !EvaluateDoc(t, uc, doc) {
				return false
			}
		}
		return len(e.Terms) > 0

	case Or:
		for _, t := range e.Terms {
			if EvaluateDoc(t, uc, doc) {
				return true
			}
		}
		return false

	default:
		return false
	}
}
