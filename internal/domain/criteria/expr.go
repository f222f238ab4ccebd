// Package criteria implements the declarative predicate language used by
// achievement and milestone unlock criteria and by search boost/bury rules.
//
// Expressions are a closed set of variants compiled once from configuration.
// Anything the compiler does not recognise is a load-time ConfigError; the
// evaluator never sees a malformed expression.
package criteria

import (
	"fmt"
	"strings"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
)

// Scope says what an expression is evaluated against.
type Scope int

const (
	// ScopeProgress expressions are evaluated over a user's aggregates.
	ScopeProgress Scope = iota
	// ScopeDocument expressions are evaluated over (UserContext, Document).
	ScopeDocument
)

func (s Scope) String() string {
	if s == ScopeDocument {
		return "document"
	}
	return "progress"
}

// Expr is a compiled criteria expression.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress-scope variants
// ═══════════════════════════════════════════════════════════════════════════

// CountAtLeast holds when the named statistic is at least N.
type CountAtLeast struct {
	Field progress.CountField
	N     int
}

// AllOf holds when every catalog topic tagged Tag has a completed depth ranked
// at or above MinDepth.
type AllOf struct {
	Tag      string
	MinDepth progress.DepthLevel
}

// PhaseCoverage holds when, for every listed phase, the average completion
// percentage of the phase's topics is at least Threshold.
type PhaseCoverage struct {
	Phases    []string
	Threshold int
}

// StreakAtLeast holds when the user's live streak is at least Days.
type StreakAtLeast struct {
	Days int
}

// ═══════════════════════════════════════════════════════════════════════════
// Document-scope variants
// ═══════════════════════════════════════════════════════════════════════════

// DocDepthIs holds when the document is at Depth.
type DocDepthIs struct {
	Depth progress.DepthLevel
}

// PersonaIs holds when the querying user has Persona.
type PersonaIs struct {
	Persona string
}

// DocBookmarked holds when the user bookmarked the document's topic.
type DocBookmarked struct{}

// DocCompleted holds when the user completed the document's topic.
type DocCompleted struct{}

// DocInCurrentPhase holds when the document belongs to the user's current phase.
type DocInCurrentPhase struct{}

// DocPhaseIs holds when the document belongs to Phase.
type DocPhaseIs struct {
	Phase string
}

// DocTagIs holds when the document carries Tag.
type DocTagIs struct {
	Tag string
}

// ═══════════════════════════════════════════════════════════════════════════
// Composites
// ═══════════════════════════════════════════════════════════════════════════

// And holds when every term holds. Terms are evaluated left to right.
type And struct {
	Terms []Expr
}

// Or holds when any term holds. Terms are evaluated left to right.
type Or struct {
	Terms []Expr
}

func (CountAtLeast) isExpr()      {}
func (AllOf) isExpr()             {}
func (PhaseCoverage) isExpr()     {}
func (StreakAtLeast) isExpr()     {}
func (DocDepthIs) isExpr()        {}
func (PersonaIs) isExpr()         {}
func (DocBookmarked) isExpr()     {}
func (DocCompleted) isExpr()      {}
func (DocInCurrentPhase) isExpr() {}
func (DocPhaseIs) isExpr()        {}
func (DocTagIs) isExpr()          {}
func (And) isExpr()               {}
func (Or) isExpr()                {}

func (e CountAtLeast) String() string { return fmt.Sprintf("%s>=%d", e.Field, e.N) }
func (e AllOf) String() string        { return fmt.Sprintf("allOf(tag=%s,minDepth=%s)", e.Tag, e.MinDepth) }
func (e PhaseCoverage) String() string {
	return fmt.Sprintf("phaseCoverage(%s>=%d%%)", strings.Join(e.Phases, ","), e.Threshold)
}
func (e StreakAtLeast) String() string   { return fmt.Sprintf("streak>=%d", e.Days) }
func (e DocDepthIs) String() string      { return "depth:" + string(e.Depth) }
func (e PersonaIs) String() string       { return "persona:" + e.Persona }
func (DocBookmarked) String() string     { return "bookmarked" }
func (DocCompleted) String() string      { return "completed" }
func (DocInCurrentPhase) String() string { return "inCurrentPhase" }
func (e DocPhaseIs) String() string      { return "phase:" + e.Phase }
func (e DocTagIs) String() string        { return "tag:" + e.Tag }
func (e And) String() string             { return joinTerms("and", e.Terms) }
func (e Or) String() string              { return joinTerms("or", e.Terms) }

func joinTerms(op string, terms []Expr) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}
