// Package achievement holds unlockable definitions and the write-once unlock
// records the coordinator grants against them.
package achievement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/criteria"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEFINITIONS
// ══════════════════════════════════════════════════════════════════════════════

// Kind separates achievements (rewards) from milestones (curriculum checkpoints).
// Both unlock the same way.
type Kind string

const (
	KindAchievement Kind = "achievement"
	KindMilestone   Kind = "milestone"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	return k == KindAchievement || k == KindMilestone
}

// Definition is an unlockable with compiled criteria. Immutable once activated.
type Definition struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Points      int           `json:"points"`
	Criteria    criteria.Expr `json:"-"`
}

// Validate checks the fields the loader cannot express in the criteria grammar.
func (d Definition) Validate() error {
	if !shared.IsSlug(d.ID) {
		return shared.NewDomainError("achievement", "Validate", shared.ErrConfig,
			fmt.Sprintf("invalid definition id %q", d.ID))
	}
	if !d.Kind.IsValid() {
		return shared.NewDomainError("achievement", "Validate", shared.ErrConfig,
			fmt.Sprintf("definition %q: unknown kind %q", d.ID, d.Kind))
	}
	if d.Points < 0 {
		return shared.NewDomainError("achievement", "Validate", shared.ErrConfig,
			fmt.Sprintf("definition %q: points must be >= 0", d.ID))
	}
	if d.Criteria == nil {
		return shared.NewDomainError("achievement", "Validate", shared.ErrConfig,
			fmt.Sprintf("definition %q: criteria required", d.ID))
	}
	return nil
}

// Set is an immutable, ID-indexed collection of definitions.
type Set struct {
	byID  map[string]Definition
	order []string
}

// NewSet validates defs and rejects duplicate IDs across kinds.
func NewSet(defs ...Definition) (*Set, error) {
	s := &Set{byID: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byID[d.ID]; dup {
			return nil, shared.NewDomainError("achievement", "NewSet", shared.ErrConfig,
				fmt.Sprintf("duplicate definition id %q", d.ID))
		}
		s.byID[d.ID] = d
		s.order = append(s.order, d.ID)
	}
	sort.Strings(s.order)
	return s, nil
}

// Get returns the definition with id.
func (s *Set) Get(id string) (Definition, bool) {
	if s == nil {
		return Definition{}, false
	}
	d, ok := s.byID[id]
	return d, ok
}

// All returns the definitions sorted by ID.
func (s *Set) All() []Definition {
	if s == nil {
		return nil
	}
	out := make([]Definition, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// OfKind returns the definitions of kind k, sorted by ID.
func (s *Set) OfKind(k Kind) []Definition {
	var out []Definition
	for _, d := range s.All() {
		if d.Kind == k {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of definitions.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// ══════════════════════════════════════════════════════════════════════════════
// UNLOCK RECORDS
// ══════════════════════════════════════════════════════════════════════════════

// UnlockRecord is the write-once grant of a definition to a user.
type UnlockRecord struct {
	UserID            string    `json:"userId"`
	DefinitionID      string    `json:"definitionId"`
	Kind              Kind      `json:"kind"`
	Unlocked          bool      `json:"unlocked"`
	UnlockedAt        time.Time `json:"unlockedAt"`
	TriggeringEventID string    `json:"triggeringEventId,omitempty"`
	Points            int       `json:"points"`
}

// NewUnlockRecord grants d to userID at the given time.
func NewUnlockRecord(userID string, d Definition, eventID string, at time.Time) UnlockRecord {
	return UnlockRecord{
		UserID:            userID,
		DefinitionID:      d.ID,
		Kind:              d.Kind,
		Unlocked:          true,
		UnlockedAt:        at.UTC(),
		TriggeringEventID: eventID,
		Points:            d.Points,
	}
}

// Repository persists unlock records.
//
// TryUnlock writes rec only if no unlocked record exists for
// (rec.UserID, rec.DefinitionID). It returns true when this call made the
// write; concurrent callers for the same pair see exactly one true.
type Repository interface {
	TryUnlock(ctx context.Context, rec UnlockRecord) (bool, error)
	ListUnlocked(ctx context.Context, userID string) ([]UnlockRecord, error)
}

// UnlockedIDs indexes records by definition ID.
func UnlockedIDs(records []UnlockRecord) map[string]bool {
	out := make(map[string]bool, len(records))
	for _, r := range records {
		if r.Unlocked {
			out[r.DefinitionID] = true
		}
	}
	return out
}

// TotalPoints sums the points of unlocked records.
func TotalPoints(records []UnlockRecord) int {
	total := 0
	for _, r := range records {
		if r.Unlocked {
			total += r.Points
		}
	}
	return total
}
