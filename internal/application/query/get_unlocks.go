package query

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET UNLOCKS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// DefinitionSource exposes the active definitions.
type DefinitionSource interface {
	Definitions() *achievement.Set
}

// GetUnlocksQuery lists a user's unlocks, optionally of one kind.
type GetUnlocksQuery struct {
	UserID string
	Kind   achievement.Kind
}

// Validate validates the query.
func (q GetUnlocksQuery) Validate() error {
	if q.UserID == "" {
		return shared.NewDomainError("unlock", "GetUnlocks", shared.ErrEmptyValue, "user_id is required")
	}
	if q.Kind != "" && !q.Kind.IsValid() {
		return shared.NewDomainError("unlock", "GetUnlocks", shared.ErrInvalidInput, fmt.Sprintf("unknown kind %q", q.Kind))
	}
	return nil
}

// UnlockDTO is one unlock with its definition's display fields.
type UnlockDTO struct {
	achievement.UnlockRecord
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// UnlocksDTO is the unlocks read model.
type UnlocksDTO struct {
	UserID      string      `json:"userId"`
	Unlocks     []UnlockDTO `json:"unlocks"`
	TotalPoints int         `json:"totalPoints"`
	Available   int         `json:"available"`
}

// GetUnlocksHandler handles GetUnlocksQuery.
type GetUnlocksHandler struct {
	repo        achievement.Repository
	definitions DefinitionSource
}

// NewGetUnlocksHandler creates a new GetUnlocksHandler.
func NewGetUnlocksHandler(repo achievement.Repository, definitions DefinitionSource) *GetUnlocksHandler {
	return &GetUnlocksHandler{repo: repo, definitions: definitions}
}

// Handle executes the query. Records of definitions removed by a reload are
// still returned; they keep the points they were granted with.
func (h *GetUnlocksHandler) Handle(ctx context.Context, q GetUnlocksQuery) (*UnlocksDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	records, err := h.repo.ListUnlocked(ctx, q.UserID)
	if err != nil {
		return nil, err
	}

	var defs *achievement.Set
	if h.definitions != nil {
		defs = h.definitions.Definitions()
	}

	dto := &UnlocksDTO{UserID: q.UserID, Unlocks: []UnlockDTO{}, Available: defs.Len()}
	for _, rec := range records {
		if q.Kind != "" && rec.Kind != q.Kind {
			continue
		}
		item := UnlockDTO{UnlockRecord: rec}
		if d, ok := defs.Get(rec.DefinitionID); ok {
			item.Name = d.Name
			item.Description = d.Description
		}
		dto.Unlocks = append(dto.Unlocks, item)
		dto.TotalPoints += rec.Points
	}
	if q.Kind != "" {
		dto.Available = len(defs.OfKind(q.Kind))
	}
	return dto, nil
}
