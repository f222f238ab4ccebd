// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESS QUERY
// Returns every aggregate of one user in the progress read-model shape:
// topics, paths and the statistics block.
// ══════════════════════════════════════════════════════════════════════════════

// GetProgressQuery identifies the user.
type GetProgressQuery struct {
	UserID string
}

// Validate validates the query.
func (q GetProgressQuery) Validate() error {
	if q.UserID == "" {
		return shared.NewDomainError("progress", "GetProgress", shared.ErrEmptyValue, "user_id is required")
	}
	return nil
}

// ProgressDTO is the progress read model.
type ProgressDTO struct {
	UserID string `json:"userId"`

	// ─────────────────────────────────────────────────────────────────────────
	// Aggregates
	// ─────────────────────────────────────────────────────────────────────────

	Topics []progress.TopicProgress `json:"topics"`
	Paths  []progress.PathProgress  `json:"paths"`

	// ─────────────────────────────────────────────────────────────────────────
	// Summary
	// ─────────────────────────────────────────────────────────────────────────

	Statistics    progress.Statistics `json:"statistics"`
	LastActiveDay string              `json:"lastActiveDay,omitempty"`
	GeneratedAt   time.Time           `json:"generatedAt"`
}

// GetProgressHandler handles GetProgressQuery.
type GetProgressHandler struct {
	store progress.Store
	now   timeutil.Clock
}

// NewGetProgressHandler creates a new GetProgressHandler.
func NewGetProgressHandler(store progress.Store, now timeutil.Clock) *GetProgressHandler {
	if now == nil {
		now = timeutil.SystemClock
	}
	return &GetProgressHandler{store: store, now: now}
}

// Handle executes the query. A user with no events gets empty lists, not an error.
func (h *GetProgressHandler) Handle(ctx context.Context, q GetProgressQuery) (*ProgressDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	snap, err := progress.LoadSnapshot(ctx, h.store, q.UserID)
	if err != nil {
		return nil, err
	}

	now := h.now()
	stats := progress.Summarize(snap.Topics, snap.Paths, snap.Streak)
	stats.CurrentStreak = snap.Streak.CurrentAsOf(now)

	dto := &ProgressDTO{
		UserID:      q.UserID,
		Topics:      snap.Topics,
		Paths:       snap.Paths,
		Statistics:  stats,
		GeneratedAt: now.UTC(),
	}
	if dto.Topics == nil {
		dto.Topics = []progress.TopicProgress{}
	}
	if dto.Paths == nil {
		dto.Paths = []progress.PathProgress{}
	}
	if !snap.Streak.LastActiveDay.IsZero() {
		dto.LastActiveDay = timeutil.FormatDateStr(snap.Streak.LastActiveDay)
	}
	return dto, nil
}
