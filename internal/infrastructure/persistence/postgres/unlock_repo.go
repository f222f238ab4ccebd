package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
)

// ══════════════════════════════════════════════════════════════════════════════
// UNLOCK REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// UnlockRepository implements achievement.Repository for PostgreSQL.
type UnlockRepository struct {
	conn *Connection
}

// NewUnlockRepository creates a new UnlockRepository.
func NewUnlockRepository(conn *Connection) *UnlockRepository {
	return &UnlockRepository{conn: conn}
}

var _ achievement.Repository = (*UnlockRepository)(nil)

// TryUnlock writes the record unless an unlocked one already exists. The
// upsert only touches a row whose unlocked flag is still false, so exactly one
// concurrent caller sees an affected row.
func (r *UnlockRepository) TryUnlock(ctx context.Context, rec achievement.UnlockRecord) (bool, error) {
	tag, err := r.conn.Exec(ctx, `
		INSERT INTO unlock_records (
			user_id, definition_id, kind, unlocked, unlocked_at, triggering_event_id, points
		) VALUES ($1, $2, $3, TRUE, $4, $5, $6)
		ON CONFLICT (user_id, definition_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			unlocked = TRUE,
			unlocked_at = EXCLUDED.unlocked_at,
			triggering_event_id = EXCLUDED.triggering_event_id,
			points = EXCLUDED.points
		WHERE unlock_records.unlocked = FALSE`,
		rec.UserID, rec.DefinitionID, string(rec.Kind), rec.UnlockedAt.UTC(), rec.TriggeringEventID, rec.Points,
	)
	if err != nil {
		return false, fmt.Errorf("failed to write unlock record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListUnlocked returns the user's unlocked records, oldest first.
func (r *UnlockRepository) ListUnlocked(ctx context.Context, userID string) ([]achievement.UnlockRecord, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT user_id, definition_id, kind, unlocked_at, triggering_event_id, points
		FROM unlock_records
		WHERE user_id = $1 AND unlocked
		ORDER BY unlocked_at, definition_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlocks: %w", err)
	}
	defer rows.Close()

	var out []achievement.UnlockRecord
	for rows.Next() {
		var (
			rec  achievement.UnlockRecord
			kind string
			at   *time.Time
		)
		if err := rows.Scan(&rec.UserID, &rec.DefinitionID, &kind, &at, &rec.TriggeringEventID, &rec.Points); err != nil {
			return nil, fmt.Errorf("failed to scan unlock: %w", err)
		}
		rec.Kind = achievement.Kind(kind)
		rec.Unlocked = true
		rec.UnlockedAt = fromNullTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}
