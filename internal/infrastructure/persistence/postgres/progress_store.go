package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE
// Every write is a version-guarded statement: an INSERT that does nothing when
// the row exists (expected version 0) or an UPDATE filtered on the expected
// version. Zero affected rows is a conflict. Topic and path writes record the
// triggering event ID in the same transaction.
// ══════════════════════════════════════════════════════════════════════════════

// ProgressStore implements progress.Store for PostgreSQL.
type ProgressStore struct {
	conn *Connection
}

// NewProgressStore creates a new ProgressStore.
func NewProgressStore(conn *Connection) *ProgressStore {
	return &ProgressStore{conn: conn}
}

var _ progress.Store = (*ProgressStore)(nil)

func conflict(kind, id string, expected int64) error {
	return shared.WrapError("postgres", "CompareAndSet", shared.ErrConcurrencyConflict,
		fmt.Sprintf("%s %s: expected version %d", kind, id, expected), shared.ErrVersionMismatch)
}

// markProcessed records eventID inside tx. An already recorded ID refuses the write.
func markProcessed(ctx context.Context, q Querier, eventID string) error {
	if eventID == "" {
		return nil
	}
	tag, err := q.Exec(ctx, `INSERT INTO processed_events (event_id) VALUES ($1) ON CONFLICT DO NOTHING`, eventID)
	if err != nil {
		return fmt.Errorf("failed to record processed event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrEventProcessed
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Topics
// ─────────────────────────────────────────────────────────────────────────────

const topicColumns = `user_id, topic_id, status, depths, first_visited, last_visited,
	time_spent_seconds, completion_percentage, rating, bookmarked, version`

func (s *ProgressStore) GetTopic(ctx context.Context, userID, topicID string) (progress.TopicProgress, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+topicColumns+` FROM topic_progress WHERE user_id = $1 AND topic_id = $2`, userID, topicID)
	p, err := scanTopic(row)
	if IsNoRows(err) {
		return progress.NewTopicProgress(userID, topicID), nil
	}
	if err != nil {
		return progress.TopicProgress{}, fmt.Errorf("failed to get topic progress: %w", err)
	}
	return p, nil
}

func (s *ProgressStore) CompareAndSetTopic(ctx context.Context, p progress.TopicProgress, expectedVersion int64, eventID string) (progress.TopicProgress, error) {
	depths := depthNames(p.DepthLevelsCompleted)
	var rating *int
	if p.Rating != nil {
		r := *p.Rating
		rating = &r
	}

	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		var sql string
		args := []any{
			p.UserID, p.TopicID, string(p.Status), depths, nullTime(p.FirstVisited), nullTime(p.LastVisited),
			p.TimeSpentSeconds, p.CompletionPercentage, rating, p.Bookmarked, expectedVersion + 1,
		}
		if expectedVersion == 0 {
			sql = `INSERT INTO topic_progress (` + topicColumns + `)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (user_id, topic_id) DO NOTHING`
		} else {
			sql = `UPDATE topic_progress SET
					status = $3, depths = $4, first_visited = $5, last_visited = $6,
					time_spent_seconds = $7, completion_percentage = $8, rating = $9,
					bookmarked = $10, version = $11, updated_at = NOW()
				WHERE user_id = $1 AND topic_id = $2 AND version = $12`
			args = append(args, expectedVersion)
		}

		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("failed to write topic progress: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return conflict("topic", p.TopicID, expectedVersion)
		}
		return markProcessed(ctx, tx, eventID)
	})
	if err != nil {
		return progress.TopicProgress{}, err
	}

	p.Version = expectedVersion + 1
	p.Rating = rating
	return p, nil
}

func (s *ProgressStore) ListTopics(ctx context.Context, userID string) ([]progress.TopicProgress, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+topicColumns+` FROM topic_progress WHERE user_id = $1 ORDER BY topic_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list topic progress: %w", err)
	}
	defer rows.Close()

	var out []progress.TopicProgress
	for rows.Next() {
		p, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanTopic(row pgx.Row) (progress.TopicProgress, error) {
	var (
		p           progress.TopicProgress
		status      string
		depths      []string
		first, last *time.Time
	)
	err := row.Scan(&p.UserID, &p.TopicID, &status, &depths, &first, &last,
		&p.TimeSpentSeconds, &p.CompletionPercentage, &p.Rating, &p.Bookmarked, &p.Version)
	if err != nil {
		return progress.TopicProgress{}, err
	}
	p.Status = progress.Status(status)
	p.DepthLevelsCompleted = depthSet(depths)
	p.FirstVisited = fromNullTime(first)
	p.LastVisited = fromNullTime(last)
	return p, nil
}

func depthNames(s progress.DepthSet) []string {
	levels := s.Levels()
	out := make([]string, len(levels))
	for i, d := range levels {
		out[i] = string(d)
	}
	return out
}

func depthSet(names []string) progress.DepthSet {
	levels := make([]progress.DepthLevel, len(names))
	for i, n := range names {
		levels[i] = progress.DepthLevel(n)
	}
	return progress.NewDepthSet(levels...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Paths
// ─────────────────────────────────────────────────────────────────────────────

const pathColumns = `user_id, path_id, status, current_step, steps_completed, total_steps, last_visited, version`

func (s *ProgressStore) GetPath(ctx context.Context, userID, pathID string) (progress.PathProgress, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+pathColumns+` FROM path_progress WHERE user_id = $1 AND path_id = $2`, userID, pathID)
	p, err := scanPath(row)
	if IsNoRows(err) {
		return progress.NewPathProgress(userID, pathID, 0), nil
	}
	if err != nil {
		return progress.PathProgress{}, fmt.Errorf("failed to get path progress: %w", err)
	}
	return p, nil
}

func (s *ProgressStore) CompareAndSetPath(ctx context.Context, p progress.PathProgress, expectedVersion int64, eventID string) (progress.PathProgress, error) {
	steps := append([]int(nil), p.StepsCompleted...)
	if steps == nil {
		steps = []int{}
	}

	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		var sql string
		args := []any{
			p.UserID, p.PathID, string(p.Status), p.CurrentStep, steps, p.TotalSteps,
			nullTime(p.LastVisited), expectedVersion + 1,
		}
		if expectedVersion == 0 {
			sql = `INSERT INTO path_progress (` + pathColumns + `)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (user_id, path_id) DO NOTHING`
		} else {
			sql = `UPDATE path_progress SET
					status = $3, current_step = $4, steps_completed = $5, total_steps = $6,
					last_visited = $7, version = $8, updated_at = NOW()
				WHERE user_id = $1 AND path_id = $2 AND version = $9`
			args = append(args, expectedVersion)
		}

		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("failed to write path progress: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return conflict("path", p.PathID, expectedVersion)
		}
		return markProcessed(ctx, tx, eventID)
	})
	if err != nil {
		return progress.PathProgress{}, err
	}

	p.Version = expectedVersion + 1
	p.StepsCompleted = steps
	return p, nil
}

func (s *ProgressStore) ListPaths(ctx context.Context, userID string) ([]progress.PathProgress, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+pathColumns+` FROM path_progress WHERE user_id = $1 ORDER BY path_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list path progress: %w", err)
	}
	defer rows.Close()

	var out []progress.PathProgress
	for rows.Next() {
		p, err := scanPath(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan path progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPath(row pgx.Row) (progress.PathProgress, error) {
	var (
		p      progress.PathProgress
		status string
		last   *time.Time
	)
	err := row.Scan(&p.UserID, &p.PathID, &status, &p.CurrentStep, &p.StepsCompleted, &p.TotalSteps, &last, &p.Version)
	if err != nil {
		return progress.PathProgress{}, err
	}
	p.Status = progress.Status(status)
	p.LastVisited = fromNullTime(last)
	return p, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Streaks
// ─────────────────────────────────────────────────────────────────────────────

func (s *ProgressStore) GetStreak(ctx context.Context, userID string) (progress.Streak, error) {
	var (
		st   = progress.NewStreak(userID)
		last *time.Time
	)
	err := s.conn.QueryRow(ctx, `
		SELECT current_days, best_days, last_active_day, active_days, version
		FROM streaks WHERE user_id = $1`, userID,
	).Scan(&st.CurrentDays, &st.BestDays, &last, &st.ActiveDays, &st.Version)
	if IsNoRows(err) {
		return progress.NewStreak(userID), nil
	}
	if err != nil {
		return progress.Streak{}, fmt.Errorf("failed to get streak: %w", err)
	}
	st.LastActiveDay = fromNullTime(last)
	for i := range st.ActiveDays {
		st.ActiveDays[i] = st.ActiveDays[i].UTC()
	}
	return st, nil
}

func (s *ProgressStore) CompareAndSetStreak(ctx context.Context, st progress.Streak, expectedVersion int64) (progress.Streak, error) {
	days := append([]time.Time(nil), st.ActiveDays...)
	if days == nil {
		days = []time.Time{}
	}
	args := []any{st.UserID, st.CurrentDays, st.BestDays, nullTime(st.LastActiveDay), days, expectedVersion + 1}

	var sql string
	if expectedVersion == 0 {
		sql = `INSERT INTO streaks (user_id, current_days, best_days, last_active_day, active_days, version)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id) DO NOTHING`
	} else {
		sql = `UPDATE streaks SET
				current_days = $2, best_days = $3, last_active_day = $4, active_days = $5,
				version = $6, updated_at = NOW()
			WHERE user_id = $1 AND version = $7`
		args = append(args, expectedVersion)
	}

	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return progress.Streak{}, fmt.Errorf("failed to write streak: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return progress.Streak{}, conflict("streak", st.UserID, expectedVersion)
	}

	st.Version = expectedVersion + 1
	st.ActiveDays = days
	return st, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Processed events
// ─────────────────────────────────────────────────────────────────────────────

func (s *ProgressStore) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

func (s *ProgressStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.conn.Exec(ctx, `INSERT INTO processed_events (event_id) VALUES ($1) ON CONFLICT DO NOTHING`, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// PruneProcessed deletes processed event IDs older than the cutoff and
// returns how many were removed. Redeliveries older than the cutoff are then
// only caught by the aggregates' own idempotence.
func (s *ProgressStore) PruneProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.conn.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}
