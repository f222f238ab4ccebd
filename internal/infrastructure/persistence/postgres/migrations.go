package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator applies embedded migrations in version order.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator over the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: GetMigrations(), tableName: "schema_migrations"}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.conn.Pool().Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, m.tableName))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.Pool().Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var (
			version   int
			appliedAt time.Time
		)
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		out[version] = appliedAt
	}
	return out, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	done, err := m.applied(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, ok := done[mig.Version]; ok {
			continue
		}
		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName), mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
	}
	return nil
}

// Rollback reverts the most recent migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	done, err := m.applied(ctx)
	if err != nil {
		return err
	}

	last := 0
	for v := range done {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return nil
	}

	for _, mig := range m.migrations {
		if mig.Version != last {
			continue
		}
		return m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
				return fmt.Errorf("failed to roll back migration %d: %w", last, err)
			}
			_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
			return err
		})
	}
	return fmt.Errorf("%w: unknown applied migration %d", ErrMigrationFailed, last)
}

// Status reports which migrations are applied.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	done, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	for i := range out {
		if at, ok := done[out[i].Version]; ok {
			out[i].IsApplied = true
			out[i].AppliedAt = at
		}
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_progress", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_unlocks", UpSQL: migration002Up, DownSQL: migration002Down},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// 001: progress aggregates and processed events
// ─────────────────────────────────────────────────────────────────────────────

const migration001Up = `
CREATE TABLE IF NOT EXISTS topic_progress (
    user_id TEXT NOT NULL,
    topic_id TEXT NOT NULL,
    status TEXT NOT NULL,
    depths TEXT[] NOT NULL DEFAULT '{}',
    first_visited TIMESTAMPTZ,
    last_visited TIMESTAMPTZ,
    time_spent_seconds BIGINT NOT NULL DEFAULT 0,
    completion_percentage INTEGER NOT NULL DEFAULT 0,
    rating INTEGER,
    bookmarked BOOLEAN NOT NULL DEFAULT FALSE,
    version BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (user_id, topic_id),
    CONSTRAINT valid_topic_status CHECK (status IN ('not_started', 'in_progress', 'completed')),
    CONSTRAINT valid_completion CHECK (completion_percentage BETWEEN 0 AND 100),
    CONSTRAINT valid_rating CHECK (rating IS NULL OR rating BETWEEN 1 AND 5),
    CONSTRAINT valid_time_spent CHECK (time_spent_seconds >= 0)
);

CREATE INDEX IF NOT EXISTS idx_topic_progress_completed
    ON topic_progress(user_id) WHERE status = 'completed';

CREATE TABLE IF NOT EXISTS path_progress (
    user_id TEXT NOT NULL,
    path_id TEXT NOT NULL,
    status TEXT NOT NULL,
    current_step INTEGER NOT NULL DEFAULT 0,
    steps_completed INTEGER[] NOT NULL DEFAULT '{}',
    total_steps INTEGER NOT NULL,
    last_visited TIMESTAMPTZ,
    version BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (user_id, path_id),
    CONSTRAINT valid_path_status CHECK (status IN ('not_started', 'in_progress', 'completed'))
);

CREATE TABLE IF NOT EXISTS streaks (
    user_id TEXT PRIMARY KEY,
    current_days INTEGER NOT NULL DEFAULT 0,
    best_days INTEGER NOT NULL DEFAULT 0,
    last_active_day DATE,
    active_days DATE[] NOT NULL DEFAULT '{}',
    version BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS processed_events (
    event_id TEXT PRIMARY KEY,
    processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_processed_events_at ON processed_events(processed_at);
`

const migration001Down = `
DROP TABLE IF EXISTS processed_events;
DROP TABLE IF EXISTS streaks;
DROP TABLE IF EXISTS path_progress;
DROP TABLE IF EXISTS topic_progress;
`

// ─────────────────────────────────────────────────────────────────────────────
// 002: unlock records
// ─────────────────────────────────────────────────────────────────────────────

const migration002Up = `
CREATE TABLE IF NOT EXISTS unlock_records (
    user_id TEXT NOT NULL,
    definition_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    unlocked BOOLEAN NOT NULL DEFAULT FALSE,
    unlocked_at TIMESTAMPTZ,
    triggering_event_id TEXT NOT NULL DEFAULT '',
    points INTEGER NOT NULL DEFAULT 0,

    PRIMARY KEY (user_id, definition_id),
    CONSTRAINT valid_kind CHECK (kind IN ('achievement', 'milestone')),
    CONSTRAINT valid_points CHECK (points >= 0)
);

CREATE INDEX IF NOT EXISTS idx_unlock_records_user
    ON unlock_records(user_id, unlocked_at) WHERE unlocked;
`

const migration002Down = `
DROP TABLE IF EXISTS unlock_records;
`
