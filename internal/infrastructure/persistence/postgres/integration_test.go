package postgres

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// newTestConnection connects to POSTGRES_TEST_DSN and applies migrations.
// Every test writes under fresh user and event IDs, so runs do not collide.
func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	conn, err := NewConnection(ctx, dsn, DefaultPoolOptions())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	require.NoError(t, NewMigrator(conn).Migrate(ctx))
	return conn
}

func freshID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func TestProgressStore_TopicCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewProgressStore(newTestConnection(t))
	userID := freshID("u")
	e1, e2 := freshID("e"), freshID("e")

	p, err := s.GetTopic(ctx, userID, "t1")
	require.NoError(t, err)
	assert.Zero(t, p.Version)

	p.Status = progress.StatusInProgress
	p.DepthLevelsCompleted = progress.DepthSet(0).Add(progress.DepthSurface)
	p.TimeSpentSeconds = 90
	saved, err := s.CompareAndSetTopic(ctx, p, 0, e1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, saved.Version)

	_, err = s.CompareAndSetTopic(ctx, p, 0, e2)
	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	// A replayed event id rolls the whole write back.
	_, err = s.CompareAndSetTopic(ctx, saved, 1, e1)
	assert.ErrorIs(t, err, shared.ErrAlreadyProcessed)

	got, err := s.GetTopic(ctx, userID, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Version)
	assert.Equal(t, progress.StatusInProgress, got.Status)
	assert.True(t, got.DepthLevelsCompleted.Has(progress.DepthSurface))
	assert.EqualValues(t, 90, got.TimeSpentSeconds)

	seen, err := s.HasProcessed(ctx, e1)
	require.NoError(t, err)
	assert.True(t, seen)
	seen, err = s.HasProcessed(ctx, e2)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestProgressStore_ConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewProgressStore(newTestConnection(t))
	base := progress.NewTopicProgress(freshID("u"), "t1")
	base.Status = progress.StatusInProgress

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CompareAndSetTopic(ctx, base, 0, freshID("e"))
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestProgressStore_PathAndStreak(t *testing.T) {
	ctx := context.Background()
	s := NewProgressStore(newTestConnection(t))
	userID := freshID("u")

	p := progress.NewPathProgress(userID, "p1", 3)
	p.Status = progress.StatusInProgress
	p.StepsCompleted = []int{0, 2}
	saved, err := s.CompareAndSetPath(ctx, p, 0, freshID("e"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, saved.Version)

	paths, err := s.ListPaths(ctx, userID)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, []int{0, 2}, paths[0].StepsCompleted)

	st := progress.NewStreak(userID)
	st.CurrentDays = 2
	st.BestDays = 2
	savedStreak, err := s.CompareAndSetStreak(ctx, st, 0)
	require.NoError(t, err)
	_, err = s.CompareAndSetStreak(ctx, st, 0)
	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	got, err := s.GetStreak(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, savedStreak.Version, got.Version)
	assert.Equal(t, 2, got.CurrentDays)
}

func TestProgressStore_PruneProcessed(t *testing.T) {
	ctx := context.Background()
	s := NewProgressStore(newTestConnection(t))
	eventID := freshID("e")
	require.NoError(t, s.MarkProcessed(ctx, eventID))
	require.NoError(t, s.MarkProcessed(ctx, eventID))

	_, err := s.PruneProcessed(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	seen, err := s.HasProcessed(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestUnlockRepository_WriteOnce(t *testing.T) {
	ctx := context.Background()
	r := NewUnlockRepository(newTestConnection(t))
	rec := achievement.UnlockRecord{
		UserID:       freshID("u"),
		DefinitionID: "first-step",
		Kind:         achievement.KindAchievement,
		UnlockedAt:   time.Now().UTC().Truncate(time.Microsecond),
		Points:       10,
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := r.TryUnlock(ctx, rec)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	won, err := r.TryUnlock(ctx, rec)
	require.NoError(t, err)
	assert.False(t, won)

	list, err := r.ListUnlocked(ctx, rec.UserID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 10, list[0].Points)
	assert.True(t, list[0].Unlocked)
}
