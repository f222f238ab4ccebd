package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func TestStore_TopicCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	p, err := s.GetTopic(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Version)
	assert.Equal(t, progress.StatusNotStarted, p.Status)

	p.Status = progress.StatusInProgress
	saved, err := s.CompareAndSetTopic(ctx, p, 0, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	_, err = s.CompareAndSetTopic(ctx, p, 0, "e2")
	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	_, err = s.CompareAndSetTopic(ctx, saved, 1, "e1")
	assert.ErrorIs(t, err, shared.ErrAlreadyProcessed)

	done, err := s.HasProcessed(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, done)
	done, _ = s.HasProcessed(ctx, "e2")
	assert.False(t, done)
}

func TestStore_ConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := progress.NewTopicProgress("u1", "t1")
	base.Status = progress.StatusInProgress

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CompareAndSetTopic(ctx, base, 0, ""); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestStore_PathAndStreakCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	p := progress.NewPathProgress("u1", "p1", 3)
	p.StepsCompleted = []int{0}
	_, err := s.CompareAndSetPath(ctx, p, 0, "e1")
	require.NoError(t, err)
	p.StepsCompleted[0] = 2

	got, err := s.GetPath(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got.StepsCompleted)

	paths, err := s.ListPaths(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, paths, 1)

	st := progress.NewStreak("u1")
	st.CurrentDays = 1
	saved, err := s.CompareAndSetStreak(ctx, st, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)
	_, err = s.CompareAndSetStreak(ctx, st, 0)
	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
}

func TestUnlockRepository_WriteOnce(t *testing.T) {
	ctx := context.Background()
	r := NewUnlockRepository()
	rec := achievement.UnlockRecord{UserID: "u1", DefinitionID: "first-step", Points: 10}

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

	list, err := r.ListUnlocked(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Unlocked)
}

func TestOutbox_FIFO(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, o.Enqueue(ctx, notification.Notification{DefinitionID: id}))
	}

	got, err := o.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].DefinitionID)
	assert.Equal(t, "b", got[1].DefinitionID)

	n, _ := o.Len(ctx)
	assert.Equal(t, int64(1), n)
}
