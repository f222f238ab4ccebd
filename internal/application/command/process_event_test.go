package command

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/application/saga"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/catalog"
	"github.com/alem-hub/progress-engine/internal/domain/criteria"
	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
)

var ts = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type definitions struct {
	set *achievement.Set
	cat *catalog.Catalog
}

func (d definitions) Definitions() *achievement.Set { return d.set }
func (d definitions) Catalog() *catalog.Catalog     { return d.cat }

func testDefinitions(t *testing.T) definitions {
	t.Helper()
	cat, err := catalog.New([]catalog.Topic{
		{ID: "job-to-be-done", Phase: "discover", Tags: []string{"orientation"}},
		{ID: "t1", Phase: "discover"},
		{ID: "threat-modeling", Phase: "build", Tags: []string{"security"}},
		{ID: "secrets-handling", Phase: "build", Tags: []string{"security"}},
	}, []catalog.Path{{ID: "secure-basics", TotalSteps: 2}})
	require.NoError(t, err)

	set, err := achievement.NewSet(
		achievement.Definition{
			ID: "orientation-complete", Kind: achievement.KindMilestone,
			Criteria: criteria.AllOf{Tag: "orientation", MinDepth: progress.DepthSurface},
		},
		achievement.Definition{
			ID: "first-step", Kind: achievement.KindAchievement, Points: 10,
			Criteria: criteria.CountAtLeast{Field: progress.FieldTopicsCompleted, N: 1},
		},
		achievement.Definition{
			ID: "deep-diver", Kind: achievement.KindAchievement, Points: 25,
			Criteria: criteria.CountAtLeast{Field: progress.FieldDeepWaterTopicsCompleted, N: 1},
		},
	)
	require.NoError(t, err)
	return definitions{set: set, cat: cat}
}

type pipeline struct {
	store    progress.Store
	unlocks  *memory.UnlockRepository
	notified atomic.Int32
	handler  *ProcessEventHandler
}

func newPipeline(t *testing.T, store progress.Store) *pipeline {
	p := &pipeline{store: store, unlocks: memory.NewUnlockRepository()}
	notifier := notification.NotifierFunc(func(context.Context, notification.Notification) error {
		p.notified.Add(1)
		return nil
	})
	flow := saga.NewUnlockFlow(store, p.unlocks, testDefinitions(t), notifier, memory.NewOutbox(), nil, nil, saga.DefaultUnlockFlowConfig())
	apply := NewApplyEventHandler(store, nil, nil, nil, DefaultApplyEventHandlerConfig())
	p.handler = NewProcessEventHandler(apply, flow)
	return p
}

func completed(id, topicID string, depth progress.DepthLevel) progress.Event {
	return progress.Event{
		ID: id, UserID: "u1", Type: progress.EventTopicCompleted,
		TopicID: topicID, Depth: depth, Timestamp: ts,
	}
}

func (p *pipeline) unlocked(t *testing.T) []string {
	t.Helper()
	recs, err := p.unlocks.ListUnlocked(context.Background(), "u1")
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.DefinitionID)
	}
	return ids
}

func TestProcess_OrientationCompleteRedelivered(t *testing.T) {
	p := newPipeline(t, memory.NewStore())
	e := completed("evt-orientation", "job-to-be-done", progress.DepthSurface)

	for i := 0; i < 4; i++ {
		res, err := p.handler.Handle(context.Background(), e)
		require.NoError(t, err)
		assert.Equal(t, i > 0, res.Apply.Duplicate)
		if i == 0 {
			require.Len(t, res.Unlock.NewUnlocks, 1)
			assert.Equal(t, "orientation-complete", res.Unlock.NewUnlocks[0].DefinitionID)
			assert.Equal(t, "evt-orientation", res.Unlock.NewUnlocks[0].TriggeringEventID)
		} else {
			assert.Empty(t, res.Unlock.NewUnlocks)
		}
	}

	assert.Equal(t, []string{"orientation-complete"}, p.unlocked(t))
	assert.Equal(t, int32(1), p.notified.Load())
}

func TestProcess_FirstStepDuplicateDepth(t *testing.T) {
	store := memory.NewStore()
	p := newPipeline(t, store)
	ctx := context.Background()

	e := completed("evt-1", "t1", progress.DepthSurface)
	_, err := p.handler.Handle(ctx, e)
	require.NoError(t, err)
	res, err := p.handler.Handle(ctx, e)
	require.NoError(t, err)
	assert.True(t, res.Apply.Duplicate)

	topic, err := store.GetTopic(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, []progress.DepthLevel{progress.DepthSurface}, topic.DepthLevelsCompleted.Levels())
	assert.Equal(t, int64(1), topic.Version)
	assert.NotContains(t, p.unlocked(t), "first-step")

	// The same depth under a new event ID is a no-op write.
	res, err = p.handler.Handle(ctx, completed("evt-2", "t1", progress.DepthSurface))
	require.NoError(t, err)
	assert.False(t, res.Apply.Changed)

	for _, e := range []progress.Event{
		completed("evt-3", "t1", progress.DepthMid),
		completed("evt-4", "t1", progress.DepthDeepWater),
		completed("evt-4", "t1", progress.DepthDeepWater),
	} {
		_, err := p.handler.Handle(ctx, e)
		require.NoError(t, err)
	}

	topic, _ = store.GetTopic(ctx, "u1", "t1")
	assert.Equal(t, progress.StatusCompleted, topic.Status)
	assert.Equal(t, 100, topic.CompletionPercentage)
	assert.ElementsMatch(t, []string{"first-step", "deep-diver"}, p.unlocked(t))
	assert.Equal(t, int32(2), p.notified.Load())
}

func TestProcess_DeepDiverOnlyOnce(t *testing.T) {
	p := newPipeline(t, memory.NewStore())
	ctx := context.Background()

	res, err := p.handler.Handle(ctx, completed("evt-a", "threat-modeling", progress.DepthDeepWater))
	require.NoError(t, err)
	require.Len(t, res.Unlock.NewUnlocks, 1)
	assert.Equal(t, "deep-diver", res.Unlock.NewUnlocks[0].DefinitionID)
	assert.Equal(t, 25, res.Unlock.PointsAwarded)

	res, err = p.handler.Handle(ctx, completed("evt-b", "secrets-handling", progress.DepthDeepWater))
	require.NoError(t, err)
	assert.True(t, res.Apply.Changed)
	assert.Empty(t, res.Unlock.NewUnlocks)
	assert.Equal(t, int32(1), p.notified.Load())
}

func TestProcess_PathEvents(t *testing.T) {
	store := memory.NewStore()
	p := newPipeline(t, store)
	ctx := context.Background()

	for i, step := range []int{1, 0, 1} {
		_, err := p.handler.Handle(ctx, progress.Event{
			ID: fmt.Sprintf("p-%d", i), UserID: "u1", Type: progress.EventPathStepCompleted,
			PathID: "secure-basics", Step: step, PathSteps: 2, Timestamp: ts,
		})
		require.NoError(t, err)
	}

	path, err := store.GetPath(ctx, "u1", "secure-basics")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, path.StepsCompleted)
	assert.Equal(t, progress.StatusCompleted, path.Status)
	assert.Equal(t, 2, path.CurrentStep)
	assert.Equal(t, int64(2), path.Version)
}

// conflictingStore fails the first n topic writes with a version conflict.
type conflictingStore struct {
	*memory.Store
	remaining atomic.Int32
}

func (s *conflictingStore) CompareAndSetTopic(ctx context.Context, p progress.TopicProgress, expected int64, eventID string) (progress.TopicProgress, error) {
	if s.remaining.Add(-1) >= 0 {
		return progress.TopicProgress{}, shared.ErrVersionMismatch
	}
	return s.Store.CompareAndSetTopic(ctx, p, expected, eventID)
}

func TestApply_RetriesConflicts(t *testing.T) {
	store := &conflictingStore{Store: memory.NewStore()}
	store.remaining.Store(2)
	h := NewApplyEventHandler(store, nil, nil, nil, ApplyEventHandlerConfig{MaxAttempts: 5})

	res, err := h.Handle(context.Background(), ApplyEventCommand{Event: completed("e1", "t1", progress.DepthSurface)})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(1), res.Topic.Version)
}

func TestApply_ConflictExhaustion(t *testing.T) {
	store := &conflictingStore{Store: memory.NewStore()}
	store.remaining.Store(100)
	h := NewApplyEventHandler(store, nil, nil, nil, ApplyEventHandlerConfig{MaxAttempts: 3})

	_, err := h.Handle(context.Background(), ApplyEventCommand{Event: completed("e1", "t1", progress.DepthSurface)})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrConcurrencyExhausted)
	assert.True(t, shared.IsRetryable(err))

	done, _ := store.HasProcessed(context.Background(), "e1")
	assert.False(t, done)
}

func TestApply_ConcurrentDepthsConverge(t *testing.T) {
	store := memory.NewStore()
	h := NewApplyEventHandler(store, nil, nil, nil, ApplyEventHandlerConfig{MaxAttempts: 50})

	var wg sync.WaitGroup
	for i, d := range progress.AllDepths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Handle(context.Background(), ApplyEventCommand{Event: completed(fmt.Sprintf("e%d", i), "t1", d)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	topic, err := store.GetTopic(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, topic.DepthLevelsCompleted.Len())
	assert.Equal(t, progress.StatusCompleted, topic.Status)
	assert.Equal(t, int64(3), topic.Version)
}

type invalidations struct{ users []string }

func (i *invalidations) Invalidate(_ context.Context, userID string) error {
	i.users = append(i.users, userID)
	return nil
}

func TestApply_InvalidatesAndPublishesOnChange(t *testing.T) {
	inv := &invalidations{}
	var published []shared.Event
	bus := publisherFunc(func(e shared.Event) error {
		published = append(published, e)
		return nil
	})
	h := NewApplyEventHandler(memory.NewStore(), bus, inv, nil, DefaultApplyEventHandlerConfig())

	e := completed("e1", "t1", progress.DepthSurface)
	_, err := h.Handle(context.Background(), ApplyEventCommand{Event: e})
	require.NoError(t, err)
	_, err = h.Handle(context.Background(), ApplyEventCommand{Event: e})
	require.NoError(t, err)

	assert.Equal(t, []string{"u1"}, inv.users)
	require.Len(t, published, 1)
	assert.Equal(t, shared.EventTopicProgressUpdated, published[0].EventType())
}

type publisherFunc func(shared.Event) error

func (f publisherFunc) Publish(e shared.Event) error { return f(e) }

func TestApply_RejectsBadCommand(t *testing.T) {
	h := NewApplyEventHandler(memory.NewStore(), nil, nil, nil, DefaultApplyEventHandlerConfig())

	_, err := h.Handle(context.Background(), ApplyEventCommand{Event: progress.Event{ID: "e", UserID: "u", Type: "karma"}})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = h.Handle(context.Background(), ApplyEventCommand{Event: progress.Event{ID: "e", UserID: "u", Type: progress.EventTopicStarted}})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}
