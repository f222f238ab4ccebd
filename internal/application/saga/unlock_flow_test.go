package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/catalog"
	"github.com/alem-hub/progress-engine/internal/domain/criteria"
	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

var day = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type staticDefinitions struct {
	set *achievement.Set
	cat *catalog.Catalog
}

func (s staticDefinitions) Definitions() *achievement.Set { return s.set }
func (s staticDefinitions) Catalog() *catalog.Catalog     { return s.cat }

func testDefinitions(t *testing.T) staticDefinitions {
	t.Helper()
	cat, err := catalog.New([]catalog.Topic{
		{ID: "job-to-be-done", Phase: "discover", Tags: []string{"orientation"}},
		{ID: "threat-modeling", Phase: "build", Tags: []string{"security"}},
	}, nil)
	require.NoError(t, err)

	set, err := achievement.NewSet(
		achievement.Definition{
			ID: "orientation-complete", Kind: achievement.KindMilestone, Name: "Orientation complete",
			Criteria: criteria.AllOf{Tag: "orientation", MinDepth: progress.DepthSurface},
		},
		achievement.Definition{
			ID: "deep-diver", Kind: achievement.KindAchievement, Name: "Deep diver", Points: 25,
			Criteria: criteria.CountAtLeast{Field: progress.FieldDeepWaterTopicsCompleted, N: 1},
		},
	)
	require.NoError(t, err)
	return staticDefinitions{set: set, cat: cat}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []shared.Event
}

func (b *recordingBus) Publish(e shared.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) ofType(t shared.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store    *memory.Store
	unlocks  *memory.UnlockRepository
	outbox   *memory.Outbox
	notifier *recordingNotifier
	bus      *recordingBus
	flow     *UnlockFlow
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store:    memory.NewStore(),
		unlocks:  memory.NewUnlockRepository(),
		outbox:   memory.NewOutbox(),
		notifier: &recordingNotifier{},
		bus:      &recordingBus{},
	}
	f.flow = NewUnlockFlow(f.store, f.unlocks, testDefinitions(t), f.notifier, f.outbox, f.bus, nil, DefaultUnlockFlowConfig()).
		WithClock(timeutil.FixedClock(day))
	return f
}

func (f *fixture) complete(t *testing.T, topicID string, depth progress.DepthLevel) {
	t.Helper()
	ctx := context.Background()
	cur, err := f.store.GetTopic(ctx, "u1", topicID)
	require.NoError(t, err)
	next, err := progress.Apply(cur, progress.Event{
		ID: "seed-" + topicID + string(depth), UserID: "u1", Type: progress.EventTopicCompleted,
		TopicID: topicID, Depth: depth, Timestamp: day,
	})
	require.NoError(t, err)
	_, err = f.store.CompareAndSetTopic(ctx, next, cur.Version, "")
	require.NoError(t, err)
}

func TestUnlockFlow_UnlocksOnceAcrossRuns(t *testing.T) {
	f := newFixture(t)
	f.complete(t, "job-to-be-done", progress.DepthSurface)

	var total int
	for i := 0; i < 3; i++ {
		res, err := f.flow.Execute(context.Background(), UnlockInput{UserID: "u1", TriggeringEventID: "e1"})
		require.NoError(t, err)
		total += len(res.NewUnlocks)
		if i == 0 {
			require.Len(t, res.NewUnlocks, 1)
			assert.Equal(t, "orientation-complete", res.NewUnlocks[0].DefinitionID)
			assert.Equal(t, achievement.KindMilestone, res.NewUnlocks[0].Kind)
			assert.Equal(t, day, res.NewUnlocks[0].UnlockedAt)
		} else {
			assert.Equal(t, 1, res.Evaluated)
		}
	}

	assert.Equal(t, 1, total)
	assert.Len(t, f.notifier.sent, 1)
	assert.Equal(t, 1, f.bus.ofType(shared.EventMilestoneUnlocked))
}

func TestUnlockFlow_ConcurrentRunsUnlockOnce(t *testing.T) {
	f := newFixture(t)
	f.complete(t, "threat-modeling", progress.DepthDeepWater)

	var (
		mu    sync.Mutex
		wins  int
		wg    sync.WaitGroup
		ctx   = context.Background()
		input = UnlockInput{UserID: "u1", TriggeringEventID: "e1"}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.flow.Execute(ctx, input)
			assert.NoError(t, err)
			mu.Lock()
			wins += len(res.NewUnlocks)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, f.notifier.sent, 1)
	assert.Equal(t, 25, f.notifier.sent[0].Points)
}

func TestUnlockFlow_NotificationFailureKeepsUnlock(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("sink down")
	f.complete(t, "threat-modeling", progress.DepthDeepWater)

	res, err := f.flow.Execute(context.Background(), UnlockInput{UserID: "u1", TriggeringEventID: "e1"})
	require.NoError(t, err)
	assert.Len(t, res.NewUnlocks, 1)
	assert.Equal(t, 25, res.PointsAwarded)
	assert.Equal(t, 1, res.NotificationsFailed)
	assert.Equal(t, 0, res.NotificationsSent)

	records, err := f.unlocks.ListUnlocked(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	queued, err := f.outbox.Dequeue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "deep-diver", queued[0].DefinitionID)
	assert.Equal(t, 1, queued[0].Attempts)
	assert.Equal(t, "sink down", queued[0].LastError)
	assert.Equal(t, 1, f.bus.ofType(shared.EventNotificationFailed))
}

func TestUnlockFlow_NothingSatisfied(t *testing.T) {
	f := newFixture(t)

	res, err := f.flow.Execute(context.Background(), UnlockInput{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.HasNewUnlocks())
	assert.Equal(t, 2, res.Evaluated)
	assert.Empty(t, f.notifier.sent)
}

func TestUnlockFlow_RejectsEmptyUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.flow.Execute(context.Background(), UnlockInput{})
	require.Error(t, err)

	var flowErr *UnlockFlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, StepLoadDefinitions, flowErr.Step)
}

func TestUnlockFlowBuilder(t *testing.T) {
	_, err := NewUnlockFlowBuilder().Build()
	assert.Error(t, err)

	flow, err := NewUnlockFlowBuilder().
		WithStore(memory.NewStore()).
		WithUnlockRepository(memory.NewUnlockRepository()).
		WithDefinitions(testDefinitions(t)).
		WithNotifier(&recordingNotifier{}, memory.NewOutbox()).
		Build()
	require.NoError(t, err)
	assert.NotNil(t, flow)

	_, err = NewUnlockFlowBuilder().
		WithStore(memory.NewStore()).
		WithUnlockRepository(memory.NewUnlockRepository()).
		WithDefinitions(testDefinitions(t)).
		WithNotifier(&recordingNotifier{}, nil).
		Build()
	assert.Error(t, err)
}
