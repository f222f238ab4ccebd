package progress

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

var base = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func completed(id string, depth DepthLevel, at time.Time) Event {
	return Event{ID: id, UserID: "u1", Type: EventTopicCompleted, TopicID: "t1", Depth: depth, Timestamp: at}
}

func fold(t *testing.T, events ...Event) TopicProgress {
	t.Helper()
	agg := NewTopicProgress("u1", "t1")
	for _, e := range events {
		var err error
		agg, err = Apply(agg, e)
		require.NoError(t, err)
	}
	return agg
}

func permutations(events []Event) [][]Event {
	if len(events) <= 1 {
		return [][]Event{events}
	}
	var out [][]Event
	for i := range events {
		rest := make([]Event, 0, len(events)-1)
		rest = append(rest, events[:i]...)
		rest = append(rest, events[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Event{events[i]}, p...))
		}
	}
	return out
}

func TestApply_OutOfOrderConvergence(t *testing.T) {
	events := []Event{
		completed("e1", DepthSurface, base),
		completed("e2", DepthMid, base.Add(time.Hour)),
		completed("e3", DepthDeepWater, base.Add(2*time.Hour)),
	}

	var want *TopicProgress
	for _, perm := range permutations(events) {
		got := fold(t, perm...)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, 100, got.CompletionPercentage)
		if want == nil {
			want = &got
			continue
		}
		if diff := cmp.Diff(*want, got); diff != "" {
			t.Fatalf("aggregate depends on delivery order (-want +got):\n%s", diff)
		}
	}
	assert.Equal(t, base, want.FirstVisited)
	assert.Equal(t, base.Add(2*time.Hour), want.LastVisited)
}

func TestApply_MonotonicCompletion(t *testing.T) {
	events := []Event{
		{ID: "s", UserID: "u1", Type: EventTopicStarted, TopicID: "t1", Timestamp: base},
		completed("a", DepthMid, base),
		{ID: "b", UserID: "u1", Type: EventTopicBookmarked, TopicID: "t1", Bookmark: BookmarkAdd, Timestamp: base},
		completed("a", DepthMid, base),
		{ID: "ts", UserID: "u1", Type: EventTopicTimeSpent, TopicID: "t1", Seconds: 90, Timestamp: base},
		completed("c", DepthSurface, base),
		{ID: "s2", UserID: "u1", Type: EventTopicStarted, TopicID: "t1", Timestamp: base},
		completed("d", DepthDeepWater, base),
	}

	for _, perm := range permutations(events[:5]) {
		agg := NewTopicProgress("u1", "t1")
		last := 0
		for _, e := range append(perm, events[5:]...) {
			next, err := Apply(agg, e)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, next.CompletionPercentage, last)
			if next.Status == StatusCompleted {
				assert.Equal(t, 100, next.CompletionPercentage)
			}
			last = next.CompletionPercentage
			agg = next
		}
		assert.Equal(t, 100, agg.CompletionPercentage)
	}
}

func TestApply_DuplicateDepthIsNoop(t *testing.T) {
	e := completed("e1", DepthSurface, base)
	once := fold(t, e)
	twice := fold(t, e, e)

	assert.Equal(t, []DepthLevel{DepthSurface}, twice.DepthLevelsCompleted.Levels())
	assert.Equal(t, 33, twice.CompletionPercentage)
	assert.Equal(t, StatusInProgress, twice.Status)
	assert.False(t, TopicChanged(once, twice))
}

func TestApply_StartedIsIdempotent(t *testing.T) {
	start := Event{ID: "s", UserID: "u1", Type: EventTopicStarted, TopicID: "t1", Timestamp: base}

	agg := fold(t, start)
	assert.Equal(t, StatusInProgress, agg.Status)

	done := fold(t, completed("1", DepthSurface, base), completed("2", DepthMid, base), completed("3", DepthDeepWater, base), start)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestApply_BookmarkSetsEndState(t *testing.T) {
	add := Event{ID: "b", UserID: "u1", Type: EventTopicBookmarked, TopicID: "t1", Bookmark: BookmarkAdd, Timestamp: base}
	remove := add
	remove.Bookmark = BookmarkRemove

	assert.True(t, fold(t, add, add).Bookmarked)
	assert.False(t, fold(t, add, remove).Bookmarked)
	assert.False(t, fold(t, remove, remove).Bookmarked)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	before := fold(t, completed("1", DepthSurface, base))
	snapshot := before

	_, err := Apply(before, completed("2", DepthMid, base))
	require.NoError(t, err)

	if diff := cmp.Diff(snapshot, before); diff != "" {
		t.Fatalf("input mutated:\n%s", diff)
	}
}

func TestApply_ResetClearsDepths(t *testing.T) {
	agg := fold(t,
		completed("1", DepthSurface, base),
		Event{ID: "b", UserID: "u1", Type: EventTopicBookmarked, TopicID: "t1", Bookmark: BookmarkAdd, Timestamp: base},
		Event{ID: "r", UserID: "u1", Type: EventTopicReset, TopicID: "t1", Timestamp: base.Add(time.Minute)},
	)

	assert.Equal(t, StatusNotStarted, agg.Status)
	assert.Equal(t, 0, agg.DepthLevelsCompleted.Len())
	assert.Equal(t, 0, agg.CompletionPercentage)
	assert.True(t, agg.Bookmarked)
}

func TestApply_RatingAndTime(t *testing.T) {
	agg := fold(t,
		Event{ID: "r", UserID: "u1", Type: EventTopicRated, TopicID: "t1", Rating: 4, Timestamp: base},
		Event{ID: "t", UserID: "u1", Type: EventTopicTimeSpent, TopicID: "t1", Seconds: 120, Timestamp: base},
	)
	require.NotNil(t, agg.Rating)
	assert.Equal(t, 4, *agg.Rating)
	assert.Equal(t, int64(120), agg.TimeSpentSeconds)

	_, err := Apply(agg, Event{ID: "bad", UserID: "u1", Type: EventTopicRated, TopicID: "t1", Rating: 9, Timestamp: base})
	assert.ErrorIs(t, err, shared.ErrValueOutOfRange)
}

func TestApply_TimeSpentSaturates(t *testing.T) {
	agg := NewTopicProgress("u1", "t1")
	agg.TimeSpentSeconds = math.MaxInt64 - 10

	next, err := Apply(agg, Event{ID: "t", UserID: "u1", Type: EventTopicTimeSpent, TopicID: "t1", Seconds: 60, Timestamp: base})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), next.TimeSpentSeconds)

	again, err := Apply(next, Event{ID: "t2", UserID: "u1", Type: EventTopicTimeSpent, TopicID: "t1", Seconds: math.MaxInt64, Timestamp: base})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), again.TimeSpentSeconds)
}

func TestApply_RejectsForeignEvent(t *testing.T) {
	agg := NewTopicProgress("u1", "t1")
	_, err := Apply(agg, Event{ID: "x", UserID: "u2", Type: EventTopicStarted, TopicID: "t1", Timestamp: base})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = Apply(agg, Event{ID: "x", UserID: "u1", Type: EventPathStarted, PathID: "p", Timestamp: base})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestApplyPath(t *testing.T) {
	step := func(n int) Event {
		return Event{ID: "p", UserID: "u1", Type: EventPathStepCompleted, PathID: "p1", Step: n, PathSteps: 3, Timestamp: base}
	}

	agg := NewPathProgress("u1", "p1", 3)
	for _, n := range []int{2, 0, 2} {
		var err error
		agg, err = ApplyPath(agg, step(n))
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 2}, agg.StepsCompleted)
	assert.Equal(t, 1, agg.CurrentStep)
	assert.Equal(t, StatusInProgress, agg.Status)

	agg, err := ApplyPath(agg, step(1))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, agg.Status)
	assert.Equal(t, 3, agg.CurrentStep)

	_, err = ApplyPath(agg, step(3))
	assert.ErrorIs(t, err, shared.ErrValueOutOfRange)
}

func TestApplyStreak(t *testing.T) {
	s := NewStreak("u1")
	days := []time.Time{base.AddDate(0, 0, 2), base, base.AddDate(0, 0, 1), base.Add(3 * time.Hour), base.AddDate(0, 0, 5)}

	for _, d := range days {
		s, _ = ApplyStreak(s, d)
	}
	assert.Len(t, s.ActiveDays, 4)
	assert.Equal(t, 1, s.CurrentDays)
	assert.Equal(t, 3, s.BestDays)

	_, changed := ApplyStreak(s, base.AddDate(0, 0, 5))
	assert.False(t, changed)

	assert.Equal(t, 1, s.CurrentAsOf(base.AddDate(0, 0, 6)))
	assert.Equal(t, 0, s.CurrentAsOf(base.AddDate(0, 0, 8)))
}

func TestSummarize(t *testing.T) {
	rating := 5
	topics := []TopicProgress{
		{Status: StatusCompleted, DepthLevelsCompleted: NewDepthSet(AllDepths...), CompletionPercentage: 100, TimeSpentSeconds: 600},
		{Status: StatusInProgress, DepthLevelsCompleted: NewDepthSet(DepthSurface), Bookmarked: true, Rating: &rating},
		{Status: StatusNotStarted, Bookmarked: true},
	}
	paths := []PathProgress{{Status: StatusCompleted}, {Status: StatusInProgress}}

	s := Summarize(topics, paths, Streak{CurrentDays: 2, BestDays: 4})
	assert.Equal(t, 2, s.TopicsStarted)
	assert.Equal(t, 1, s.TopicsCompleted)
	assert.Equal(t, 2, s.SurfaceCompleted)
	assert.Equal(t, 1, s.DeepWaterTopicsCompleted)
	assert.Equal(t, 1, s.PathsCompleted)
	assert.Equal(t, 2, s.Bookmarks)
	assert.Equal(t, 1, s.RatingsGiven)
	assert.Equal(t, 10, s.TimeSpentMinutes)

	n, ok := s.Count(FieldDeepWaterTopicsCompleted)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
}
