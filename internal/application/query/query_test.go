package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/criteria"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/ranking"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

var now = time.Date(2026, 5, 3, 15, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *memory.Store, topicID string, mutate func(*progress.TopicProgress)) {
	t.Helper()
	ctx := context.Background()
	cur, err := store.GetTopic(ctx, "u1", topicID)
	require.NoError(t, err)
	next := cur
	mutate(&next)
	_, err = store.CompareAndSetTopic(ctx, next, cur.Version, "")
	require.NoError(t, err)
}

func TestGetProgress(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	seed(t, store, "t1", func(p *progress.TopicProgress) {
		p.Status = progress.StatusCompleted
		p.DepthLevelsCompleted = progress.NewDepthSet(progress.AllDepths...)
		p.CompletionPercentage = 100
		p.TimeSpentSeconds = 600
	})

	streak := progress.NewStreak("u1")
	for i := 0; i < 3; i++ {
		streak, _ = progress.ApplyStreak(streak, now.AddDate(0, 0, -i))
	}
	_, err := store.CompareAndSetStreak(ctx, streak, 0)
	require.NoError(t, err)

	dto, err := NewGetProgressHandler(store, timeutil.FixedClock(now)).Handle(ctx, GetProgressQuery{UserID: "u1"})
	require.NoError(t, err)

	require.Len(t, dto.Topics, 1)
	assert.Empty(t, dto.Paths)
	assert.NotNil(t, dto.Paths)
	assert.Equal(t, 1, dto.Statistics.TopicsCompleted)
	assert.Equal(t, 10, dto.Statistics.TimeSpentMinutes)
	assert.Equal(t, 3, dto.Statistics.CurrentStreak)
	assert.Equal(t, "2026-05-03", dto.LastActiveDay)

	// Two days later the streak has lapsed.
	dto, err = NewGetProgressHandler(store, timeutil.FixedClock(now.AddDate(0, 0, 2))).Handle(ctx, GetProgressQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 0, dto.Statistics.CurrentStreak)
	assert.Equal(t, 3, dto.Statistics.BestStreak)

	_, err = NewGetProgressHandler(store, nil).Handle(ctx, GetProgressQuery{})
	assert.Error(t, err)
}

type defs struct{ set *achievement.Set }

func (d defs) Definitions() *achievement.Set { return d.set }

func TestGetUnlocks(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewUnlockRepository()
	set, err := achievement.NewSet(
		achievement.Definition{ID: "first-step", Kind: achievement.KindAchievement, Name: "First step", Points: 10,
			Criteria: criteria.CountAtLeast{Field: progress.FieldTopicsCompleted, N: 1}},
		achievement.Definition{ID: "orientation-complete", Kind: achievement.KindMilestone, Name: "Oriented",
			Criteria: criteria.CountAtLeast{Field: progress.FieldSurfaceCompleted, N: 1}},
	)
	require.NoError(t, err)

	for _, d := range set.All() {
		_, err := repo.TryUnlock(ctx, achievement.NewUnlockRecord("u1", d, "e1", now))
		require.NoError(t, err)
	}

	h := NewGetUnlocksHandler(repo, defs{set})
	dto, err := h.Handle(ctx, GetUnlocksQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, dto.Unlocks, 2)
	assert.Equal(t, 10, dto.TotalPoints)
	assert.Equal(t, 2, dto.Available)

	dto, err = h.Handle(ctx, GetUnlocksQuery{UserID: "u1", Kind: achievement.KindMilestone})
	require.NoError(t, err)
	require.Len(t, dto.Unlocks, 1)
	assert.Equal(t, "Oriented", dto.Unlocks[0].Name)
	assert.Equal(t, 1, dto.Available)

	_, err = h.Handle(ctx, GetUnlocksQuery{UserID: "u1", Kind: "badge"})
	assert.Error(t, err)
}

type rules struct{ a *ranking.Adjuster }

func (r rules) Adjuster() *ranking.Adjuster { return r.a }

type stubProvider struct {
	candidates []ranking.Candidate
	err        error
	queries    []string
}

func (p *stubProvider) Search(_ context.Context, query string, _ int) ([]ranking.Candidate, error) {
	p.queries = append(p.queries, query)
	return p.candidates, p.err
}

type mapCache struct {
	m    map[string]ranking.Signals
	gets int
}

func (c *mapCache) Get(_ context.Context, userID string) (ranking.Signals, bool, error) {
	c.gets++
	s, ok := c.m[userID]
	return s, ok, nil
}

func (c *mapCache) Set(_ context.Context, userID string, s ranking.Signals) error {
	c.m[userID] = s
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, userID string) error {
	delete(c.m, userID)
	return nil
}

func beginnerRules() rules {
	return rules{ranking.NewAdjuster([]ranking.Rule{
		{
			ID: "boost_surface_for_beginners", Kind: ranking.KindBoost, Weight: 4,
			Condition: criteria.And{Terms: []criteria.Expr{
				criteria.PersonaIs{Persona: "new-developer"},
				criteria.DocDepthIs{Depth: progress.DepthSurface},
			}},
		},
		{ID: "bury_completed", Kind: ranking.KindBury, Weight: 20, Condition: criteria.DocCompleted{}},
	})}
}

func TestAdjustRanking_RequestCandidates(t *testing.T) {
	store := memory.NewStore()
	h := NewAdjustRankingHandler(store, beginnerRules(), nil, nil, nil)

	res, err := h.Handle(context.Background(), AdjustRankingQuery{
		UserID:  "u1",
		Persona: "new-developer",
		Candidates: []ranking.Candidate{
			{Document: criteria.Document{ID: "mid", Depth: progress.DepthMid}, Score: 12},
			{Document: criteria.Document{ID: "surface", Depth: progress.DepthSurface}, Score: 10},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, SourceRequest, res.Source)
	assert.Equal(t, "surface", res.Results[0].Document.ID)
	assert.Equal(t, 14.0, res.Results[0].AdjustedScore)
	assert.True(t, res.Personalized)
}

func TestAdjustRanking_GateKeepsProviderOrder(t *testing.T) {
	store := memory.NewStore()
	h := NewAdjustRankingHandler(store, beginnerRules(), nil, nil, nil).
		WithGate(func(userID string) bool { return userID != "u1" })

	q := AdjustRankingQuery{
		UserID:  "u1",
		Persona: "new-developer",
		Candidates: []ranking.Candidate{
			{Document: criteria.Document{ID: "mid", Depth: progress.DepthMid}, Score: 12},
			{Document: criteria.Document{ID: "surface", Depth: progress.DepthSurface}, Score: 10},
		},
	}
	res, err := h.Handle(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, res.Personalized)
	assert.Equal(t, "mid", res.Results[0].Document.ID)
	assert.Empty(t, res.Results[1].MatchedRules)

	q.UserID = "u2"
	res, err = h.Handle(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, res.Personalized)
	assert.Equal(t, "surface", res.Results[0].Document.ID)
}

func TestAdjustRanking_ReadsFreshProgress(t *testing.T) {
	store := memory.NewStore()
	cache := &mapCache{m: map[string]ranking.Signals{}}
	h := NewAdjustRankingHandler(store, beginnerRules(), nil, cache, nil)
	q := AdjustRankingQuery{
		UserID: "u1",
		Candidates: []ranking.Candidate{
			{Document: criteria.Document{ID: "a", TopicID: "t1"}, Score: 30},
			{Document: criteria.Document{ID: "b", TopicID: "t2"}, Score: 20},
		},
	}

	res, err := h.Handle(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Results[0].Document.ID)

	seed(t, store, "t1", func(p *progress.TopicProgress) { p.Status = progress.StatusCompleted })
	require.NoError(t, cache.Invalidate(context.Background(), "u1"))

	res, err = h.Handle(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Results[0].Document.ID)
	assert.Equal(t, []string{"bury_completed"}, res.Results[1].MatchedRules)
	assert.Equal(t, 2, cache.gets)
}

func TestAdjustRanking_Provider(t *testing.T) {
	provider := &stubProvider{candidates: []ranking.Candidate{
		{Document: criteria.Document{ID: "x", Depth: progress.DepthSurface}, Score: 1},
	}}
	h := NewAdjustRankingHandler(memory.NewStore(), beginnerRules(), provider, nil, nil)

	res, err := h.Handle(context.Background(), AdjustRankingQuery{Query: "threat modeling"})
	require.NoError(t, err)
	assert.Equal(t, SourceProvider, res.Source)
	assert.Equal(t, []string{"threat modeling"}, provider.queries)
	require.Len(t, res.Results, 1)

	provider.err = shared.ErrSearchProviderUnavailable
	_, err = h.Handle(context.Background(), AdjustRankingQuery{Query: "q"})
	assert.True(t, shared.IsExternalService(err))

	_, err = h.Handle(context.Background(), AdjustRankingQuery{})
	assert.True(t, errors.Is(err, shared.ErrInvalidInput))
}
