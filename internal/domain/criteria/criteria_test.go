package criteria

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progress-engine/internal/domain/catalog"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Topic{
		{ID: "job-to-be-done", Phase: "discover", Tags: []string{"orientation"}},
		{ID: "threat-modeling", Phase: "build", Tags: []string{"security"}},
		{ID: "secrets-handling", Phase: "build", Tags: []string{"security"}},
	}, nil)
	require.NoError(t, err)
	return c
}

func decode(t *testing.T, src string) any {
	t.Helper()
	var v any
	require.NoError(t, yaml.Unmarshal([]byte(src), &v))
	return v
}

func topic(id string, depths ...progress.DepthLevel) progress.TopicProgress {
	p := progress.NewTopicProgress("u1", id)
	for _, d := range depths {
		p, _ = progress.Apply(p, progress.Event{ID: "x", UserID: "u1", Type: progress.EventTopicCompleted, TopicID: id, Depth: d})
	}
	return p
}

func evalCtx(t *testing.T, topics ...progress.TopicProgress) EvalContext {
	return NewEvalContext(progress.Snapshot{UserID: "u1", Topics: topics}, testCatalog(t), time.Time{})
}

func TestCompile_Shapes(t *testing.T) {
	cat := testCatalog(t)

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"shorthand count", `topics_completed: 1`, "topics_completed>=1"},
		{"count object", `count: {field: deep_water_topics_completed, atLeast: 1}`, "deep_water_topics_completed>=1"},
		{"allOf", `allOf: {tag: security, minDepth: mid-depth}`, "allOf(tag=security,minDepth=mid-depth)"},
		{"phase coverage", `phaseCoverage: {phases: [discover, build], threshold: 50}`, "phaseCoverage(discover,build>=50%)"},
		{"streak int", `streak: 7`, "streak>=7"},
		{"composite", "any:\n  - streak: {days: 3}\n  - all:\n      - bookmarks: 2\n      - ratings_given: 1\n", "or(streak>=3, and(bookmarks>=2, ratings_given>=1))"},
		{"multi-key map", "topics_started: 2\nbookmarks: 1\n", "and(bookmarks>=1, topics_started>=2)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Compile(decode(t, tt.src), ScopeProgress, cat)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr.String())
		})
	}
}

func TestCompile_DocumentShapes(t *testing.T) {
	cat := testCatalog(t)

	expr, err := Compile("depth:surface", ScopeDocument, cat)
	require.NoError(t, err)
	assert.Equal(t, DocDepthIs{Depth: progress.DepthSurface}, expr)

	expr, err = Compile(decode(t, "persona: new-developer\ndepth: surface\n"), ScopeDocument, cat)
	require.NoError(t, err)
	assert.Equal(t, "and(depth:surface, persona:new-developer)", expr.String())

	expr, err = Compile("bookmarked", ScopeDocument, cat)
	require.NoError(t, err)
	assert.Equal(t, DocBookmarked{}, expr)
}

func TestCompile_Rejects(t *testing.T) {
	cat := testCatalog(t)

	tests := []struct {
		name  string
		src   string
		scope Scope
		kind  error
	}{
		{"unknown tag", `allOf: {tag: blockchain, minDepth: surface}`, ScopeProgress, shared.ErrUnknownReference},
		{"unknown phase", `phaseCoverage: {phases: [launch], threshold: 10}`, ScopeProgress, shared.ErrUnknownReference},
		{"unknown kind", `karma: 3`, ScopeProgress, shared.ErrConfig},
		{"unknown field", `count: {field: topics_completed, atLeast: 1, extra: true}`, ScopeProgress, shared.ErrConfig},
		{"bad depth", `allOf: {tag: security, minDepth: abyss}`, ScopeProgress, shared.ErrConfig},
		{"empty composite", `all: []`, ScopeProgress, shared.ErrConfig},
		{"threshold range", `phaseCoverage: {phases: [build], threshold: 120}`, ScopeProgress, shared.ErrConfig},
		{"negative count", `bookmarks: -1`, ScopeProgress, shared.ErrConfig},
		{"doc key in unlock", `persona: new-developer`, ScopeProgress, shared.ErrConfig},
		{"unlock key in rule", `topics_completed: 1`, ScopeDocument, shared.ErrConfig},
		{"unknown rule tag", `tag: blockchain`, ScopeDocument, shared.ErrUnknownReference},
		{"negated flag", `completed: false`, ScopeDocument, shared.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileDefinition("def-1", decode(t, tt.src), tt.scope, cat)
			require.Error(t, err)
			assert.ErrorIs(t, err, shared.ErrConfig)
			assert.ErrorIs(t, err, tt.kind)
			assert.Contains(t, err.Error(), `"def-1"`)
		})
	}
}

func TestEvaluate_AllOf(t *testing.T) {
	expr := AllOf{Tag: "security", MinDepth: progress.DepthMid}

	assert.False(t, Evaluate(expr, evalCtx(t)))
	assert.False(t, Evaluate(expr, evalCtx(t,
		topic("threat-modeling", progress.DepthDeepWater),
		topic("secrets-handling", progress.DepthSurface),
	)))
	assert.True(t, Evaluate(expr, evalCtx(t,
		topic("threat-modeling", progress.DepthDeepWater),
		topic("secrets-handling", progress.DepthMid),
	)))
}

func TestEvaluate_CountAndPhaseCoverage(t *testing.T) {
	ctx := evalCtx(t,
		topic("job-to-be-done", progress.AllDepths...),
		topic("threat-modeling", progress.DepthSurface),
	)

	assert.True(t, Evaluate(CountAtLeast{Field: progress.FieldTopicsCompleted, N: 1}, ctx))
	assert.False(t, Evaluate(CountAtLeast{Field: progress.FieldTopicsCompleted, N: 2}, ctx))
	assert.True(t, Evaluate(CountAtLeast{Field: progress.FieldSurfaceCompleted, N: 2}, ctx))

	// discover: 100; build: (33 + 0) / 2 = 16.5
	assert.True(t, Evaluate(PhaseCoverage{Phases: []string{"discover"}, Threshold: 100}, ctx))
	assert.True(t, Evaluate(PhaseCoverage{Phases: []string{"discover", "build"}, Threshold: 16}, ctx))
	assert.False(t, Evaluate(PhaseCoverage{Phases: []string{"discover", "build"}, Threshold: 17}, ctx))
}

func TestEvaluate_ShortCircuits(t *testing.T) {
	ctx := evalCtx(t, topic("job-to-be-done", progress.DepthSurface))
	yes := CountAtLeast{Field: progress.FieldSurfaceCompleted, N: 1}
	no := CountAtLeast{Field: progress.FieldTopicsCompleted, N: 1}

	assert.True(t, Evaluate(Or{Terms: []Expr{no, yes}}, ctx))
	assert.False(t, Evaluate(And{Terms: []Expr{yes, no}}, ctx))
	assert.False(t, Evaluate(And{}, ctx))
	assert.False(t, Evaluate(DocBookmarked{}, ctx))
}

func TestEvaluate_Streak(t *testing.T) {
	day := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s := progress.NewStreak("u1")
	for i := 0; i < 3; i++ {
		s, _ = progress.ApplyStreak(s, day.AddDate(0, 0, i))
	}

	ctx := NewEvalContext(progress.Snapshot{UserID: "u1", Streak: s}, testCatalog(t), day.AddDate(0, 0, 2))
	assert.True(t, Evaluate(StreakAtLeast{Days: 3}, ctx))

	ctx.AsOf = day.AddDate(0, 0, 5)
	assert.False(t, Evaluate(StreakAtLeast{Days: 1}, ctx))
}

func TestEvaluateDoc(t *testing.T) {
	uc := NewUserContext("u1", "new-developer", "build", []progress.TopicProgress{
		topic("threat-modeling", progress.AllDepths...),
		{UserID: "u1", TopicID: "secrets-handling", Bookmarked: true},
	})
	doc := Document{ID: "d1", TopicID: "secrets-handling", Depth: progress.DepthSurface, Phase: "build", Tags: []string{"security"}}

	assert.True(t, EvaluateDoc(DocBookmarked{}, uc, doc))
	assert.False(t, EvaluateDoc(DocCompleted{}, uc, doc))
	assert.True(t, EvaluateDoc(DocInCurrentPhase{}, uc, doc))
	assert.True(t, EvaluateDoc(DocTagIs{Tag: "security"}, uc, doc))
	assert.True(t, EvaluateDoc(And{Terms: []Expr{PersonaIs{Persona: "new-developer"}, DocDepthIs{Depth: progress.DepthSurface}}}, uc, doc))
	assert.False(t, EvaluateDoc(CountAtLeast{Field: progress.FieldBookmarks, N: 0}, uc, doc))

	doc.TopicID = "threat-modeling"
	assert.True(t, EvaluateDoc(DocCompleted{}, uc, doc))
}
