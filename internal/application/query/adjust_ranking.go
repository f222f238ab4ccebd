package query

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/alem-hub/progress-engine/internal/domain/criteria"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/ranking"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

var tracer = otel.Tracer("github.com/alem-hub/progress-engine/internal/application/query")

// ══════════════════════════════════════════════════════════════════════════════
// ADJUST RANKING QUERY
// Re-orders search candidates for one user. Candidates come with the request
// or, when absent, from the search provider. The user's completed and
// bookmarked topics are read through the store on every query; the optional
// cache is invalidated on every aggregate write.
// ══════════════════════════════════════════════════════════════════════════════

// RuleSource exposes the active ranking rules.
type RuleSource interface {
	Adjuster() *ranking.Adjuster
}

// AdjustRankingQuery contains the request.
type AdjustRankingQuery struct {
	Query      string
	UserID     string
	Persona    string
	Phase      string
	Candidates []ranking.Candidate

	// Limit bounds provider results. Zero uses the handler default.
	Limit int
}

// Validate validates the query.
func (q AdjustRankingQuery) Validate() error {
	if len(q.Candidates) == 0 && q.Query == "" {
		return shared.NewDomainError("ranking", "Adjust", shared.ErrInvalidInput, "either candidates or query is required")
	}
	if q.Limit < 0 {
		return shared.NewDomainError("ranking", "Adjust", shared.ErrValueOutOfRange, "limit cannot be negative")
	}
	return nil
}

// AdjustRankingResult is the ordered result list.
type AdjustRankingResult struct {
	Query   string           `json:"query,omitempty"`
	Results []ranking.Ranked `json:"results"`
	Source  string           `json:"source"`

	// Personalized is false when the user is outside the rollout and results
	// carry the provider scores only.
	Personalized bool `json:"personalized"`
}

// Candidate sources.
const (
	SourceRequest  = "request"
	SourceProvider = "provider"
)

// unpersonalized orders by provider score alone.
var unpersonalized = ranking.NewAdjuster(nil)

// DefaultSearchLimit bounds provider results when the query sets none.
const DefaultSearchLimit = 50

// AdjustRankingHandler handles AdjustRankingQuery.
type AdjustRankingHandler struct {
	store    progress.Store
	rules    RuleSource
	provider ranking.SearchProvider
	cache    ranking.SignalCache
	gate     func(userID string) bool
	log      *logger.Logger
}

// NewAdjustRankingHandler creates a new AdjustRankingHandler. provider, cache
// and log may be nil.
func NewAdjustRankingHandler(
	store progress.Store,
	rules RuleSource,
	provider ranking.SearchProvider,
	cache ranking.SignalCache,
	log *logger.Logger,
) *AdjustRankingHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &AdjustRankingHandler{
		store:    store,
		rules:    rules,
		provider: provider,
		cache:    cache,
		log:      log.With(logger.Component("adjust_ranking")),
	}
}

// WithGate limits personalization to users for whom gate returns true.
func (h *AdjustRankingHandler) WithGate(gate func(userID string) bool) *AdjustRankingHandler {
	h.gate = gate
	return h
}

// Handle executes the query.
func (h *AdjustRankingHandler) Handle(ctx context.Context, q AdjustRankingQuery) (*AdjustRankingResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "ranking.adjust")
	defer span.End()

	candidates, source := q.Candidates, SourceRequest
	if len(candidates) == 0 {
		if h.provider == nil {
			return nil, shared.WrapError("ranking", "Adjust", shared.ErrServiceUnavailable,
				"no candidates given and no search provider configured", nil)
		}
		limit := q.Limit
		if limit == 0 {
			limit = DefaultSearchLimit
		}
		found, err := h.provider.Search(ctx, q.Query, limit)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		candidates, source = found, SourceProvider
	}

	span.SetAttributes(
		attribute.Int("ranking.candidates", len(candidates)),
		attribute.String("ranking.source", source),
	)

	if h.gate != nil && !h.gate(q.UserID) {
		results := unpersonalized.Adjust(criteria.UserContext{UserID: q.UserID}, candidates)
		return &AdjustRankingResult{Query: q.Query, Results: results, Source: source}, nil
	}

	signals, err := h.signals(ctx, q.UserID)
	if err != nil {
		return nil, err
	}
	uc := signals.Context(q.UserID, q.Persona, q.Phase)

	results := h.rules.Adjuster().Adjust(uc, candidates)
	return &AdjustRankingResult{Query: q.Query, Results: results, Source: source, Personalized: true}, nil
}

// signals returns the user's topic sets. Anonymous queries get empty sets.
// Cache errors fall back to the store.
func (h *AdjustRankingHandler) signals(ctx context.Context, userID string) (ranking.Signals, error) {
	if userID == "" {
		return ranking.Signals{}, nil
	}

	if h.cache != nil {
		s, ok, err := h.cache.Get(ctx, userID)
		switch {
		case err != nil:
			h.log.Warn("ranking context cache read failed", logger.UserID(userID), logger.Err(err))
		case ok:
			return s, nil
		}
	}

	topics, err := h.store.ListTopics(ctx, userID)
	if err != nil {
		return ranking.Signals{}, err
	}
	s := ranking.SignalsFromTopics(topics)

	if h.cache != nil {
		if err := h.cache.Set(ctx, userID, s); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Warn("ranking context cache write failed", logger.UserID(userID), logger.Err(err))
		}
	}
	return s, nil
}
