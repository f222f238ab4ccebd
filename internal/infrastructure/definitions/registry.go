package definitions

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/catalog"
	"github.com/alem-hub/progress-engine/internal/domain/ranking"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// Holds the active bundle. Readers take a snapshot with one atomic load and
// never block; Reload builds a complete new bundle and swaps it in, or keeps
// the current one untouched when anything fails.
// ══════════════════════════════════════════════════════════════════════════════

// LoadFunc produces a fresh bundle.
type LoadFunc func() (*Bundle, error)

// Registry serves the active definitions.
type Registry struct {
	current atomic.Pointer[Bundle]

	mu        sync.Mutex // serializes reloads
	load      LoadFunc
	revision  int64
	publisher shared.EventPublisher
	log       *logger.Logger
}

// NewRegistry performs the initial load. A failing initial load is fatal for
// the caller: there is no previous set to fall back to.
func NewRegistry(load LoadFunc, publisher shared.EventPublisher, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.Nop()
	}
	r := &Registry{
		load:      load,
		publisher: publisher,
		log:       log.With(logger.Component("definitions")),
	}
	if _, err := r.Reload(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry wraps an already-built bundle. Reload re-activates it.
func NewStaticRegistry(b *Bundle) *Registry {
	r := &Registry{load: func() (*Bundle, error) { return b, nil }, log: logger.Nop()}
	b.Revision = 1
	r.revision = 1
	r.current.Store(b)
	return r
}

// Reload loads and activates a new bundle. On error the active bundle stays.
func (r *Registry) Reload(ctx context.Context) (*Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := r.load()
	if err != nil {
		r.log.Error("definitions reload rejected", logger.Int64("active_revision", r.revision), logger.Err(err))
		return nil, err
	}

	r.revision++
	b.Revision = r.revision
	r.current.Store(b)

	achievements, milestones, rules := b.Counts()
	r.log.Info("definitions activated",
		logger.Int64("revision", b.Revision),
		logger.Int("achievements", achievements),
		logger.Int("milestones", milestones),
		logger.Int("rules", rules),
	)

	if r.publisher != nil {
		if err := r.publisher.Publish(shared.NewDefinitionsReloadedEvent(b.Revision, achievements, milestones, rules)); err != nil {
			r.log.Warn("failed to publish reload event", logger.Err(err))
		}
	}
	return b, nil
}

// Current returns the active bundle.
func (r *Registry) Current() *Bundle { return r.current.Load() }

// Revision returns the active revision.
func (r *Registry) Revision() int64 { return r.current.Load().Revision }

// Definitions returns the active unlock definitions.
func (r *Registry) Definitions() *achievement.Set { return r.current.Load().Definitions }

// Catalog returns the active catalog.
func (r *Registry) Catalog() *catalog.Catalog { return r.current.Load().Catalog }

// Adjuster returns the active ranking rules.
func (r *Registry) Adjuster() *ranking.Adjuster { return r.current.Load().Adjuster }

// HasTopic reports whether the active catalog has the topic.
func (r *Registry) HasTopic(id string) bool { return r.Catalog().HasTopic(id) }

// PathSteps returns the step count of a path in the active catalog.
func (r *Registry) PathSteps(id string) (int, bool) { return r.Catalog().PathSteps(id) }
