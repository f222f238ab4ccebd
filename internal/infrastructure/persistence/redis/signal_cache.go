package redis

import (
	"context"
	"errors"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/ranking"
)

// SignalCache keeps each user's ranking signals for a short TTL. Aggregate
// writes delete the entry, so the TTL only matters when an invalidation is lost.
type SignalCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewSignalCache creates a SignalCache. A non-positive ttl uses TTLSignals.
func NewSignalCache(cache *Cache, ttl time.Duration) *SignalCache {
	if ttl <= 0 {
		ttl = TTLSignals
	}
	return &SignalCache{cache: cache, ttl: ttl}
}

var _ ranking.SignalCache = (*SignalCache)(nil)

// Get returns the cached signals. A miss is (Signals{}, false, nil).
func (c *SignalCache) Get(ctx context.Context, userID string) (ranking.Signals, bool, error) {
	var s ranking.Signals
	err := c.cache.Get(ctx, SignalsKey(userID), &s)
	switch {
	case errors.Is(err, ErrCacheMiss):
		return ranking.Signals{}, false, nil
	case err != nil:
		return ranking.Signals{}, false, err
	}
	return s, true, nil
}

// Set stores signals for userID.
func (c *SignalCache) Set(ctx context.Context, userID string, s ranking.Signals) error {
	return c.cache.Set(ctx, SignalsKey(userID), s, c.ttl)
}

// Invalidate drops the user's entry.
func (c *SignalCache) Invalidate(ctx context.Context, userID string) error {
	return c.cache.Delete(ctx, SignalsKey(userID))
}
