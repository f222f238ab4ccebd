package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/notification"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "ranking:signals:u1", SignalsKey("u1"))
	assert.Equal(t, "outbox:pending", OutboxListKey())
	assert.Equal(t, "outbox:seen:abc", OutboxSeenKey("abc"))
	assert.Equal(t, "pubsub:unlocks", PubSubChannel(DefaultUnlockChannel))
}

func TestIdempotencyKey(t *testing.T) {
	n := notification.Notification{ID: "n1", UserID: "u1", DefinitionID: "first-step"}

	k := IdempotencyKey(n)
	assert.Len(t, k, 32)
	assert.Equal(t, k, IdempotencyKey(n))

	// Another failed attempt of the same notification is a new outbox entry.
	assert.NotEqual(t, k, IdempotencyKey(n.Failed(nil)))
	assert.NotEqual(t, k, IdempotencyKey(notification.Notification{ID: "n2"}))
}

func TestConfigOptions(t *testing.T) {
	opts, err := Config{Addr: "cache:6379", PoolSize: 4, ReadTimeout: time.Second}.Options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 4, opts.PoolSize)
	assert.Equal(t, time.Second, opts.ReadTimeout)

	opts, err = Config{URL: "redis://:secret@redis.internal:6380/2"}.Options()
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)

	_, err = Config{URL: "http://nope"}.Options()
	assert.ErrorIs(t, err, ErrCacheConnection)
}

func TestNewSignalCache_DefaultTTL(t *testing.T) {
	assert.Equal(t, TTLSignals, NewSignalCache(nil, 0).ttl)
	assert.Equal(t, time.Minute, NewSignalCache(nil, time.Minute).ttl)
}
