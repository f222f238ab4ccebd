package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/internal/domain/ranking"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// newTestCache connects to REDIS_TEST_URL and flushes the selected database.
// Point it at a scratch database.
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	cache, err := NewCache(ctx, Config{URL: url, DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	require.NoError(t, cache.Client().FlushDB(ctx).Err())
	return cache
}

func outboxEntry(id string, attempts int) notification.Notification {
	return notification.Notification{
		ID:           notification.NotificationID(id),
		UserID:       "u1",
		DefinitionID: "first-step",
		Points:       10,
		CreatedAt:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Attempts:     attempts,
	}
}

func TestOutbox_EnqueueDedupesPerAttempt(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox(newTestCache(t), nil)

	require.NoError(t, o.Enqueue(ctx, outboxEntry("n1", 1)))
	require.NoError(t, o.Enqueue(ctx, outboxEntry("n1", 1)))
	require.NoError(t, o.Enqueue(ctx, outboxEntry("n1", 2)))

	size, err := o.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)
}

func TestOutbox_UnackedEntriesSurviveForRecover(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	o := NewOutbox(cache, nil)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, o.Enqueue(ctx, outboxEntry(id, 1)))
	}

	taken, err := o.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, taken, 2)
	assert.Equal(t, notification.NotificationID("a"), taken[0].ID)
	require.NoError(t, o.Ack(ctx, taken[0]))

	// b was taken but never settled, as after a crash mid-replay.
	inFlight, err := cache.Client().LLen(ctx, OutboxProcessingKey()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, inFlight)

	restarted := NewOutbox(cache, nil)
	moved, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	left, err := restarted.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, notification.NotificationID("b"), left[0].ID)
	assert.Equal(t, notification.NotificationID("c"), left[1].ID)
}

func TestOutbox_DropsUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	o := NewOutbox(cache, nil)

	require.NoError(t, cache.Client().RPush(ctx, OutboxListKey(), "{not json").Err())
	require.NoError(t, o.Enqueue(ctx, outboxEntry("ok", 1)))

	taken, err := o.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, notification.NotificationID("ok"), taken[0].ID)

	require.NoError(t, o.Ack(ctx, taken[0]))
	inFlight, err := cache.Client().LLen(ctx, OutboxProcessingKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, inFlight)
}

func TestSignalCache_RoundTripAndInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewSignalCache(newTestCache(t), time.Minute)

	_, hit, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, hit)

	want := ranking.Signals{Completed: []string{"t1"}, Bookmarked: []string{"t2"}}
	require.NoError(t, c.Set(ctx, "u1", want))
	got, hit, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want, got)

	require.NoError(t, c.Invalidate(ctx, "u1"))
	_, hit, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestNotifier_RequireReceiver(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	strict := NewNotifier(cache, "unlocks-test", true)
	err := strict.Notify(ctx, outboxEntry("n1", 0))
	assert.ErrorIs(t, err, shared.ErrNotificationDelivery)

	sub := cache.Subscribe(ctx, strict.Channel())
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, strict.Notify(ctx, outboxEntry("n1", 0)))
	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"definitionId":"first-step"`)

	assert.NoError(t, NewNotifier(cache, "nobody-listens", false).Notify(ctx, outboxEntry("n2", 0)))
}
