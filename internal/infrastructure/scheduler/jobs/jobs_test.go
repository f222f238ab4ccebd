package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
)

func pending(ids ...string) []notification.Notification {
	out := make([]notification.Notification, 0, len(ids))
	for _, id := range ids {
		out = append(out, notification.Notification{
			ID: notification.NotificationID(id), UserID: "u1", DefinitionID: "def-" + id, Attempts: 1,
		})
	}
	return out
}

func TestReplayOutbox_DeliversAndRequeues(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutbox()
	for _, n := range pending("a", "b", "c") {
		require.NoError(t, outbox.Enqueue(ctx, n))
	}

	var delivered []string
	notifier := notification.NotifierFunc(func(_ context.Context, n notification.Notification) error {
		if n.ID == "b" {
			return errors.New("still down")
		}
		delivered = append(delivered, string(n.ID))
		return nil
	})

	job := NewReplayOutboxJob(outbox, notifier, nil, nil, ReplayOutboxConfig{BatchSize: 2})
	require.NoError(t, job.Run(ctx))

	assert.Equal(t, []string{"a", "c"}, delivered)
	stats := job.LastStats()
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats.Dequeued)
	assert.Equal(t, 2, stats.Delivered)
	assert.Equal(t, 1, stats.Requeued)

	left, err := outbox.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, notification.NotificationID("b"), left[0].ID)
	assert.Equal(t, 2, left[0].Attempts)
	assert.Equal(t, "still down", left[0].LastError)
}

func TestReplayOutbox_DropsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutbox()
	n := pending("a")[0]
	n.Attempts = 2
	require.NoError(t, outbox.Enqueue(ctx, n))

	notifier := notification.NotifierFunc(func(context.Context, notification.Notification) error {
		return errors.New("down")
	})
	job := NewReplayOutboxJob(outbox, notifier, nil, nil, ReplayOutboxConfig{MaxAttempts: 3})
	require.NoError(t, job.Run(ctx))

	assert.Equal(t, 1, job.LastStats().Dropped)
	size, err := outbox.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

// ackingOutbox records acks and can refuse re-enqueues.
type ackingOutbox struct {
	*memory.Outbox
	refuseEnqueue bool
	acked         []string
}

func (o *ackingOutbox) Enqueue(ctx context.Context, n notification.Notification) error {
	if o.refuseEnqueue {
		return errors.New("outbox unavailable")
	}
	return o.Outbox.Enqueue(ctx, n)
}

func (o *ackingOutbox) Ack(_ context.Context, n notification.Notification) error {
	o.acked = append(o.acked, string(n.ID))
	return nil
}

func TestReplayOutbox_AcksOnlySettledEntries(t *testing.T) {
	ctx := context.Background()
	outbox := &ackingOutbox{Outbox: memory.NewOutbox()}
	for _, n := range pending("a", "b") {
		require.NoError(t, outbox.Outbox.Enqueue(ctx, n))
	}
	outbox.refuseEnqueue = true

	notifier := notification.NotifierFunc(func(_ context.Context, n notification.Notification) error {
		if n.ID == "b" {
			return errors.New("still down")
		}
		return nil
	})
	job := NewReplayOutboxJob(outbox, notifier, nil, nil, DefaultReplayOutboxConfig())
	require.NoError(t, job.Run(ctx))

	// b could not be put back, so it stays in flight for recovery.
	assert.Equal(t, []string{"a"}, outbox.acked)
	assert.Equal(t, 1, job.LastStats().RequeueLost)
}

func TestReplayOutbox_EmptyOutbox(t *testing.T) {
	job := NewReplayOutboxJob(memory.NewOutbox(), notification.NotifierFunc(func(context.Context, notification.Notification) error {
		t.Fatal("nothing to deliver")
		return nil
	}), nil, nil, DefaultReplayOutboxConfig())
	require.NoError(t, job.Run(context.Background()))
	assert.Zero(t, job.LastStats().Dequeued)
}

func TestPruneProcessed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.MarkProcessed(ctx, "old"))

	job := NewPruneProcessedJob(store, time.Hour, nil)
	job.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, job.Run(ctx))

	seen, err := store.HasProcessed(ctx, "old")
	require.NoError(t, err)
	assert.False(t, seen)
}
