package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

func TestInMemoryEventBus_Sync(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false})

	var typed, all int
	require.NoError(t, bus.Subscribe(shared.EventDefinitionsReloaded, func(shared.Event) error {
		typed++
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		all++
		return nil
	}))
	require.NoError(t, bus.Subscribe(shared.EventDefinitionsReloaded, func(shared.Event) error {
		panic("boom")
	}))

	require.NoError(t, bus.Publish(shared.NewDefinitionsReloadedEvent(1, 2, 1, 0)))
	require.NoError(t, bus.Publish(shared.NewDeadLetteredEvent("u1", "e1", 5, "timeout")))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)

	snap := bus.Stats().Snapshot()
	assert.EqualValues(t, 2, snap.Published)
	assert.EqualValues(t, 4, snap.HandlerRuns)
	assert.EqualValues(t, 1, snap.HandlerFailures)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(shared.NewDefinitionsReloadedEvent(2, 0, 0, 0)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_AsyncCloseWaits(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())

	var ran atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		time.Sleep(10 * time.Millisecond)
		ran.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(shared.NewDeadLetteredEvent("u1", "e", 1, "x")))
	}
	require.NoError(t, bus.Close())
	assert.EqualValues(t, 5, ran.Load())
}

func TestInMemoryEventBus_CloseRunsQueuedHandlers(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 1})

	var ran atomic.Int32
	require.NoError(t, bus.Subscribe(shared.EventDeadLettered, func(shared.Event) error {
		time.Sleep(2 * time.Millisecond)
		ran.Add(1)
		return nil
	}))

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(shared.NewDeadLetteredEvent("u1", "e", 1, "x")))
	}
	require.NoError(t, bus.Close())
	assert.EqualValues(t, 20, ran.Load())
	assert.ErrorIs(t, bus.Publish(shared.NewDeadLetteredEvent("u1", "e", 1, "x")), ErrEventBusClosed)
}

// fakePubSub loops published messages back to the subscriber.
type fakePubSub struct {
	mu        sync.Mutex
	published [][]byte
	ch        chan RedisMessage
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{ch: make(chan RedisMessage, 16)}
}

func (f *fakePubSub) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, payload)
	f.mu.Unlock()
	f.ch <- RedisMessage{Channel: channel, Payload: string(payload)}
	return nil
}

func (f *fakePubSub) Subscribe(context.Context, string) (<-chan RedisMessage, error) {
	return f.ch, nil
}

func TestRedisEventBus(t *testing.T) {
	client := newFakePubSub()
	bus, err := NewRedisEventBus(RedisEventBusConfig{
		Client:         client,
		InstanceID:     "self",
		LocalBusConfig: InMemoryEventBusConfig{AsyncMode: false},
	})
	require.NoError(t, err)
	defer bus.Close()

	got := make(chan shared.Event, 4)
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		got <- e
		return nil
	}))

	// Local publish: handler runs once, the looped-back copy is ignored.
	require.NoError(t, bus.Publish(shared.NewUnlockedEvent("u1", "deep-diver", "achievement", "Deep diver", 25, "e1")))
	first := <-got
	assert.Equal(t, "u1", first.AggregateID())

	client.mu.Lock()
	require.Len(t, client.published, 1)
	var env eventEnvelope
	require.NoError(t, json.Unmarshal(client.published[0], &env))
	client.mu.Unlock()
	assert.Equal(t, "self", env.InstanceID)
	assert.Equal(t, "deep-diver", env.Payload["definition_id"])

	// A message from another instance reaches local handlers.
	env.InstanceID = "other"
	env.AggregateID = "u2"
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	client.ch <- RedisMessage{Payload: string(raw)}

	select {
	case e := <-got:
		assert.Equal(t, "u2", e.AggregateID())
		assert.Equal(t, first.EventType(), e.EventType())
	case <-time.After(time.Second):
		t.Fatal("remote event not delivered")
	}

	select {
	case e := <-got:
		t.Fatalf("unexpected event %v", e.EventType())
	case <-time.After(20 * time.Millisecond):
	}
}

func testRetrier() *retry.Retrier {
	return retry.New(retry.WithMaxAttempts(3), retry.WithInitialDelay(time.Millisecond), retry.WithMaxDelay(2*time.Millisecond))
}

func TestResilientNotifier_RetriesThenSucceeds(t *testing.T) {
	var calls int
	inner := notification.NotifierFunc(func(context.Context, notification.Notification) error {
		calls++
		if calls < 3 {
			return errors.New("sink down")
		}
		return nil
	})
	n := NewResilientNotifier(inner, ResilientNotifierConfig{
		Retrier: testRetrier(),
		Breaker: circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(10)),
	})

	require.NoError(t, n.Notify(context.Background(), notification.Notification{ID: "n1", UserID: "u1"}))
	assert.Equal(t, 3, calls)
}

func TestResilientNotifier_FailureIsDeliveryError(t *testing.T) {
	var calls int
	inner := notification.NotifierFunc(func(context.Context, notification.Notification) error {
		calls++
		return errors.New("sink down")
	})
	n := NewResilientNotifier(inner, ResilientNotifierConfig{
		Retrier: testRetrier(),
		Breaker: circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(3), circuitbreaker.WithTimeout(time.Hour)),
	})

	err := n.Notify(context.Background(), notification.Notification{ID: "n1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrNotificationDelivery)
	assert.Equal(t, 3, calls)

	// The breaker is open now: no further call reaches the sink.
	err = n.Notify(context.Background(), notification.Notification{ID: "n2"})
	assert.ErrorIs(t, err, shared.ErrNotificationDelivery)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 3, calls)
	assert.Equal(t, circuitbreaker.StateOpen, n.Breaker().State())
}

func TestResilientNotifier_AttemptTimeout(t *testing.T) {
	inner := notification.NotifierFunc(func(ctx context.Context, _ notification.Notification) error {
		<-ctx.Done()
		return ctx.Err()
	})
	n := NewResilientNotifier(inner, ResilientNotifierConfig{
		Timeout: 5 * time.Millisecond,
		Retrier: retry.New(retry.WithMaxAttempts(1)),
	})

	err := n.Notify(context.Background(), notification.Notification{ID: "n1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, shared.ErrNotificationDelivery)
}

func TestMultiNotifier(t *testing.T) {
	var a, b int
	boom := errors.New("boom")
	m := MultiNotifier{
		notification.NotifierFunc(func(context.Context, notification.Notification) error { a++; return boom }),
		notification.NotifierFunc(func(context.Context, notification.Notification) error { b++; return nil }),
	}
	assert.ErrorIs(t, m.Notify(context.Background(), notification.Notification{}), boom)
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
	assert.NoError(t, NewLogNotifier(nil).Notify(context.Background(), notification.Notification{}))
}
