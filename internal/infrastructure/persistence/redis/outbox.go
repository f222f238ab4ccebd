package redis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// Outbox is a notification.Outbox on two Redis lists. Dequeue moves entries
// from the pending list to a processing list with LMOVE and Ack removes them,
// so a replay that dies midway leaves its entries for Recover. Each
// (notification, attempt) pair is enqueued at most once: a retried Enqueue
// after a lost reply does not duplicate the entry.
type Outbox struct {
	cache *Cache
	log   *logger.Logger

	mu       sync.Mutex
	inflight map[string]string // idempotency key -> raw entry
}

// NewOutbox creates an Outbox. log may be nil.
func NewOutbox(cache *Cache, log *logger.Logger) *Outbox {
	if log == nil {
		log = logger.Nop()
	}
	return &Outbox{
		cache:    cache,
		log:      log.With(logger.Component("redis_outbox")),
		inflight: make(map[string]string),
	}
}

var _ notification.Outbox = (*Outbox)(nil)

// IdempotencyKey derives the dedupe key for one failed attempt of n.
func IdempotencyKey(n notification.Notification) string {
	sum := blake2b.Sum256([]byte(string(n.ID) + "#" + strconv.Itoa(n.Attempts)))
	return hex.EncodeToString(sum[:16])
}

// Enqueue appends n unless this attempt was already enqueued.
func (o *Outbox) Enqueue(ctx context.Context, n notification.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	seen := OutboxSeenKey(IdempotencyKey(n))
	fresh, err := o.cache.client.SetNX(ctx, seen, 1, TTLOutboxDedupe).Result()
	if err != nil {
		return fmt.Errorf("outbox: dedupe check failed: %w", err)
	}
	if !fresh {
		return nil
	}

	if err := o.cache.client.RPush(ctx, OutboxListKey(), data).Err(); err != nil {
		// Let a later retry of the same attempt through.
		_ = o.cache.client.Del(context.WithoutCancel(ctx), seen).Err()
		return fmt.Errorf("outbox: push failed: %w", err)
	}
	return nil
}

// Dequeue moves up to max notifications from the head of the pending list
// into the processing list. Entries that no longer decode are logged and
// removed.
func (o *Outbox) Dequeue(ctx context.Context, max int) ([]notification.Notification, error) {
	if max <= 0 {
		max = 100
	}

	out := make([]notification.Notification, 0, max)
	for len(out) < max {
		raw, err := o.cache.client.LMove(ctx, OutboxListKey(), OutboxProcessingKey(), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			if len(out) > 0 {
				// What was moved stays in processing until Recover.
				o.log.Warn("outbox dequeue interrupted", logger.Int("taken", len(out)), logger.Err(err))
				return out, nil
			}
			return nil, fmt.Errorf("outbox: move failed: %w", err)
		}

		var n notification.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			o.log.Error("dropping undecodable outbox entry",
				logger.String("payload", truncate(raw, 256)),
				logger.Err(err),
			)
			if rerr := o.cache.client.LRem(ctx, OutboxProcessingKey(), 1, raw).Err(); rerr != nil {
				o.log.Warn("failed to remove undecodable outbox entry", logger.Err(rerr))
			}
			continue
		}

		o.mu.Lock()
		o.inflight[IdempotencyKey(n)] = raw
		o.mu.Unlock()
		out = append(out, n)
	}
	return out, nil
}

// Ack removes a dequeued notification from the processing list.
func (o *Outbox) Ack(ctx context.Context, n notification.Notification) error {
	key := IdempotencyKey(n)

	o.mu.Lock()
	raw, ok := o.inflight[key]
	o.mu.Unlock()
	if !ok {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
		}
		raw = string(data)
	}

	if err := o.cache.client.LRem(ctx, OutboxProcessingKey(), 1, raw).Err(); err != nil {
		return fmt.Errorf("outbox: ack failed: %w", err)
	}

	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
	return nil
}

// Recover moves every entry left in the processing list back to the head of
// the pending list and returns how many it moved. It is meant for startup,
// before the first replay run; entries another instance has in flight would be
// delivered twice, which receivers tolerate through the dedupe key.
func (o *Outbox) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := o.cache.client.LMove(ctx, OutboxProcessingKey(), OutboxListKey(), "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("outbox: recover failed: %w", err)
		}
		moved++
	}
}

// Len returns the number of pending notifications.
func (o *Outbox) Len(ctx context.Context) (int64, error) {
	return o.cache.client.LLen(ctx, OutboxListKey()).Result()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
