package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/notification"
)

// UnlockRepository is an achievement.Repository kept in memory.
type UnlockRepository struct {
	mu      sync.Mutex
	records map[aggKey]achievement.UnlockRecord
}

// NewUnlockRepository creates an empty repository.
func NewUnlockRepository() *UnlockRepository {
	return &UnlockRepository{records: make(map[aggKey]achievement.UnlockRecord)}
}

var _ achievement.Repository = (*UnlockRepository)(nil)

func (r *UnlockRepository) TryUnlock(ctx context.Context, rec achievement.UnlockRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := aggKey{rec.UserID, rec.DefinitionID}
	if cur, ok := r.records[key]; ok && cur.Unlocked {
		return false, nil
	}
	rec.Unlocked = true
	r.records[key] = rec
	return true, nil
}

func (r *UnlockRepository) ListUnlocked(ctx context.Context, userID string) ([]achievement.UnlockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []achievement.UnlockRecord
	for k, rec := range r.records {
		if k.userID == userID && rec.Unlocked {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UnlockedAt.Equal(out[j].UnlockedAt) {
			return out[i].UnlockedAt.Before(out[j].UnlockedAt)
		}
		return out[i].DefinitionID < out[j].DefinitionID
	})
	return out, nil
}

// Outbox is a FIFO notification.Outbox.
type Outbox struct {
	mu    sync.Mutex
	items []notification.Notification
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

var _ notification.Outbox = (*Outbox)(nil)

func (o *Outbox) Enqueue(ctx context.Context, n notification.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, n)
	return nil
}

func (o *Outbox) Dequeue(ctx context.Context, max int) ([]notification.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if max <= 0 || max > len(o.items) {
		max = len(o.items)
	}
	out := append([]notification.Notification(nil), o.items[:max]...)
	o.items = o.items[max:]
	return out, nil
}

// Ack is a no-op: Dequeue already removed the notification.
func (o *Outbox) Ack(ctx context.Context, n notification.Notification) error {
	return ctx.Err()
}

func (o *Outbox) Len(ctx context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int64(len(o.items)), nil
}
