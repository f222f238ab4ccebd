package redis

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// DefaultUnlockChannel carries unlock notifications.
const DefaultUnlockChannel = "unlocks"

// Notifier publishes unlock notifications on a pub/sub channel.
type Notifier struct {
	cache   *Cache
	channel string

	// requireReceiver treats a publish nobody received as a failed delivery,
	// so the notification goes to the outbox instead of being lost.
	requireReceiver bool
}

// NewNotifier creates a Notifier on channel (DefaultUnlockChannel when empty).
func NewNotifier(cache *Cache, channel string, requireReceiver bool) *Notifier {
	if channel == "" {
		channel = DefaultUnlockChannel
	}
	return &Notifier{cache: cache, channel: PubSubChannel(channel), requireReceiver: requireReceiver}
}

var _ notification.Notifier = (*Notifier)(nil)

// Notify publishes n.
func (p *Notifier) Notify(ctx context.Context, n notification.Notification) error {
	receivers, err := p.cache.Publish(ctx, p.channel, n)
	if err != nil {
		return shared.WrapError("notification", "Publish", shared.ErrNotificationDelivery, "redis publish failed", err)
	}
	if p.requireReceiver && receivers == 0 {
		return shared.NewDomainError("notification", "Publish", shared.ErrNotificationDelivery, "no subscriber received the notification")
	}
	return nil
}

// Channel returns the full channel name.
func (p *Notifier) Channel() string {
	return p.channel
}
