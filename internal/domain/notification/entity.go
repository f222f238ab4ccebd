// Package notification describes the unlock notifications emitted when a
// definition is granted, and the outbox that keeps failed deliveries for replay.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION
// ══════════════════════════════════════════════════════════════════════════════

// NotificationID uniquely identifies a notification.
type NotificationID string

// Notification is the payload sent to the collaborator that shows unlocks.
type Notification struct {
	ID                NotificationID   `json:"id"`
	UserID            string           `json:"userId"`
	DefinitionID      string           `json:"definitionId"`
	Kind              achievement.Kind `json:"kind"`
	Name              string           `json:"name,omitempty"`
	Points            int              `json:"points"`
	TriggeringEventID string           `json:"triggeringEventId,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`

	// Attempts counts failed deliveries, including the first one.
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// NewUnlockNotification builds the notification for a freshly won unlock.
func NewUnlockNotification(rec achievement.UnlockRecord, name string) Notification {
	return Notification{
		ID:                NotificationID(uuid.NewString()),
		UserID:            rec.UserID,
		DefinitionID:      rec.DefinitionID,
		Kind:              rec.Kind,
		Name:              name,
		Points:            rec.Points,
		TriggeringEventID: rec.TriggeringEventID,
		CreatedAt:         rec.UnlockedAt,
	}
}

// DedupeKey identifies the unlock the notification announces. Receivers may
// see the same key more than once after an outbox replay.
func (n Notification) DedupeKey() string {
	return fmt.Sprintf("%s/%s", n.UserID, n.DefinitionID)
}

// Failed returns a copy with the failed attempt recorded.
func (n Notification) Failed(err error) Notification {
	n.Attempts++
	if err != nil {
		n.LastError = err.Error()
	}
	return n
}

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// ══════════════════════════════════════════════════════════════════════════════

// Notifier delivers a notification. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Outbox keeps notifications whose delivery failed so they can be replayed.
type Outbox interface {
	// Enqueue appends n. It must not fail silently.
	Enqueue(ctx context.Context, n Notification) error

	// Dequeue takes up to max notifications in FIFO order. A taken
	// notification stays in flight until Ack.
	Dequeue(ctx context.Context, max int) ([]Notification, error)

	// Ack settles a dequeued notification once it was delivered, dropped or
	// enqueued again.
	Ack(ctx context.Context, n Notification) error

	// Len returns the number of pending notifications.
	Len(ctx context.Context) (int64, error)
}
