// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of internal domain event published on the bus.
// These are distinct from the user interaction events accepted at ingestion.
type EventType string

const (
	// Progress events
	EventTopicProgressUpdated EventType = "progress.topic_updated"
	EventPathProgressUpdated  EventType = "progress.path_updated"

	// Unlock events
	EventAchievementUnlocked EventType = "unlock.achievement_unlocked"
	EventMilestoneUnlocked   EventType = "unlock.milestone_unlocked"

	// Notification events
	EventNotificationFailed EventType = "notification.failed"

	// System events
	EventDefinitionsReloaded EventType = "system.definitions_reloaded"
	EventDeadLettered        EventType = "system.event_dead_lettered"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID (the triggering interaction event).
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// TopicProgressUpdatedEvent is emitted after a topic aggregate write succeeds.
type TopicProgressUpdatedEvent struct {
	BaseEvent
	UserID               string `json:"user_id"`
	TopicID              string `json:"topic_id"`
	Status               string `json:"status"`
	CompletionPercentage int    `json:"completion_percentage"`
	NewVersion           int64  `json:"new_version"`
}

// Payload implements Event interface.
func (e TopicProgressUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":               e.UserID,
		"topic_id":              e.TopicID,
		"status":                e.Status,
		"completion_percentage": e.CompletionPercentage,
		"new_version":           e.NewVersion,
	}
}

// NewTopicProgressUpdatedEvent creates a new TopicProgressUpdatedEvent.
func NewTopicProgressUpdatedEvent(userID, topicID, status string, pct int, version int64, eventID string) TopicProgressUpdatedEvent {
	return TopicProgressUpdatedEvent{
		BaseEvent:            NewBaseEvent(EventTopicProgressUpdated, userID).WithCorrelationID(eventID),
		UserID:               userID,
		TopicID:              topicID,
		Status:               status,
		CompletionPercentage: pct,
		NewVersion:           version,
	}
}

// PathProgressUpdatedEvent is emitted after a path aggregate write succeeds.
type PathProgressUpdatedEvent struct {
	BaseEvent
	UserID         string `json:"user_id"`
	PathID         string `json:"path_id"`
	Status         string `json:"status"`
	StepsCompleted int    `json:"steps_completed"`
	TotalSteps     int    `json:"total_steps"`
}

// Payload implements Event interface.
func (e PathProgressUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":         e.UserID,
		"path_id":         e.PathID,
		"status":          e.Status,
		"steps_completed": e.StepsCompleted,
		"total_steps":     e.TotalSteps,
	}
}

// NewPathProgressUpdatedEvent creates a new PathProgressUpdatedEvent.
func NewPathProgressUpdatedEvent(userID, pathID, status string, done, total int, eventID string) PathProgressUpdatedEvent {
	return PathProgressUpdatedEvent{
		BaseEvent:      NewBaseEvent(EventPathProgressUpdated, userID).WithCorrelationID(eventID),
		UserID:         userID,
		PathID:         pathID,
		Status:         status,
		StepsCompleted: done,
		TotalSteps:     total,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Unlock Events
// ═══════════════════════════════════════════════════════════════════════════

// UnlockedEvent is emitted once per (user, definition) when the unlock write wins.
type UnlockedEvent struct {
	BaseEvent
	UserID       string `json:"user_id"`
	DefinitionID string `json:"definition_id"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	Points       int    `json:"points"`
}

// Payload implements Event interface.
func (e UnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":       e.UserID,
		"definition_id": e.DefinitionID,
		"kind":          e.Kind,
		"name":          e.Name,
		"points":        e.Points,
	}
}

// NewUnlockedEvent creates an UnlockedEvent. Milestones get their own event type.
func NewUnlockedEvent(userID, definitionID, kind, name string, points int, eventID string) UnlockedEvent {
	t := EventAchievementUnlocked
	if kind == "milestone" {
		t = EventMilestoneUnlocked
	}
	return UnlockedEvent{
		BaseEvent:    NewBaseEvent(t, userID).WithCorrelationID(eventID),
		UserID:       userID,
		DefinitionID: definitionID,
		Kind:         kind,
		Name:         name,
		Points:       points,
	}
}

// NotificationFailedEvent is emitted when an unlock notification went to the outbox.
type NotificationFailedEvent struct {
	BaseEvent
	UserID       string `json:"user_id"`
	DefinitionID string `json:"definition_id"`
	Reason       string `json:"reason"`
}

// Payload implements Event interface.
func (e NotificationFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":       e.UserID,
		"definition_id": e.DefinitionID,
		"reason":        e.Reason,
	}
}

// NewNotificationFailedEvent creates a new NotificationFailedEvent.
func NewNotificationFailedEvent(userID, definitionID, reason string) NotificationFailedEvent {
	return NotificationFailedEvent{
		BaseEvent:    NewBaseEvent(EventNotificationFailed, userID),
		UserID:       userID,
		DefinitionID: definitionID,
		Reason:       reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// System Events
// ═══════════════════════════════════════════════════════════════════════════

// DefinitionsReloadedEvent is emitted after a successful definitions reload.
type DefinitionsReloadedEvent struct {
	BaseEvent
	Revision     int64 `json:"revision"`
	Achievements int   `json:"achievements"`
	Milestones   int   `json:"milestones"`
	Rules        int   `json:"rules"`
}

// Payload implements Event interface.
func (e DefinitionsReloadedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"revision":     e.Revision,
		"achievements": e.Achievements,
		"milestones":   e.Milestones,
		"rules":        e.Rules,
	}
}

// NewDefinitionsReloadedEvent creates a new DefinitionsReloadedEvent.
func NewDefinitionsReloadedEvent(revision int64, achievements, milestones, rules int) DefinitionsReloadedEvent {
	return DefinitionsReloadedEvent{
		BaseEvent:    NewBaseEvent(EventDefinitionsReloaded, "definitions"),
		Revision:     revision,
		Achievements: achievements,
		Milestones:   milestones,
		Rules:        rules,
	}
}

// DeadLetteredEvent is emitted when an interaction event exhausted its deliveries.
type DeadLetteredEvent struct {
	BaseEvent
	EventID    string `json:"event_id"`
	Deliveries int    `json:"deliveries"`
	Reason     string `json:"reason"`
}

// Payload implements Event interface.
func (e DeadLetteredEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"event_id":   e.EventID,
		"deliveries": e.Deliveries,
		"reason":     e.Reason,
	}
}

// NewDeadLetteredEvent creates a new DeadLetteredEvent.
func NewDeadLetteredEvent(userID, eventID string, deliveries int, reason string) DeadLetteredEvent {
	return DeadLetteredEvent{
		BaseEvent:  NewBaseEvent(EventDeadLettered, userID),
		EventID:    eventID,
		Deliveries: deliveries,
		Reason:     reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
