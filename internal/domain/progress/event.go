package progress

import (
	"time"
)

// EventType is the kind of a user interaction event.
type EventType string

const (
	EventTopicStarted      EventType = "topic_started"
	EventTopicCompleted    EventType = "topic_completed"
	EventTopicBookmarked   EventType = "topic_bookmarked"
	EventTopicReset        EventType = "topic_reset"
	EventTopicTimeSpent    EventType = "topic_time_spent"
	EventTopicRated        EventType = "topic_rated"
	EventPathStarted       EventType = "path_started"
	EventPathStepCompleted EventType = "path_step_completed"
)

// Scope says which aggregate an event mutates.
type Scope int

const (
	ScopeUnknown Scope = iota
	ScopeTopic
	ScopePath
)

// Scope returns the aggregate kind the event type targets.
func (t EventType) Scope() Scope {
	switch t {
	case EventTopicStarted, EventTopicCompleted, EventTopicBookmarked,
		EventTopicReset, EventTopicTimeSpent, EventTopicRated:
		return ScopeTopic
	case EventPathStarted, EventPathStepCompleted:
		return ScopePath
	default:
		return ScopeUnknown
	}
}

// IsKnown reports whether t is a supported event type.
func (t EventType) IsKnown() bool {
	return t.Scope() != ScopeUnknown
}

// BookmarkAction is the requested end state of a topic_bookmarked event.
type BookmarkAction string

const (
	BookmarkAdd    BookmarkAction = "add"
	BookmarkRemove BookmarkAction = "remove"
)

// RawEvent is the inbound, unvalidated wire shape. It mirrors the analytics
// catalog: "name" is accepted as an alias of "type" and "properties" as an
// alias of "payload".
type RawEvent struct {
	EventID    string         `json:"eventId"`
	UserID     string         `json:"userId"`
	Type       string         `json:"type"`
	Name       string         `json:"name,omitempty"`
	Category   string         `json:"category,omitempty"`
	TopicID    string         `json:"topicId,omitempty"`
	PathID     string         `json:"pathId,omitempty"`
	Timestamp  string         `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Event is a validated, immutable interaction event.
type Event struct {
	ID        string
	UserID    string
	Type      EventType
	Category  string
	TopicID   string
	PathID    string
	Timestamp time.Time

	// Type-specific payload. Only the fields relevant to Type are set.
	Depth     DepthLevel
	Bookmark  BookmarkAction
	Step      int
	Seconds   int64
	Rating    int
	PathSteps int

	Properties map[string]any
}

// AggregateKey identifies the aggregate the event targets ("topic:<id>" or "path:<id>").
func (e Event) AggregateKey() string {
	switch e.Type.Scope() {
	case ScopeTopic:
		return "topic:" + e.TopicID
	case ScopePath:
		return "path:" + e.PathID
	default:
		return ""
	}
}
