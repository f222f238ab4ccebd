package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// DefaultMaxClockSkew bounds how far an event timestamp may drift from now.
const DefaultMaxClockSkew = 24 * time.Hour

// MaxEventSeconds bounds the time one topic_time_spent event may report.
const MaxEventSeconds = 24 * 60 * 60

// ContentLookup answers whether referenced content exists.
type ContentLookup interface {
	HasTopic(id string) bool
	PathSteps(id string) (int, bool)
}

// ValidationError names the field that failed validation.
// It matches shared.ErrValidation, and Kind when set (e.g. shared.ErrUnknownReference).
type ValidationError struct {
	Field  string
	Reason string
	Kind   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// Is implements errors.Is() matching.
func (e *ValidationError) Is(target error) bool {
	if target == shared.ErrValidation {
		return true
	}
	return e.Kind != nil && errors.Is(e.Kind, target)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func unknownRef(field, id string) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf("%q does not exist", id), Kind: shared.ErrUnknownReference}
}

// Validator turns RawEvents into typed Events.
type Validator struct {
	lookup  ContentLookup
	maxSkew time.Duration
	now     timeutil.Clock
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithClock pins the time source used for the skew check.
func WithClock(c timeutil.Clock) ValidatorOption {
	return func(v *Validator) {
		if c != nil {
			v.now = c
		}
	}
}

// NewValidator creates a Validator. A non-positive maxSkew uses DefaultMaxClockSkew.
func NewValidator(lookup ContentLookup, maxSkew time.Duration, opts ...ValidatorOption) *Validator {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxClockSkew
	}
	v := &Validator{lookup: lookup, maxSkew: maxSkew, now: timeutil.SystemClock}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks raw and returns the typed event. Unknown types are rejected.
func (v *Validator) Validate(raw RawEvent) (Event, error) {
	e := Event{
		ID:       strings.TrimSpace(raw.EventID),
		UserID:   strings.TrimSpace(raw.UserID),
		Category: raw.Category,
		TopicID:  strings.TrimSpace(raw.TopicID),
		PathID:   strings.TrimSpace(raw.PathID),
	}

	if e.ID == "" {
		return Event{}, invalid("eventId", "required")
	}
	if _, err := shared.NewUserID(e.UserID); err != nil {
		return Event{}, invalid("userId", "required")
	}

	typ := raw.Type
	if typ == "" {
		typ = raw.Name
	}
	if typ == "" {
		return Event{}, invalid("type", "required")
	}
	e.Type = EventType(typ)
	if !e.Type.IsKnown() {
		return Event{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", typ), Kind: shared.ErrUnknownEventType}
	}

	if raw.Timestamp == "" {
		return Event{}, invalid("timestamp", "required")
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return Event{}, invalid("timestamp", "not RFC 3339")
	}
	e.Timestamp = ts.UTC()
	if !timeutil.WithinSkew(e.Timestamp, v.now(), v.maxSkew) {
		return Event{}, invalid("timestamp", "outside allowed clock skew of %s", v.maxSkew)
	}

	payload := raw.Payload
	if payload == nil {
		payload = raw.Properties
	}
	e.Properties = payload

	switch e.Type.Scope() {
	case ScopeTopic:
		if e.TopicID == "" {
			return Event{}, invalid("topicId", "required for %s", e.Type)
		}
		if !v.lookup.HasTopic(e.TopicID) {
			return Event{}, unknownRef("topicId", e.TopicID)
		}
	case ScopePath:
		if e.PathID == "" {
			return Event{}, invalid("pathId", "required for %s", e.Type)
		}
		steps, ok := v.lookup.PathSteps(e.PathID)
		if !ok {
			return Event{}, unknownRef("pathId", e.PathID)
		}
		e.PathSteps = steps
	}

	if err := v.validatePayload(&e, payload); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (v *Validator) validatePayload(e *Event, payload map[string]any) error {
	switch e.Type {
	case EventTopicCompleted:
		s, ok := stringField(payload, "depth")
		if !ok {
			return invalid("payload.depth", "required")
		}
		d, err := ParseDepth(s)
		if err != nil {
			return invalid("payload.depth", "must be one of surface, mid-depth, deep-water")
		}
		e.Depth = d

	case EventTopicBookmarked:
		s, ok := stringField(payload, "action")
		if !ok {
			return invalid("payload.action", "required")
		}
		switch BookmarkAction(s) {
		case BookmarkAdd, BookmarkRemove:
			e.Bookmark = BookmarkAction(s)
		default:
			return invalid("payload.action", "must be add or remove")
		}

	case EventTopicTimeSpent:
		n, ok, err := intField(payload, "seconds")
		if err != nil || !ok {
			return invalid("payload.seconds", "required integer")
		}
		if n < 0 {
			return invalid("payload.seconds", "must be >= 0")
		}
		if n > MaxEventSeconds {
			return invalid("payload.seconds", "must be <= %d", MaxEventSeconds)
		}
		e.Seconds = n

	case EventTopicRated:
		n, ok, err := intField(payload, "rating")
		if err != nil || !ok {
			return invalid("payload.rating", "required integer")
		}
		if _, err := shared.NewRating(int(n)); err != nil {
			return invalid("payload.rating", "must be between 1 and 5")
		}
		e.Rating = int(n)

	case EventPathStepCompleted:
		n, ok, err := intField(payload, "step")
		if err != nil || !ok {
			return invalid("payload.step", "required integer")
		}
		if n < 0 || n >= int64(e.PathSteps) {
			return invalid("payload.step", "must be within [0, %d)", e.PathSteps)
		}
		e.Step = int(n)
	}
	return nil
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// intField reads an integral number. JSON numbers decode as float64.
func intField(m map[string]any, key string) (int64, bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, true, fmt.Errorf("%s: not an integer", key)
		}
		if n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, true, fmt.Errorf("%s: out of range", key)
		}
		return int64(n), true, nil
	case json.Number:
		i, err := n.Int64()
		return i, true, err
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, true, err
	default:
		return 0, true, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}
