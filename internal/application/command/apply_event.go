// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

var tracer = otel.Tracer("github.com/alem-hub/progress-engine/internal/application/command")

// ══════════════════════════════════════════════════════════════════════════════
// APPLY EVENT COMMAND
// Folds one validated interaction event into the stored aggregates:
// read -> pure apply -> compare-and-set, retried on version conflicts.
// ══════════════════════════════════════════════════════════════════════════════

// ApplyEventCommand carries a validated event.
type ApplyEventCommand struct {
	Event progress.Event
}

// Validate validates the command.
func (c ApplyEventCommand) Validate() error {
	if c.Event.ID == "" || c.Event.UserID == "" {
		return shared.NewDomainError("progress", "ApplyEvent", shared.ErrInvalidInput, "event id and user id are required")
	}
	switch c.Event.Type.Scope() {
	case progress.ScopeTopic:
		if c.Event.TopicID == "" {
			return shared.NewDomainError("progress", "ApplyEvent", shared.ErrInvalidInput, "topic id is required")
		}
	case progress.ScopePath:
		if c.Event.PathID == "" {
			return shared.NewDomainError("progress", "ApplyEvent", shared.ErrInvalidInput, "path id is required")
		}
	default:
		return shared.ErrUnknownEventType
	}
	return nil
}

// ApplyEventResult describes what the write did.
type ApplyEventResult struct {
	EventID string
	UserID  string

	// Duplicate is true when the event had already been applied.
	Duplicate bool

	// Changed is true when an aggregate write landed for this event.
	Changed bool

	// Attempts is the number of read-apply-write rounds used.
	Attempts int

	Topic  *progress.TopicProgress
	Path   *progress.PathProgress
	Streak progress.Streak
}

// CacheInvalidator drops derived per-user state after a write.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// ApplyEventHandler handles the ApplyEventCommand.
type ApplyEventHandler struct {
	store       progress.Store
	publisher   shared.EventPublisher
	invalidator CacheInvalidator
	retrier     *retry.Retrier
	log         *logger.Logger
}

// ApplyEventHandlerConfig contains configuration for the handler.
type ApplyEventHandlerConfig struct {
	// MaxAttempts bounds the compare-and-set rounds per aggregate.
	MaxAttempts int
}

// DefaultApplyEventHandlerConfig returns default configuration.
func DefaultApplyEventHandlerConfig() ApplyEventHandlerConfig {
	return ApplyEventHandlerConfig{MaxAttempts: 8}
}

// NewApplyEventHandler creates a new ApplyEventHandler. publisher, invalidator
// and log may be nil.
func NewApplyEventHandler(
	store progress.Store,
	publisher shared.EventPublisher,
	invalidator CacheInvalidator,
	log *logger.Logger,
	config ApplyEventHandlerConfig,
) *ApplyEventHandler {
	if config.MaxAttempts <= 0 {
		config = DefaultApplyEventHandlerConfig()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ApplyEventHandler{
		store:       store,
		publisher:   publisher,
		invalidator: invalidator,
		retrier:     retry.StoreCASRetrier(config.MaxAttempts),
		log:         log.With(logger.Component("apply_event")),
	}
}

// Handle executes the apply event command.
func (h *ApplyEventHandler) Handle(ctx context.Context, cmd ApplyEventCommand) (*ApplyEventResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	e := cmd.Event

	ctx, span := tracer.Start(ctx, "progress.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", e.ID),
		attribute.String("event.type", string(e.Type)),
		attribute.String("user.id", e.UserID),
	)

	result := &ApplyEventResult{EventID: e.ID, UserID: e.UserID}

	processed, err := h.store.HasProcessed(ctx, e.ID)
	if err != nil {
		return nil, h.fail(span, "check processed", err)
	}
	if processed {
		result.Duplicate = true
		span.SetAttributes(attribute.Bool("event.duplicate", true))
		h.log.Debug("event already applied", logger.EventID(e.ID), logger.UserID(e.UserID))
		return result, nil
	}

	// The streak goes first: it is idempotent per day and carries no event ID,
	// so a crash before the aggregate write cannot lose the day.
	streak, err := h.applyStreak(ctx, e)
	if err != nil {
		return nil, h.fail(span, "apply streak", err)
	}
	result.Streak = streak

	switch e.Type.Scope() {
	case progress.ScopeTopic:
		err = h.applyTopic(ctx, e, result)
	case progress.ScopePath:
		err = h.applyPath(ctx, e, result)
	}
	span.SetAttributes(attribute.Int("cas.attempts", result.Attempts))
	if err != nil {
		return nil, h.fail(span, "apply aggregate", err)
	}

	if err := h.store.MarkProcessed(ctx, e.ID); err != nil {
		return nil, h.fail(span, "mark processed", err)
	}

	if result.Changed {
		h.afterWrite(ctx, e, result)
	}

	h.log.Debug("event applied",
		logger.EventID(e.ID),
		logger.UserID(e.UserID),
		logger.EventType(string(e.Type)),
		logger.Bool("changed", result.Changed),
		logger.Bool("duplicate", result.Duplicate),
		logger.Int("attempts", result.Attempts),
	)
	return result, nil
}

func (h *ApplyEventHandler) applyTopic(ctx context.Context, e progress.Event, result *ApplyEventResult) error {
	err := h.retrier.Do(ctx, func(ctx context.Context) error {
		result.Attempts++

		cur, err := h.store.GetTopic(ctx, e.UserID, e.TopicID)
		if err != nil {
			return retry.Permanent(err)
		}
		next, err := progress.Apply(cur, e)
		if err != nil {
			return retry.Permanent(err)
		}
		if !progress.TopicChanged(cur, next) {
			result.Topic = &cur
			return nil
		}

		saved, err := h.store.CompareAndSetTopic(ctx, next, cur.Version, e.ID)
		switch {
		case err == nil:
			result.Topic = &saved
			result.Changed = true
			return nil
		case errors.Is(err, shared.ErrAlreadyProcessed):
			result.Topic = &cur
			result.Duplicate = true
			return nil
		case errors.Is(err, shared.ErrConcurrencyConflict):
			return retry.Retryable(err)
		default:
			return retry.Permanent(err)
		}
	})
	return h.exhausted(err, result.Attempts)
}

func (h *ApplyEventHandler) applyPath(ctx context.Context, e progress.Event, result *ApplyEventResult) error {
	err := h.retrier.Do(ctx, func(ctx context.Context) error {
		result.Attempts++

		cur, err := h.store.GetPath(ctx, e.UserID, e.PathID)
		if err != nil {
			return retry.Permanent(err)
		}
		next, err := progress.ApplyPath(cur, e)
		if err != nil {
			return retry.Permanent(err)
		}
		if !progress.PathChanged(cur, next) {
			result.Path = &cur
			return nil
		}

		saved, err := h.store.CompareAndSetPath(ctx, next, cur.Version, e.ID)
		switch {
		case err == nil:
			result.Path = &saved
			result.Changed = true
			return nil
		case errors.Is(err, shared.ErrAlreadyProcessed):
			result.Path = &cur
			result.Duplicate = true
			return nil
		case errors.Is(err, shared.ErrConcurrencyConflict):
			return retry.Retryable(err)
		default:
			return retry.Permanent(err)
		}
	})
	return h.exhausted(err, result.Attempts)
}

func (h *ApplyEventHandler) applyStreak(ctx context.Context, e progress.Event) (progress.Streak, error) {
	var out progress.Streak
	attempts := 0
	err := h.retrier.Do(ctx, func(ctx context.Context) error {
		attempts++

		cur, err := h.store.GetStreak(ctx, e.UserID)
		if err != nil {
			return retry.Permanent(err)
		}
		next, changed := progress.ApplyStreak(cur, e.Timestamp)
		if !changed {
			out = cur
			return nil
		}
		saved, err := h.store.CompareAndSetStreak(ctx, next, cur.Version)
		switch {
		case err == nil:
			out = saved
			return nil
		case errors.Is(err, shared.ErrConcurrencyConflict):
			return retry.Retryable(err)
		default:
			return retry.Permanent(err)
		}
	})
	return out, h.exhausted(err, attempts)
}

// exhausted marks a conflict that survived every attempt.
func (h *ApplyEventHandler) exhausted(err error, attempts int) error {
	if err != nil && errors.Is(err, shared.ErrConcurrencyConflict) {
		return shared.WrapError("progress", "ApplyEvent", shared.ErrConcurrencyExhausted,
			fmt.Sprintf("version conflict persisted after %d attempts", attempts), err)
	}
	return err
}

func (h *ApplyEventHandler) afterWrite(ctx context.Context, e progress.Event, result *ApplyEventResult) {
	if h.invalidator != nil {
		if err := h.invalidator.Invalidate(ctx, e.UserID); err != nil {
			h.log.Warn("failed to invalidate ranking context", logger.UserID(e.UserID), logger.Err(err))
		}
	}

	if h.publisher == nil {
		return
	}
	var evt shared.Event
	switch {
	case result.Topic != nil:
		t := result.Topic
		evt = shared.NewTopicProgressUpdatedEvent(t.UserID, t.TopicID, string(t.Status), t.CompletionPercentage, t.Version, e.ID)
	case result.Path != nil:
		p := result.Path
		evt = shared.NewPathProgressUpdatedEvent(p.UserID, p.PathID, string(p.Status), len(p.StepsCompleted), p.TotalSteps, e.ID)
	default:
		return
	}
	if err := h.publisher.Publish(evt); err != nil {
		h.log.Warn("failed to publish progress event", logger.EventID(e.ID), logger.Err(err))
	}
}

func (h *ApplyEventHandler) fail(span trace.Span, step string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, step)
	return err
}
