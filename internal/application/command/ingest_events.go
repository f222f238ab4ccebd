package command

import (
	"context"
	"errors"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// INGEST EVENTS COMMAND
// Validates raw interaction events and hands the accepted ones to the queue.
// Each event in a batch is accepted or rejected on its own.
// ══════════════════════════════════════════════════════════════════════════════

// EventQueue accepts validated events for asynchronous processing.
type EventQueue interface {
	Submit(ctx context.Context, e progress.Event) error
}

// EventValidator turns a raw event into a typed one.
type EventValidator interface {
	Validate(raw progress.RawEvent) (progress.Event, error)
}

// IngestEventsCommand carries one or more raw events.
type IngestEventsCommand struct {
	Events []progress.RawEvent
}

// Rejection explains why one event of a batch was not accepted.
type Rejection struct {
	Index   int    `json:"index"`
	EventID string `json:"eventId,omitempty"`
	Field   string `json:"field,omitempty"`
	Reason  string `json:"reason"`
}

// IngestEventsResult reports the outcome per event.
type IngestEventsResult struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// IngestEventsHandler handles the IngestEventsCommand.
type IngestEventsHandler struct {
	validator EventValidator
	queue     EventQueue
	log       *logger.Logger
}

// NewIngestEventsHandler creates a new IngestEventsHandler.
func NewIngestEventsHandler(validator EventValidator, queue EventQueue, log *logger.Logger) *IngestEventsHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &IngestEventsHandler{validator: validator, queue: queue, log: log.With(logger.Component("ingest"))}
}

// Handle validates and enqueues every event. Validation failures are reported
// per event; a queue failure aborts the rest of the batch.
func (h *IngestEventsHandler) Handle(ctx context.Context, cmd IngestEventsCommand) (*IngestEventsResult, error) {
	if len(cmd.Events) == 0 {
		return nil, shared.NewDomainError("progress", "Ingest", shared.ErrEmptyValue, "no events")
	}

	ctx, span := tracer.Start(ctx, "progress.ingest")
	defer span.End()

	result := &IngestEventsResult{Accepted: []string{}, Rejected: []Rejection{}}
	for i, raw := range cmd.Events {
		e, err := h.validator.Validate(raw)
		if err != nil {
			rej := Rejection{Index: i, EventID: raw.EventID, Reason: err.Error()}
			var ve *progress.ValidationError
			if errors.As(err, &ve) {
				rej.Field = ve.Field
				rej.Reason = ve.Reason
			}
			result.Rejected = append(result.Rejected, rej)
			h.log.Info("event rejected",
				logger.EventID(raw.EventID), logger.String("field", rej.Field), logger.String("reason", rej.Reason))
			continue
		}

		if err := h.queue.Submit(ctx, e); err != nil {
			span.RecordError(err)
			return result, err
		}
		result.Accepted = append(result.Accepted, e.ID)
	}
	return result, nil
}
