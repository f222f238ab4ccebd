package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/application/saga"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROCESS EVENT COMMAND
// The per-event job run by the worker pool: apply the event, then re-evaluate
// the user's unlocks. Both halves are safe to repeat, so a redelivered event
// goes through the same path.
// ══════════════════════════════════════════════════════════════════════════════

// UnlockRunner is the unlock coordinator as seen by the pipeline.
type UnlockRunner interface {
	Execute(ctx context.Context, input saga.UnlockInput) (*saga.UnlockResult, error)
}

// ProcessEventResult combines both halves.
type ProcessEventResult struct {
	Apply  *ApplyEventResult
	Unlock *saga.UnlockResult
}

// ProcessEventHandler chains ApplyEventHandler and the unlock coordinator.
type ProcessEventHandler struct {
	apply  *ApplyEventHandler
	unlock UnlockRunner
}

// NewProcessEventHandler creates a new ProcessEventHandler.
func NewProcessEventHandler(apply *ApplyEventHandler, unlock UnlockRunner) *ProcessEventHandler {
	return &ProcessEventHandler{apply: apply, unlock: unlock}
}

// Handle applies e and runs the coordinator, even when e was a duplicate:
// a crash between the aggregate write and the unlock write is healed by the
// redelivery.
func (h *ProcessEventHandler) Handle(ctx context.Context, e progress.Event) (*ProcessEventResult, error) {
	applied, err := h.apply.Handle(ctx, ApplyEventCommand{Event: e})
	if err != nil {
		return nil, err
	}

	out := &ProcessEventResult{Apply: applied}
	if h.unlock == nil {
		return out, nil
	}

	unlocked, err := h.unlock.Execute(ctx, saga.UnlockInput{
		UserID:            e.UserID,
		TriggeringEventID: e.ID,
		AsOf:              e.Timestamp,
	})
	if err != nil {
		return out, fmt.Errorf("process_event: %w", err)
	}
	out.Unlock = unlocked
	return out, nil
}
