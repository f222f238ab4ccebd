// Package saga contains complex business processes that orchestrate
// multiple domain operations in a coordinated manner.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/catalog"
	"github.com/alem-hub/progress-engine/internal/domain/criteria"
	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

var tracer = otel.Tracer("github.com/alem-hub/progress-engine/internal/application/saga")

// ══════════════════════════════════════════════════════════════════════════════
// UNLOCK FLOW SAGA
// Flow: Load Definitions → Load Unlock Records → Load Progress →
//
//	Evaluate Criteria (parallel) → Try Unlock → Notify winners → Publish Events
//
// Every run is safe to repeat: unlock records are write-once and only the
// caller that wins the write sends the notification.
// ══════════════════════════════════════════════════════════════════════════════

// DefinitionProvider exposes the active definition set and the catalog it was
// compiled against.
type DefinitionProvider interface {
	Definitions() *achievement.Set
	Catalog() *catalog.Catalog
}

// UnlockInput identifies the user to re-evaluate and the event that caused it.
type UnlockInput struct {
	UserID            string
	TriggeringEventID string

	// AsOf decides whether a streak is still current. Zero means now.
	AsOf time.Time
}

// Validate checks if the input is valid.
func (i UnlockInput) Validate() error {
	if i.UserID == "" {
		return errors.New("unlock_flow: user ID is required")
	}
	return nil
}

// UnlockResult contains the result of one run.
type UnlockResult struct {
	UserID string

	// NewUnlocks are the records this run won, in definition order.
	NewUnlocks []achievement.UnlockRecord

	// PointsAwarded sums the points of NewUnlocks.
	PointsAwarded int

	// Evaluated is the number of definitions that were not yet unlocked.
	Evaluated int

	NotificationsSent   int
	NotificationsFailed int

	ProcessedAt time.Time
}

// HasNewUnlocks returns true if anything was unlocked.
func (r *UnlockResult) HasNewUnlocks() bool {
	return len(r.NewUnlocks) > 0
}

// UnlockFlowStep represents a step in the unlock flow.
type UnlockFlowStep string

const (
	StepLoadDefinitions UnlockFlowStep = "load_definitions"
	StepLoadUnlocks     UnlockFlowStep = "load_unlocks"
	StepLoadProgress    UnlockFlowStep = "load_progress"
	StepEvaluate        UnlockFlowStep = "evaluate"
	StepUnlock          UnlockFlowStep = "unlock"
	StepNotify          UnlockFlowStep = "notify"
	StepPublishEvents   UnlockFlowStep = "publish_events"
	StepComplete        UnlockFlowStep = "complete"
)

// UnlockFlowState tracks the current state of the unlock flow saga.
type UnlockFlowState struct {
	CurrentStep UnlockFlowStep
	Input       UnlockInput
	Definitions *achievement.Set
	Catalog     *catalog.Catalog
	Unlocked    map[string]bool
	Eval        criteria.EvalContext
	Satisfied   []achievement.Definition
	Evaluated   int
	Result      UnlockResult
	StartedAt   time.Time
	Error       error
	FailedStep  UnlockFlowStep
}

// ══════════════════════════════════════════════════════════════════════════════
// UNLOCK FLOW SAGA IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// UnlockFlow orchestrates criteria evaluation and unlock granting for one user.
type UnlockFlow struct {
	store       progress.Store
	unlocks     achievement.Repository
	definitions DefinitionProvider
	notifier    notification.Notifier
	outbox      notification.Outbox
	eventBus    shared.EventPublisher
	log         *logger.Logger
	now         timeutil.Clock

	maxParallel         int
	enableNotifications bool
}

// UnlockFlowConfig contains configuration for the unlock flow saga.
type UnlockFlowConfig struct {
	// MaxParallel bounds concurrent criteria evaluations.
	MaxParallel         int
	EnableNotifications bool
}

// DefaultUnlockFlowConfig returns default configuration.
func DefaultUnlockFlowConfig() UnlockFlowConfig {
	return UnlockFlowConfig{
		MaxParallel:         8,
		EnableNotifications: true,
	}
}

// NewUnlockFlow creates a new unlock flow saga with all dependencies.
func NewUnlockFlow(
	store progress.Store,
	unlocks achievement.Repository,
	definitions DefinitionProvider,
	notifier notification.Notifier,
	outbox notification.Outbox,
	eventBus shared.EventPublisher,
	log *logger.Logger,
	config UnlockFlowConfig,
) *UnlockFlow {
	if config.MaxParallel <= 0 {
		config.MaxParallel = DefaultUnlockFlowConfig().MaxParallel
	}
	if log == nil {
		log = logger.Nop()
	}
	return &UnlockFlow{
		store:               store,
		unlocks:             unlocks,
		definitions:         definitions,
		notifier:            notifier,
		outbox:              outbox,
		eventBus:            eventBus,
		log:                 log.With(logger.Component("unlock_flow")),
		now:                 timeutil.SystemClock,
		maxParallel:         config.MaxParallel,
		enableNotifications: config.EnableNotifications,
	}
}

// WithClock replaces the clock used for UnlockedAt and streak currency.
func (s *UnlockFlow) WithClock(c timeutil.Clock) *UnlockFlow {
	s.now = c
	return s
}

// Execute runs the complete evaluate-and-unlock process for one user.
func (s *UnlockFlow) Execute(ctx context.Context, input UnlockInput) (*UnlockResult, error) {
	ctx, span := tracer.Start(ctx, "unlock.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", input.UserID),
		attribute.String("event.id", input.TriggeringEventID),
	)

	state := &UnlockFlowState{
		CurrentStep: StepLoadDefinitions,
		Input:       input,
		StartedAt:   s.now().UTC(),
	}

	if err := input.Validate(); err != nil {
		state.FailedStep = StepLoadDefinitions
		return nil, s.wrapError(state, err)
	}

	steps := []struct {
		step UnlockFlowStep
		run  func(context.Context, *UnlockFlowState) error
	}{
		{StepLoadDefinitions, s.stepLoadDefinitions},
		{StepLoadUnlocks, s.stepLoadUnlocks},
		{StepLoadProgress, s.stepLoadProgress},
		{StepEvaluate, s.stepEvaluate},
		{StepUnlock, s.stepUnlock},
	}
	for _, st := range steps {
		state.CurrentStep = st.step
		if err := st.run(ctx, state); err != nil {
			state.FailedStep = st.step
			state.Error = err
			span.RecordError(err)
			span.SetStatus(codes.Error, string(st.step))
			return nil, s.wrapError(state, err)
		}
	}

	state.CurrentStep = StepComplete
	state.Result.UserID = input.UserID
	state.Result.Evaluated = state.Evaluated
	state.Result.ProcessedAt = s.now().UTC()

	span.SetAttributes(
		attribute.Int("unlock.evaluated", state.Evaluated),
		attribute.Int("unlock.new", len(state.Result.NewUnlocks)),
	)
	if state.Result.HasNewUnlocks() {
		s.log.Info("definitions unlocked",
			logger.UserID(input.UserID),
			logger.EventID(input.TriggeringEventID),
			logger.Int("count", len(state.Result.NewUnlocks)),
			logger.Points(state.Result.PointsAwarded),
		)
	}

	result := state.Result
	return &result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SAGA STEPS
// ══════════════════════════════════════════════════════════════════════════════

func (s *UnlockFlow) stepLoadDefinitions(_ context.Context, state *UnlockFlowState) error {
	// One snapshot for the whole run; a concurrent reload does not affect it.
	state.Definitions = s.definitions.Definitions()
	state.Catalog = s.definitions.Catalog()
	return nil
}

func (s *UnlockFlow) stepLoadUnlocks(ctx context.Context, state *UnlockFlowState) error {
	records, err := s.unlocks.ListUnlocked(ctx, state.Input.UserID)
	if err != nil {
		return fmt.Errorf("failed to load unlock records: %w", err)
	}
	state.Unlocked = achievement.UnlockedIDs(records)
	return nil
}

func (s *UnlockFlow) stepLoadProgress(ctx context.Context, state *UnlockFlowState) error {
	snap, err := progress.LoadSnapshot(ctx, s.store, state.Input.UserID)
	if err != nil {
		return fmt.Errorf("failed to load progress: %w", err)
	}
	asOf := state.Input.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	state.Eval = criteria.NewEvalContext(snap, state.Catalog, asOf)
	return nil
}

// stepEvaluate runs the pure criteria checks concurrently. Results keep
// definition order so unlock order is deterministic.
func (s *UnlockFlow) stepEvaluate(ctx context.Context, state *UnlockFlowState) error {
	var pending []achievement.Definition
	for _, d := range state.Definitions.All() {
		if !state.Unlocked[d.ID] {
			pending = append(pending, d)
		}
	}
	state.Evaluated = len(pending)

	satisfied := make([]bool, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)
	for i, d := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			satisfied[i] = criteria.Evaluate(d.Criteria, state.Eval)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, ok := range satisfied {
		if ok {
			state.Satisfied = append(state.Satisfied, pending[i])
		}
	}
	return nil
}

// stepUnlock writes each satisfied definition and notifies right after a won
// write, so a later failure in the same run cannot drop an earlier notification.
func (s *UnlockFlow) stepUnlock(ctx context.Context, state *UnlockFlowState) error {
	for _, d := range state.Satisfied {
		rec := achievement.NewUnlockRecord(state.Input.UserID, d, state.Input.TriggeringEventID, s.now())

		won, err := s.unlocks.TryUnlock(ctx, rec)
		if err != nil {
			return fmt.Errorf("failed to unlock %s: %w", d.ID, err)
		}
		if !won {
			s.log.Debug("unlock lost to a concurrent writer",
				logger.UserID(rec.UserID), logger.DefinitionID(d.ID))
			continue
		}

		state.Result.NewUnlocks = append(state.Result.NewUnlocks, rec)
		state.Result.PointsAwarded += rec.Points

		state.CurrentStep = StepNotify
		s.notify(ctx, state, rec, d)

		state.CurrentStep = StepPublishEvents
		s.publish(state, rec, d)
		state.CurrentStep = StepUnlock
	}
	return nil
}

// notify never fails the saga: the unlock stays and the notification goes to
// the outbox for replay.
func (s *UnlockFlow) notify(ctx context.Context, state *UnlockFlowState, rec achievement.UnlockRecord, d achievement.Definition) {
	if !s.enableNotifications || s.notifier == nil {
		return
	}
	n := notification.NewUnlockNotification(rec, d.Name)

	err := s.notifier.Notify(ctx, n)
	if err == nil {
		state.Result.NotificationsSent++
		return
	}
	state.Result.NotificationsFailed++

	deliveryErr := shared.WrapError("unlock", "Notify", shared.ErrNotificationDelivery,
		fmt.Sprintf("notification for %s failed", d.ID), err)
	s.log.Warn("unlock notification failed, queued for replay",
		logger.UserID(rec.UserID),
		logger.DefinitionID(d.ID),
		logger.Err(deliveryErr),
	)

	if s.outbox != nil {
		if qerr := s.outbox.Enqueue(context.WithoutCancel(ctx), n.Failed(err)); qerr != nil {
			s.log.Error("failed to enqueue notification",
				logger.UserID(rec.UserID), logger.DefinitionID(d.ID), logger.Err(qerr))
		}
	}
	if s.eventBus != nil {
		_ = s.eventBus.Publish(shared.NewNotificationFailedEvent(rec.UserID, d.ID, err.Error()))
	}
}

func (s *UnlockFlow) publish(state *UnlockFlowState, rec achievement.UnlockRecord, d achievement.Definition) {
	if s.eventBus == nil {
		return
	}
	evt := shared.NewUnlockedEvent(rec.UserID, d.ID, string(d.Kind), d.Name, rec.Points, state.Input.TriggeringEventID)
	if err := s.eventBus.Publish(evt); err != nil {
		s.log.Warn("failed to publish unlock event", logger.DefinitionID(d.ID), logger.Err(err))
	}
}

// wrapError wraps an error with saga context.
func (s *UnlockFlow) wrapError(state *UnlockFlowState, err error) error {
	return &UnlockFlowError{
		Step:    state.FailedStep,
		UserID:  state.Input.UserID,
		Cause:   err,
		Message: fmt.Sprintf("unlock flow failed at step '%s': %v", state.FailedStep, err),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// UnlockFlowError represents an error during the unlock flow.
type UnlockFlowError struct {
	Step    UnlockFlowStep
	UserID  string
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *UnlockFlowError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *UnlockFlowError) Unwrap() error {
	return e.Cause
}

// ══════════════════════════════════════════════════════════════════════════════
// UNLOCK FLOW BUILDER (Fluent API)
// ══════════════════════════════════════════════════════════════════════════════

// UnlockFlowBuilder provides a fluent API for building UnlockFlow.
type UnlockFlowBuilder struct {
	store       progress.Store
	unlocks     achievement.Repository
	definitions DefinitionProvider
	notifier    notification.Notifier
	outbox      notification.Outbox
	eventBus    shared.EventPublisher
	log         *logger.Logger
	config      UnlockFlowConfig
}

// NewUnlockFlowBuilder creates a new builder.
func NewUnlockFlowBuilder() *UnlockFlowBuilder {
	return &UnlockFlowBuilder{config: DefaultUnlockFlowConfig()}
}

func (b *UnlockFlowBuilder) WithStore(s progress.Store) *UnlockFlowBuilder {
	b.store = s
	return b
}

func (b *UnlockFlowBuilder) WithUnlockRepository(r achievement.Repository) *UnlockFlowBuilder {
	b.unlocks = r
	return b
}

func (b *UnlockFlowBuilder) WithDefinitions(p DefinitionProvider) *UnlockFlowBuilder {
	b.definitions = p
	return b
}

func (b *UnlockFlowBuilder) WithNotifier(n notification.Notifier, outbox notification.Outbox) *UnlockFlowBuilder {
	b.notifier = n
	b.outbox = outbox
	return b
}

func (b *UnlockFlowBuilder) WithEventBus(bus shared.EventPublisher) *UnlockFlowBuilder {
	b.eventBus = bus
	return b
}

func (b *UnlockFlowBuilder) WithLogger(l *logger.Logger) *UnlockFlowBuilder {
	b.log = l
	return b
}

func (b *UnlockFlowBuilder) WithConfig(c UnlockFlowConfig) *UnlockFlowBuilder {
	b.config = c
	return b
}

// Build creates the UnlockFlow instance.
func (b *UnlockFlowBuilder) Build() (*UnlockFlow, error) {
	if b.store == nil {
		return nil, errors.New("progress store is required")
	}
	if b.unlocks == nil {
		return nil, errors.New("unlock repository is required")
	}
	if b.definitions == nil {
		return nil, errors.New("definition provider is required")
	}
	if b.config.EnableNotifications && b.notifier != nil && b.outbox == nil {
		return nil, errors.New("notification outbox is required when notifications are enabled")
	}
	return NewUnlockFlow(b.store, b.unlocks, b.definitions, b.notifier, b.outbox, b.eventBus, b.log, b.config), nil
}
