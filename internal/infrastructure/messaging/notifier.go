package messaging

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESILIENT NOTIFIER
// Wraps the real notification sink with a timeout per attempt, a bounded
// retry and a circuit breaker. Whatever still fails comes back as
// ErrNotificationDelivery and the caller moves it to the outbox.
// ══════════════════════════════════════════════════════════════════════════════

// ResilientNotifierConfig configures ResilientNotifier. Zero values get defaults.
type ResilientNotifierConfig struct {
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration

	Breaker *circuitbreaker.CircuitBreaker
	Retrier *retry.Retrier
	Logger  *logger.Logger
}

// ResilientNotifier is a notification.Notifier guarded by retry and a breaker.
type ResilientNotifier struct {
	inner   notification.Notifier
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Retrier
	log     *logger.Logger
}

// NewResilientNotifier wraps inner.
func NewResilientNotifier(inner notification.Notifier, cfg ResilientNotifierConfig) *ResilientNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	log := cfg.Logger.With(logger.Component("notifier"))
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.NotificationSinkBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		})
	}
	if cfg.Retrier == nil {
		cfg.Retrier = retry.NotificationRetrier()
	}
	return &ResilientNotifier{
		inner:   inner,
		timeout: cfg.Timeout,
		breaker: cfg.Breaker,
		retrier: cfg.Retrier,
		log:     log,
	}
}

var _ notification.Notifier = (*ResilientNotifier)(nil)

// Notify delivers n. An open breaker fails fast without retrying.
func (r *ResilientNotifier) Notify(ctx context.Context, n notification.Notification) error {
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		err := r.breaker.Execute(ctx, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return r.inner.Notify(attemptCtx, n)
		})
		if err == nil || circuitbreaker.IsRejected(err) {
			return err
		}
		return retry.Retryable(err)
	})
	if err == nil {
		return nil
	}

	r.log.Debug("notification delivery failed",
		logger.UserID(n.UserID),
		logger.DefinitionID(n.DefinitionID),
		logger.String("breaker_state", r.breaker.State().String()),
		logger.Err(err),
	)
	return shared.WrapError("notification", "Notify", shared.ErrNotificationDelivery, "delivery failed", err)
}

// Breaker exposes the breaker for health reporting.
func (r *ResilientNotifier) Breaker() *circuitbreaker.CircuitBreaker {
	return r.breaker
}

// ══════════════════════════════════════════════════════════════════════════════
// LOG NOTIFIER
// ══════════════════════════════════════════════════════════════════════════════

// LogNotifier writes notifications to the log. Used when no sink is configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.Nop()
	}
	return &LogNotifier{log: log.With(logger.Component("notifier"))}
}

// Notify logs n and never fails.
func (l *LogNotifier) Notify(_ context.Context, n notification.Notification) error {
	l.log.Info("unlock",
		logger.UserID(n.UserID),
		logger.DefinitionID(n.DefinitionID),
		logger.String("kind", string(n.Kind)),
		logger.Points(n.Points),
		logger.EventID(n.TriggeringEventID),
	)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MULTI NOTIFIER
// ══════════════════════════════════════════════════════════════════════════════

// MultiNotifier sends every notification to several sinks.
type MultiNotifier []notification.Notifier

// Notify tries every notifier and returns the first error after all ran.
func (m MultiNotifier) Notify(ctx context.Context, n notification.Notification) error {
	var first error
	for _, inner := range m {
		if err := inner.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
