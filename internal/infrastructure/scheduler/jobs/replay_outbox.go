// Package jobs contains the engine's scheduled jobs.
package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPLAY OUTBOX JOB
// Drains the notification outbox and redelivers. A notification that fails
// again goes back with its attempt count raised; one that used up its
// attempts is dropped and reported.
// ══════════════════════════════════════════════════════════════════════════════

// ReplayOutboxConfig configures ReplayOutboxJob.
type ReplayOutboxConfig struct {
	// BatchSize is the number of notifications taken per dequeue.
	BatchSize int

	// MaxBatches bounds the work of one run.
	MaxBatches int

	// MaxAttempts drops a notification after this many failed deliveries.
	MaxAttempts int
}

// DefaultReplayOutboxConfig returns sensible defaults.
func DefaultReplayOutboxConfig() ReplayOutboxConfig {
	return ReplayOutboxConfig{
		BatchSize:   100,
		MaxBatches:  10,
		MaxAttempts: 20,
	}
}

// ReplayStats describes one run.
type ReplayStats struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Dequeued    int           `json:"dequeued"`
	Delivered   int           `json:"delivered"`
	Requeued    int           `json:"requeued"`
	Dropped     int           `json:"dropped"`
	RequeueLost int           `json:"requeue_lost"`
	AckFailed   int           `json:"ack_failed"`
}

// ReplayOutboxJob redelivers failed unlock notifications.
type ReplayOutboxJob struct {
	outbox    notification.Outbox
	notifier  notification.Notifier
	publisher shared.EventPublisher
	log       *logger.Logger
	config    ReplayOutboxConfig

	lastStats atomic.Pointer[ReplayStats]
}

// NewReplayOutboxJob creates the job. publisher and log may be nil.
func NewReplayOutboxJob(
	outbox notification.Outbox,
	notifier notification.Notifier,
	publisher shared.EventPublisher,
	log *logger.Logger,
	config ReplayOutboxConfig,
) *ReplayOutboxJob {
	d := DefaultReplayOutboxConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = d.BatchSize
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = d.MaxBatches
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = d.MaxAttempts
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ReplayOutboxJob{
		outbox:    outbox,
		notifier:  notifier,
		publisher: publisher,
		log:       log.With(logger.Component("replay_outbox")),
		config:    config,
	}
}

// Name returns the job name.
func (j *ReplayOutboxJob) Name() string { return "replay_outbox" }

// Description returns a human-readable description.
func (j *ReplayOutboxJob) Description() string {
	return "Redelivers unlock notifications whose first delivery failed"
}

// Run executes one replay pass. It stops after a batch that was not full,
// so notifications it re-enqueued are not retried again in the same run.
func (j *ReplayOutboxJob) Run(ctx context.Context) error {
	stats := &ReplayStats{StartedAt: time.Now()}
	defer func() {
		stats.Duration = time.Since(stats.StartedAt)
		j.lastStats.Store(stats)
	}()

	pending, err := j.outbox.Len(ctx)
	if err != nil {
		return err
	}
	budget := int(pending)

	for batch := 0; batch < j.config.MaxBatches && budget > 0; batch++ {
		size := min(j.config.BatchSize, budget)
		items, err := j.outbox.Dequeue(ctx, size)
		if err != nil {
			return err
		}
		budget -= len(items)
		stats.Dequeued += len(items)

		for _, n := range items {
			if j.replay(ctx, n, stats) {
				j.ack(ctx, n, stats)
			}
		}
		if len(items) < size {
			break
		}
	}

	if stats.Dequeued > 0 {
		j.log.Info("outbox replayed",
			logger.Int("dequeued", stats.Dequeued),
			logger.Int("delivered", stats.Delivered),
			logger.Int("requeued", stats.Requeued),
			logger.Int("dropped", stats.Dropped),
		)
	}
	return nil
}

// replay delivers n once more and reports whether n is settled. An unsettled
// notification stays in flight in the outbox.
func (j *ReplayOutboxJob) replay(ctx context.Context, n notification.Notification, stats *ReplayStats) bool {
	err := j.notifier.Notify(ctx, n)
	if err == nil {
		stats.Delivered++
		return true
	}

	failed := n.Failed(err)
	if failed.Attempts >= j.config.MaxAttempts {
		stats.Dropped++
		j.log.Error("notification dropped after max attempts",
			logger.UserID(n.UserID),
			logger.DefinitionID(n.DefinitionID),
			logger.Int("attempts", failed.Attempts),
			logger.Err(err),
		)
		if j.publisher != nil {
			_ = j.publisher.Publish(shared.NewNotificationFailedEvent(n.UserID, n.DefinitionID, "dropped: "+err.Error()))
		}
		return true
	}

	// Put it back even if the run is being cancelled.
	if qerr := j.outbox.Enqueue(context.WithoutCancel(ctx), failed); qerr != nil {
		stats.RequeueLost++
		j.log.Error("failed to re-enqueue notification",
			logger.UserID(n.UserID), logger.DefinitionID(n.DefinitionID), logger.Err(qerr))
		return false
	}
	stats.Requeued++
	return true
}

func (j *ReplayOutboxJob) ack(ctx context.Context, n notification.Notification, stats *ReplayStats) {
	if err := j.outbox.Ack(context.WithoutCancel(ctx), n); err != nil {
		stats.AckFailed++
		j.log.Warn("failed to ack outbox entry",
			logger.UserID(n.UserID), logger.DefinitionID(n.DefinitionID), logger.Err(err))
	}
}

// LastStats returns the stats of the previous run, or nil.
func (j *ReplayOutboxJob) LastStats() *ReplayStats {
	return j.lastStats.Load()
}
