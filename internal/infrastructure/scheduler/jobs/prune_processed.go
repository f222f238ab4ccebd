package jobs

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ProcessedPruner forgets processed-event markers older than a cutoff.
type ProcessedPruner interface {
	PruneProcessed(ctx context.Context, before time.Time) (int64, error)
}

// PruneProcessedJob bounds the processed-event table. Redeliveries older than
// Retention are still harmless: aggregate updates and unlocks are idempotent.
type PruneProcessedJob struct {
	pruner    ProcessedPruner
	retention time.Duration
	log       *logger.Logger
	now       func() time.Time
}

// NewPruneProcessedJob creates the job. A non-positive retention means 7 days.
func NewPruneProcessedJob(pruner ProcessedPruner, retention time.Duration, log *logger.Logger) *PruneProcessedJob {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PruneProcessedJob{
		pruner:    pruner,
		retention: retention,
		log:       log.With(logger.Component("prune_processed")),
		now:       time.Now,
	}
}

func (j *PruneProcessedJob) Name() string { return "prune_processed" }

func (j *PruneProcessedJob) Description() string {
	return "Deletes processed event IDs past the retention window"
}

// Run executes the job.
func (j *PruneProcessedJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.retention)
	n, err := j.pruner.PruneProcessed(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info("processed events pruned", logger.Int64("removed", n), logger.Time("before", cutoff))
	}
	return nil
}
