// Package worker runs interaction events through the processing pipeline on a
// fixed set of partitions. All events of one user land on the same partition,
// so they are handled one at a time and in submission order.
package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

var tracer = otel.Tracer("github.com/alem-hub/progress-engine/internal/infrastructure/worker")

var (
	// ErrPoolClosed is returned by Submit after Close or once the pool stopped.
	ErrPoolClosed = shared.NewDomainError("worker", "Submit", shared.ErrServiceUnavailable, "worker pool is closed")

	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = shared.NewDomainError("worker", "Submit", shared.ErrServiceUnavailable, "worker pool is not started")
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config configures the pool.
type Config struct {
	// Partitions is the number of worker goroutines.
	Partitions int

	// QueueSize is the buffer of each partition queue. Submit blocks when full.
	QueueSize int

	// JobTimeout bounds a single delivery.
	JobTimeout time.Duration

	// MaxDeliveries bounds deliveries per event, the first one included.
	MaxDeliveries int

	// RetryDelay is the wait before the second delivery. It doubles per
	// delivery up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Partitions:    8,
		QueueSize:     256,
		JobTimeout:    10 * time.Second,
		MaxDeliveries: 5,
		RetryDelay:    50 * time.Millisecond,
		MaxRetryDelay: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Partitions <= 0 {
		c.Partitions = d.Partitions
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = d.MaxDeliveries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	return c
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// Handler processes one event.
type Handler interface {
	Handle(ctx context.Context, e progress.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e progress.Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, e progress.Event) error {
	return f(ctx, e)
}

// DeadLetterFunc receives events that used up their deliveries or failed
// with a terminal error.
type DeadLetterFunc func(ctx context.Context, e progress.Event, deliveries int, err error)

// ══════════════════════════════════════════════════════════════════════════════
// POOL
// ══════════════════════════════════════════════════════════════════════════════

// Pool is a partitioned worker pool.
type Pool struct {
	cfg        Config
	handler    Handler
	deadLetter DeadLetterFunc
	publisher  shared.EventPublisher
	log        *logger.Logger

	queues []chan progress.Event

	mu      sync.RWMutex
	started bool
	closed  bool
	group   *errgroup.Group
	runCtx  context.Context
	cancel  context.CancelFunc

	stats Stats
}

// Option configures optional collaborators.
type Option func(*Pool)

// WithDeadLetter sets the dead-letter callback.
func WithDeadLetter(fn DeadLetterFunc) Option {
	return func(p *Pool) { p.deadLetter = fn }
}

// WithPublisher publishes a DeadLetteredEvent for every dead-lettered event.
func WithPublisher(pub shared.EventPublisher) Option {
	return func(p *Pool) { p.publisher = pub }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// New creates a pool. Call Start before Submit.
func New(cfg Config, handler Handler, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		handler: handler,
		log:     logger.Nop(),
		queues:  make([]chan progress.Event, cfg.Partitions),
	}
	for i := range p.queues {
		p.queues[i] = make(chan progress.Event, cfg.QueueSize)
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(logger.Component("worker_pool"))
	return p
}

// Start launches one goroutine per partition. Cancelling ctx stops the
// workers without draining; use Close for a graceful stop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.runCtx, p.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(p.runCtx)
	for i, q := range p.queues {
		g.Go(func() error {
			return p.run(gctx, i, q)
		})
	}
	p.group = g

	p.log.Info("worker pool started",
		logger.Int("partitions", p.cfg.Partitions),
		logger.Int("queue_size", p.cfg.QueueSize),
		logger.Int("max_deliveries", p.cfg.MaxDeliveries),
	)
}

// Partition returns the partition that owns userID.
func (p *Pool) Partition(userID string) int {
	return PartitionOf(userID, len(p.queues))
}

// PartitionOf maps userID onto one of n partitions.
func PartitionOf(userID string, n int) int {
	if n <= 1 {
		return 0
	}
	sum := blake2b.Sum256([]byte(userID))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}

// Submit queues e on its user's partition. It blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, e progress.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case p.closed:
		return ErrPoolClosed
	case !p.started:
		return ErrPoolNotStarted
	}

	select {
	case p.queues[p.Partition(e.UserID)] <- e:
		p.stats.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.runCtx.Done():
		return ErrPoolClosed
	}
}

// Close stops accepting events, waits until every queued event was handled
// and stops the workers.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	if !started {
		return nil
	}
	err := p.group.Wait()
	p.cancel()

	snap := p.stats.Snapshot()
	p.log.Info("worker pool stopped",
		logger.Int64("completed", snap.Completed),
		logger.Int64("dead_lettered", snap.DeadLettered),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stats returns the pool counters.
func (p *Pool) Stats() StatsSnapshot {
	snap := p.stats.Snapshot()
	for _, q := range p.queues {
		snap.Queued += len(q)
	}
	return snap
}

func (p *Pool) run(ctx context.Context, partition int, q <-chan progress.Event) error {
	log := p.log.With(logger.Partition(partition))
	for {
		select {
		case <-ctx.Done():
			if n := len(q); n > 0 {
				log.Warn("worker stopped with queued events", logger.Int("queued", n))
			}
			return ctx.Err()
		case e, ok := <-q:
			if !ok {
				return nil
			}
			p.deliver(ctx, log, partition, e)
		}
	}
}

// deliver runs e until it succeeds, fails terminally or runs out of
// deliveries. Redeliveries happen before the next event of the partition,
// which keeps the user's order intact.
func (p *Pool) deliver(ctx context.Context, log *logger.Logger, partition int, e progress.Event) {
	ctx, span := tracer.Start(ctx, "worker.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", e.ID),
		attribute.String("user.id", e.UserID),
		attribute.Int("worker.partition", partition),
	)

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := p.runOnce(ctx, e)
		if err == nil {
			p.stats.completed.Add(1)
			span.SetAttributes(attribute.Int("worker.deliveries", attempt))
			log.Debug("event handled",
				logger.EventID(e.ID), logger.UserID(e.UserID),
				logger.Int("delivery", attempt), logger.Latency(time.Since(start)))
			return
		}

		if ctx.Err() != nil {
			// Stopping: the event stays undelivered for the producer to resend.
			log.Warn("delivery abandoned on shutdown", logger.EventID(e.ID), logger.Err(err))
			return
		}

		if !Retryable(err) || attempt >= p.cfg.MaxDeliveries {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dead-lettered")
			p.deadLettered(ctx, log, e, attempt, err)
			return
		}

		p.stats.redelivered.Add(1)
		delay := p.backoff(attempt)
		log.Warn("event delivery failed, redelivering",
			logger.EventID(e.ID),
			logger.UserID(e.UserID),
			logger.Int("delivery", attempt),
			logger.Duration("delay", delay),
			logger.Err(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Pool) runOnce(ctx context.Context, e progress.Event) (err error) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler panicked: %v", r)
		}
	}()
	return p.handler.Handle(jobCtx, e)
}

func (p *Pool) backoff(attempt int) time.Duration {
	d := p.cfg.RetryDelay << (attempt - 1)
	if d <= 0 || d > p.cfg.MaxRetryDelay {
		d = p.cfg.MaxRetryDelay
	}
	return d
}

func (p *Pool) deadLettered(ctx context.Context, log *logger.Logger, e progress.Event, deliveries int, err error) {
	p.stats.deadLettered.Add(1)
	log.Error("event dead-lettered",
		logger.EventID(e.ID),
		logger.UserID(e.UserID),
		logger.EventType(string(e.Type)),
		logger.Int("deliveries", deliveries),
		logger.Err(err),
	)

	if p.deadLetter != nil {
		p.deadLetter(ctx, e, deliveries, err)
	}
	if p.publisher != nil {
		if perr := p.publisher.Publish(shared.NewDeadLetteredEvent(e.UserID, e.ID, deliveries, err.Error())); perr != nil {
			log.Warn("failed to publish dead-letter event", logger.EventID(e.ID), logger.Err(perr))
		}
	}
}

// Retryable reports whether a failed delivery should be tried again: per-job
// timeouts and errors the domain marks as transient.
func Retryable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || shared.IsRetryable(err)
}

// ══════════════════════════════════════════════════════════════════════════════
// STATS
// ══════════════════════════════════════════════════════════════════════════════

// Stats counts pool activity.
type Stats struct {
	submitted    atomic.Int64
	completed    atomic.Int64
	redelivered  atomic.Int64
	deadLettered atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Submitted    int64 `json:"submitted"`
	Completed    int64 `json:"completed"`
	Redelivered  int64 `json:"redelivered"`
	DeadLettered int64 `json:"dead_lettered"`
	Queued       int   `json:"queued"`
}

// Snapshot returns the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Submitted:    s.submitted.Load(),
		Completed:    s.completed.Load(),
		Redelivered:  s.redelivered.Load(),
		DeadLettered: s.deadLettered.Load(),
	}
}
