// Package main is the entry point of the progress engine.
//
// The engine accepts learner interaction events over HTTP, folds them into
// per-user progress aggregates on a partitioned worker pool, unlocks
// achievements and milestones whose criteria hold, and re-ranks search
// candidates against each user's progress.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/application/saga"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/notification"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/ranking"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/definitions"
	"github.com/alem-hub/progress-engine/internal/infrastructure/external/search"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/observability"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/progress-engine/internal/infrastructure/worker"
	httpapi "github.com/alem-hub/progress-engine/internal/interface/http"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// storage groups the backend-specific stores.
type storage struct {
	store   progress.Store
	unlocks achievement.Repository
	pruner  jobs.ProcessedPruner
}

// eventBus is the publisher side shared by the in-memory and Redis buses.
type eventBus interface {
	shared.EventPublisher
	Close() error
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING AND TRACING
	// ─────────────────────────────────────────────────────────────────────────
	log := logger.New(logger.Options{
		Output:    os.Stdout,
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		Format:    cfg.Observability.LogFormat,
		AddCaller: !cfg.IsProduction(),
	})
	defer log.Sync()

	log.Info("starting progress engine",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.String("storage", cfg.App.Storage),
	)

	shutdownTracing := observability.InitTracing(ctx, log, observability.TracingConfig{
		Enabled:      cfg.Observability.TracingEnabled,
		ServiceName:  cfg.App.Name,
		Environment:  string(cfg.App.Environment),
		Version:      cfg.App.Version,
		OTLPEndpoint: cfg.Observability.TracingEndpoint,
		OTLPInsecure: cfg.Observability.TracingInsecure,
		OTLPHeaders:  cfg.Observability.TracingHeaders,
		SampleRatio:  cfg.Observability.TracingSample,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown failed", logger.Err(err))
		}
	}()

	health := httpapi.NewHealthChecker(cfg.App.Version)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. REDIS (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var cache *redis.Cache
	if cfg.Redis.Enabled {
		cache, err = redis.NewCache(ctx, redis.Config{
			URL:          cfg.Redis.URL,
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   redis.DefaultConfig().MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer func() {
			log.Info("closing redis connection")
			_ = cache.Close()
		}()
		health.AddCheck("redis", cache.Ping)
		log.Info("redis connection established")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	localBus := messaging.DefaultInMemoryEventBusConfig()
	localBus.Logger = log

	var bus eventBus
	if cache != nil {
		bus, err = messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			Client:         messaging.NewCachePubSub(cache),
			ChannelName:    cfg.Redis.EventsChannel,
			LocalBusConfig: localBus,
			Logger:         log,
		})
		if err != nil {
			return fmt.Errorf("failed to start event bus: %w", err)
		}
	} else {
		bus = messaging.NewInMemoryEventBus(localBus)
	}
	defer func() {
		log.Info("closing event bus")
		_ = bus.Close()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. DEFINITIONS
	// ─────────────────────────────────────────────────────────────────────────
	registry, err := definitions.NewRegistry(func() (*definitions.Bundle, error) {
		return definitions.LoadDir(cfg.Definitions.Dir)
	}, bus, log)
	if err != nil {
		return fmt.Errorf("failed to load definitions from %s: %w", cfg.Definitions.Dir, err)
	}
	health.AddCheck("definitions", func(context.Context) error {
		if registry.Current() == nil {
			return errors.New("no definitions loaded")
		}
		return nil
	})

	if cfg.Definitions.Watch && cfg.Features.IsEnabled(config.FeatureDefinitionsWatch, "") {
		watcher, err := definitions.NewWatcher(cfg.Definitions.Dir, registry, cfg.Definitions.Debounce, log)
		if err != nil {
			return fmt.Errorf("failed to watch definitions: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch definitions: %w", err)
		}
		defer watcher.Stop()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. STORAGE
	// ─────────────────────────────────────────────────────────────────────────
	st, closeStorage, err := openStorage(ctx, cfg, health, log)
	if err != nil {
		return err
	}
	defer closeStorage()

	// ─────────────────────────────────────────────────────────────────────────
	// 7. NOTIFICATIONS
	// ─────────────────────────────────────────────────────────────────────────
	var outbox notification.Outbox = memory.NewOutbox()
	sinks := messaging.MultiNotifier{messaging.NewLogNotifier(log)}
	if cache != nil {
		redisOutbox := redis.NewOutbox(cache, log)
		if moved, err := redisOutbox.Recover(ctx); err != nil {
			log.Warn("outbox recovery failed", logger.Err(err))
		} else if moved > 0 {
			log.Info("outbox entries recovered", logger.Int("count", moved))
		}
		outbox = redisOutbox
		sinks = append(sinks, redis.NewNotifier(cache, cfg.Redis.UnlocksChannel, cfg.Redis.RequireSubscriber))
	}
	notifier := messaging.NewResilientNotifier(sinks, messaging.ResilientNotifierConfig{
		Timeout: cfg.Notifications.Timeout,
		Logger:  log,
	})
	health.AddCheck("notifier", breakerCheck(notifier.Breaker().State))

	// ─────────────────────────────────────────────────────────────────────────
	// 8. EVENT PIPELINE
	// ─────────────────────────────────────────────────────────────────────────
	unlockFlow, err := saga.NewUnlockFlowBuilder().
		WithStore(st.store).
		WithUnlockRepository(st.unlocks).
		WithDefinitions(registry).
		WithNotifier(notifier, outbox).
		WithEventBus(bus).
		WithLogger(log).
		WithConfig(saga.UnlockFlowConfig{
			MaxParallel:         cfg.Pipeline.UnlockParallel,
			EnableNotifications: cfg.Notifications.Enabled && cfg.Features.IsEnabled(config.FeatureUnlockNotifications, ""),
		}).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build unlock flow: %w", err)
	}

	var signals *redis.SignalCache
	var invalidator command.CacheInvalidator
	if cache != nil {
		signals = redis.NewSignalCache(cache, cfg.Redis.SignalTTL)
		invalidator = signals
	}

	apply := command.NewApplyEventHandler(st.store, bus, invalidator, log,
		command.ApplyEventHandlerConfig{MaxAttempts: cfg.Pipeline.CASMaxAttempts})
	process := command.NewProcessEventHandler(apply, unlockFlow)

	pool := worker.New(worker.Config{
		Partitions:    cfg.Pipeline.Partitions,
		QueueSize:     cfg.Pipeline.QueueSize,
		JobTimeout:    cfg.Pipeline.JobTimeout,
		MaxDeliveries: cfg.Pipeline.MaxDeliveries,
		RetryDelay:    cfg.Pipeline.RetryDelay,
		MaxRetryDelay: cfg.Pipeline.MaxRetryDelay,
	},
		worker.HandlerFunc(func(ctx context.Context, e progress.Event) error {
			_, err := process.Handle(ctx, e)
			return err
		}),
		worker.WithPublisher(bus),
		worker.WithLogger(log),
		worker.WithDeadLetter(func(_ context.Context, e progress.Event, deliveries int, err error) {
			log.Error("event dead-lettered",
				logger.EventID(e.ID),
				logger.UserID(e.UserID),
				logger.EventType(string(e.Type)),
				logger.Int("deliveries", deliveries),
				logger.Err(err),
			)
		}),
	)
	pool.Start(ctx)
	defer func() {
		log.Info("draining worker pool")
		if err := pool.Close(); err != nil {
			log.Warn("worker pool close failed", logger.Err(err))
		}
	}()

	validator := progress.NewValidator(registry, cfg.Pipeline.MaxClockSkew)
	ingest := command.NewIngestEventsHandler(validator, pool, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 9. RANKING
	// ─────────────────────────────────────────────────────────────────────────
	var provider ranking.SearchProvider
	if cfg.Search.BaseURL != "" {
		searchCfg := search.DefaultClientConfig(cfg.Search.BaseURL)
		searchCfg.APIKey = cfg.Search.APIKey
		searchCfg.Timeout = cfg.Search.Timeout
		searchCfg.RateLimiterConfig.RequestsPerSecond = cfg.Search.RequestsPerSecond
		searchCfg.RateLimiterConfig.BurstSize = cfg.Search.BurstSize
		searchCfg.Logger = log

		client, err := search.NewClient(searchCfg)
		if err != nil {
			return fmt.Errorf("failed to create search client: %w", err)
		}
		provider = client
		health.AddCheck("search", breakerCheck(client.Breaker().State))
	}

	var signalCache ranking.SignalCache
	if signals != nil {
		signalCache = signals
	}
	adjust := query.NewAdjustRankingHandler(st.store, registry, provider, signalCache, log).
		WithGate(cfg.Features.Gate(config.FeatureRankingPersonalize))

	// ─────────────────────────────────────────────────────────────────────────
	// 10. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(scheduler.Config{
			Logger:     log,
			Tick:       cfg.Scheduler.Tick,
			JobTimeout: cfg.Scheduler.JobTimeout,
		})

		replay := jobs.NewReplayOutboxJob(outbox, notifier, bus, log, jobs.ReplayOutboxConfig{
			BatchSize:   cfg.Scheduler.ReplayBatchSize,
			MaxAttempts: cfg.Scheduler.ReplayMaxAttempts,
		})
		if err := sched.Register(replay, scheduler.Every(cfg.Scheduler.ReplayInterval)); err != nil {
			return fmt.Errorf("failed to register job: %w", err)
		}

		prune := jobs.NewPruneProcessedJob(st.pruner, cfg.Scheduler.ProcessedRetention, log)
		if err := sched.Register(prune, scheduler.Every(cfg.Scheduler.PruneInterval)); err != nil {
			return fmt.Errorf("failed to register job: %w", err)
		}

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 11. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	server := httpapi.NewServer(httpapi.Config{
		Host:           cfg.HTTP.Host,
		Port:           cfg.HTTP.Port,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: httpapi.DefaultConfig().MaxHeaderBytes,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBatchSize:   cfg.HTTP.MaxBatchSize,
		Version:        cfg.App.Version,
	}, httpapi.Dependencies{
		Ingest:   ingest,
		Progress: query.NewGetProgressHandler(st.store, nil),
		Unlocks:  query.NewGetUnlocksHandler(st.unlocks, registry),
		Ranking:  adjust,
		Reloader: registry,
		Health:   health,
		Features: cfg.Features,
		Logger:   log,
	})
	serverErr := server.StartAsync()

	log.Info("progress engine is running", logger.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)))

	// ─────────────────────────────────────────────────────────────────────────
	// 12. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", logger.Err(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", logger.Err(err))
	}

	// Deferred closers run in reverse: scheduler, worker pool, watcher,
	// event bus, storage, redis, tracing.
	log.Info("shutdown completed")
	return nil
}

// openStorage selects the backend named by the configuration.
func openStorage(ctx context.Context, cfg *config.Config, health *httpapi.HealthChecker, log *logger.Logger) (*storage, func(), error) {
	if !cfg.UsesPostgres() {
		log.Warn("using in-memory storage; progress is lost on restart")
		store := memory.NewStore()
		return &storage{
			store:   store,
			unlocks: memory.NewUnlockRepository(),
			pruner:  store,
		}, func() {}, nil
	}

	log.Info("connecting to database")
	conn, err := postgres.NewConnection(ctx, cfg.Database.URL, postgres.PoolOptions{
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: postgres.DefaultPoolOptions().HealthCheckPeriod,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database schema is up to date")
	}

	health.AddCheck("postgres", func(ctx context.Context) error {
		status, err := conn.Health(ctx)
		if err != nil {
			return err
		}
		if !status.Healthy {
			return errors.New(status.Error)
		}
		return nil
	})

	store := postgres.NewProgressStore(conn)
	closer := func() {
		log.Info("closing database connection")
		conn.Close()
	}
	return &storage{
		store:   store,
		unlocks: postgres.NewUnlockRepository(conn),
		pruner:  store,
	}, closer, nil
}

// breakerCheck reports an open breaker as unhealthy. Half-open counts as
// healthy since probes are getting through.
func breakerCheck(state func() circuitbreaker.State) httpapi.HealthCheckFunc {
	return func(context.Context) error {
		if s := state(); s == circuitbreaker.StateOpen {
			return fmt.Errorf("circuit %s", s)
		}
		return nil
	}
}
