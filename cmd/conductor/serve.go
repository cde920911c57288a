package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dev.helix.conductor/internal/allocator"
	"dev.helix.conductor/internal/breaker"
	"dev.helix.conductor/internal/cache"
	"dev.helix.conductor/internal/checkpoint"
	"dev.helix.conductor/internal/config"
	"dev.helix.conductor/internal/database"
	"dev.helix.conductor/internal/decomposer"
	"dev.helix.conductor/internal/eventbus"
	"dev.helix.conductor/internal/handlers"
	"dev.helix.conductor/internal/health"
	"dev.helix.conductor/internal/middleware"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/internal/observability"
	"dev.helix.conductor/internal/observability/metrics"
	"dev.helix.conductor/internal/poolmon"
	"dev.helix.conductor/internal/registry"
	"dev.helix.conductor/internal/router"
	"dev.helix.conductor/internal/scheduler"
	"dev.helix.conductor/internal/version"
	"dev.helix.conductor/internal/ws"
	"dev.helix.conductor/pkg/api"
)

// serve assembles the full control plane and blocks until a signal or a
// fatal loop error.
func serve(logLevel, logFormat string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	log := newLogger(cfg.Log)

	tp, err := observability.SetupTracing(ctx, cfg.Observability, version.Version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		observability.ShutdownTracing(flushCtx, tp)
	}()

	pool, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool, log); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	collector := metrics.NewCollector()

	dbBreaker := breaker.New("database", breaker.Config{
		FailureThreshold: cfg.Breaker.DBFailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}, log)
	cacheBreaker := breaker.New("cache", breaker.Config{
		FailureThreshold: cfg.Breaker.CacheFailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}, log)

	store := database.NewStore(pool, cfg.Database.QueryTimeout, log).Guard(dbBreaker)

	for _, br := range []*breaker.Breaker{dbBreaker, cacheBreaker} {
		name := br.Name()
		collector.BreakerState.WithLabelValues(name).Set(metrics.StateValue(string(breaker.StateClosed)))
		br.OnStateChange(func(change breaker.StateChange) {
			collector.BreakerState.WithLabelValues(name).Set(metrics.StateValue(string(change.To)))
			collector.BreakerTransitions.WithLabelValues(name, string(change.To)).Inc()
			go recordActivity(store, log, &models.ActivityLog{
				EntityType: "breaker",
				EntityID:   name,
				Action:     "breaker_state_changed",
				Detail:     map[string]any{"from": string(change.From), "to": string(change.To)},
			})
		})
	}

	cacheSvc, err := cache.New(ctx, cfg.Redis.URL, cacheBreaker, log)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer cacheSvc.Close()

	pub := eventbus.NewPublisher(cacheSvc, log, cfg.Events.MailboxTTL)
	pub.OnPublish(func(ev api.Event) {
		collector.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
		switch ev.Type {
		case api.EventCheckpointCreated:
			if trigger, ok := ev.Data["trigger"].(string); ok {
				collector.CheckpointsCreated.WithLabelValues(trigger).Inc()
			}
		case api.EventCheckpointDecided:
			if action, ok := ev.Data["action"].(string); ok {
				collector.CheckpointDecisions.WithLabelValues(action).Inc()
			}
		}
	})
	hub := eventbus.NewHub(cacheSvc.Client(), log, 0)

	alloc := allocator.New(store.Workers, store.Subtasks, store, cacheSvc, pub, store.Activity, allocator.Config{
		PerWorkerCap:       cfg.Scheduler.PerWorkerCapacity,
		GlobalCap:          cfg.Scheduler.GlobalCapacity,
		HeartbeatTimeout:   cfg.Registry.HeartbeatTimeout,
		ExplorationEpsilon: cfg.Allocator.ExplorationEpsilon,
		CPUDisqualifyPct:   cfg.Allocator.CPUDisqualifyPct,
		MemDisqualifyPct:   cfg.Allocator.MemDisqualifyPct,
		DiskDisqualifyPct:  cfg.Allocator.DiskDisqualifyPct,
	}, log)

	sched := scheduler.New(store.Tasks, store.Subtasks, store, alloc, cacheSvc, pub, scheduler.Config{
		Interval:   cfg.Scheduler.Interval,
		CycleGrace: cfg.Scheduler.CycleGrace,
		GlobalCap:  cfg.Scheduler.GlobalCapacity,
		MaxDrain:   cfg.Queue.MaxDrain,
		BatchSize:  cfg.Queue.BatchSize,
	}, log)
	alloc.OnSlotFree(sched.Wake)
	sched.OnCycle(func(report scheduler.CycleReport) {
		collector.CycleSeconds.Observe(report.Duration.Seconds())
		collector.Dispatched.WithLabelValues("allocated").Add(float64(report.Allocated))
		collector.Dispatched.WithLabelValues("requeued").Add(float64(report.Requeued))
		collector.Dispatched.WithLabelValues("skipped").Add(float64(report.Skipped))
	})

	engine := checkpoint.New(store, store.Checkpoints, store.Tasks, store.Subtasks, store.Corrections,
		store.Evaluations, cacheSvc, pub, store.Activity, sched, checkpoint.Config{
			ScoreThreshold:      cfg.Checkpoint.ScoreThreshold,
			Cadence:             cfg.Checkpoint.Cadence,
			SubtaskTimeout:      cfg.Checkpoint.SubtaskTimeout,
			MaxCorrectionCycles: cfg.Checkpoint.MaxCorrectionCycles,
			SweepInterval:       cfg.Checkpoint.SweepInterval,
		}, log)

	checker := health.New(store.Workers, store, store.Subtasks, cacheSvc, pub, store.Activity, sched, health.Config{
		Interval:         cfg.Registry.HealthCheckInterval,
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout,
	}, log)

	reg := registry.New(store.Workers, store.Subtasks, store.Activity, cacheSvc, pub, registry.Config{
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Registry.HeartbeatTimeout,
	}, log)

	var files *decomposer.FileStore
	if cfg.Templates.Dir != "" {
		files = decomposer.NewFileStore(cfg.Templates.Dir, log)
		if err := files.Load(); err != nil {
			log.WithError(err).WithField("dir", cfg.Templates.Dir).Warn("template directory not loaded")
			files = nil
		}
	}
	dec := decomposer.New(store.Templates, store.Subtasks, store, files, pub, store.Activity, cacheSvc, log)

	monitor := poolmon.New(poolmon.FromPgxPool(pool), poolmon.FromRedis(cacheSvc.Client()), poolmon.Config{
		WarnPct:        cfg.Pool.WarnPct,
		CriticalPct:    cfg.Pool.CriticalPct,
		RecoverPct:     cfg.Pool.RecoverPct,
		Cooldown:       cfg.Pool.Cooldown,
		SampleInterval: cfg.Pool.SampleInterval,
	}, log)
	monitor.OnTransition(func(tr poolmon.Transition) {
		go recordActivity(store, log, &models.ActivityLog{
			EntityType: "pool",
			EntityID:   "conductor",
			Action:     "pool_pressure_changed",
			Detail: map[string]any{
				"from":           string(tr.From),
				"to":             string(tr.To),
				"db_utilization": tr.Sample.DBUtilization,
			},
		})
	})
	collector.MustRegister(metrics.NewPoolCollector(func() metrics.PoolSnapshot {
		pressure, sample := monitor.Snapshot()
		return metrics.PoolSnapshot{
			Pressure:      metrics.PressureValue(string(pressure)),
			DBAcquired:    float64(sample.DB.Acquired),
			DBIdle:        float64(sample.DB.Idle),
			DBMax:         float64(sample.DB.Max),
			DBUtilization: sample.DBUtilization,
			RedisHits:     float64(sample.Redis.Hits),
			RedisMisses:   float64(sample.Redis.Misses),
			RedisTimeouts: float64(sample.Redis.Timeouts),
			RedisTotal:    float64(sample.Redis.Total),
			RedisIdle:     float64(sample.Redis.Idle),
		}
	}))

	limiter := middleware.NewRateLimiter(cacheSvc, cfg.RateLimit, log)

	wsServer := ws.New(cacheSvc, hub, store.Tasks, reg, ws.Config{
		MaxClients: cfg.Events.WSMaxClients,
		PingPeriod: cfg.Events.PingPeriod,
		PongWait:   cfg.Events.PongWait,
		MailboxTTL: cfg.Events.MailboxTTL,
	}, log)
	wsServer.OnClients(func(n int) { collector.WSClients.Set(float64(n)) })

	rt := router.New(router.Deps{
		Config:  cfg,
		Log:     log,
		Metrics: collector,
		Limiter: limiter,
		Pool:    monitor,

		Tasks:       handlers.NewTaskHandler(store.Tasks, store.Subtasks, store, dec, engine, cacheSvc, pub, store.Activity, sched, log),
		Subtasks:    handlers.NewSubtaskHandler(store.Subtasks, store.Evaluations, alloc, engine, sched, cacheSvc, log),
		Workers:     handlers.NewWorkerHandler(reg, checker, log),
		Checkpoints: handlers.NewCheckpointHandler(store.Checkpoints, engine, log),
		Templates:   handlers.NewTemplateHandler(store.Templates, log),
		Ops:         handlers.NewOpsHandler(sched, monitor, dbBreaker, cacheBreaker),
		Health:      handlers.NewHealthHandler(store, cacheSvc, version.Version),

		WS: wsServer,
	})

	log.WithFields(logrus.Fields{
		"version": version.Short(),
		"env":     cfg.Env,
		"port":    cfg.Server.Port,
	}).Info("conductor starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return checker.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	if files != nil {
		g.Go(func() error { return files.Watch(gctx) })
	}
	g.Go(rt.Start)
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return rt.Shutdown(drainCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("conductor stopped")
	return nil
}

// recordActivity writes an operational trail row outside the caller's
// request path. Failures only log; the trail is best-effort.
func recordActivity(store *database.Store, log *logrus.Logger, entry *models.ActivityLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Activity.Record(ctx, entry); err != nil {
		log.WithError(err).WithField("action", entry.Action).Debug("activity record dropped")
	}
}
