package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"portal_care_backend/internal/care"
	"portal_care_backend/internal/care/audit"
	carerepo "portal_care_backend/internal/care/repository"
	"portal_care_backend/internal/care/state"
	"portal_care_backend/internal/care/workflow"
	"portal_care_backend/internal/events"
	apphttp "portal_care_backend/internal/http"
	"portal_care_backend/internal/http/router"
	"portal_care_backend/internal/scheduler"
	"portal_care_backend/internal/tenantevents"
	"portal_care_backend/internal/triggers/detectors"
	triggerrepo "portal_care_backend/internal/triggers/repository"
	"portal_care_backend/internal/triggers/suggestions"
	"portal_care_backend/migrations"
	"portal_care_backend/platform/ai/moonshot"
	"portal_care_backend/platform/config"
	"portal_care_backend/platform/db"
	"portal_care_backend/platform/lock"
	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting trigger worker", "env", cfg.Env, "enabled", cfg.IsTriggerWorkerEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	if cfg.MigrationsOnBoot {
		if err := db.RunMigrations(ctx, pool, migrations.FS); err != nil {
			log.Error("failed to run migrations", "error", err)
			panic("failed to run migrations: " + err.Error())
		}
	}

	m := metrics.New()
	eventBus := events.NewInMemoryBus(log)
	checks := map[string]apphttp.HealthChecker{"postgres": pool}

	var locker lock.Locker = lock.Noop{}
	if cfg.IsRedisEnabled() {
		opt, err := redis.ParseURL(cfg.GetRedisURL())
		if err != nil {
			panic("invalid redis url: " + err.Error())
		}
		rdb := redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
		locker = lock.NewRedisLocker(rdb, "care:lock:")
		checks["redis"] = redisPinger{rdb}
	}

	careRepo := carerepo.New(pool)
	triggerRepo := triggerrepo.New(pool)

	resolver := workflow.NewConfigResolver(careRepo, workflow.DefaultsFromConfig(cfg, cfg), log)
	sender := workflow.NewClient(cfg.GetWebhookRatePerSecond(), log, m)

	tenantEvents := tenantevents.New(pool, sender, log.WithComponent("tenant_events"))
	tenantEvents.RegisterHandlers(eventBus)

	var dispatcher workflow.Dispatcher = workflow.NewInlineDispatcher(resolver, sender)
	if cfg.IsRedisEnabled() {
		client, err := scheduler.NewClient(cfg, resolver)
		if err != nil {
			log.Error("failed to initialize delivery queue", "error", err)
			panic("failed to initialize delivery queue: " + err.Error())
		}
		defer func() { _ = client.Close() }()
		dispatcher = client

		outboxDispatcher, err := scheduler.NewTenantEventOutboxDispatcher(cfg, pool, log.WithComponent("outbox_dispatcher"))
		if err != nil {
			log.Error("failed to initialize outbox dispatcher", "error", err)
			panic("failed to initialize outbox dispatcher: " + err.Error())
		}
		defer func() { _ = outboxDispatcher.Close() }()
		go outboxDispatcher.Run(ctx)

		worker, err := scheduler.NewWorker(cfg, resolver, sender, eventBus, log.WithComponent("delivery_worker"))
		if err != nil {
			log.Error("failed to initialize delivery worker", "error", err)
			panic("failed to initialize delivery worker: " + err.Error())
		}
		go worker.Run(ctx)
	} else {
		log.Warn("redis not configured; webhooks are delivered inline and the tenant event outbox is not drained")
	}

	cleanup := scheduler.NewOutboxCleanup(pool, log.WithComponent("outbox_cleanup"),
		getDurationEnv("TENANT_EVENT_OUTBOX_CLEANUP_INTERVAL", time.Hour),
		time.Duration(getPositiveIntEnv("TENANT_EVENT_OUTBOX_SUCCEEDED_RETENTION_DAYS", 14))*24*time.Hour,
		time.Duration(getPositiveIntEnv("TENANT_EVENT_OUTBOX_FAILED_RETENTION_DAYS", 30))*24*time.Hour,
	)
	go cleanup.Run(ctx)

	var careProcessor scheduler.CareProcessor
	if cfg.IsCareEnabled() {
		table, err := loadTable(cfg.GetCareTransitionsFile())
		if err != nil {
			log.Error("failed to load transition table", "error", err)
			panic("failed to load transition table: " + err.Error())
		}
		emitter := audit.New(log, m, audit.NewLogSink(log), audit.NewStoreSink(careRepo))
		careProcessor = care.NewPipeline(care.Deps{
			Engine:     state.NewEngine(table),
			Store:      careRepo,
			Links:      triggerRepo,
			Gate:       state.NewGate(resolver, cfg.GetCareAutonomyDefault(), log),
			Audit:      emitter,
			Configs:    resolver,
			Dispatcher: dispatcher,
			Events:     eventBus,
			Log:        log,
			Metrics:    m,
		}, care.Options{AppBaseURL: cfg.GetAppBaseURL()})
	}

	var proposer suggestions.Proposer
	if cfg.IsLLMSuggestionsEnabled() {
		proposer = suggestions.NewLLMProposer(moonshot.NewModel(moonshot.Config{
			APIKey: cfg.GetMoonshotAPIKey(),
			Model:  cfg.GetMoonshotModel(),
		}))
	}
	manager := suggestions.NewManager(triggerRepo, proposer, tenantEvents, suggestions.Options{
		Cooldown:   cfg.GetSuggestionCooldown(),
		TTL:        cfg.GetSuggestionTTL(),
		LLMTimeout: cfg.GetLLMTimeout(),
	}, log, m)

	triggerWorker := scheduler.NewTriggerWorker(scheduler.TriggerWorkerDeps{
		Tenants: triggerRepo,
		Detectors: detectors.All(triggerRepo, detectors.Windows{
			LeadStagnantDays:  cfg.GetLeadStagnantDays(),
			DealDecayDays:     cfg.GetDealDecayDays(),
			HotWindowDays:     cfg.GetHotOpportunityWindowDays(),
			HotMinProbability: cfg.GetHotOpportunityMinProbability(),
			Limit:             cfg.GetDetectorLimit(),
		}, nil, log, m),
		Suggestions: manager,
		Care:        careProcessor,
		Locker:      locker,
		Log:         log,
		Metrics:     m,
	}, scheduler.TriggerWorkerOptions{
		Enabled:           cfg.IsTriggerWorkerEnabled(),
		Interval:          cfg.GetTriggerPollInterval(),
		TenantConcurrency: cfg.GetTenantConcurrency(),
		TenantLockTTL:     cfg.GetTenantLockTTL(),
	})
	if !triggerWorker.Start(ctx) {
		log.Info("trigger worker disabled; serving ops endpoints only")
	}

	srv := &http.Server{
		Addr: cfg.GetOpsAddr(),
		Handler: router.New(&apphttp.App{
			Logger:  log.WithComponent("ops_http"),
			Metrics: m,
			Checks:  checks,
			Worker:  triggerWorker,
			History: careRepo,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down trigger worker")

	triggerWorker.Stop()
	eventBus.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server shutdown failed", "error", err)
	}
}

func loadTable(path string) (*state.Table, error) {
	if strings.TrimSpace(path) == "" {
		return state.DefaultTable()
	}
	return state.LoadTable(path)
}

type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}

func getPositiveIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}

	return parsed
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}

	return parsed
}
