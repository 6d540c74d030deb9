// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Command gateway runs the ModelGate inference gateway: the HTTP front
// end, the orchestrator engine, and the provider catalog.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"modelgate/gateway/gateway"
	"modelgate/gateway/orchestrator"
	"modelgate/gateway/orchestrator/async"
	"modelgate/gateway/orchestrator/audit"
	"modelgate/gateway/orchestrator/breaker"
	"modelgate/gateway/orchestrator/llm"
	"modelgate/gateway/orchestrator/quota"
	"modelgate/gateway/orchestrator/router"
	"modelgate/gateway/providers/openaicompat"
	"modelgate/gateway/shared/config"
	"modelgate/gateway/shared/logger"
	"modelgate/gateway/shared/metrics"
)

func main() {
	configPath := flag.String("config", os.Getenv("MODELGATE_CONFIG"), "path to gateway.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New("gateway")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs quota windows, job storage and idempotency keys when
	// configured; everything falls back to in-memory otherwise.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(ropts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
	}

	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		if err := audit.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("ensure audit schema: %w", err)
		}
	}

	registryOpts := []llm.RegistryOption{
		llm.WithProbeTimeout(cfg.ProbeTimeout()),
		llm.WithProviderFactory(providerFactory),
	}
	if db != nil {
		registryOpts = append(registryOpts, llm.WithProviderSource(llm.NewPostgresCatalog(db)))
	}
	registry := llm.NewRegistry(registryOpts...)

	var quotaStore quota.Store
	if redisClient != nil {
		quotaStore = quota.NewRedisStore(redisClient)
	} else {
		quotaStore = quota.NewMemoryStore()
	}

	asyncOpts := []async.ManagerOption{
		async.WithQueueCapacity(cfg.Async.QueueCapacity),
		async.WithJobTTL(cfg.JobTTL()),
	}
	if cfg.Async.Workers > 0 {
		asyncOpts = append(asyncOpts, async.WithWorkers(cfg.Async.Workers))
	}
	if redisClient != nil {
		asyncOpts = append(asyncOpts, async.WithJobStore(async.NewRedisJobStore(redisClient, cfg.JobTTL())))
	}

	var sink audit.Sink = audit.NewLogSink(nil)
	if db != nil {
		sink = audit.MultiSink{sink, audit.NewPostgresSink(db)}
	}

	prom := metrics.New()

	engine, err := orchestrator.New(
		orchestrator.WithRegistry(registry),
		orchestrator.WithStrategy(router.StrategyName(cfg.Router.Strategy), cfg.Router.Weights),
		orchestrator.WithAuditSink(sink),
		orchestrator.WithMetrics(prom),
		orchestrator.WithMaxAttempts(cfg.Orchestrator.MaxAttempts),
		orchestrator.WithFirstByteTimeout(cfg.FirstByteTimeout()),
		orchestrator.WithBackoff(cfg.BackoffInitial(), cfg.BackoffMax()),
		orchestrator.WithBreakerOptions(
			breaker.WithFailureThreshold(cfg.Circuit.FailureThreshold),
			breaker.WithHalfOpenAfter(cfg.HalfOpenAfter()),
		),
		orchestrator.WithQuota(quotaStore, cfg.Quota.DefaultPerMinute, cfg.Quota.TenantLimits),
		orchestrator.WithHealthInterval(cfg.HealthInterval()),
		orchestrator.WithAsyncOptions(asyncOpts...),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	prom.RegisterQueueDepth(func() float64 {
		return float64(engine.QueueStats().QueueSize)
	})

	// Static providers from the config file register first, then the
	// database catalog fills in the rest.
	if err := registerStaticProviders(ctx, registry, cfg); err != nil {
		return err
	}
	if added, err := registry.Discover(ctx); err != nil {
		log.Warn("", "", "provider discovery failed", map[string]any{"error": err.Error()})
	} else if added > 0 {
		log.Info("", "", "providers discovered", map[string]any{"count": added})
	}
	if registry.Count() == 0 {
		log.Warn("", "", "no providers registered; all inference will fail", nil)
	}

	engine.Start(ctx)
	defer engine.Close(context.Background())

	serverOpts := []gateway.Option{
		gateway.WithHTTPMetrics(prom),
		gateway.WithServerLogger(log),
	}
	if cfg.Auth.Enabled {
		serverOpts = append(serverOpts, gateway.WithAuth([]byte(cfg.Auth.JWTSecret)))
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		serverOpts = append(serverOpts, gateway.WithAllowedOrigins(cfg.Server.AllowedOrigins))
	}
	if redisClient != nil {
		serverOpts = append(serverOpts, gateway.WithIdempotencyStore(gateway.NewRedisIdempotencyStore(redisClient)))
	}
	srv := gateway.NewServer(engine, serverOpts...)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("", "", "shutting down", map[string]any{"grace": cfg.ShutdownGrace().String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// providerFactory instantiates providers discovered from the catalog.
func providerFactory(cfg llm.Config) (llm.Provider, error) {
	switch cfg.Driver {
	case openaicompat.Driver, "":
		return openaicompat.New(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unknown provider driver %q", cfg.Driver)
	}
}

// registerStaticProviders registers the providers declared in the
// config file.
func registerStaticProviders(ctx context.Context, registry *llm.Registry, cfg *config.Config) error {
	for _, pc := range cfg.Providers {
		p := openaicompat.New(pc.ID)
		providerCfg := llm.Config{
			Name:     pc.Name,
			Driver:   openaicompat.Driver,
			Endpoint: pc.BaseURL,
			Models:   pc.Models,
			Pool:     llm.Pool(pc.Pool),
			Enabled:  true,
		}
		if pc.APIKeyEnv != "" {
			providerCfg.APIKey = os.Getenv(pc.APIKeyEnv)
		}
		if err := p.Initialize(ctx, providerCfg); err != nil {
			return fmt.Errorf("initialize provider %s: %w", pc.ID, err)
		}
		if err := registry.Register(ctx, p); err != nil {
			return fmt.Errorf("register provider %s: %w", pc.ID, err)
		}
	}
	return nil
}
