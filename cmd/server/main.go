package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"rentkyc/internal/platform/config"
	"rentkyc/internal/platform/httpserver"
	"rentkyc/internal/platform/logger"
	platformmetrics "rentkyc/internal/platform/metrics"
	"rentkyc/internal/platform/postgres"
	platformredis "rentkyc/internal/platform/redis"
	ratelimit "rentkyc/internal/ratelimit/middleware"
	"rentkyc/internal/ratelimit/store/bucket"
	"rentkyc/internal/verification/handler"
	vmetrics "rentkyc/internal/verification/metrics"
	"rentkyc/internal/verification/provider"
	"rentkyc/internal/verification/provider/fake"
	"rentkyc/internal/verification/provider/surepass"
	"rentkyc/internal/verification/service"
	"rentkyc/internal/verification/store"
	"rentkyc/internal/verification/sweeper"
	"rentkyc/pkg/platform/audit"
	"rentkyc/pkg/platform/audit/publisher"
	auditmemory "rentkyc/pkg/platform/audit/store/memory"
	auditpostgres "rentkyc/pkg/platform/audit/store/postgres"
	"rentkyc/pkg/platform/circuit"
)

const auditBufferSize = 1024

// main wires dependencies, serves HTTP and runs the background sweeper until
// SIGINT or SIGTERM. Business logic lives in internal packages.
func main() {
	cfg, err := config.FromEnv(".")
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	verificationMetrics := vmetrics.New(reg)
	httpMetrics := platformmetrics.New(reg)
	checks := map[string]HealthChecker{}

	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	var (
		sessions  service.Store
		limiter   service.StartLimiter
		ipBackend ratelimit.Limiter
	)
	ipFallback := bucket.NewInMemoryBucketStore()
	pruners := []sweeper.Option{sweeper.WithPruner("ratelimit-fallback", ipFallback)}
	if redisClient != nil {
		defer redisClient.Close()
		sessions = store.NewRedis(redisClient.Client, cfg.Verification.Retention,
			store.WithLatencyObserver(verificationMetrics))
		redisBuckets := bucket.NewRedisBucketStore(redisClient.Client)
		limiter, ipBackend = redisBuckets, redisBuckets
		checks["redis"] = redisClient.Health
		log.Info("using redis session store")
	} else {
		sessions = store.NewInMemoryStore(store.WithRetention(cfg.Verification.Retention))
		memBuckets := bucket.NewInMemoryBucketStore()
		limiter, ipBackend = memBuckets, memBuckets
		pruners = append(pruners, sweeper.WithPruner("buckets", memBuckets))
		log.Info("using in-memory session store")
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	auditStore, err := newAuditStore(ctx, db, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		checks["postgres"] = db.PingContext
	}
	auditPublisher := publisher.NewPublisher(auditStore,
		publisher.WithAsyncBuffer(auditBufferSize),
		publisher.WithLogger(log),
	)
	defer auditPublisher.Close()

	svc, err := service.New(sessions, newProvider(cfg, log),
		service.WithLogger(log),
		service.WithMetrics(verificationMetrics),
		service.WithAuditPublisher(auditPublisher),
		service.WithStartLimiter(limiter),
		service.WithConfig(service.Config{
			MaxAttempts:    cfg.Verification.MaxAttempts,
			MaxResends:     cfg.Verification.MaxResends,
			SessionTTL:     cfg.Verification.SessionTTL,
			ResendCooldown: cfg.Verification.ResendCooldown,
			StartLimit:     cfg.Verification.StartLimit,
			StartWindow:    cfg.Verification.StartWindow,
			CallLease:      callLease(cfg.Provider.Timeout),
		}),
	)
	if err != nil {
		return err
	}

	ipLimiter := ratelimit.New(ipBackend, cfg.Verification.IPLimit, cfg.Verification.IPWindow,
		ratelimit.WithLogger(log),
		ratelimit.WithBreaker(circuit.New("ratelimit")),
		ratelimit.WithFallback(ipFallback),
	)
	router := newRouter(cfg.Server, log, reg, httpMetrics, handler.New(svc, log), ipLimiter.PerIP("verification"), checks)
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting verification gateway", "addr", cfg.Server.Addr, "provider", cfg.Provider.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		opts := append([]sweeper.Option{
			sweeper.WithInterval(cfg.Verification.SweepInterval),
			sweeper.WithLogger(log),
		}, pruners...)
		return sweeper.New(svc, opts...).Run(gctx)
	})

	return g.Wait()
}

// callLease outlasts a provider call including one retry of the surrounding
// request.
func callLease(providerTimeout time.Duration) time.Duration {
	return 3 * providerTimeout
}

// newProvider selects the adapter. Missing Surepass credentials do not stop
// the server: every start request answers config_error instead.
func newProvider(cfg config.Config, log *slog.Logger) provider.Provider {
	if cfg.Provider.Mode == config.ProviderModeFake {
		log.Warn("using fake identity provider; never enable in production")
		return fake.New()
	}
	if cfg.MissingProviderKey() {
		log.Error("SUREPASS_API_KEY is not set; start requests will answer config_error")
		return provider.Unconfigured(surepass.ErrMissingAPIKey)
	}

	client, err := surepass.New(cfg.Provider.SurepassAPIKey,
		surepass.WithBaseURL(cfg.Provider.SurepassBaseURL),
		surepass.WithTimeout(cfg.Provider.Timeout),
		surepass.WithBreaker(circuit.New(surepass.ProviderID)),
		surepass.WithLogger(log),
	)
	if err != nil {
		log.Error("identity provider is not configured", "error", err)
		return provider.Unconfigured(err)
	}
	return client
}

func newAuditStore(ctx context.Context, db *sql.DB, log *slog.Logger) (audit.Store, error) {
	if db == nil {
		log.Info("using in-memory audit store")
		return auditmemory.NewInMemoryStore(), nil
	}
	pg := auditpostgres.New(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	log.Info("using postgres audit store")
	return pg, nil
}
