package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/backoffice/api"
	"github.com/pitabwire/backoffice/internal/capability"
	"github.com/pitabwire/backoffice/internal/config"
	"github.com/pitabwire/backoffice/internal/lending"
	"github.com/pitabwire/backoffice/internal/observability"
	"github.com/pitabwire/backoffice/internal/onboarding"
	"github.com/pitabwire/backoffice/internal/openapi"
	"github.com/pitabwire/backoffice/internal/session"
	"github.com/pitabwire/backoffice/internal/transport"
)

func serve(ctx context.Context, cfg *config.Config) error {
	// Step 1: Initialize telemetry (logger, tracer, metrics).
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "backoffice", version)
	if err != nil {
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Index the lending API contract and build the client.
	idx, err := loadContract(cfg.Lending, metrics)
	if err != nil {
		return err
	}
	lendingAPI, err := lending.NewClient(idx, cfg.Lending,
		lending.WithMetrics(metrics),
		lending.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	// Step 3: Initialize capability resolver.
	caps, err := buildCapabilityResolver(cfg.Capability, metrics)
	if err != nil {
		return err
	}

	// Step 4: Open the session store and in-flight guard.
	store, guard, closeStore, err := buildSessionStore(ctx, cfg.Session, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Step 5: Build the onboarding engine and start the idle sweeper.
	engine := onboarding.NewEngine(store, guard, lendingAPI, caps,
		onboarding.WithMetrics(metrics),
		onboarding.WithLogger(logger),
		onboarding.WithIdleTTL(cfg.Session.IdleTTL),
	)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	if cfg.Session.SweepInterval > 0 {
		go engine.RunSweeper(bgCtx, cfg.Session.SweepInterval)
	}

	// Step 6: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		ContractLoaded: func() bool { return len(idx.AllOperationIDs(lending.ServiceID)) > 0 },
		InFlightGuard:  guard,
		LendingCircuit: lendingAPI,
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.SessionStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Metrics:      metrics,
		Readiness:    readiness,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 7: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("session_driver", cfg.Session.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// loadContract indexes the lending API contract, embedded unless
// cfg.SpecFile names a replacement.
func loadContract(cfg config.LendingConfig, metrics *observability.Metrics) (*openapi.Index, error) {
	src := openapi.SpecSource{
		ServiceID: lending.ServiceID,
		BaseURL:   cfg.BaseURL,
		Data:      api.LendingSpec,
	}
	if cfg.SpecFile != "" {
		src.Data = nil
		src.SpecPath = cfg.SpecFile
	}

	idx := openapi.NewIndex()
	if err := idx.Load([]openapi.SpecSource{src}); err != nil {
		return nil, fmt.Errorf("lending contract: %w", err)
	}
	if err := idx.Require(lending.ServiceID, lending.Operations...); err != nil {
		return nil, fmt.Errorf("lending contract: %w", err)
	}
	metrics.SetOpenAPIOperationsIndexed(lending.ServiceID, float64(len(idx.AllOperationIDs(lending.ServiceID))))
	return idx, nil
}

// buildCapabilityResolver creates the resolver over the static role policy.
func buildCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, error) {
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	return capability.NewResolver(evaluator, cfg.Cache.TTL).WithMetrics(metrics), nil
}

// buildSessionStore opens the configured session store and a matching
// in-flight guard. The returned closer releases any connections.
func buildSessionStore(
	ctx context.Context,
	cfg config.SessionConfig,
	logger *zap.Logger,
) (session.Store, session.Guard, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Info("using in-memory session store")
		return session.NewMemoryStore(), session.NewMemoryGuard(cfg.InFlightTTL), func() {}, nil

	case config.DriverRedis:
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("session store: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("session store: ping redis: %w", err)
		}
		closer := func() { _ = client.Close() }
		return session.NewRedisStore(client, cfg.Redis.KeyPrefix),
			session.NewRedisGuard(client, cfg.Redis.KeyPrefix, cfg.InFlightTTL), closer, nil

	case config.DriverPostgres:
		dsn := os.Getenv(cfg.Postgres.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("session store: %s environment variable not set", cfg.Postgres.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("session store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Postgres.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("session store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("session store: ping: %w", err)
		}

		store := session.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		// The guard is process-local. Writers on other replicas are
		// rejected by Update's version check.
		return store, session.NewMemoryGuard(cfg.InFlightTTL), pool.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported session store driver: %q", cfg.Driver)
	}
}
