// Command secored serves the ninaivalaigal access-control core: ACL
// evaluation, sharing mutations, and the config health surface.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ninaivalaigal/secore/pkg/acl"
	"github.com/ninaivalaigal/secore/pkg/api"
	"github.com/ninaivalaigal/secore/pkg/audit"
	"github.com/ninaivalaigal/secore/pkg/config"
	"github.com/ninaivalaigal/secore/pkg/idempotency"
	"github.com/ninaivalaigal/secore/pkg/observability"
	"github.com/ninaivalaigal/secore/pkg/tiers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// A process with an invalid security posture must not serve traffic.
	if err := cfg.Validate(); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Environment = cfg.Environment
	obsCfg.Enabled = os.Getenv("OTEL_SDK_DISABLED") != "true"
	obsCfg.Insecure = !cfg.IsProduction()
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		obsCfg.OTLPEndpoint = ep
	}
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	guardCfg, err := config.LoadGuardProfile(os.Getenv("GUARD_PROFILES_DIR"), cfg.GuardProfile)
	if err != nil {
		return err
	}
	guard, err := observability.NewLabelGuard(guardCfg, provider.Meter(), logger)
	if err != nil {
		return err
	}

	store := acl.NewMemoryStore()
	var cache acl.Cache
	if redisClient != nil {
		cache = acl.NewRedisCache(redisClient, 5*time.Minute, logger)
	}

	missing := acl.MissingDeny
	if cfg.ACLMissingPolicy == "synthesize" {
		missing = acl.MissingSynthesize
	}
	engine := acl.NewEngine(store, audit.NewStore(), acl.Options{
		Cache:    cache,
		Sink:     audit.NewLogger(),
		Missing:  missing,
		Recorder: decisionRecorder{provider},
		Logger:   logger,
	})

	idemStore, closeIdem, err := buildIdempotencyStore(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer closeIdem()

	// NewApp installs the bearer-JWT provider from the config's key material.
	app := api.NewApp(cfg, engine)
	app.Guard = guard
	app.Classifier = tiers.NewClassifier()
	app.TierPolicy = tiers.NewPolicy(tiers.DataTier(cfg.FailClosedTierThreshold), 0, logger)
	app.IdemStore = idemStore
	app.Limiter = api.NewGlobalRateLimiter(100, 200)
	app.Logger = logger.With("component", "api")

	addr := ":" + getenv("PORT", "8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "environment", cfg.Environment)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildIdempotencyStore prefers redis, then postgres, then in-process memory.
func buildIdempotencyStore(cfg *config.SecurityConfig, redisClient *redis.Client, logger *slog.Logger) (idempotency.Storer, func(), error) {
	if redisClient != nil {
		return idempotency.NewRedisStore(redisClient, cfg.IdempotencyTTL, logger), func() {}, nil
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			return nil, nil, err
		}
		store := idempotency.NewPostgresStore(db, cfg.IdempotencyTTL, logger)
		if err := store.Migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	}
	mem := idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	return mem, func() { mem.Close() }, nil
}

// decisionRecorder adapts the otel provider to the engine's recorder hook.
type decisionRecorder struct {
	provider *observability.Provider
}

func (r decisionRecorder) RecordDecision(ctx context.Context, granted bool, duration time.Duration) {
	r.provider.RecordDecision(ctx, granted, duration,
		attribute.String("service", "secore"),
	)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
