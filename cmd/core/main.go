// Core is the access-control API: it registers attempts, evaluates the rule
// engine, applies command outcome callbacks, and administers rules. It also
// runs the per-node policy invalidation subscriber.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tessara/accesscore/pkg/access"
	"github.com/tessara/accesscore/pkg/auth"
	"github.com/tessara/accesscore/pkg/cache"
	"github.com/tessara/accesscore/pkg/config"
	"github.com/tessara/accesscore/pkg/engine"
	"github.com/tessara/accesscore/pkg/events"
	acOtel "github.com/tessara/accesscore/pkg/otel"
	"github.com/tessara/accesscore/pkg/store"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ── OpenTelemetry ────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelShutdown, err := acOtel.Setup(ctx, acOtel.Config{
		ServiceName:    config.EnvOr("OTEL_SERVICE_NAME", "ac-core"),
		ServiceVersion: config.EnvOr("SERVICE_VERSION", "dev"),
		OTLPEndpoint:   otelEndpoint,
		MetricsEnabled: true,
		TracingEnabled: otelEndpoint != "",
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer otelShutdown(context.Background()) //nolint:errcheck // best-effort shutdown
	}

	// ── Postgres ─────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, buildPostgresDSN())
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// ── Redis ────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.EnvOr("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()

	// ── Dependencies ─────────────────────────────────────────────────────
	outboxStore := store.NewOutboxStore(pool)
	accessStore := store.NewAccessStore(pool, outboxStore)
	ruleStore := store.NewRuleStore(pool, outboxStore)
	registry := events.NewRegistry()
	keyStore := auth.NewKeyStore(os.Getenv("API_KEYS"))

	// The reason catalog must carry the fallback code before traffic flows.
	if err := ruleStore.EnsureCatalog(ctx); err != nil {
		log.Error("reason catalog check failed", "error", err)
		os.Exit(1)
	}

	candidates, err := cache.NewCandidateCache(ruleStore,
		int64(config.EnvOrInt("CANDIDATE_CACHE_ENTRIES", 10_000)),
		config.EnvOrDuration("CANDIDATE_CACHE_TTL", 10*time.Minute))
	if err != nil {
		log.Error("candidate cache init failed", "error", err)
		os.Exit(1)
	}

	zones := engine.NewStoreZoneProvider(ruleStore, config.EnvOrDuration("ZONE_CACHE_TTL", time.Hour))
	eng := engine.New(candidates, zones)
	fanout := events.NewFanout(log, cache.NewLocalInvalidator(candidates))
	svc := access.NewService(log, accessStore, ruleStore, eng, registry, fanout)
	handlers := access.NewHandlers(log, svc, ruleStore, outboxStore, registry,
		config.EnvOrInt("RATE_LIMIT_PER_ORG", 100))

	// ── Invalidation subscriber ──────────────────────────────────────────
	policyChannel := config.EnvOr("POLICY_CHANNEL", cache.DefaultPolicyChannel)
	subscriber := cache.NewSubscriber(rdb, policyChannel, candidates, log)
	go func() {
		if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("policy subscriber stopped", "error", err)
			cancel()
		}
	}()

	// ── Router ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	handlers.RegisterRoutes(r, auth.APIKeyAuth(keyStore))

	// ── Metrics (internal) ───────────────────────────────────────────────
	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9090")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	// ── Server ───────────────────────────────────────────────────────────
	addr := config.EnvOr("CORE_ADDR", ":8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("core starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down core")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}

func buildPostgresDSN() string {
	sslmode := config.EnvOr("POSTGRES_SSLMODE", "disable")
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(config.EnvOr("POSTGRES_USER", "accesscore"), config.EnvOr("POSTGRES_PASSWORD", "changeme")),
		Host:     net.JoinHostPort(config.EnvOr("POSTGRES_HOST", "localhost"), config.EnvOr("POSTGRES_PORT", "5432")),
		Path:     config.EnvOr("POSTGRES_DB", "accesscore"),
		RawQuery: "sslmode=" + url.QueryEscape(sslmode),
	}
	return u.String()
}
