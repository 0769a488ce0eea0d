// Dispatcher drains the transactional outbox: it claims due rows, delivers
// them to the webhook sink or the policy channel, and applies the retry
// taxonomy. It also runs the lock janitor and the backlog depth gauges.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tessara/accesscore/pkg/cache"
	"github.com/tessara/accesscore/pkg/config"
	acOtel "github.com/tessara/accesscore/pkg/otel"
	"github.com/tessara/accesscore/pkg/outbox"
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
		ServiceName:    config.EnvOr("OTEL_SERVICE_NAME", "ac-dispatcher"),
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

	// ── Dispatcher ───────────────────────────────────────────────────────
	instanceID := config.EnvOr("DISPATCHER_INSTANCE_ID", "dispatcher-"+uuid.NewString()[:8])
	sink := outbox.NewWebhookTransport(
		config.EnvOr("SINK_URL", "http://localhost:8090/events"),
		os.Getenv("SINK_TOKEN"),
		config.EnvOrDuration("SINK_TIMEOUT", 10*time.Second),
	)
	disp := outbox.NewDispatcher(log, store.NewOutboxStore(pool), sink, rdb, outbox.Config{
		InstanceID:    instanceID,
		BatchSize:     config.EnvOrInt("DISPATCH_BATCH_SIZE", 100),
		LockTTL:       config.EnvOrDuration("DISPATCH_LOCK_TTL", 2*time.Minute),
		MaxAttempts:   config.EnvOrInt("DISPATCH_MAX_ATTEMPTS", 10),
		PolicyChannel: config.EnvOr("POLICY_CHANNEL", cache.DefaultPolicyChannel),
		Schedule: outbox.RetrySchedule{
			Base: config.EnvOrDuration("DISPATCH_RETRY_BASE", 2*time.Second),
			Cap:  config.EnvOrDuration("DISPATCH_RETRY_CAP", 10*time.Minute),
		},
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		disp.Run(ctx, config.EnvOrDuration("DISPATCH_INTERVAL", time.Second))
	}()
	go func() {
		defer wg.Done()
		disp.RunJanitor(ctx, config.EnvOrDuration("JANITOR_INTERVAL", 30*time.Second))
	}()
	go func() {
		defer wg.Done()
		disp.RunDepthGauges(ctx, config.EnvOrDuration("DEPTH_INTERVAL", 15*time.Second))
	}()
	log.Info("dispatcher started", "instance_id", instanceID)

	// ── Metrics + health ─────────────────────────────────────────────────
	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9091")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
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

	<-ctx.Done()
	log.Info("shutting down dispatcher")
	wg.Wait()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
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
