package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"payplan/internal/compensation/cache"
	"payplan/internal/compensation/events"
	"payplan/internal/compensation/handler"
	compmetrics "payplan/internal/compensation/metrics"
	"payplan/internal/compensation/ports"
	"payplan/internal/compensation/reconcile"
	"payplan/internal/compensation/service"
	"payplan/internal/compensation/store"
	"payplan/internal/platform/config"
	"payplan/internal/platform/httpserver"
	"payplan/internal/platform/logger"
	"payplan/internal/platform/metrics"
	"payplan/internal/platform/middleware"
	"payplan/internal/platform/postgres"
	platformredis "payplan/internal/platform/redis"
	"payplan/pkg/platform/circuit"
	"payplan/pkg/platform/httputil"
	"payplan/pkg/platform/middleware/request"
	"payplan/pkg/platform/retry"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal/compensation.
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("payplan stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, closeStore, err := openStore(ctx, cfg.Postgres, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(compmetrics.New(reg)),
		service.WithBinaryDepth(cfg.Plan.BinaryDepth),
		service.WithTraversalLimits(cfg.Plan.MaxNodes, cfg.Plan.MaxDepth),
		service.WithRetryPolicy(retryPolicy(cfg.Plan)),
	}

	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		opts = append(opts, service.WithCache(cache.NewRedis(redisClient,
			cache.WithTTL(cfg.Redis.CacheTTL),
			cache.WithBreaker(circuit.New("redis-cache")),
			cache.WithLogger(log),
		)))
		log.Info("dashboard cache enabled")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := events.NewKafka(events.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.Topic,
			ProduceTimeout: cfg.Kafka.ProduceTimeout,
		}, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureTopic(ctx, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
			log.Warn("could not ensure event topic", "topic", cfg.Kafka.Topic, "error", err)
		}
		opts = append(opts, service.WithPublisher(pub))
		log.Info("event publishing enabled", "topic", cfg.Kafka.Topic)
	}

	svc, err := service.New(st, opts...)
	if err != nil {
		return fmt.Errorf("build compensation service: %w", err)
	}

	if cfg.Reconcile.Schedule != "" {
		job, err := reconcile.New(svc, cfg.Reconcile.Schedule,
			reconcile.WithLogger(log),
			reconcile.WithTimeout(cfg.Reconcile.Timeout),
		)
		if err != nil {
			return err
		}
		job.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := job.Stop(stopCtx); err != nil {
				log.Warn("reconcile job did not stop cleanly", "error", err)
			}
		}()
	}

	if cfg.Server.AdminToken == "" {
		log.Warn("PAYPLAN_ADMIN_TOKEN is empty; administrative routes will reject every request")
	}

	router := newRouter(svc, reg, cfg.Server.AdminToken, log)
	return httpserver.Run(ctx, httpserver.New(cfg.Server.Addr, router), cfg.Server.ShutdownTimeout, log)
}

func openStore(ctx context.Context, cfg config.PostgresConfig, log *slog.Logger) (ports.Store, func(), error) {
	if cfg.DSN == "" {
		log.Warn("no postgres DSN configured; using the in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := store.Migrate(db.DB); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	return store.NewPostgres(db), func() { _ = db.Close() }, nil
}

func retryPolicy(cfg config.PlanConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.RetryAttempts
	return p
}

func newRouter(svc *service.Service, reg *prometheus.Registry, adminToken string, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	httpMetrics := metrics.NewHTTP(reg)

	r.Use(request.Context)
	r.Use(middleware.Recover(log))
	r.Use(middleware.AccessLog(log))
	r.Use(httpMetrics.Middleware)

	r.Handle("/metrics", metrics.Handler(reg))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := svc.Ping(ctx); err != nil {
			log.WarnContext(ctx, "health check failed", "error", err)
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	handler.New(svc, log, adminToken).Register(r)
	return r
}
