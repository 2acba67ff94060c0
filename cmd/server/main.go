package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/wicketx/settlement-engine/internal/account"
	"github.com/wicketx/settlement-engine/internal/api"
	"github.com/wicketx/settlement-engine/internal/config"
	"github.com/wicketx/settlement-engine/internal/deposit"
	"github.com/wicketx/settlement-engine/internal/events"
	"github.com/wicketx/settlement-engine/internal/ingest"
	"github.com/wicketx/settlement-engine/internal/jobs"
	"github.com/wicketx/settlement-engine/internal/ledger"
	"github.com/wicketx/settlement-engine/internal/limits"
	"github.com/wicketx/settlement-engine/internal/metrics"
	"github.com/wicketx/settlement-engine/internal/observability"
	"github.com/wicketx/settlement-engine/internal/referral"
	"github.com/wicketx/settlement-engine/internal/secrets"
	"github.com/wicketx/settlement-engine/internal/settlement"
	"github.com/wicketx/settlement-engine/internal/store"
)

const serviceName = "settlement-engine"

func main() {
	if err := run(); err != nil {
		slog.Error("settlement-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("settlement-engine stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel, serviceName, cfg.AppEnv)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		poolCfg.MaxConns = cfg.DBMaxConns
		poolCfg.MinConns = cfg.DBMinConns
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		logger.Info("connected to PostgreSQL")

		if cfg.MigrateOnStart {
			if err := store.NewMigrator(pool, logger).Up(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = store.NewPostgresStore(pool)

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Background workers ---
	// Workers stop only after the HTTP server has drained.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker stopped", "worker", name, "err", err)
			}
		}()
	}

	// --- Event sinks ---
	hub := events.NewWSHub(logger)
	spawn("ws-hub", func(ctx context.Context) error { hub.Run(ctx); return nil })
	publishers := events.Multi{hub}

	var js jetstream.JetStream
	if cfg.NATSURL != "" {
		var nc *nats.Conn
		nc, js, err = ingest.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		if err := events.EnsureStream(ctx, js); err != nil {
			return err
		}
		if err := ingest.EnsureStream(ctx, js); err != nil {
			return err
		}
		natsPub := events.NewNATSPublisher(js, logger)
		spawn("nats-publisher", natsPub.Run)
		publishers = append(publishers, natsPub)
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { kafkaPub.Close() })
		spawn("kafka-publisher", kafkaPub.Run)
		publishers = append(publishers, kafkaPub)
		logger.Info("Kafka publisher enabled", "topic", cfg.KafkaTopic)
	}

	// --- Domain services ---
	rates, err := referral.ParseRates(cfg.ReferralLevelRates)
	if err != nil {
		return fmt.Errorf("REFERRAL_LEVEL_RATES: %w", err)
	}
	led := ledger.New(st, logger)
	dist := referral.NewDistributor(led, rates, logger)
	limiter := limits.NewStakeLimiter(cfg.MaxStake, cfg.MaxOpenExposure)
	engine := settlement.NewEngine(led, dist, limiter, publishers, logger)
	guard := deposit.NewGuard(led, nil, publishers, logger)
	accounts := account.NewService(led, dist, logger)

	var consumer *ingest.Consumer
	if js != nil {
		consumer = ingest.NewConsumer(js, guard, logger)
	}

	// --- Jobs ---
	runner := jobs.New(ctx, logger)
	if err := runner.Add("settlement-recovery", cfg.RecoverySchedule, jobs.Recovery(engine, logger)); err != nil {
		return fmt.Errorf("RECOVERY_SCHEDULE: %w", err)
	}
	if err := runner.Add("reconcile", cfg.ReconcileSchedule, jobs.Reconcile(led, logger)); err != nil {
		return fmt.Errorf("RECONCILE_SCHEDULE: %w", err)
	}

	// Finish settlements interrupted by the previous shutdown before serving.
	if _, err := engine.Recover(ctx); err != nil {
		logger.Error("startup recovery incomplete", "err", err)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	api.New(api.Deps{
		Engine:   engine,
		Ledger:   led,
		Guard:    guard,
		Accounts: accounts,
		Hub:      hub,
		Secrets:  secrets.NewEnvProvider(cfg.SecretsPrefix),
		Logger:   logger,
	}).Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("settlement-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if consumer != nil {
		if err := consumer.Start(ctx); err != nil {
			return err
		}
	}
	runner.Start()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down settlement-engine...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if consumer != nil {
		consumer.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	runner.Stop()
	stopWorkers()
	wg.Wait()
	return nil
}
