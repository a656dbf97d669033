package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/vantage-erp/vantage/internal/app"
	"github.com/vantage-erp/vantage/internal/documents"
	jobmetrics "github.com/vantage-erp/vantage/internal/jobs"
	"github.com/vantage-erp/vantage/internal/ledger"
	"github.com/vantage-erp/vantage/internal/locks"
	"github.com/vantage-erp/vantage/internal/mappings"
	"github.com/vantage-erp/vantage/internal/outbox"
	"github.com/vantage-erp/vantage/internal/platform/cache"
	"github.com/vantage-erp/vantage/internal/platform/db"
	"github.com/vantage-erp/vantage/internal/platform/messaging"
	"github.com/vantage-erp/vantage/internal/shared"
	"github.com/vantage-erp/vantage/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The worker cannot run degraded: the queue and the cross-instance
	// lease both live in redis.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	// Rebuilds run through the same service path as submissions so they
	// hold the same locks and row-level serialization.
	guard := locks.Chain{
		locks.NewKeyed(cfg.LockTimeout),
		locks.NewLease(redisClient, cfg.LockLeaseTTL, cfg.LockTimeout),
	}
	store := documents.NewPgStore(pool)
	loader := mappings.NewRepository(pool)
	auditLogger := shared.NewAuditLogger(pool)
	service := documents.NewService(store, loader, guard, nil, auditLogger, logger)

	metrics := jobmetrics.NewMetrics(nil)

	reconciler, err := jobs.NewReconciler(service, cfg.ReconcilePoolSize, cfg.ReconcileBatchSize, metrics, logger)
	if err != nil {
		logger.Error("init reconciler", slog.Any("error", err))
		os.Exit(1)
	}
	defer reconciler.Close()

	integrity := jobs.NewIntegrityChecker(ledger.NewPgStore(pool), cfg.IntegrityBatchSize, 8, metrics, logger)

	if cfg.KafkaBrokers != "" {
		producer, err := messaging.NewProducer(ctx, logger, messaging.Config{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			WriteTimeout: cfg.KafkaWriteTimeout,
		})
		if err != nil {
			logger.Error("init kafka producer", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("producer close", slog.Any("error", err))
			}
		}()
		poller := outbox.NewPoller(outbox.NewPgStore(pool), producer, logger,
			cfg.OutboxPollInterval, cfg.OutboxBatchSize, cfg.OutboxMaxAttempts)
		go poller.Start(ctx)
	} else {
		logger.Info("kafka brokers not configured, outbox publishing disabled")
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskValuationReconcile, Handler: reconciler.HandleReconcile},
			{Type: jobs.TaskValuationSweep, Handler: reconciler.HandleSweep},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrity.HandleIntegrity},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/5 * * * *", Task: jobs.NewSweepTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: jobs.NewIntegrityTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
