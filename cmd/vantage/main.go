package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/vantage-erp/vantage/internal/app"
	"github.com/vantage-erp/vantage/internal/documents"
	"github.com/vantage-erp/vantage/internal/locks"
	"github.com/vantage-erp/vantage/internal/mappings"
	"github.com/vantage-erp/vantage/internal/observability"
	"github.com/vantage-erp/vantage/internal/platform/cache"
	"github.com/vantage-erp/vantage/internal/platform/db"
	"github.com/vantage-erp/vantage/internal/shared"
	"github.com/vantage-erp/vantage/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	if err := db.RunMigrations(cfg.PGDSN, cfg.MigrationsPath); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var (
		redisClient *redis.Client
		redisUp     bool
	)
	if client, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis unavailable, queue and lease disabled", slog.Any("error", err))
	} else {
		redisClient = client
		redisUp = true
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	// Per-document exclusion: in-process keyed mutex, extended by a redis
	// lease when redis is reachable so two instances never post the same
	// document twice.
	var guard locks.Guard = locks.NewKeyed(cfg.LockTimeout)
	if redisUp {
		guard = locks.Chain{
			guard,
			locks.NewLease(redisClient, cfg.LockLeaseTTL, cfg.LockTimeout),
		}
	}

	observers := documents.NewObserverRegistry(logger)
	if cfg.PostingWindowDays > 0 {
		if err := observers.Register(documents.NewPostingWindowObserver(cfg.PostingWindowDays, time.Now)); err != nil {
			logger.Error("register posting window observer", slog.Any("error", err))
			os.Exit(1)
		}
	}

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	loader := mappings.NewRepository(pool)
	store := documents.NewPgStore(pool)

	service := documents.NewService(store, loader, guard, observers, auditLogger, logger).
		WithMetrics(metrics)

	if redisUp {
		jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		if err != nil {
			logger.Error("init jobs client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := jobsClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		service = service.WithEnqueuer(jobsClient)
	}

	documentsHandler := documents.NewHandler(logger, service)

	var jobsHandler *jobs.Handler
	if redisUp {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobsHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		DocumentsHandler: documentsHandler,
		JobsHandler:      jobsHandler,
		Metrics:          metrics,
		Pool:             pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
