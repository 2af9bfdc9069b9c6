package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cedarledger/cedarledger/internal/app"
	"github.com/cedarledger/cedarledger/internal/devices"
	"github.com/cedarledger/cedarledger/internal/fx"
	"github.com/cedarledger/cedarledger/internal/ingest"
	"github.com/cedarledger/cedarledger/internal/ledger"
	"github.com/cedarledger/cedarledger/internal/platform/bus"
	"github.com/cedarledger/cedarledger/internal/platform/cache"
	"github.com/cedarledger/cedarledger/internal/platform/db"
	"github.com/cedarledger/cedarledger/internal/recon"
	"github.com/cedarledger/cedarledger/internal/shifts"
	"github.com/cedarledger/cedarledger/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, "cedarledger-worker")
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, running degraded", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	publisher, err := bus.NewKafkaPublisher(logger, cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		logger.Error("init kafka publisher", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("kafka close", slog.Any("error", err))
		}
	}()

	deviceRepo := devices.NewRepository(pool)
	fxResolver := fx.NewResolver(fx.NewCachedRepository(fx.NewRepository(pool), redisClient, 5*time.Minute), logger)
	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, publisher, logger)
	shiftRepo := shifts.NewRepository(pool)
	ingestService := ingest.NewService(
		ingest.NewRepository(pool), deviceRepo, ledgerService, ledgerRepo, shiftRepo,
		fxResolver, pool, publisher, logger,
		cfg.PostMaxAttempts, cfg.PostRetryCap,
	)
	reconService := recon.NewService(recon.NewRepository(pool), shiftRepo, logger)

	drainTask, err := jobs.NewEventDrainTask()
	if err != nil {
		logger.Error("build drain task", slog.Any("error", err))
		os.Exit(1)
	}
	reconTask, err := jobs.NewReconRunTask(jobs.ReconRunPayload{})
	if err != nil {
		logger.Error("build recon task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskEventDrain, Handler: jobs.NewEventDrainHandler(ingestService, logger)},
			{Type: jobs.TaskReconRun, Handler: jobs.NewReconRunHandler(reconService, logger)},
		},
		Cron: []jobs.CronRegistration{
			// Safety-net drain every minute for events the push-time
			// nudge missed, and retries coming due.
			{Spec: "* * * * *", Task: drainTask},
			{Spec: cfg.ReconCronSpec, Task: reconTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
