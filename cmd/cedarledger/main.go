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

	"github.com/cedarledger/cedarledger/internal/admin"
	"github.com/cedarledger/cedarledger/internal/app"
	"github.com/cedarledger/cedarledger/internal/devices"
	"github.com/cedarledger/cedarledger/internal/documents"
	"github.com/cedarledger/cedarledger/internal/fx"
	"github.com/cedarledger/cedarledger/internal/ingest"
	"github.com/cedarledger/cedarledger/internal/intercompany"
	"github.com/cedarledger/cedarledger/internal/ledger"
	"github.com/cedarledger/cedarledger/internal/platform/bus"
	"github.com/cedarledger/cedarledger/internal/platform/cache"
	"github.com/cedarledger/cedarledger/internal/platform/db"
	"github.com/cedarledger/cedarledger/internal/recon"
	"github.com/cedarledger/cedarledger/internal/refdata"
	"github.com/cedarledger/cedarledger/internal/shifts"
	"github.com/cedarledger/cedarledger/internal/syncapi"
	"github.com/cedarledger/cedarledger/jobs"
)

// drainNotifier nudges the worker queue after pushes stage new events.
type drainNotifier struct {
	client *jobs.Client
	logger *slog.Logger
}

func (n *drainNotifier) EventsStaged(ctx context.Context) {
	if _, err := n.client.EnqueueEventDrain(ctx); err != nil {
		n.logger.Warn("enqueue event drain", slog.Any("error", err))
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, "cedarledger-server")
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
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

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	deviceRepo := devices.NewRepository(pool)
	deviceService := devices.NewService(deviceRepo)

	fxRepo := fx.NewCachedRepository(fx.NewRepository(pool), redisClient, 5*time.Minute)
	fxResolver := fx.NewResolver(fxRepo, logger)

	documentRepo := documents.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, publisher, logger)

	shiftRepo := shifts.NewRepository(pool)
	ingestRepo := ingest.NewRepository(pool)
	ingestService := ingest.NewService(
		ingestRepo, deviceRepo, ledgerService, ledgerRepo, shiftRepo,
		fxResolver, pool, publisher, logger,
		cfg.PostMaxAttempts, cfg.PostRetryCap,
	)

	refdataService := refdata.NewService(refdata.NewRepository(pool))

	reconRepo := recon.NewRepository(pool)
	reconService := recon.NewService(reconRepo, shiftRepo, logger)

	intercoRepo := intercompany.NewRepository(pool)
	intercoService := intercompany.NewService(intercoRepo, ledgerService, ledgerRepo, fxResolver, pool, logger)

	syncHandler := syncapi.NewHandler(logger, ingestService, refdataService,
		&drainNotifier{client: jobClient, logger: logger}, cfg.PushMaxBatch)
	adminHandler := admin.NewHandler(logger, ledgerService, documentRepo, ingestService,
		deviceService, reconService, intercoService, cfg.AdminAPIKey)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		DeviceService: deviceService,
		SyncHandler:   syncHandler,
		AdminHandler:  adminHandler,
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
