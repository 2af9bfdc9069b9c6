// Command posagent runs on the POS terminal. It owns the local outbox and
// reference data cache, exposes a loopback API for the till front-end, and
// synchronizes with the server in the background. The till keeps selling with
// zero connectivity; posagent reconciles whenever the link returns.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/cedarledger/cedarledger/internal/platform/httpx"
	"github.com/cedarledger/cedarledger/internal/terminal/cache"
	"github.com/cedarledger/cedarledger/internal/terminal/client"
	"github.com/cedarledger/cedarledger/internal/terminal/outbox"
	"github.com/cedarledger/cedarledger/internal/terminal/syncer"
)

type agentConfig struct {
	ServerURL   string        `envconfig:"POS_SERVER_URL" required:"true"`
	DeviceID    string        `envconfig:"POS_DEVICE_ID" required:"true"`
	DeviceToken string        `envconfig:"POS_DEVICE_TOKEN" required:"true"`
	DataDir     string        `envconfig:"POS_DATA_DIR" default:"./posdata"`
	LocalAddr   string        `envconfig:"POS_LOCAL_ADDR" default:"127.0.0.1:7070"`
	HTTPTimeout time.Duration `envconfig:"POS_HTTP_TIMEOUT" default:"30s"`

	PushInterval time.Duration `envconfig:"POS_PUSH_INTERVAL" default:"5s"`
	PullInterval time.Duration `envconfig:"POS_PULL_INTERVAL" default:"5m"`
	MaxBatch     int           `envconfig:"POS_MAX_BATCH" default:"200"`
	LogFormat    string        `envconfig:"LOG_FORMAT" default:"pretty"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg agentConfig
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	var logger *slog.Logger
	if cfg.LogFormat == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", slog.Any("error", err))
		os.Exit(1)
	}

	ob, err := outbox.Open(filepath.Join(cfg.DataDir, "outbox.db"))
	if err != nil {
		logger.Error("open outbox", slog.Any("error", err))
		os.Exit(1)
	}
	ca, err := cache.Open(filepath.Join(cfg.DataDir, "cache.db"))
	if err != nil {
		logger.Error("open cache", slog.Any("error", err))
		os.Exit(1)
	}

	cl := client.New(cfg.ServerURL, cfg.DeviceID, cfg.DeviceToken, cfg.HTTPTimeout)
	sy := syncer.New(syncer.Config{
		PushInterval: cfg.PushInterval,
		PullInterval: cfg.PullInterval,
		MaxBatch:     cfg.MaxBatch,
	}, ob, ca, cl, logger)

	server := &http.Server{
		Addr:    cfg.LocalAddr,
		Handler: localRouter(logger, ob, ca),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sy.Run(ctx) })
	g.Go(func() error {
		logger.Info("local API ready", slog.String("addr", cfg.LocalAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("agent stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// localRouter is the loopback API the till front-end calls. No auth: it binds
// to localhost only and the till is the sole client.
func localRouter(logger *slog.Logger, ob *outbox.Store, ca *cache.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Post("/events", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			EventType string          `json:"event_type"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := httpx.DecodeJSON(r, &req); err != nil || req.EventType == "" {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "event_type and payload are required")
			return
		}
		ev, err := ob.Enqueue(req.EventType, req.Payload)
		if err != nil {
			logger.Error("enqueue event", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{
			"event_id": ev.EventID,
			"seq":      ev.Seq,
		})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		pending, err := ob.PendingCount()
		if err != nil {
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		items, err := ca.ItemCount()
		if err != nil {
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		cursor, _ := ca.Cursor()
		httpx.JSON(w, http.StatusOK, map[string]any{
			"pending_events": pending,
			"cached_items":   items,
			"refdata_cursor": cursor,
		})
	})

	r.Get("/items/{barcode}", func(w http.ResponseWriter, r *http.Request) {
		item, found, err := ca.LookupBarcode(chi.URLParam(r, "barcode"))
		if err != nil {
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		if !found {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no active item with that barcode")
			return
		}
		httpx.JSON(w, http.StatusOK, item)
	})

	r.Get("/rejected", func(w http.ResponseWriter, r *http.Request) {
		events, err := ob.Rejected()
		if err != nil {
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		httpx.JSON(w, http.StatusOK, events)
	})

	return r
}
