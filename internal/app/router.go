package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cedarledger/cedarledger/internal/admin"
	"github.com/cedarledger/cedarledger/internal/devices"
	"github.com/cedarledger/cedarledger/internal/syncapi"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	DeviceService *devices.Service
	SyncHandler   *syncapi.Handler
	AdminHandler  *admin.Handler
}

// NewRouter constructs the chi.Router with the default stack: the device
// sync API under /api/v1/sync and the back-office API under /api/v1/admin.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/sync", params.SyncHandler.Routes(params.DeviceService.RequireDevice))
		r.Mount("/admin", params.AdminHandler.Routes())
	})

	return r
}
