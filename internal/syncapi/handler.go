// Package syncapi is the device-facing transport: authenticated push of terminal
// event batches and pull of reference data deltas plus the device watermark.
package syncapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cedarledger/cedarledger/internal/devices"
	"github.com/cedarledger/cedarledger/internal/ingest"
	"github.com/cedarledger/cedarledger/internal/platform/httpx"
	"github.com/cedarledger/cedarledger/internal/refdata"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

// PushRequest is one terminal batch. Events already carry their client ids
// and per-device sequence numbers.
type PushRequest struct {
	Events []ingest.InboundEvent `json:"events"`
}

// PushResponse answers per event and returns the server watermark so the
// terminal can prune acked outbox rows even when an earlier ack was lost.
type PushResponse struct {
	Results        []ingest.PushResult `json:"results"`
	LastAppliedSeq int64               `json:"last_applied_seq"`
}

// PullResponse carries one refdata delta page and the watermark.
type PullResponse struct {
	refdata.Delta
	LastAppliedSeq int64 `json:"last_applied_seq"`
}

// Notifier nudges the background worker after a batch stages new events,
// so application starts ahead of the periodic drain tick.
type Notifier interface {
	EventsStaged(ctx context.Context)
}

// Handler serves the sync endpoints.
type Handler struct {
	logger   *slog.Logger
	ingest   *ingest.Service
	refdata  *refdata.Service
	notifier Notifier
	maxBatch int
}

// NewHandler constructs the sync handler. maxBatch bounds push batch size;
// notifier may be nil.
func NewHandler(logger *slog.Logger, ingestSvc *ingest.Service, refdataSvc *refdata.Service, notifier Notifier, maxBatch int) *Handler {
	if maxBatch <= 0 {
		maxBatch = 200
	}
	return &Handler{logger: logger, ingest: ingestSvc, refdata: refdataSvc, notifier: notifier, maxBatch: maxBatch}
}

// Routes mounts the sync API. requireDevice authenticates the terminal and
// establishes the tenant scope.
func (h *Handler) Routes(requireDevice func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(requireDevice)
	r.Post("/push", h.Push)
	r.Get("/pull", h.Pull)
	return r
}

// Push stages one event batch. The response is per event; the HTTP status is
// 200 whenever the batch itself was processable, even if every event inside
// was rejected.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	device, ok := devices.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "device context missing")
		return
	}
	scope, ok := tenant.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "tenant scope missing")
		return
	}

	var req PushRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed push body")
		return
	}
	if len(req.Events) == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "empty batch")
		return
	}
	if len(req.Events) > h.maxBatch {
		httpx.Problem(w, http.StatusRequestEntityTooLarge, "Batch Too Large",
			"batch exceeds "+strconv.Itoa(h.maxBatch)+" events")
		return
	}

	results, err := h.ingest.SubmitBatch(r.Context(), device, req.Events)
	if err != nil {
		h.logger.Error("push batch failed",
			slog.String("device_id", device.ID.String()),
			slog.String("error", err.Error()),
		)
		httpx.RespondError(w, err)
		return
	}

	watermark, err := h.ingest.Watermark(r.Context(), scope, device.ID)
	if err != nil {
		h.logger.Error("read watermark failed",
			slog.String("device_id", device.ID.String()),
			slog.String("error", err.Error()),
		)
		httpx.RespondError(w, err)
		return
	}

	if h.notifier != nil {
		for _, result := range results {
			if result.Status == ingest.ResultAcked {
				h.notifier.EventsStaged(r.Context())
				break
			}
		}
	}

	httpx.JSON(w, http.StatusOK, PushResponse{Results: results, LastAppliedSeq: watermark})
}

// Pull returns reference data changed after the cursor plus the device
// watermark. Terminals poll it on reconnect and on a timer.
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	device, ok := devices.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "device context missing")
		return
	}
	scope, ok := tenant.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "tenant scope missing")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	delta, err := h.refdata.Changes(r.Context(), scope, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	watermark, err := h.ingest.Watermark(r.Context(), scope, device.ID)
	if err != nil {
		h.logger.Error("read watermark failed",
			slog.String("device_id", device.ID.String()),
			slog.String("error", err.Error()),
		)
		httpx.RespondError(w, err)
		return
	}

	httpx.JSON(w, http.StatusOK, PullResponse{Delta: delta, LastAppliedSeq: watermark})
}
