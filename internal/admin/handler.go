package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cedarledger/cedarledger/internal/devices"
	"github.com/cedarledger/cedarledger/internal/documents"
	"github.com/cedarledger/cedarledger/internal/ingest"
	"github.com/cedarledger/cedarledger/internal/intercompany"
	"github.com/cedarledger/cedarledger/internal/ledger"
	"github.com/cedarledger/cedarledger/internal/platform/httpx"
	"github.com/cedarledger/cedarledger/internal/recon"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

// Handler serves the admin API.
type Handler struct {
	logger    *slog.Logger
	ledger    *ledger.Service
	documents documents.Repository
	ingest    *ingest.Service
	devices   *devices.Service
	recon     *recon.Service
	interco   *intercompany.Service
	apiKey    string
}

// NewHandler constructs the admin handler.
func NewHandler(
	logger *slog.Logger,
	ledgerSvc *ledger.Service,
	documentRepo documents.Repository,
	ingestSvc *ingest.Service,
	deviceSvc *devices.Service,
	reconSvc *recon.Service,
	intercoSvc *intercompany.Service,
	apiKey string,
) *Handler {
	return &Handler{
		logger:    logger,
		ledger:    ledgerSvc,
		documents: documentRepo,
		ingest:    ingestSvc,
		devices:   deviceSvc,
		recon:     reconSvc,
		interco:   intercoSvc,
		apiKey:    apiKey,
	}
}

// Routes mounts the admin API behind the API key gate.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequireAPIKey(h.apiKey))

	// Intercompany rows span two companies and take explicit company ids.
	r.Post("/intercompany/transfers", h.CreateTransfer)
	r.Get("/intercompany/settlements", h.GetSettlement)

	r.Group(func(r chi.Router) {
		r.Use(RequireCompany)
		r.Get("/journals", h.ListJournals)
		r.Get("/journals/{id}", h.GetJournal)
		r.Post("/journals/{id}/reverse", h.ReverseJournal)
		r.Get("/documents", h.ListDocuments)
		r.Get("/documents/{id}", h.GetDocument)
		r.Get("/events", h.ListEvents)
		r.Post("/events/{id}/requeue", h.RequeueEvent)
		r.Get("/devices", h.ListDevices)
		r.Post("/devices", h.RegisterDevice)
		r.Get("/recon/exceptions", h.ListExceptions)
		r.Post("/recon/exceptions/{id}/resolve", h.ResolveException)
		r.Get("/intercompany/transfers", h.ListTransfers)
	})
	return r
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (tenant.Scope, bool) {
	scope, ok := tenant.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "company scope missing")
		return tenant.Scope{}, false
	}
	return scope, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

func (h *Handler) ListJournals(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	journals, err := h.ledger.List(r.Context(), scope, queryLimit(r))
	if err != nil {
		h.fail(w, "list journals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, journals)
}

func (h *Handler) GetJournal(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	journal, err := h.ledger.Get(r.Context(), scope, id)
	if err != nil {
		if errors.Is(err, ledger.ErrJournalNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "journal not found")
			return
		}
		h.fail(w, "get journal", err)
		return
	}
	httpx.JSON(w, http.StatusOK, journal)
}

type reverseRequest struct {
	Memo string `json:"memo"`
}

func (h *Handler) ReverseJournal(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reverseRequest
	// Body is optional; an empty memo gets a default.
	_ = httpx.DecodeJSON(r, &req)
	journal, err := h.ledger.Reverse(r.Context(), scope, id, req.Memo, nil)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrJournalNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "journal not found")
		case errors.Is(err, ledger.ErrNotPosted), errors.Is(err, ledger.ErrDuplicateKey):
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		default:
			h.fail(w, "reverse journal", err)
		}
		return
	}
	httpx.JSON(w, http.StatusOK, journal)
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	filter := documents.ListFilter{
		DocType: documents.DocType(r.URL.Query().Get("doc_type")),
		Status:  documents.Status(r.URL.Query().Get("status")),
		Limit:   queryLimit(r),
	}
	if raw := r.URL.Query().Get("device_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid device_id")
			return
		}
		filter.DeviceID = &id
	}
	docs, err := h.documents.List(r.Context(), scope, filter)
	if err != nil {
		h.fail(w, "list documents", err)
		return
	}
	httpx.JSON(w, http.StatusOK, docs)
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.documents.Get(r.Context(), scope, id)
	if err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "document not found")
			return
		}
		h.fail(w, "get document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	filter := ingest.ListFilter{
		Status: ingest.EventStatus(r.URL.Query().Get("status")),
		Limit:  queryLimit(r),
	}
	if raw := r.URL.Query().Get("device_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid device_id")
			return
		}
		filter.DeviceID = &id
	}
	events, err := h.ingest.Queue(r.Context(), scope, filter)
	if err != nil {
		h.fail(w, "list events", err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}

func (h *Handler) RequeueEvent(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.ingest.Requeue(r.Context(), scope, id); err != nil {
		if errors.Is(err, ingest.ErrEventNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no failed or dead event with that id")
			return
		}
		h.fail(w, "requeue event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	list, err := h.devices.List(r.Context(), scope)
	if err != nil {
		h.fail(w, "list devices", err)
		return
	}
	type deviceView struct {
		ID             uuid.UUID  `json:"id"`
		BranchID       *uuid.UUID `json:"branch_id,omitempty"`
		DeviceCode     string     `json:"device_code"`
		LastAppliedSeq int64      `json:"last_applied_seq"`
		CreatedAt      time.Time  `json:"created_at"`
	}
	views := make([]deviceView, 0, len(list))
	for _, d := range list {
		views = append(views, deviceView{
			ID:             d.ID,
			BranchID:       d.BranchID,
			DeviceCode:     d.DeviceCode,
			LastAppliedSeq: d.LastAppliedSeq,
			CreatedAt:      d.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, views)
}

type registerDeviceRequest struct {
	DeviceCode string     `json:"device_code"`
	BranchID   *uuid.UUID `json:"branch_id,omitempty"`
	ResetToken bool       `json:"reset_token"`
}

type registerDeviceResponse struct {
	DeviceID uuid.UUID `json:"device_id"`
	Token    string    `json:"token"`
}

// RegisterDevice enrolls a terminal. The token is returned exactly once;
// only its hash is stored.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req registerDeviceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	if req.DeviceCode == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "device_code is required")
		return
	}
	device, token, err := h.devices.Register(r.Context(), scope, req.DeviceCode, req.BranchID, req.ResetToken)
	if err != nil {
		h.fail(w, "register device", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, registerDeviceResponse{DeviceID: device.ID, Token: token})
}

func (h *Handler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	status := recon.ExceptionStatus(r.URL.Query().Get("status"))
	exceptions, err := h.recon.Exceptions(r.Context(), scope, status, queryLimit(r))
	if err != nil {
		h.fail(w, "list exceptions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, exceptions)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) ResolveException(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	if err := h.recon.Resolve(r.Context(), scope, id, req.Notes); err != nil {
		if errors.Is(err, recon.ErrExceptionNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no open exception with that id")
			return
		}
		h.fail(w, "resolve exception", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transferRequest struct {
	TransferID    *uuid.UUID      `json:"transfer_id,omitempty"`
	FromCompanyID uuid.UUID       `json:"from_company_id"`
	ToCompanyID   uuid.UUID       `json:"to_company_id"`
	FromBranchID  *uuid.UUID      `json:"from_branch_id,omitempty"`
	ToBranchID    *uuid.UUID      `json:"to_branch_id,omitempty"`
	Reference     string          `json:"reference"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	AmountLBP     decimal.Decimal `json:"amount_lbp"`
	BusinessDate  string          `json:"business_date"`
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	businessDate := time.Now().UTC().Truncate(24 * time.Hour)
	if req.BusinessDate != "" {
		parsed, err := time.Parse("2006-01-02", req.BusinessDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "business_date must be YYYY-MM-DD")
			return
		}
		businessDate = parsed
	}
	serviceReq := intercompany.TransferRequest{
		FromCompanyID: req.FromCompanyID,
		ToCompanyID:   req.ToCompanyID,
		FromBranchID:  req.FromBranchID,
		ToBranchID:    req.ToBranchID,
		Reference:     req.Reference,
		AmountUSD:     req.AmountUSD,
		AmountLBP:     req.AmountLBP,
		BusinessDate:  businessDate,
	}
	if req.TransferID != nil {
		serviceReq.TransferID = *req.TransferID
	}
	transfer, err := h.interco.Transfer(r.Context(), serviceReq)
	if err != nil {
		switch {
		case errors.Is(err, intercompany.ErrSameCompany), errors.Is(err, ledger.ErrMissingAccount):
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		default:
			h.fail(w, "create transfer", err)
		}
		return
	}
	httpx.JSON(w, http.StatusCreated, transfer)
}

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	transfers, err := h.interco.Transfers(r.Context(), scope.CompanyID, queryLimit(r))
	if err != nil {
		h.fail(w, "list transfers", err)
		return
	}
	httpx.JSON(w, http.StatusOK, transfers)
}

func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	a, errA := uuid.Parse(r.URL.Query().Get("company_a"))
	b, errB := uuid.Parse(r.URL.Query().Get("company_b"))
	if errA != nil || errB != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "company_a and company_b are required")
		return
	}
	settlement, err := h.interco.Settlement(r.Context(), a, b)
	if err != nil {
		h.fail(w, "get settlement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, settlement)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, tenant.ErrViolation) {
		h.logger.Error(op+" blocked by tenant scope", slog.String("error", err.Error()))
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "cross-company access denied")
		return
	}
	h.logger.Error(op+" failed", slog.String("error", err.Error()))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
