package intercompany

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cedarledger/cedarledger/internal/documents"
	"github.com/cedarledger/cedarledger/internal/fx"
	"github.com/cedarledger/cedarledger/internal/ledger"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

// ErrSameCompany rejects transfers within one company; those are plain branch
// moves, not intercompany.
var ErrSameCompany = errors.New("intercompany: from and to company must differ")

// outboundNS and inboundNS derive one document id per side from the transfer
// id, keeping both legs idempotent across retries.
var (
	outboundNS = uuid.MustParse("2f9d1f6e-5b3a-4e71-9a14-8c14d7a90001")
	inboundNS  = uuid.MustParse("2f9d1f6e-5b3a-4e71-9a14-8c14d7a90002")
)

// TransferRequest describes one requested stock transfer.
type TransferRequest struct {
	TransferID    uuid.UUID
	FromCompanyID uuid.UUID
	ToCompanyID   uuid.UUID
	FromBranchID  *uuid.UUID
	ToBranchID    *uuid.UUID
	Reference     string
	AmountUSD     decimal.Decimal
	AmountLBP     decimal.Decimal
	BusinessDate  time.Time
}

// Service posts intercompany transfers: one outbound journal in the source
// company, one inbound journal in the target, and the pair settlement update.
type Service struct {
	repo   Repository
	ledger *ledger.Service
	charts ledger.Repository
	rates  *fx.Resolver
	db     *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the transfer engine.
func NewService(repo Repository, ledgerSvc *ledger.Service, charts ledger.Repository, rates *fx.Resolver, db *pgxpool.Pool, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		ledger: ledgerSvc,
		charts: charts,
		rates:  rates,
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock in tests.
func (s *Service) WithNow(now func() time.Time) {
	s.now = now
}

// Transfer executes one transfer end to end. Idempotent on TransferID: each
// step keys on ids derived from it, so a crashed run resumes on retry without
// double-posting either side or double-counting the settlement.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	if req.FromCompanyID == req.ToCompanyID {
		return Transfer{}, ErrSameCompany
	}
	if req.TransferID == uuid.Nil {
		req.TransferID = uuid.New()
	}
	if !req.AmountUSD.IsPositive() && !req.AmountLBP.IsPositive() {
		return Transfer{}, errors.New("intercompany: transfer amount required")
	}

	fromScope, err := tenant.NewScope(req.FromCompanyID)
	if err != nil {
		return Transfer{}, err
	}
	toScope, err := tenant.NewScope(req.ToCompanyID)
	if err != nil {
		return Transfer{}, err
	}

	// Group transfers are valued at the source company's internal rate.
	res, err := s.rates.Resolve(ctx, fromScope, fx.ResolveRequest{
		RateType:     fx.RateTypeInternal,
		BusinessDate: req.BusinessDate,
	})
	if err != nil {
		return Transfer{}, fmt.Errorf("intercompany: resolve rate: %w", err)
	}
	amountUSD, amountLBP := fx.NormalizeDual(req.AmountUSD, req.AmountLBP, res.USDToLBP)

	tr := Transfer{
		ID:            req.TransferID,
		FromCompanyID: req.FromCompanyID,
		ToCompanyID:   req.ToCompanyID,
		FromBranchID:  req.FromBranchID,
		ToBranchID:    req.ToBranchID,
		Reference:     req.Reference,
		AmountUSD:     amountUSD,
		AmountLBP:     amountLBP,
		ExchangeRate:  res.USDToLBP,
		Status:        TransferPending,
		CreatedAt:     s.now(),
	}
	if _, err := s.repo.InsertTransferIdempotent(ctx, tr); err != nil {
		return Transfer{}, fmt.Errorf("intercompany: insert transfer: %w", err)
	}

	if err := s.postLeg(ctx, fromScope, tr, res, true); err != nil {
		return Transfer{}, err
	}
	if err := s.postLeg(ctx, toScope, tr, res, false); err != nil {
		return Transfer{}, err
	}

	postedAt := s.now()
	marked, err := s.repo.MarkPosted(ctx, tr.ID, postedAt)
	if err != nil {
		return Transfer{}, fmt.Errorf("intercompany: mark posted: %w", err)
	}
	if marked {
		// First run to get both legs in updates the settlement; replays
		// land on marked=false and skip it.
		if err := s.repo.AccumulateSettlement(ctx, tr.FromCompanyID, tr.ToCompanyID, amountUSD, amountLBP, postedAt); err != nil {
			return Transfer{}, fmt.Errorf("intercompany: accumulate settlement: %w", err)
		}
		tr.Status = TransferPosted
		tr.PostedAt = &postedAt
		s.logger.Info("intercompany transfer posted",
			slog.String("transfer_id", tr.ID.String()),
			slog.String("from_company_id", tr.FromCompanyID.String()),
			slog.String("to_company_id", tr.ToCompanyID.String()),
			slog.String("amount_usd", amountUSD.String()),
		)
		return tr, nil
	}
	return s.repo.GetTransfer(ctx, tr.ID)
}

// postLeg writes one company's document and journal. Outbound credits
// inventory against the intercompany receivable; inbound mirrors it.
func (s *Service) postLeg(ctx context.Context, scope tenant.Scope, tr Transfer, res fx.Resolution, outbound bool) error {
	ns := inboundNS
	branchDoc := "IN"
	if outbound {
		ns = outboundNS
		branchDoc = "OUT"
	}
	docID := uuid.NewSHA1(ns, tr.ID[:])

	doc := documents.Document{
		ID:           docID,
		CompanyID:    scope.CompanyID,
		DocType:      documents.DocTypeStockTransfer,
		DocNo:        fmt.Sprintf("ICT-%s-%s", branchDoc, tr.ID.String()[:8]),
		Status:       documents.StatusDraft,
		AmountUSD:    tr.AmountUSD,
		AmountLBP:    tr.AmountLBP,
		TaxUSD:       decimal.Zero,
		TaxLBP:       decimal.Zero,
		ExchangeRate: res.USDToLBP,
		RateType:     res.Type,
		RateSource:   res.Source,
		BusinessDate: dateOnly(tr.CreatedAt),
		CreatedAt:    tr.CreatedAt,
	}
	if err := tenant.WithTx(ctx, s.db, scope, func(tx pgx.Tx) error {
		_, err := documents.InsertIdempotentTx(ctx, tx, doc)
		return err
	}); err != nil {
		return fmt.Errorf("intercompany: insert %s document: %w", branchDoc, err)
	}

	defaults, err := s.charts.FetchAccountDefaults(ctx, scope)
	if err != nil {
		return fmt.Errorf("intercompany: load account defaults: %w", err)
	}
	inventory, ok := defaults[ledger.RoleInventory]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrMissingAccount, ledger.RoleInventory)
	}
	interco, ok := defaults[ledger.RoleIntercompany]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrMissingAccount, ledger.RoleIntercompany)
	}

	var lines []ledger.LineInput
	if outbound {
		lines = []ledger.LineInput{
			{AccountID: interco, DebitUSD: tr.AmountUSD, DebitLBP: tr.AmountLBP, Memo: "due from group"},
			{AccountID: inventory, CreditUSD: tr.AmountUSD, CreditLBP: tr.AmountLBP, Memo: "stock out"},
		}
	} else {
		lines = []ledger.LineInput{
			{AccountID: inventory, DebitUSD: tr.AmountUSD, DebitLBP: tr.AmountLBP, Memo: "stock in"},
			{AccountID: interco, CreditUSD: tr.AmountUSD, CreditLBP: tr.AmountLBP, Memo: "due to group"},
		}
	}

	input := ledger.PostingInput{
		DocumentID:   docID,
		SourceType:   string(documents.DocTypeStockTransfer),
		JournalNo:    doc.DocNo,
		JournalDate:  doc.BusinessDate,
		RateType:     res.Type,
		ExchangeRate: res.USDToLBP,
		Memo:         "intercompany transfer " + tr.Reference,
		Lines:        lines,
	}
	if _, err := s.ledger.Post(ctx, scope, input); err != nil && !errors.Is(err, ledger.ErrAlreadyPosted) {
		return fmt.Errorf("intercompany: post %s leg: %w", branchDoc, err)
	}
	return nil
}

// Settlement reads the current net position of a company pair.
func (s *Service) Settlement(ctx context.Context, a, b uuid.UUID) (Settlement, error) {
	return s.repo.GetSettlement(ctx, a, b)
}

// Transfers lists transfers touching a company.
func (s *Service) Transfers(ctx context.Context, companyID uuid.UUID, limit int) ([]Transfer, error) {
	return s.repo.ListTransfers(ctx, companyID, limit)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
