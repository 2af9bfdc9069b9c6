package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cedarledger/cedarledger/internal/documents"
	"github.com/cedarledger/cedarledger/internal/platform/bus"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

// Publisher is the slice of the event bus the ledger needs.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Service turns validated posting inputs into balanced, immutable journals.
type Service struct {
	repo      Repository
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the posting engine. publisher may be nil in tests.
func NewService(repo Repository, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{repo: repo, publisher: publisher, logger: logger, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// busEventType maps a committed document to the business event emitted for
// stream consumers.
func busEventType(docType documents.DocType) string {
	switch docType {
	case documents.DocTypeSalesInvoice:
		return "sales.created"
	case documents.DocTypeSalesReturn:
		return "sales.returned"
	case documents.DocTypeGoodsReceipt:
		return "purchase.received"
	case documents.DocTypeSupplierInvoice:
		return "purchase.invoiced"
	case documents.DocTypeCashMovement:
		return "pos.cash_movement"
	case documents.DocTypeStockTransfer:
		return "stock.transferred"
	}
	return "document.posted"
}

// Post creates the journal for a draft document. It is idempotent: a
// concurrent or crash-retried call on the same document either wins the row
// lock first or observes ErrAlreadyPosted, never a second set of GL entries.
func (s *Service) Post(ctx context.Context, scope tenant.Scope, input PostingInput) (Journal, error) {
	if err := input.Validate(); err != nil {
		return Journal{}, err
	}

	var (
		journal Journal
		doc     documents.Document
	)
	err := s.repo.WithTx(ctx, scope, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetDocumentForUpdate(ctx, input.DocumentID)
		if err != nil {
			return err
		}
		switch doc.Status {
		case documents.StatusDraft:
		case documents.StatusPosted, documents.StatusReversed:
			return ErrAlreadyPosted
		default:
			return fmt.Errorf("ledger: document %s in unknown status %q", doc.ID, doc.Status)
		}

		if err := tx.InsertPostingKey(ctx, doc.ID, documents.StatusPosted); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return ErrAlreadyPosted
			}
			return err
		}

		lines := input.Lines
		sweep, needed, err := s.roundingSweep(ctx, scope, input)
		if err != nil {
			return err
		}
		if needed {
			lines = append(lines, sweep)
		}

		now := s.now()
		journal = Journal{
			ID:                uuid.New(),
			CompanyID:         scope.CompanyID,
			JournalNo:         input.JournalNo,
			SourceType:        input.SourceType,
			SourceID:          doc.ID,
			JournalDate:       input.JournalDate,
			RateType:          input.RateType,
			ExchangeRate:      input.ExchangeRate,
			Memo:              input.Memo,
			CreatedByDeviceID: input.CreatedByDeviceID,
			CreatedAt:         now,
		}
		if err := tx.InsertJournal(ctx, journal); err != nil {
			return err
		}
		journal.Entries = toEntries(journal.ID, scope.CompanyID, lines)
		if err := tx.InsertEntries(ctx, journal.ID, journal.Entries); err != nil {
			return err
		}

		ok, err := tx.UpdateDocumentStatus(ctx, doc.ID, documents.StatusDraft, documents.StatusPosted, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyPosted
		}
		return nil
	})
	if err != nil {
		return Journal{}, err
	}

	s.emit(ctx, scope, busEventType(doc.DocType), string(doc.DocType), doc.ID, map[string]any{
		"journal_id": journal.ID.String(),
		"doc_no":     doc.DocNo,
		"amount_usd": doc.AmountUSD.String(),
		"amount_lbp": doc.AmountLBP.String(),
	})
	return journal, nil
}

// Reverse cancels a posted journal by appending a mirrored journal that
// references the original. The original entries are never touched.
func (s *Service) Reverse(ctx context.Context, scope tenant.Scope, journalID uuid.UUID, memo string, actorDeviceID *uuid.UUID) (Journal, error) {
	if journalID == uuid.Nil {
		return Journal{}, errors.New("ledger: journal id required")
	}

	var (
		reversal Journal
		doc      documents.Document
	)
	err := s.repo.WithTx(ctx, scope, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetJournalWithEntries(ctx, journalID)
		if err != nil {
			return err
		}
		if original.ReversesJournalID != nil {
			return ErrNotPosted
		}

		doc, err = tx.GetDocumentForUpdate(ctx, original.SourceID)
		if err != nil {
			return err
		}
		if doc.Status != documents.StatusPosted {
			return ErrNotPosted
		}

		if err := tx.InsertPostingKey(ctx, doc.ID, documents.StatusReversed); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return ErrAlreadyPosted
			}
			return err
		}

		now := s.now()
		originalID := original.ID
		reversal = Journal{
			ID:                uuid.New(),
			CompanyID:         scope.CompanyID,
			JournalNo:         original.JournalNo + "-REV",
			SourceType:        original.SourceType + ":reversal",
			SourceID:          doc.ID,
			JournalDate:       now,
			RateType:          original.RateType,
			ExchangeRate:      original.ExchangeRate,
			Memo:              defaultReversalMemo(memo, original.JournalNo),
			ReversesJournalID: &originalID,
			CreatedByDeviceID: actorDeviceID,
			CreatedAt:         now,
		}
		if err := tx.InsertJournal(ctx, reversal); err != nil {
			return err
		}
		reversal.Entries = mirrorEntries(reversal.ID, scope.CompanyID, original.Entries)
		if err := tx.InsertEntries(ctx, reversal.ID, reversal.Entries); err != nil {
			return err
		}

		ok, err := tx.UpdateDocumentStatus(ctx, doc.ID, documents.StatusPosted, documents.StatusReversed, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotPosted
		}
		return nil
	})
	if err != nil {
		return Journal{}, err
	}

	s.emit(ctx, scope, "ledger.reversed", string(doc.DocType), doc.ID, map[string]any{
		"journal_id":          reversal.ID.String(),
		"reverses_journal_id": journalID.String(),
	})
	return reversal, nil
}

// List returns recent journals for the admin read interface.
func (s *Service) List(ctx context.Context, scope tenant.Scope, limit int) ([]Journal, error) {
	return s.repo.ListJournals(ctx, scope, limit)
}

// Get returns one journal with its entries.
func (s *Service) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (Journal, error) {
	return s.repo.GetJournalWithEntries(ctx, scope, id)
}

// roundingSweep resolves the sweep line for a within-tolerance residual. A
// residual with no reachable rounding account fails the posting: the document
// stays draft and the attempt retries once the defaults are fixed, because a
// journal must never commit unbalanced.
func (s *Service) roundingSweep(ctx context.Context, scope tenant.Scope, input PostingInput) (LineInput, bool, error) {
	diffUSD, diffLBP := input.imbalance()
	if diffUSD.IsZero() && diffLBP.IsZero() {
		return LineInput{}, false, nil
	}
	defaults, err := s.repo.FetchAccountDefaults(ctx, scope)
	if err != nil {
		return LineInput{}, false, fmt.Errorf("ledger: fetch account defaults: %w", err)
	}
	if defaults[RoleRounding] == uuid.Nil {
		return LineInput{}, false, fmt.Errorf("%w: %s", ErrMissingAccount, RoleRounding)
	}
	line, needed := input.roundingLine(defaults[RoleRounding])
	return line, needed, nil
}

// emit publishes the committed-document event. The ledger write has already
// committed; a bus failure is logged, not rolled back.
func (s *Service) emit(ctx context.Context, scope tenant.Scope, eventType, sourceType string, sourceID uuid.UUID, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	ev := bus.Event{
		EventType:  eventType,
		CompanyID:  scope.CompanyID.String(),
		SourceType: sourceType,
		SourceID:   sourceID.String(),
		Payload:    raw,
		OccurredAt: s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("emit business event",
			slog.String("event_type", eventType),
			slog.Any("error", err),
		)
	}
}

func toEntries(journalID, companyID uuid.UUID, lines []LineInput) []GLEntry {
	out := make([]GLEntry, 0, len(lines))
	for _, line := range lines {
		out = append(out, GLEntry{
			ID:        uuid.New(),
			CompanyID: companyID,
			JournalID: journalID,
			AccountID: line.AccountID,
			DebitUSD:  line.DebitUSD,
			CreditUSD: line.CreditUSD,
			DebitLBP:  line.DebitLBP,
			CreditLBP: line.CreditLBP,
			Memo:      line.Memo,
		})
	}
	return out
}

func mirrorEntries(journalID, companyID uuid.UUID, entries []GLEntry) []GLEntry {
	out := make([]GLEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, GLEntry{
			ID:        uuid.New(),
			CompanyID: companyID,
			JournalID: journalID,
			AccountID: entry.AccountID,
			DebitUSD:  entry.CreditUSD,
			CreditUSD: entry.DebitUSD,
			DebitLBP:  entry.CreditLBP,
			CreditLBP: entry.DebitLBP,
			Memo:      entry.Memo,
		})
	}
	return out
}

func defaultReversalMemo(memo, journalNo string) string {
	if memo != "" {
		return memo
	}
	return "Reversal of " + journalNo
}
