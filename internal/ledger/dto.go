package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cedarledger/cedarledger/internal/fx"
)

// Posting errors surfaced as structured reasons; the document stays draft and
// the attempt is retryable once the underlying issue is fixed.
var (
	ErrTooFewLines     = errors.New("ledger: journal needs at least two lines")
	ErrUnbalanced      = errors.New("ledger: journal does not balance")
	ErrAlreadyPosted   = errors.New("ledger: document already posted")
	ErrNotDraft        = errors.New("ledger: document is not draft")
	ErrNotPosted       = errors.New("ledger: journal is not posted")
	ErrJournalNotFound = errors.New("ledger: journal not found")
	ErrMissingAccount  = errors.New("ledger: missing account default")
)

// LineInput describes one journal line for a posting request.
type LineInput struct {
	AccountID uuid.UUID
	DebitUSD  decimal.Decimal
	CreditUSD decimal.Decimal
	DebitLBP  decimal.Decimal
	CreditLBP decimal.Decimal
	Memo      string
}

// PostingInput groups the fields required to post a document's journal.
type PostingInput struct {
	DocumentID        uuid.UUID
	SourceType        string
	JournalNo         string
	JournalDate       time.Time
	RateType          fx.RateType
	ExchangeRate      decimal.Decimal
	Memo              string
	CreatedByDeviceID *uuid.UUID
	Lines             []LineInput
}

// Imbalance tolerated before posting is rejected outright; anything inside is
// swept to the rounding account so both ledgers balance exactly.
var (
	maxRoundingUSD = decimal.RequireFromString("0.05")
	maxRoundingLBP = decimal.NewFromInt(5000)
)

// Validate ensures the posting input is structurally sound and that any
// imbalance is small enough for the rounding sweep.
func (in PostingInput) Validate() error {
	if in.DocumentID == uuid.Nil {
		return errors.New("ledger: document id required")
	}
	if in.SourceType == "" {
		return errors.New("ledger: source type required")
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	for idx, line := range in.Lines {
		if line.AccountID == uuid.Nil {
			return fmt.Errorf("ledger: line %d missing account", idx)
		}
		if line.DebitUSD.IsNegative() || line.CreditUSD.IsNegative() || line.DebitLBP.IsNegative() || line.CreditLBP.IsNegative() {
			return fmt.Errorf("ledger: line %d negative amount", idx)
		}
		debit := line.DebitUSD.Add(line.DebitLBP)
		credit := line.CreditUSD.Add(line.CreditLBP)
		if debit.IsPositive() && credit.IsPositive() {
			return fmt.Errorf("ledger: line %d cannot be both debit and credit", idx)
		}
	}
	diffUSD, diffLBP := in.imbalance()
	if diffUSD.Abs().GreaterThan(maxRoundingUSD) || diffLBP.Abs().GreaterThan(maxRoundingLBP) {
		return ErrUnbalanced
	}
	return nil
}

// imbalance returns debit minus credit per currency at ledger precision.
func (in PostingInput) imbalance() (decimal.Decimal, decimal.Decimal) {
	var diffUSD, diffLBP decimal.Decimal
	for _, line := range in.Lines {
		diffUSD = diffUSD.Add(line.DebitUSD).Sub(line.CreditUSD)
		diffLBP = diffLBP.Add(line.DebitLBP).Sub(line.CreditLBP)
	}
	return fx.QuantizeUSD(diffUSD), fx.QuantizeLBP(diffLBP)
}

// roundingLine builds the sweep line that brings both currencies to an exact
// balance, or returns false when none is needed.
func (in PostingInput) roundingLine(roundingAccount uuid.UUID) (LineInput, bool) {
	diffUSD, diffLBP := in.imbalance()
	if diffUSD.IsZero() && diffLBP.IsZero() {
		return LineInput{}, false
	}
	// Each currency is swept on its own side; the two ledgers balance
	// independently.
	line := LineInput{AccountID: roundingAccount, Memo: "Rounding (auto-balance)"}
	if diffUSD.IsPositive() {
		line.CreditUSD = diffUSD
	} else {
		line.DebitUSD = diffUSD.Abs()
	}
	if diffLBP.IsPositive() {
		line.CreditLBP = diffLBP
	} else {
		line.DebitLBP = diffLBP.Abs()
	}
	return line, true
}
