package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cedarledger/cedarledger/internal/devices"
	"github.com/cedarledger/cedarledger/internal/documents"
	"github.com/cedarledger/cedarledger/internal/fx"
	"github.com/cedarledger/cedarledger/internal/ledger"
)

// ErrUnbalancedTender rejects sales whose tenders exceed the invoice total.
var ErrUnbalancedTender = errors.New("ingest: tenders exceed sale total")

// translation turns one staged event into the rows the apply pipeline writes:
// a financial document (always) and a posting input (for GL-bearing events).
type translation struct {
	Doc     documents.Document
	Posting *ledger.PostingInput
}

// translateSale builds the sales invoice or return document and its journal
// lines. Every line carries both currency legs at the locked rate so USD and
// LBP balance independently.
func translateSale(ev StagedEvent, p *SalePayload, device devices.Device, defaults ledger.AccountDefaults, res fx.Resolution, businessDate time.Time) (translation, error) {
	docType := documents.DocTypeSalesInvoice
	if ev.EventType == EventSaleReturned {
		docType = documents.DocTypeSalesReturn
	}

	totalUSD, totalLBP := fx.NormalizeDual(p.TotalUSD, p.TotalLBP, res.USDToLBP)
	taxUSD, taxLBP := fx.NormalizeDual(p.TaxUSD, p.TaxLBP, res.USDToLBP)
	netUSD := fx.QuantizeUSD(totalUSD.Sub(taxUSD))
	netLBP := fx.QuantizeLBP(totalLBP.Sub(taxLBP))

	doc := baseDocument(ev, device, docType, p.DocNo, res, businessDate)
	doc.AmountUSD, doc.AmountLBP = totalUSD, totalLBP
	doc.TaxUSD, doc.TaxLBP = taxUSD, taxLBP
	doc.PricingCurrency = p.PricingCurrency
	doc.SettlementCurrency = p.SettlementCurrency
	doc.ShiftID = p.ShiftID

	var lines []ledger.LineInput
	tenderedUSD := decimal.Zero
	for _, payment := range p.Payments {
		role, err := tenderRole(payment.Method)
		if err != nil {
			return translation{}, err
		}
		account, err := requireAccount(defaults, role)
		if err != nil {
			return translation{}, err
		}
		usd, lbp := fx.NormalizeDual(payment.AmountUSD, payment.AmountLBP, res.USDToLBP)
		tenderedUSD = tenderedUSD.Add(usd)
		lines = append(lines, directedLine(account, usd, lbp, "tender "+payment.Method, docType == documents.DocTypeSalesInvoice))
	}

	// Unpaid remainder goes on account.
	remainderUSD := fx.QuantizeUSD(totalUSD.Sub(tenderedUSD))
	if remainderUSD.IsNegative() && remainderUSD.Abs().GreaterThan(decimal.RequireFromString("0.05")) {
		return translation{}, ErrUnbalancedTender
	}
	if remainderUSD.IsPositive() {
		account, err := requireAccount(defaults, ledger.RoleAR)
		if err != nil {
			return translation{}, err
		}
		remainderLBP := fx.QuantizeLBP(totalLBP.Sub(fx.QuantizeLBP(tenderedUSD.Mul(res.USDToLBP))))
		lines = append(lines, directedLine(account, remainderUSD, remainderLBP, "on account", docType == documents.DocTypeSalesInvoice))
	}

	revenueRole := ledger.RoleSales
	if docType == documents.DocTypeSalesReturn {
		revenueRole = ledger.RoleSalesReturns
	}
	revenueAccount, err := requireAccount(defaults, revenueRole)
	if err != nil {
		return translation{}, err
	}
	lines = append(lines, directedLine(revenueAccount, netUSD, netLBP, "net sales", docType != documents.DocTypeSalesInvoice))

	if taxUSD.IsPositive() || taxLBP.IsPositive() {
		vatAccount, err := requireAccount(defaults, ledger.RoleVATPayable)
		if err != nil {
			return translation{}, err
		}
		lines = append(lines, directedLine(vatAccount, taxUSD, taxLBP, "vat", docType != documents.DocTypeSalesInvoice))
	}

	posting := postingFor(ev, doc, res, lines)
	return translation{Doc: doc, Posting: &posting}, nil
}

// translatePurchase builds the goods receipt (inventory against the accrual
// account) or the supplier invoice (accrual and VAT against payables).
func translatePurchase(ev StagedEvent, p *PurchasePayload, device devices.Device, defaults ledger.AccountDefaults, res fx.Resolution, businessDate time.Time) (translation, error) {
	totalUSD, totalLBP := fx.NormalizeDual(p.TotalUSD, p.TotalLBP, res.USDToLBP)
	taxUSD, taxLBP := fx.NormalizeDual(p.TaxUSD, p.TaxLBP, res.USDToLBP)

	docType := documents.DocTypeGoodsReceipt
	if ev.EventType == EventPurchaseInvoice {
		docType = documents.DocTypeSupplierInvoice
	}
	doc := baseDocument(ev, device, docType, p.DocNo, res, businessDate)
	doc.AmountUSD, doc.AmountLBP = totalUSD, totalLBP
	doc.TaxUSD, doc.TaxLBP = taxUSD, taxLBP

	var lines []ledger.LineInput
	switch docType {
	case documents.DocTypeGoodsReceipt:
		inventory, err := requireAccount(defaults, ledger.RoleInventory)
		if err != nil {
			return translation{}, err
		}
		grni, err := requireAccount(defaults, ledger.RoleGRNI)
		if err != nil {
			return translation{}, err
		}
		lines = []ledger.LineInput{
			{AccountID: inventory, DebitUSD: totalUSD, DebitLBP: totalLBP, Memo: "goods received"},
			{AccountID: grni, CreditUSD: totalUSD, CreditLBP: totalLBP, Memo: "accrued payable"},
		}
	default:
		grni, err := requireAccount(defaults, ledger.RoleGRNI)
		if err != nil {
			return translation{}, err
		}
		payable, err := requireAccount(defaults, ledger.RoleAP)
		if err != nil {
			return translation{}, err
		}
		netUSD := fx.QuantizeUSD(totalUSD.Sub(taxUSD))
		netLBP := fx.QuantizeLBP(totalLBP.Sub(taxLBP))
		lines = []ledger.LineInput{
			{AccountID: grni, DebitUSD: netUSD, DebitLBP: netLBP, Memo: "clear accrual"},
			{AccountID: payable, CreditUSD: totalUSD, CreditLBP: totalLBP, Memo: "supplier payable"},
		}
		if taxUSD.IsPositive() || taxLBP.IsPositive() {
			vat, err := requireAccount(defaults, ledger.RoleVATRecoverable)
			if err != nil {
				return translation{}, err
			}
			lines = append(lines, ledger.LineInput{AccountID: vat, DebitUSD: taxUSD, DebitLBP: taxLBP, Memo: "input vat"})
		}
	}

	posting := postingFor(ev, doc, res, lines)
	return translation{Doc: doc, Posting: &posting}, nil
}

// translateCashMovement records the drawer movement as a posted document with
// no journal. Drawer cash stays an operational fact until shift close.
func translateCashMovement(ev StagedEvent, p *CashMovementPayload, device devices.Device, res fx.Resolution, businessDate time.Time, now time.Time) translation {
	doc := baseDocument(ev, device, documents.DocTypeCashMovement, "", res, businessDate)
	doc.AmountUSD, doc.AmountLBP = p.AmountUSD, p.AmountLBP
	doc.ShiftID = p.ShiftID
	doc.Status = documents.StatusPosted
	doc.PostedAt = &now
	return translation{Doc: doc}
}

func baseDocument(ev StagedEvent, device devices.Device, docType documents.DocType, docNo string, res fx.Resolution, businessDate time.Time) documents.Document {
	if docNo == "" {
		docNo = fmt.Sprintf("%s-%s", docPrefix(docType), shortID(ev.EventID))
	}
	eventID := ev.EventID
	deviceID := device.ID
	return documents.Document{
		ID:            ev.EventID,
		CompanyID:     ev.CompanyID,
		DocType:       docType,
		DocNo:         docNo,
		Status:        documents.StatusDraft,
		AmountUSD:     decimal.Zero,
		AmountLBP:     decimal.Zero,
		TaxUSD:        decimal.Zero,
		TaxLBP:        decimal.Zero,
		ExchangeRate:  res.USDToLBP,
		RateType:      res.Type,
		RateSource:    res.Source,
		DeviceID:      &deviceID,
		SourceEventID: &eventID,
		BusinessDate:  businessDate,
		CreatedAt:     ev.CreatedAt,
	}
}

func postingFor(ev StagedEvent, doc documents.Document, res fx.Resolution, lines []ledger.LineInput) ledger.PostingInput {
	deviceID := doc.DeviceID
	return ledger.PostingInput{
		DocumentID:        doc.ID,
		SourceType:        string(doc.DocType),
		JournalNo:         doc.DocNo,
		JournalDate:       doc.BusinessDate,
		RateType:          res.Type,
		ExchangeRate:      res.USDToLBP,
		Memo:              fmt.Sprintf("%s %s", doc.DocType, doc.DocNo),
		CreatedByDeviceID: deviceID,
		Lines:             lines,
	}
}

// directedLine places the dual amount on the debit side when debit is true,
// on the credit side otherwise.
func directedLine(account uuid.UUID, usd, lbp decimal.Decimal, memo string, debit bool) ledger.LineInput {
	line := ledger.LineInput{AccountID: account, Memo: memo}
	if debit {
		line.DebitUSD, line.DebitLBP = usd, lbp
	} else {
		line.CreditUSD, line.CreditLBP = usd, lbp
	}
	return line
}

func tenderRole(method string) (ledger.RoleCode, error) {
	switch method {
	case "cash_usd":
		return ledger.RoleCashUSD, nil
	case "cash_lbp":
		return ledger.RoleCashLBP, nil
	case "card":
		return ledger.RoleCard, nil
	default:
		return "", fmt.Errorf("ingest: unknown tender method %q", method)
	}
}

func requireAccount(defaults ledger.AccountDefaults, role ledger.RoleCode) (uuid.UUID, error) {
	id, ok := defaults[role]
	if !ok || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ledger.ErrMissingAccount, role)
	}
	return id, nil
}

func docPrefix(docType documents.DocType) string {
	switch docType {
	case documents.DocTypeSalesInvoice:
		return "INV"
	case documents.DocTypeSalesReturn:
		return "RET"
	case documents.DocTypeGoodsReceipt:
		return "GRN"
	case documents.DocTypeSupplierInvoice:
		return "SUP"
	case documents.DocTypeCashMovement:
		return "CSH"
	default:
		return "DOC"
	}
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
