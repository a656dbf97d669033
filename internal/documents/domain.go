package documents

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/vantage-erp/vantage/internal/valuation"
)

// Kind narrows what a document may contain and how it posts.
type Kind string

const (
	KindJournal         Kind = "JOURNAL"
	KindSalesInvoice    Kind = "SALES_INVOICE"
	KindPurchaseReceipt Kind = "PURCHASE_RECEIPT"
	KindStockEntry      Kind = "STOCK_ENTRY"
)

// Status is the lifecycle state. Draft documents are mutable and carry no
// ledger effect. Submitted documents are frozen with exactly one posting
// batch. Cancelled documents keep their batches plus one reversal batch.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSubmitted Status = "SUBMITTED"
	StatusCancelled Status = "CANCELLED"
)

// ChargeType selects how a tax line computes its amount.
type ChargeType string

const (
	ChargeOnNetTotal ChargeType = "ON_NET_TOTAL"
	ChargeActual     ChargeType = "ACTUAL"
)

// RefKind tags what a document reference points at.
type RefKind string

const (
	RefNone        RefKind = "NONE"
	RefAmendedFrom RefKind = "AMENDED_FROM"
)

// DocumentRef is a tagged reference to another document. The zero value
// means the document stands alone.
type DocumentRef struct {
	Kind RefKind   `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// AmendedFrom marks a document as the amendment of a cancelled one.
func AmendedFrom(id uuid.UUID) DocumentRef {
	return DocumentRef{Kind: RefAmendedFrom, ID: id}
}

func (r DocumentRef) IsZero() bool {
	return r.Kind == "" || r.Kind == RefNone
}

// Line is one row of a document. Which fields matter depends on the kind:
// journals use account and debit/credit, trade documents use item, qty and
// rate, stock entries add source and target warehouses.
type Line struct {
	ID          int64           `json:"id"`
	DocumentID  uuid.UUID       `json:"document_id"`
	Seq         int             `json:"seq"`
	ItemID      int64           `json:"item_id,omitempty"`
	ItemGroup   string          `json:"item_group,omitempty"`
	Description string          `json:"description,omitempty"`
	Qty         decimal.Decimal `json:"qty"`
	Rate        decimal.Decimal `json:"rate"`
	AccountID   int64           `json:"account_id,omitempty"`
	PartyID     *int64          `json:"party_id,omitempty"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	WarehouseID int64           `json:"warehouse_id,omitempty"`
	SourceID    int64           `json:"source_warehouse_id,omitempty"`
	TargetID    int64           `json:"target_warehouse_id,omitempty"`
}

// Amount is the financial value of a trade line.
func (l Line) Amount() decimal.Decimal {
	return l.Qty.Mul(l.Rate).Round(2)
}

// TaxLine is one tax or charge row of an invoice.
type TaxLine struct {
	ID          int64           `json:"id"`
	DocumentID  uuid.UUID       `json:"document_id"`
	Seq         int             `json:"seq"`
	ChargeType  ChargeType      `json:"charge_type"`
	AccountID   int64           `json:"account_id,omitempty"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// Document is the unit the state machine moves. Version increments on every
// status change and backs the optimistic concurrency check.
type Document struct {
	ID          uuid.UUID   `json:"id"`
	CompanyID   int64       `json:"company_id"`
	Kind        Kind        `json:"kind"`
	Number      string      `json:"number"`
	Status      Status      `json:"status"`
	Version     int64       `json:"version"`
	Currency    string      `json:"currency"`
	PartyID     *int64      `json:"party_id,omitempty"`
	PostingTime time.Time   `json:"posting_time"`
	Memo        string      `json:"memo,omitempty"`
	Ref         DocumentRef `json:"ref"`
	Lines       []Line      `json:"lines"`
	Taxes       []TaxLine   `json:"taxes,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ValidationError lists every rule a document broke, each violation naming
// the offending line.
type ValidationError struct {
	DocumentID uuid.UUID
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("documents: validation failed: %s", strings.Join(e.Violations, "; "))
}

// Validate checks the document against the rules of its kind. It gathers
// all violations instead of stopping at the first.
func (d *Document) Validate() error {
	var v []string
	if d.CompanyID <= 0 {
		v = append(v, "company is required")
	}
	switch d.Kind {
	case KindJournal, KindSalesInvoice, KindPurchaseReceipt, KindStockEntry:
	default:
		v = append(v, fmt.Sprintf("unknown kind %q", d.Kind))
	}
	if _, err := currency.ParseISO(d.Currency); err != nil {
		v = append(v, fmt.Sprintf("currency %q is not ISO 4217", d.Currency))
	}
	if d.PostingTime.IsZero() {
		v = append(v, "posting time is required")
	}
	if len(d.Lines) == 0 {
		v = append(v, "at least one line is required")
	}
	if len(d.Taxes) > 0 && d.Kind != KindSalesInvoice {
		v = append(v, "taxes apply only to invoices")
	}

	switch d.Kind {
	case KindJournal:
		v = append(v, d.validateJournal()...)
	case KindSalesInvoice:
		v = append(v, d.validateSalesInvoice()...)
	case KindPurchaseReceipt:
		v = append(v, d.validatePurchaseReceipt()...)
	case KindStockEntry:
		v = append(v, d.validateStockEntry()...)
	}

	if len(v) > 0 {
		return &ValidationError{DocumentID: d.ID, Violations: v}
	}
	return nil
}

func (d *Document) validateJournal() []string {
	var v []string
	if len(d.Lines) < 2 {
		v = append(v, "journal needs at least two lines")
	}
	var debit, credit decimal.Decimal
	for i, line := range d.Lines {
		n := lineNo(line, i)
		if line.AccountID <= 0 {
			v = append(v, fmt.Sprintf("line %d: account is required", n))
		}
		if line.Debit.Sign() < 0 || line.Credit.Sign() < 0 {
			v = append(v, fmt.Sprintf("line %d: negative amount", n))
		}
		if (line.Debit.Sign() > 0) == (line.Credit.Sign() > 0) {
			v = append(v, fmt.Sprintf("line %d: exactly one of debit or credit must be set", n))
		}
		if scaleExceeds(line.Debit, 2) || scaleExceeds(line.Credit, 2) {
			v = append(v, fmt.Sprintf("line %d: amounts carry more than 2 decimal places", n))
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Equal(credit) {
		v = append(v, fmt.Sprintf("unbalanced: debit %s, credit %s, difference %s",
			debit.StringFixed(2), credit.StringFixed(2), debit.Sub(credit).StringFixed(2)))
	}
	return v
}

func (d *Document) validateSalesInvoice() []string {
	var v []string
	if d.PartyID == nil {
		v = append(v, "customer is required")
	}
	for i, line := range d.Lines {
		n := lineNo(line, i)
		v = append(v, validateTradeLine(line, n, false)...)
	}
	for i, tax := range d.Taxes {
		n := tax.Seq
		if n == 0 {
			n = i + 1
		}
		switch tax.ChargeType {
		case ChargeOnNetTotal:
			if tax.Rate.Sign() < 0 {
				v = append(v, fmt.Sprintf("tax %d: negative rate", n))
			}
		case ChargeActual:
			if tax.Amount.Sign() < 0 {
				v = append(v, fmt.Sprintf("tax %d: negative amount", n))
			}
			if scaleExceeds(tax.Amount, 2) {
				v = append(v, fmt.Sprintf("tax %d: amount carries more than 2 decimal places", n))
			}
		default:
			v = append(v, fmt.Sprintf("tax %d: unknown charge type %q", n, tax.ChargeType))
		}
	}
	return v
}

func (d *Document) validatePurchaseReceipt() []string {
	var v []string
	if d.PartyID == nil {
		v = append(v, "supplier is required")
	}
	for i, line := range d.Lines {
		n := lineNo(line, i)
		v = append(v, validateTradeLine(line, n, true)...)
	}
	return v
}

func (d *Document) validateStockEntry() []string {
	var v []string
	for i, line := range d.Lines {
		n := lineNo(line, i)
		if line.ItemID <= 0 {
			v = append(v, fmt.Sprintf("line %d: item is required", n))
		}
		if line.Qty.Sign() <= 0 {
			v = append(v, fmt.Sprintf("line %d: quantity must be positive", n))
		}
		if scaleExceeds(line.Qty, 6) {
			v = append(v, fmt.Sprintf("line %d: quantity carries more than 6 decimal places", n))
		}
		if line.SourceID == 0 && line.TargetID == 0 {
			v = append(v, fmt.Sprintf("line %d: source or target warehouse is required", n))
		}
		if line.SourceID != 0 && line.SourceID == line.TargetID {
			v = append(v, fmt.Sprintf("line %d: source and target warehouses are the same", n))
		}
		if line.SourceID == 0 && line.Rate.Sign() < 0 {
			v = append(v, fmt.Sprintf("line %d: negative rate", n))
		}
		if scaleExceeds(line.Rate, 6) {
			v = append(v, fmt.Sprintf("line %d: rate carries more than 6 decimal places", n))
		}
	}
	return v
}

func validateTradeLine(line Line, n int, needWarehouse bool) []string {
	var v []string
	if line.ItemID <= 0 {
		v = append(v, fmt.Sprintf("line %d: item is required", n))
	}
	if line.Qty.Sign() <= 0 {
		v = append(v, fmt.Sprintf("line %d: quantity must be positive", n))
	}
	if line.Rate.Sign() < 0 {
		v = append(v, fmt.Sprintf("line %d: negative rate", n))
	}
	if scaleExceeds(line.Qty, 6) {
		v = append(v, fmt.Sprintf("line %d: quantity carries more than 6 decimal places", n))
	}
	if scaleExceeds(line.Rate, 6) {
		v = append(v, fmt.Sprintf("line %d: rate carries more than 6 decimal places", n))
	}
	if needWarehouse && line.WarehouseID <= 0 {
		v = append(v, fmt.Sprintf("line %d: warehouse is required", n))
	}
	return v
}

func lineNo(line Line, i int) int {
	if line.Seq > 0 {
		return line.Seq
	}
	return i + 1
}

func scaleExceeds(d decimal.Decimal, places int32) bool {
	return !d.Equal(d.Round(places))
}

// StockKeys lists the (item, warehouse) pairs the document touches, in the
// deterministic order locks are taken.
func (d *Document) StockKeys() []valuation.Key {
	seen := map[valuation.Key]bool{}
	var keys []valuation.Key
	add := func(itemID, warehouseID int64) {
		if itemID == 0 || warehouseID == 0 {
			return
		}
		key := valuation.Key{CompanyID: d.CompanyID, ItemID: itemID, WarehouseID: warehouseID}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for _, line := range d.Lines {
		switch d.Kind {
		case KindSalesInvoice, KindPurchaseReceipt:
			add(line.ItemID, line.WarehouseID)
		case KindStockEntry:
			add(line.ItemID, line.SourceID)
			add(line.ItemID, line.TargetID)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
