package documents

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateRequest represents a request to create a draft document.
type CreateRequest struct {
	CompanyID   int64            `json:"company_id" validate:"required,gt=0"`
	Kind        Kind             `json:"kind" validate:"required,oneof=JOURNAL SALES_INVOICE PURCHASE_RECEIPT STOCK_ENTRY"`
	Number      string           `json:"number,omitempty" validate:"omitempty,max=40"`
	Currency    string           `json:"currency" validate:"required,len=3"`
	PartyID     *int64           `json:"party_id,omitempty" validate:"omitempty,gt=0"`
	PostingTime time.Time        `json:"posting_time" validate:"required"`
	Memo        string           `json:"memo,omitempty" validate:"omitempty,max=500"`
	Lines       []LineRequest    `json:"lines" validate:"required,min=1,dive"`
	Taxes       []TaxLineRequest `json:"taxes,omitempty" validate:"omitempty,dive"`

	// Links name documents this one depends on. A linked document cannot
	// be cancelled while this one is submitted.
	Links []uuid.UUID `json:"links,omitempty"`
}

// LineRequest represents one document line. Which fields matter depends on
// the document kind; Validate on the assembled document enforces that.
type LineRequest struct {
	ItemID      int64           `json:"item_id,omitempty" validate:"omitempty,gt=0"`
	ItemGroup   string          `json:"item_group,omitempty" validate:"omitempty,max=100"`
	Description string          `json:"description,omitempty" validate:"omitempty,max=500"`
	Qty         decimal.Decimal `json:"qty"`
	Rate        decimal.Decimal `json:"rate"`
	AccountID   int64           `json:"account_id,omitempty" validate:"omitempty,gt=0"`
	PartyID     *int64          `json:"party_id,omitempty" validate:"omitempty,gt=0"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	WarehouseID int64           `json:"warehouse_id,omitempty" validate:"omitempty,gt=0"`
	SourceID    int64           `json:"source_warehouse_id,omitempty" validate:"omitempty,gt=0"`
	TargetID    int64           `json:"target_warehouse_id,omitempty" validate:"omitempty,gt=0"`
}

// TaxLineRequest represents one tax or charge line on an invoice.
type TaxLineRequest struct {
	ChargeType  ChargeType      `json:"charge_type" validate:"required,oneof=ON_NET_TOTAL ACTUAL"`
	AccountID   int64           `json:"account_id,omitempty" validate:"omitempty,gt=0"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty" validate:"omitempty,max=200"`
}

// TransitionRequest carries the version the caller last observed. The
// transition fails with a conflict if the document moved on since.
type TransitionRequest struct {
	ExpectedVersion int64 `json:"expected_version" validate:"required,gt=0"`
}

func (r CreateRequest) toDocument() Document {
	doc := Document{
		CompanyID:   r.CompanyID,
		Kind:        r.Kind,
		Number:      r.Number,
		Currency:    r.Currency,
		PartyID:     r.PartyID,
		PostingTime: r.PostingTime,
		Memo:        r.Memo,
		Lines:       make([]Line, len(r.Lines)),
		Taxes:       make([]TaxLine, len(r.Taxes)),
	}
	for i, line := range r.Lines {
		doc.Lines[i] = Line{
			Seq:         i + 1,
			ItemID:      line.ItemID,
			ItemGroup:   line.ItemGroup,
			Description: line.Description,
			Qty:         line.Qty,
			Rate:        line.Rate,
			AccountID:   line.AccountID,
			PartyID:     line.PartyID,
			Debit:       line.Debit,
			Credit:      line.Credit,
			WarehouseID: line.WarehouseID,
			SourceID:    line.SourceID,
			TargetID:    line.TargetID,
		}
	}
	for i, tax := range r.Taxes {
		doc.Taxes[i] = TaxLine{
			Seq:         i + 1,
			ChargeType:  tax.ChargeType,
			AccountID:   tax.AccountID,
			Rate:        tax.Rate,
			Amount:      tax.Amount,
			Description: tax.Description,
		}
	}
	return doc
}
