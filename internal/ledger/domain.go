package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/vantage-erp/vantage/internal/valuation"
)

// BatchKind distinguishes the forward posting of a document from the batch
// that reverses it. At most one batch of each kind exists per document.
type BatchKind string

const (
	KindPosting  BatchKind = "POSTING"
	KindReversal BatchKind = "REVERSAL"
)

var (
	// ErrBatchNotFound indicates no batch of the requested kind exists for
	// the document.
	ErrBatchNotFound = errors.New("ledger: batch not found")

	// ErrDuplicateBatch indicates a batch of this kind was already written
	// for the document. The unique constraint raising it is the backstop
	// behind the document state machine.
	ErrDuplicateBatch = errors.New("ledger: batch already posted for document")

	// ErrChecksumMismatch indicates stored rows no longer digest to the
	// checksum recorded at posting time.
	ErrChecksumMismatch = errors.New("ledger: batch checksum mismatch")

	// ErrMissingOriginalPosting indicates a reversal could not trust or
	// find the batch it must negate.
	ErrMissingOriginalPosting = errors.New("ledger: original posting batch missing or corrupt")
)

// UnbalancedError reports a batch whose debit and credit totals differ.
type UnbalancedError struct {
	BatchID uuid.UUID
	Debit   decimal.Decimal
	Credit  decimal.Decimal
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("ledger: batch %s unbalanced: debit %s, credit %s, difference %s",
		e.BatchID, e.Debit.StringFixed(2), e.Credit.StringFixed(2), e.Debit.Sub(e.Credit).StringFixed(2))
}

// Row is one financial leg of a batch. Exactly one side carries an amount;
// reversals swap the sides rather than post negatives, so rows stay
// non-negative everywhere.
type Row struct {
	ID        int64           `json:"id"`
	BatchID   uuid.UUID       `json:"batch_id"`
	Seq       int             `json:"seq"`
	AccountID int64           `json:"account_id"`
	PartyID   *int64          `json:"party_id,omitempty"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
	Memo      string          `json:"memo,omitempty"`
}

// StockRow is one quantity movement of a batch. Qty and Value are signed:
// positive inward, negative outward. BalanceQty is the running balance of
// the key after the row applied, so prior balance + Qty == BalanceQty holds
// across a key's history. Outward rows keep the consumption record a later
// reversal replays.
type StockRow struct {
	ID          int64             `json:"id"`
	BatchID     uuid.UUID         `json:"batch_id"`
	Seq         int               `json:"seq"`
	Key         valuation.Key     `json:"key"`
	Qty         decimal.Decimal   `json:"qty"`
	Rate        decimal.Decimal   `json:"rate"`
	Value       decimal.Decimal   `json:"value"`
	BalanceQty  decimal.Decimal   `json:"balance_qty"`
	Provisional bool              `json:"provisional,omitempty"`
	Consumed    []valuation.Layer `json:"consumed,omitempty"`
	PostingTime time.Time         `json:"posting_time"`
}

// Batch is the atomic unit of posting: every row of a document lands in one
// batch inside one transaction, or none do.
type Batch struct {
	ID         uuid.UUID  `json:"id"`
	DocumentID uuid.UUID  `json:"document_id"`
	Kind       BatchKind  `json:"kind"`
	CompanyID  int64      `json:"company_id"`
	PostedAt   time.Time  `json:"posted_at"`
	Memo       string     `json:"memo,omitempty"`
	Checksum   string     `json:"checksum"`
	Rows       []Row      `json:"rows"`
	StockRows  []StockRow `json:"stock_rows,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Totals sums both sides of the financial rows.
func (b *Batch) Totals() (debit, credit decimal.Decimal) {
	for _, row := range b.Rows {
		debit = debit.Add(row.Debit)
		credit = credit.Add(row.Credit)
	}
	return debit, credit
}

// Validate enforces the shape every batch must have before it is written:
// at least one row, single-sided non-negative legs, and exactly equal
// totals.
func (b *Batch) Validate() error {
	if len(b.Rows) == 0 && len(b.StockRows) == 0 {
		return errors.New("ledger: batch has no rows")
	}
	for _, row := range b.Rows {
		if row.Debit.Sign() < 0 || row.Credit.Sign() < 0 {
			return fmt.Errorf("ledger: row %d: negative amount", row.Seq)
		}
		if row.Debit.Sign() > 0 && row.Credit.Sign() > 0 {
			return fmt.Errorf("ledger: row %d: debit and credit both set", row.Seq)
		}
	}
	debit, credit := b.Totals()
	if !debit.Equal(credit) {
		return &UnbalancedError{BatchID: b.ID, Debit: debit, Credit: credit}
	}
	return nil
}

// ComputeChecksum digests the batch content with BLAKE2b. Timestamps stay
// out of the digest; they lose precision crossing the database.
func (b *Batch) ComputeChecksum() string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s|%s|%d\n", b.DocumentID, b.Kind, b.CompanyID)
	for _, row := range b.Rows {
		fmt.Fprintf(h, "r|%d|%d|%s|%s|%s\n",
			row.Seq, row.AccountID, formatParty(row.PartyID),
			row.Debit.StringFixed(6), row.Credit.StringFixed(6))
	}
	for _, row := range b.StockRows {
		fmt.Fprintf(h, "s|%d|%s|%s|%s|%s|%s|%t",
			row.Seq, row.Key.String(),
			row.Qty.StringFixed(6), row.Rate.StringFixed(6), row.Value.StringFixed(6),
			row.BalanceQty.StringFixed(6), row.Provisional)
		for _, slice := range row.Consumed {
			fmt.Fprintf(h, "|c:%s@%s", slice.Qty.StringFixed(6), slice.Rate.StringFixed(6))
		}
		fmt.Fprint(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChecksum recomputes the digest and compares it to the stored one.
func (b *Batch) VerifyChecksum() error {
	if b.Checksum != b.ComputeChecksum() {
		return fmt.Errorf("%w: batch %s", ErrChecksumMismatch, b.ID)
	}
	return nil
}

func formatParty(p *int64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatInt(*p, 10)
}
