package documents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-erp/vantage/internal/ledger"
	"github.com/vantage-erp/vantage/internal/mappings"
	"github.com/vantage-erp/vantage/internal/valuation"
)

// buildReversalBatch negates a posting batch by replaying its stored rows:
// sides swapped, order reversed, amounts untouched. Nothing is recomputed
// from the document, so the net effect is exactly zero even if posting
// rules have changed since.
func buildReversalBatch(ctx context.Context, doc *Document, original ledger.Batch, snap *mappings.Snapshot, eng *valuation.Engine, batchID uuid.UUID, at time.Time) (ledger.Batch, error) {
	if err := original.VerifyChecksum(); err != nil {
		return ledger.Batch{}, fmt.Errorf("%w: %v", ledger.ErrMissingOriginalPosting, err)
	}

	b := &batchBuilder{batch: ledger.Batch{
		ID:         batchID,
		DocumentID: doc.ID,
		Kind:       ledger.KindReversal,
		CompanyID:  doc.CompanyID,
		PostedAt:   at,
		Memo:       fmt.Sprintf("Reversal of %s %s", doc.Kind, doc.Number),
	}}

	for i := len(original.Rows) - 1; i >= 0; i-- {
		row := original.Rows[i]
		if row.Debit.Sign() > 0 {
			b.credit(row.AccountID, row.PartyID, row.Debit, row.Memo)
		} else {
			b.debit(row.AccountID, row.PartyID, row.Credit, row.Memo)
		}
	}

	// Stock rows unwind in reverse so multi-step movements (a transfer's
	// outward then inward) retract in dependency order.
	method := snap.Settings.ValuationMethod
	for i := len(original.StockRows) - 1; i >= 0; i-- {
		row := original.StockRows[i]
		switch {
		case row.Qty.Sign() < 0:
			if len(row.Consumed) == 0 {
				return ledger.Batch{}, fmt.Errorf("%w: stock row %d of batch %s has no consumption record",
					ledger.ErrMissingOriginalPosting, row.Seq, original.ID)
			}
			// Restored slices keep the original batch's tag so a later
			// inward retraction for the same batch sweeps them too.
			res, err := eng.ReverseOutward(ctx, row.Key, method, row.Consumed, at, original.ID)
			if err != nil {
				return ledger.Batch{}, err
			}
			b.stock(ledger.StockRow{
				Key:         row.Key,
				Qty:         row.Qty.Neg(),
				Rate:        row.Rate,
				Value:       row.Value.Neg(),
				BalanceQty:  res.BalanceQty,
				Provisional: res.Provisional,
				PostingTime: at,
			})
		case row.Qty.Sign() > 0:
			res, err := eng.ReverseInward(ctx, row.Key, method, row.Qty, row.Rate, at, original.ID)
			if err != nil {
				return ledger.Batch{}, err
			}
			b.stock(ledger.StockRow{
				Key:         row.Key,
				Qty:         row.Qty.Neg(),
				Rate:        row.Rate,
				Value:       row.Value.Neg(),
				BalanceQty:  res.BalanceQty,
				Provisional: res.Provisional,
				PostingTime: at,
			})
		}
	}

	return b.batch, nil
}
