package documents

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vantage-erp/vantage/internal/ledger"
	"github.com/vantage-erp/vantage/internal/mappings"
	"github.com/vantage-erp/vantage/internal/valuation"
)

// buildPostingBatch derives the ledger effect of a document. All account
// resolution goes through the snapshot taken for this call; all stock
// movements go through the valuation engine bound to this transaction.
func buildPostingBatch(ctx context.Context, doc *Document, snap *mappings.Snapshot, eng *valuation.Engine, batchID uuid.UUID, at time.Time) (ledger.Batch, error) {
	b := &batchBuilder{batch: ledger.Batch{
		ID:         batchID,
		DocumentID: doc.ID,
		Kind:       ledger.KindPosting,
		CompanyID:  doc.CompanyID,
		PostedAt:   at,
		Memo:       fmt.Sprintf("%s %s", doc.Kind, doc.Number),
	}}

	var err error
	switch doc.Kind {
	case KindJournal:
		err = buildJournal(b, doc)
	case KindSalesInvoice:
		err = buildSalesInvoice(ctx, b, doc, snap, eng)
	case KindPurchaseReceipt:
		err = buildPurchaseReceipt(ctx, b, doc, snap, eng, batchID)
	case KindStockEntry:
		err = buildStockEntry(ctx, b, doc, snap, eng, batchID)
	default:
		err = fmt.Errorf("documents: no posting rule for kind %q", doc.Kind)
	}
	if err != nil {
		return ledger.Batch{}, err
	}
	if len(b.batch.Rows) == 0 && len(b.batch.StockRows) == 0 {
		return ledger.Batch{}, &ValidationError{
			DocumentID: doc.ID,
			Violations: []string{"document produces no ledger effect"},
		}
	}
	return b.batch, nil
}

func buildJournal(b *batchBuilder, doc *Document) error {
	for _, line := range doc.Lines {
		if line.Debit.Sign() > 0 {
			b.debit(line.AccountID, line.PartyID, line.Debit, line.Description)
		} else {
			b.credit(line.AccountID, line.PartyID, line.Credit, line.Description)
		}
	}
	return nil
}

func buildSalesInvoice(ctx context.Context, b *batchBuilder, doc *Document, snap *mappings.Snapshot, eng *valuation.Engine) error {
	receivable, err := snap.Account(mappings.RoleReceivable, "")
	if err != nil {
		return err
	}

	net := decimal.Zero
	for _, line := range doc.Lines {
		amount := line.Amount()
		income, err := snap.Account(mappings.RoleIncome, line.ItemGroup)
		if err != nil {
			return err
		}
		b.credit(income, nil, amount, line.Description)
		net = net.Add(amount)
	}

	grand := net
	for _, tax := range doc.Taxes {
		amount := tax.Amount
		if tax.ChargeType == ChargeOnNetTotal {
			amount = net.Mul(tax.Rate).Div(decimal.NewFromInt(100)).Round(valuation.MoneyScale)
		}
		account := tax.AccountID
		if account == 0 {
			if account, err = snap.Account(mappings.RoleTax, ""); err != nil {
				return err
			}
		}
		b.credit(account, nil, amount, tax.Description)
		grand = grand.Add(amount)
	}

	b.debit(receivable, doc.PartyID, grand, "")

	// Update-stock lines also relieve inventory at cost.
	settings := snap.Settings
	for _, line := range doc.Lines {
		if line.WarehouseID == 0 {
			continue
		}
		key := valuation.Key{CompanyID: doc.CompanyID, ItemID: line.ItemID, WarehouseID: line.WarehouseID}
		out, err := eng.Outward(ctx, key, settings.ValuationMethod, line.Qty, doc.PostingTime, settings.AllowNegativeStock)
		if err != nil {
			return err
		}
		b.stock(ledger.StockRow{
			Key:         key,
			Qty:         line.Qty.Neg(),
			Rate:        out.Rate,
			Value:       out.Value.Neg(),
			BalanceQty:  out.BalanceQty,
			Provisional: out.Provisional,
			Consumed:    out.Consumed,
			PostingTime: doc.PostingTime,
		})
		inventory, err := snap.Account(mappings.RoleInventory, warehouseDim(line.WarehouseID))
		if err != nil {
			return err
		}
		cogs, err := snap.Account(mappings.RoleCOGS, line.ItemGroup)
		if err != nil {
			return err
		}
		b.pair(cogs, inventory, out.Value, line.Description)
	}

	return nil
}

func buildPurchaseReceipt(ctx context.Context, b *batchBuilder, doc *Document, snap *mappings.Snapshot, eng *valuation.Engine, batchID uuid.UUID) error {
	settings := snap.Settings
	received, err := snap.Account(mappings.RoleStockReceived, "")
	if err != nil {
		return err
	}
	for _, line := range doc.Lines {
		key := valuation.Key{CompanyID: doc.CompanyID, ItemID: line.ItemID, WarehouseID: line.WarehouseID}
		in, err := eng.Inward(ctx, key, settings.ValuationMethod, line.Qty, line.Rate, doc.PostingTime, batchID)
		if err != nil {
			return err
		}
		b.stock(ledger.StockRow{
			Key:         key,
			Qty:         line.Qty,
			Rate:        in.Rate,
			Value:       in.Value,
			BalanceQty:  in.BalanceQty,
			PostingTime: doc.PostingTime,
		})
		inventory, err := snap.Account(mappings.RoleInventory, warehouseDim(line.WarehouseID))
		if err != nil {
			return err
		}
		b.pair(inventory, received, in.Value, line.Description)
	}
	return nil
}

func buildStockEntry(ctx context.Context, b *batchBuilder, doc *Document, snap *mappings.Snapshot, eng *valuation.Engine, batchID uuid.UUID) error {
	settings := snap.Settings
	for _, line := range doc.Lines {
		switch {
		case line.SourceID != 0 && line.TargetID != 0:
			srcKey := valuation.Key{CompanyID: doc.CompanyID, ItemID: line.ItemID, WarehouseID: line.SourceID}
			dstKey := valuation.Key{CompanyID: doc.CompanyID, ItemID: line.ItemID, WarehouseID: line.TargetID}
			out, err := eng.Outward(ctx, srcKey, settings.ValuationMethod, line.Qty, doc.PostingTime, settings.AllowNegativeStock)
			if err != nil {
				return err
			}
			b.stock(ledger.StockRow{
				Key:         srcKey,
				Qty:         line.Qty.Neg(),
				Rate:        out.Rate,
				Value:       out.Value.Neg(),
				BalanceQty:  out.BalanceQty,
				Provisional: out.Provisional,
				Consumed:    out.Consumed,
				PostingTime: doc.PostingTime,
			})
			// Stock enters the target at the rate it left the source.
			in, err := eng.Inward(ctx, dstKey, settings.ValuationMethod, line.Qty, out.Rate, doc.PostingTime, batchID)
			if err != nil {
				return err
			}
			b.stock(ledger.StockRow{
				Key:         dstKey,
				Qty:         line.Qty,
				Rate:        in.Rate,
				Value:       in.Value,
				BalanceQty:  in.BalanceQty,
				PostingTime: doc.PostingTime,
			})
			src, err := snap.Account(mappings.RoleInventory, warehouseDim(line.SourceID))
			if err != nil {
				return err
			}
			dst, err := snap.Account(mappings.RoleInventory, warehouseDim(line.TargetID))
			if err != nil {
				return err
			}
			// Same inventory account on both sides nets to nothing, so the
			// pair is omitted entirely.
			b.pair(dst, src, out.Value, line.Description)

		case line.TargetID != 0:
			key := valuation.Key{CompanyID: doc.CompanyID, ItemID: line.ItemID, WarehouseID: line.TargetID}
			in, err := eng.Inward(ctx, key, settings.ValuationMethod, line.Qty, line.Rate, doc.PostingTime, batchID)
			if err != nil {
				return err
			}
			b.stock(ledger.StockRow{
				Key:         key,
				Qty:         line.Qty,
				Rate:        in.Rate,
				Value:       in.Value,
				BalanceQty:  in.BalanceQty,
				PostingTime: doc.PostingTime,
			})
			inventory, err := snap.Account(mappings.RoleInventory, warehouseDim(line.TargetID))
			if err != nil {
				return err
			}
			adjustment, err := snap.Account(mappings.RoleExpense, line.ItemGroup)
			if err != nil {
				return err
			}
			b.pair(inventory, adjustment, in.Value, line.Description)

		default:
			key := valuation.Key{CompanyID: doc.CompanyID, ItemID: line.ItemID, WarehouseID: line.SourceID}
			out, err := eng.Outward(ctx, key, settings.ValuationMethod, line.Qty, doc.PostingTime, settings.AllowNegativeStock)
			if err != nil {
				return err
			}
			b.stock(ledger.StockRow{
				Key:         key,
				Qty:         line.Qty.Neg(),
				Rate:        out.Rate,
				Value:       out.Value.Neg(),
				BalanceQty:  out.BalanceQty,
				Provisional: out.Provisional,
				Consumed:    out.Consumed,
				PostingTime: doc.PostingTime,
			})
			inventory, err := snap.Account(mappings.RoleInventory, warehouseDim(line.SourceID))
			if err != nil {
				return err
			}
			adjustment, err := snap.Account(mappings.RoleExpense, line.ItemGroup)
			if err != nil {
				return err
			}
			b.pair(adjustment, inventory, out.Value, line.Description)
		}
	}
	return nil
}

// batchBuilder accumulates rows with contiguous sequence numbers. Zero
// amounts and same-account pairs never produce rows.
type batchBuilder struct {
	batch    ledger.Batch
	rowSeq   int
	stockSeq int
}

func (b *batchBuilder) debit(account int64, party *int64, amount decimal.Decimal, memo string) {
	if amount.IsZero() {
		return
	}
	b.rowSeq++
	b.batch.Rows = append(b.batch.Rows, ledger.Row{
		BatchID:   b.batch.ID,
		Seq:       b.rowSeq,
		AccountID: account,
		PartyID:   party,
		Debit:     amount,
		Credit:    decimal.Zero,
		Memo:      memo,
	})
}

func (b *batchBuilder) credit(account int64, party *int64, amount decimal.Decimal, memo string) {
	if amount.IsZero() {
		return
	}
	b.rowSeq++
	b.batch.Rows = append(b.batch.Rows, ledger.Row{
		BatchID:   b.batch.ID,
		Seq:       b.rowSeq,
		AccountID: account,
		PartyID:   party,
		Debit:     decimal.Zero,
		Credit:    amount,
		Memo:      memo,
	})
}

func (b *batchBuilder) pair(debitAccount, creditAccount int64, amount decimal.Decimal, memo string) {
	if amount.IsZero() || debitAccount == creditAccount {
		return
	}
	b.debit(debitAccount, nil, amount, memo)
	b.credit(creditAccount, nil, amount, memo)
}

func (b *batchBuilder) stock(row ledger.StockRow) {
	b.stockSeq++
	row.BatchID = b.batch.ID
	row.Seq = b.stockSeq
	b.batch.StockRows = append(b.batch.StockRows, row)
}

// warehouseDim namespaces a warehouse ID as a mapping dimension, keeping it
// apart from item-group dimensions.
func warehouseDim(id int64) string {
	return "WH:" + strconv.FormatInt(id, 10)
}
