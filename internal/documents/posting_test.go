package documents

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vantage-erp/vantage/internal/ledger"
	"github.com/vantage-erp/vantage/internal/mappings"
	"github.com/vantage-erp/vantage/internal/valuation"
)

func TestBuildJournalCarriesPartyAndMemo(t *testing.T) {
	snap := testSnapshot(valuation.MethodFIFO, false)
	eng := valuation.NewEngine(newMemoryValuation())

	doc := journalDoc(
		Line{AccountID: 100, PartyID: int64Ptr(555), Debit: dec("25"), Description: "customer advance"},
		Line{AccountID: 200, Credit: dec("25")},
	)
	doc.ID = uuid.New()
	doc.Number = "JV-00001"

	batch, err := buildPostingBatch(context.Background(), &doc, snap, eng, uuid.New(), testTime)
	require.NoError(t, err)

	require.Len(t, batch.Rows, 2)
	require.Equal(t, "customer advance", batch.Rows[0].Memo)
	require.NotNil(t, batch.Rows[0].PartyID)
	require.Equal(t, int64(555), *batch.Rows[0].PartyID)
	require.Nil(t, batch.Rows[1].PartyID)
	require.Equal(t, "JOURNAL JV-00001", batch.Memo)
	require.Equal(t, 1, batch.Rows[0].Seq)
	require.Equal(t, 2, batch.Rows[1].Seq)
}

func TestBuildSalesInvoiceSkipsZeroAmountLines(t *testing.T) {
	snap := testSnapshot(valuation.MethodFIFO, false)
	eng := valuation.NewEngine(newMemoryValuation())

	doc := Document{
		ID:          uuid.New(),
		CompanyID:   1,
		Kind:        KindSalesInvoice,
		Number:      "SINV-00001",
		Currency:    "USD",
		PartyID:     int64Ptr(555),
		PostingTime: testTime,
		Lines: []Line{
			{ItemID: 1, Qty: dec("2"), Rate: dec("0")},
			{ItemID: 2, Qty: dec("1"), Rate: dec("10")},
		},
	}

	batch, err := buildPostingBatch(context.Background(), &doc, snap, eng, uuid.New(), testTime)
	require.NoError(t, err)

	// The free line produces no income row; the receivable carries only the
	// priced line.
	require.Len(t, batch.Rows, 2)
	require.Equal(t, int64(200), batch.Rows[0].AccountID)
	requireDec(t, "10", batch.Rows[0].Credit)
	require.Equal(t, int64(100), batch.Rows[1].AccountID)
	requireDec(t, "10", batch.Rows[1].Debit)
}

func TestBuildBatchRejectsUnknownKind(t *testing.T) {
	snap := testSnapshot(valuation.MethodFIFO, false)
	eng := valuation.NewEngine(newMemoryValuation())

	doc := Document{ID: uuid.New(), CompanyID: 1, Kind: Kind("VOUCHER"), PostingTime: testTime}
	_, err := buildPostingBatch(context.Background(), &doc, snap, eng, uuid.New(), testTime)
	require.Error(t, err)
	require.Contains(t, err.Error(), `no posting rule for kind "VOUCHER"`)
}

func TestBuildTransferOmitsSameAccountPair(t *testing.T) {
	snap := testSnapshot(valuation.MethodFIFO, false)
	val := newMemoryValuation()
	eng := valuation.NewEngine(val)
	ctx := context.Background()

	_, err := eng.Inward(ctx, testStockKey, valuation.MethodFIFO, dec("10"), dec("5"), testTime, uuid.New())
	require.NoError(t, err)

	doc := stockEntryDoc(Line{ItemID: 42, Qty: dec("4"), SourceID: 7, TargetID: 8})
	doc.ID = uuid.New()
	doc.Number = "STE-00001"

	// Both warehouses resolve to the company-wide inventory account, so the
	// transfer is a pure stock movement with no financial rows.
	batch, err := buildPostingBatch(ctx, &doc, snap, eng, uuid.New(), testTime)
	require.NoError(t, err)
	require.Empty(t, batch.Rows)
	require.Len(t, batch.StockRows, 2)
	require.NoError(t, batch.Validate())
}

func TestBuildReceiptFailsWithoutMapping(t *testing.T) {
	// No STOCK_RECEIVED mapping configured.
	snap := mappings.NewSnapshot(
		mappings.CompanySettings{CompanyID: 1, Currency: "USD", ValuationMethod: valuation.MethodFIFO},
		[]mappings.AccountMapping{
			{CompanyID: 1, Role: mappings.RoleInventory, AccountID: 300},
		},
	)
	eng := valuation.NewEngine(newMemoryValuation())

	doc := receiptDoc("10", "5")
	doc.ID = uuid.New()
	doc.Number = "PREC-00001"

	_, err := buildPostingBatch(context.Background(), &doc, snap, eng, uuid.New(), testTime)
	var mapErr *mappings.MappingNotFoundError
	require.ErrorAs(t, err, &mapErr)
	require.Equal(t, mappings.RoleStockReceived, mapErr.Role)
}

func TestBuildReversalRequiresConsumptionRecord(t *testing.T) {
	snap := testSnapshot(valuation.MethodFIFO, false)
	val := newMemoryValuation()
	eng := valuation.NewEngine(val)
	ctx := context.Background()

	_, err := eng.Inward(ctx, testStockKey, valuation.MethodFIFO, dec("10"), dec("5"), testTime, uuid.New())
	require.NoError(t, err)

	doc := stockEntryDoc(Line{ItemID: 42, Qty: dec("4"), SourceID: 7})
	doc.ID = uuid.New()
	doc.Number = "STE-00001"

	original, err := buildPostingBatch(ctx, &doc, snap, eng, uuid.New(), testTime)
	require.NoError(t, err)

	// A stored outward row that lost its consumption record checksums fine
	// but cannot be replayed.
	original.StockRows[0].Consumed = nil
	original.Checksum = original.ComputeChecksum()

	_, err = buildReversalBatch(ctx, &doc, original, snap, eng, uuid.New(), testTime)
	require.ErrorIs(t, err, ledger.ErrMissingOriginalPosting)
	require.Contains(t, err.Error(), "no consumption record")
}

func TestBuildReversalRejectsTamperedOriginal(t *testing.T) {
	snap := testSnapshot(valuation.MethodFIFO, false)
	eng := valuation.NewEngine(newMemoryValuation())
	ctx := context.Background()

	doc := journalDoc(
		Line{AccountID: 810, Debit: dec("10")},
		Line{AccountID: 820, Credit: dec("10")},
	)
	doc.ID = uuid.New()
	doc.Number = "JV-00001"

	original, err := buildPostingBatch(ctx, &doc, snap, eng, uuid.New(), testTime)
	require.NoError(t, err)
	original.Checksum = original.ComputeChecksum()
	original.Rows[0].Debit = dec("999")

	_, err = buildReversalBatch(ctx, &doc, original, snap, eng, uuid.New(), testTime)
	require.ErrorIs(t, err, ledger.ErrMissingOriginalPosting)
}
