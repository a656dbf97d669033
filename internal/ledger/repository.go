package ledger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vantage-erp/vantage/internal/platform/db"
	"github.com/vantage-erp/vantage/internal/valuation"
)

// TxStore is the batch persistence surface the posting engine drives inside
// a document transaction.
type TxStore interface {
	InsertBatch(ctx context.Context, batch Batch) error
	GetBatch(ctx context.Context, documentID uuid.UUID, kind BatchKind) (Batch, error)
	ListMovementHistory(ctx context.Context, key valuation.Key) ([]valuation.ReplayMovement, error)
}

// PgStore persists batches in PostgreSQL. It runs against the pool or an
// open transaction.
type PgStore struct {
	q db.Querier
}

func NewPgStore(q db.Querier) *PgStore {
	return &PgStore{q: q}
}

var _ TxStore = (*PgStore)(nil)

func (s *PgStore) InsertBatch(ctx context.Context, batch Batch) error {
	_, err := s.q.Exec(ctx, `INSERT INTO ledger_batches (id, document_id, kind, company_id, posted_at, memo, checksum)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		batch.ID, batch.DocumentID, batch.Kind, batch.CompanyID, batch.PostedAt, batch.Memo, batch.Checksum)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_ledger_batches_document_kind" {
			return ErrDuplicateBatch
		}
		return err
	}

	for _, row := range batch.Rows {
		if _, err := s.q.Exec(ctx, `INSERT INTO ledger_rows (batch_id, seq, account_id, party_id, debit, credit, memo)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			batch.ID, row.Seq, row.AccountID, row.PartyID, row.Debit, row.Credit, row.Memo); err != nil {
			return err
		}
	}

	for _, row := range batch.StockRows {
		var consumed []byte
		if len(row.Consumed) > 0 {
			var err error
			if consumed, err = json.Marshal(row.Consumed); err != nil {
				return err
			}
		}
		if _, err := s.q.Exec(ctx, `INSERT INTO stock_movement_rows (batch_id, seq, company_id, item_id, warehouse_id, qty, rate, value, balance_qty, provisional, consumed, posting_time)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			batch.ID, row.Seq, row.Key.CompanyID, row.Key.ItemID, row.Key.WarehouseID,
			row.Qty, row.Rate, row.Value, row.BalanceQty, row.Provisional, consumed, row.PostingTime); err != nil {
			return err
		}
	}

	return nil
}

func (s *PgStore) GetBatch(ctx context.Context, documentID uuid.UUID, kind BatchKind) (Batch, error) {
	var batch Batch
	err := s.q.QueryRow(ctx, `SELECT id, document_id, kind, company_id, posted_at, memo, checksum, created_at
FROM ledger_batches WHERE document_id=$1 AND kind=$2`, documentID, kind).
		Scan(&batch.ID, &batch.DocumentID, &batch.Kind, &batch.CompanyID, &batch.PostedAt, &batch.Memo, &batch.Checksum, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	if batch.Rows, err = s.listRows(ctx, batch.ID); err != nil {
		return Batch{}, err
	}
	if batch.StockRows, err = s.listStockRows(ctx, batch.ID); err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// GetBatchByID loads a full batch for integrity checks.
func (s *PgStore) GetBatchByID(ctx context.Context, id uuid.UUID) (Batch, error) {
	var batch Batch
	err := s.q.QueryRow(ctx, `SELECT id, document_id, kind, company_id, posted_at, memo, checksum, created_at
FROM ledger_batches WHERE id=$1`, id).
		Scan(&batch.ID, &batch.DocumentID, &batch.Kind, &batch.CompanyID, &batch.PostedAt, &batch.Memo, &batch.Checksum, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	if batch.Rows, err = s.listRows(ctx, batch.ID); err != nil {
		return Batch{}, err
	}
	if batch.StockRows, err = s.listStockRows(ctx, batch.ID); err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// ListBatchIDs returns the most recent batch IDs, newest first.
func (s *PgStore) ListBatchIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.Query(ctx, `SELECT id FROM ledger_batches ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListMovementHistory returns every stock movement of a key in posting
// order. Reversal rows are part of the history, so a replay lands on the
// current truth.
func (s *PgStore) ListMovementHistory(ctx context.Context, key valuation.Key) ([]valuation.ReplayMovement, error) {
	rows, err := s.q.Query(ctx, `SELECT qty, rate, posting_time FROM stock_movement_rows
WHERE company_id=$1 AND item_id=$2 AND warehouse_id=$3 ORDER BY posting_time ASC, id ASC`,
		key.CompanyID, key.ItemID, key.WarehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var history []valuation.ReplayMovement
	for rows.Next() {
		var move valuation.ReplayMovement
		if err := rows.Scan(&move.Qty, &move.Rate, &move.PostingTime); err != nil {
			return nil, err
		}
		history = append(history, move)
	}
	return history, rows.Err()
}

func (s *PgStore) listRows(ctx context.Context, batchID uuid.UUID) ([]Row, error) {
	rows, err := s.q.Query(ctx, `SELECT id, batch_id, seq, account_id, party_id, debit, credit, memo
FROM ledger_rows WHERE batch_id=$1 ORDER BY seq ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.ID, &row.BatchID, &row.Seq, &row.AccountID, &row.PartyID, &row.Debit, &row.Credit, &row.Memo); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PgStore) listStockRows(ctx context.Context, batchID uuid.UUID) ([]StockRow, error) {
	rows, err := s.q.Query(ctx, `SELECT id, batch_id, seq, company_id, item_id, warehouse_id, qty, rate, value, balance_qty, provisional, consumed, posting_time
FROM stock_movement_rows WHERE batch_id=$1 ORDER BY seq ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StockRow
	for rows.Next() {
		var row StockRow
		var consumed []byte
		if err := rows.Scan(&row.ID, &row.BatchID, &row.Seq,
			&row.Key.CompanyID, &row.Key.ItemID, &row.Key.WarehouseID,
			&row.Qty, &row.Rate, &row.Value, &row.BalanceQty, &row.Provisional, &consumed, &row.PostingTime); err != nil {
			return nil, err
		}
		if len(consumed) > 0 {
			if err := json.Unmarshal(consumed, &row.Consumed); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
