package valuation

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/vantage-erp/vantage/internal/platform/db"
)

// PgStore implements Store over a pgx connection source: the pool for
// standalone reads, a transaction when driven by the posting engine.
type PgStore struct {
	q db.Querier
}

func NewPgStore(q db.Querier) *PgStore {
	return &PgStore{q: q}
}

var _ Store = (*PgStore)(nil)

func (s *PgStore) GetBalanceForUpdate(ctx context.Context, key Key) (Balance, error) {
	bal := Balance{Key: key}
	err := s.q.QueryRow(ctx, `SELECT qty, avg_rate, last_rate, last_moved_at, needs_rebuild, updated_at
FROM stock_balances WHERE company_id=$1 AND item_id=$2 AND warehouse_id=$3 FOR UPDATE`,
		key.CompanyID, key.ItemID, key.WarehouseID).
		Scan(&bal.Qty, &bal.AvgRate, &bal.LastRate, &bal.LastMovedAt, &bal.NeedsRebuild, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{Key: key}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return bal, nil
}

func (s *PgStore) UpsertBalance(ctx context.Context, bal Balance) error {
	_, err := s.q.Exec(ctx, `INSERT INTO stock_balances (company_id, item_id, warehouse_id, qty, avg_rate, last_rate, last_moved_at, needs_rebuild, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (company_id, item_id, warehouse_id) DO UPDATE
SET qty=EXCLUDED.qty, avg_rate=EXCLUDED.avg_rate, last_rate=EXCLUDED.last_rate,
    last_moved_at=EXCLUDED.last_moved_at, needs_rebuild=EXCLUDED.needs_rebuild, updated_at=NOW()`,
		bal.Key.CompanyID, bal.Key.ItemID, bal.Key.WarehouseID,
		bal.Qty, bal.AvgRate, bal.LastRate, bal.LastMovedAt, bal.NeedsRebuild)
	return err
}

func (s *PgStore) ListLayers(ctx context.Context, key Key) ([]StoredLayer, error) {
	rows, err := s.q.Query(ctx, `SELECT id, qty, rate, batch_id, seq, acquired_at
FROM valuation_layers WHERE company_id=$1 AND item_id=$2 AND warehouse_id=$3 ORDER BY seq ASC`,
		key.CompanyID, key.ItemID, key.WarehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var layers []StoredLayer
	for rows.Next() {
		layer := StoredLayer{Key: key}
		if err := rows.Scan(&layer.ID, &layer.Qty, &layer.Rate, &layer.BatchID, &layer.Seq, &layer.AcquiredAt); err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

func (s *PgStore) InsertLayer(ctx context.Context, layer StoredLayer) error {
	_, err := s.q.Exec(ctx, `INSERT INTO valuation_layers (company_id, item_id, warehouse_id, qty, rate, batch_id, seq, acquired_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		layer.Key.CompanyID, layer.Key.ItemID, layer.Key.WarehouseID,
		layer.Qty, layer.Rate, layer.BatchID, layer.Seq, layer.AcquiredAt)
	return err
}

func (s *PgStore) UpdateLayerQty(ctx context.Context, id int64, qty decimal.Decimal) error {
	_, err := s.q.Exec(ctx, `UPDATE valuation_layers SET qty=$2 WHERE id=$1`, id, qty)
	return err
}

func (s *PgStore) DeleteLayer(ctx context.Context, id int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM valuation_layers WHERE id=$1`, id)
	return err
}

func (s *PgStore) DeleteLayers(ctx context.Context, key Key) error {
	_, err := s.q.Exec(ctx, `DELETE FROM valuation_layers WHERE company_id=$1 AND item_id=$2 AND warehouse_id=$3`,
		key.CompanyID, key.ItemID, key.WarehouseID)
	return err
}

func (s *PgStore) ListNeedingRebuild(ctx context.Context, limit int) ([]Key, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.Query(ctx, `SELECT company_id, item_id, warehouse_id
FROM stock_balances WHERE needs_rebuild ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.CompanyID, &key.ItemID, &key.WarehouseID); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
