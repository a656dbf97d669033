// Package valuation prices stock movements against per item/warehouse cost
// state, either as FIFO layers or a single moving average.
package valuation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Method selects how outward movements are priced.
type Method string

const (
	// MethodFIFO prices outward movements from the oldest cost layers first.
	MethodFIFO Method = "FIFO"
	// MethodMovingAverage prices outward movements at the running average.
	MethodMovingAverage Method = "MOVING_AVERAGE"
)

// RateScale is the fractional precision kept on valuation rates.
const RateScale = 6

// MoneyScale is the fractional precision of monetary values derived from
// movements. Rounding happens once, on the total cost, so ledger amounts
// stay exactly reversible.
const MoneyScale = 2

// Key identifies one valuation state.
type Key struct {
	CompanyID   int64 `json:"company_id"`
	ItemID      int64 `json:"item_id"`
	WarehouseID int64 `json:"warehouse_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%d", k.CompanyID, k.ItemID, k.WarehouseID)
}

// Less orders keys so multi-line postings take balance locks in a stable
// global order.
func (k Key) Less(other Key) bool {
	if k.CompanyID != other.CompanyID {
		return k.CompanyID < other.CompanyID
	}
	if k.ItemID != other.ItemID {
		return k.ItemID < other.ItemID
	}
	return k.WarehouseID < other.WarehouseID
}

// Layer is a {quantity, rate} cost slice. Outward movements record the
// slices they consumed so a reversal can restore them exactly.
type Layer struct {
	Qty  decimal.Decimal `json:"qty"`
	Rate decimal.Decimal `json:"rate"`
}

// StoredLayer is a persisted FIFO layer. Seq orders the queue; BatchID tracks
// which posting created the layer so reversals can retract it.
type StoredLayer struct {
	ID         int64
	Key        Key
	Qty        decimal.Decimal
	Rate       decimal.Decimal
	BatchID    uuid.UUID
	Seq        int64
	AcquiredAt time.Time
}

// Balance is the running state per key. Qty moves with every posting;
// AvgRate carries the moving average (and doubles as the informational
// average under FIFO); LastRate is the most recent inward rate and feeds
// provisional pricing when stock is driven negative.
type Balance struct {
	Key          Key             `json:"key"`
	Qty          decimal.Decimal `json:"qty"`
	AvgRate      decimal.Decimal `json:"avg_rate"`
	LastRate     decimal.Decimal `json:"last_rate"`
	LastMovedAt  time.Time       `json:"last_moved_at"`
	NeedsRebuild bool            `json:"needs_rebuild,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MovementResult reports the applied rate and resulting state of one
// movement.
type MovementResult struct {
	Rate        decimal.Decimal
	Value       decimal.Decimal
	Consumed    []Layer
	BalanceQty  decimal.Decimal
	Provisional bool
}

// ReplayMovement is one historical stock row fed into Rebuild.
type ReplayMovement struct {
	Qty         decimal.Decimal
	Rate        decimal.Decimal
	PostingTime time.Time
}

// InsufficientStockError reports an outward movement exceeding availability
// while negative stock is disabled.
type InsufficientStockError struct {
	Key       Key
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("valuation: insufficient stock for item %d in warehouse %d: requested %s, available %s",
		e.Key.ItemID, e.Key.WarehouseID, e.Requested, e.Available)
}

var (
	// ErrBalanceNotFound indicates no valuation state exists for a key yet.
	ErrBalanceNotFound = errors.New("valuation: balance not found")
	// ErrBackdated indicates a movement older than the queue head.
	ErrBackdated = errors.New("valuation: movement predates the last posted movement")
	// ErrInvalidQuantity indicates a non-positive movement quantity.
	ErrInvalidQuantity = errors.New("valuation: quantity must be positive")
	// ErrInvalidRate indicates a negative inward rate.
	ErrInvalidRate = errors.New("valuation: rate must be >= 0")
)
