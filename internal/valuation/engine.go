package valuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the transactional persistence surface for valuation state. The
// Postgres implementation locks the balance row, so concurrent postings
// against the same key serialise here and nowhere wider.
type Store interface {
	GetBalanceForUpdate(ctx context.Context, key Key) (Balance, error)
	UpsertBalance(ctx context.Context, bal Balance) error
	ListLayers(ctx context.Context, key Key) ([]StoredLayer, error)
	InsertLayer(ctx context.Context, layer StoredLayer) error
	UpdateLayerQty(ctx context.Context, id int64, qty decimal.Decimal) error
	DeleteLayer(ctx context.Context, id int64) error
	DeleteLayers(ctx context.Context, key Key) error
	ListNeedingRebuild(ctx context.Context, limit int) ([]Key, error)
}

// ErrMissingConsumption indicates an outward row without its consumption
// record, which makes an exact reversal impossible.
var ErrMissingConsumption = errors.New("valuation: outward movement lacks a consumption record")

// Engine mutates valuation state. Construct one per transaction, bound to
// that transaction's Store.
type Engine struct {
	store Store
}

// NewEngine binds an Engine to a transactional store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Inward registers incoming quantity at the supplied rate: a new FIFO layer,
// or a moving-average blend.
func (e *Engine) Inward(ctx context.Context, key Key, method Method, qty, rate decimal.Decimal, at time.Time, batchID uuid.UUID) (MovementResult, error) {
	if qty.Sign() <= 0 {
		return MovementResult{}, ErrInvalidQuantity
	}
	if rate.Sign() < 0 {
		return MovementResult{}, ErrInvalidRate
	}
	bal, err := e.loadBalance(ctx, key)
	if err != nil {
		return MovementResult{}, err
	}
	if at.Before(bal.LastMovedAt) {
		return MovementResult{}, fmt.Errorf("%w: %s posts at %s, queue head at %s", ErrBackdated, key, at, bal.LastMovedAt)
	}
	rate = rate.Round(RateScale)

	if method == MethodFIFO {
		layers, err := e.store.ListLayers(ctx, key)
		if err != nil {
			return MovementResult{}, err
		}
		seq := int64(1)
		if len(layers) > 0 {
			seq = layers[len(layers)-1].Seq + 1
		}
		layer := StoredLayer{Key: key, Qty: qty, Rate: rate, BatchID: batchID, Seq: seq, AcquiredAt: at}
		if err := e.store.InsertLayer(ctx, layer); err != nil {
			return MovementResult{}, err
		}
	}

	bal.AvgRate = blendAverage(bal.Qty, bal.AvgRate, qty, qty.Mul(rate))
	bal.Qty = bal.Qty.Add(qty)
	bal.LastRate = rate
	bal.LastMovedAt = at
	if err := e.store.UpsertBalance(ctx, bal); err != nil {
		return MovementResult{}, err
	}
	return MovementResult{
		Rate:       rate,
		Value:      qty.Mul(rate).Round(MoneyScale),
		BalanceQty: bal.Qty,
	}, nil
}

// Outward prices and registers outgoing quantity. Under FIFO it consumes
// head layers, splitting the last one when needed; the applied rate is the
// weighted average of the consumed slices. Under moving average it prices at
// the current average. Quantity beyond availability fails with
// InsufficientStockError unless allowNegative is set, in which case the
// shortfall is priced at the last known rate and the movement is flagged
// provisional for later reconciliation.
func (e *Engine) Outward(ctx context.Context, key Key, method Method, qty decimal.Decimal, at time.Time, allowNegative bool) (MovementResult, error) {
	if qty.Sign() <= 0 {
		return MovementResult{}, ErrInvalidQuantity
	}
	bal, err := e.loadBalance(ctx, key)
	if err != nil {
		return MovementResult{}, err
	}
	if at.Before(bal.LastMovedAt) {
		return MovementResult{}, fmt.Errorf("%w: %s posts at %s, queue head at %s", ErrBackdated, key, at, bal.LastMovedAt)
	}
	if !allowNegative && bal.Qty.LessThan(qty) {
		return MovementResult{}, &InsufficientStockError{Key: key, Requested: qty, Available: bal.Qty}
	}

	var totalCost decimal.Decimal
	var consumed []Layer
	provisional := false

	switch method {
	case MethodFIFO:
		layers, err := e.store.ListLayers(ctx, key)
		if err != nil {
			return MovementResult{}, err
		}
		remaining := qty
		for _, layer := range layers {
			if remaining.Sign() == 0 {
				break
			}
			take := decimal.Min(layer.Qty, remaining)
			totalCost = totalCost.Add(take.Mul(layer.Rate))
			consumed = append(consumed, Layer{Qty: take, Rate: layer.Rate})
			if take.Equal(layer.Qty) {
				if err := e.store.DeleteLayer(ctx, layer.ID); err != nil {
					return MovementResult{}, err
				}
			} else {
				if err := e.store.UpdateLayerQty(ctx, layer.ID, layer.Qty.Sub(take)); err != nil {
					return MovementResult{}, err
				}
			}
			remaining = remaining.Sub(take)
		}
		if remaining.Sign() > 0 {
			fallback := bal.LastRate
			if fallback.IsZero() {
				fallback = bal.AvgRate
			}
			totalCost = totalCost.Add(remaining.Mul(fallback))
			consumed = append(consumed, Layer{Qty: remaining, Rate: fallback})
			provisional = true
		}
	case MethodMovingAverage:
		rate := bal.AvgRate
		if bal.Qty.LessThan(qty) {
			provisional = true
			if rate.IsZero() {
				rate = bal.LastRate
			}
		}
		totalCost = qty.Mul(rate)
		consumed = []Layer{{Qty: qty, Rate: rate.Round(RateScale)}}
	default:
		return MovementResult{}, fmt.Errorf("valuation: unknown method %q", method)
	}

	bal.Qty = bal.Qty.Sub(qty)
	if method == MethodMovingAverage && bal.Qty.Sign() <= 0 && !provisional {
		bal.AvgRate = decimal.Zero
	}
	if provisional {
		bal.NeedsRebuild = true
	}
	bal.LastMovedAt = at
	if err := e.store.UpsertBalance(ctx, bal); err != nil {
		return MovementResult{}, err
	}
	return MovementResult{
		Rate:        totalCost.Div(qty).Round(RateScale),
		Value:       totalCost.Round(MoneyScale),
		Consumed:    consumed,
		BalanceQty:  bal.Qty,
		Provisional: provisional,
	}, nil
}

// ReverseOutward puts the recorded consumption slices back at the head of
// the queue, in their original order, restoring the state an outward
// movement took. Rates come from the record, never from recomputation.
// Restored layers carry the batchID the caller passes; a reversal passes
// the original batch's ID so ReverseInward can still find the stock.
func (e *Engine) ReverseOutward(ctx context.Context, key Key, method Method, consumed []Layer, at time.Time, batchID uuid.UUID) (MovementResult, error) {
	if len(consumed) == 0 {
		return MovementResult{}, ErrMissingConsumption
	}
	bal, err := e.loadBalance(ctx, key)
	if err != nil {
		return MovementResult{}, err
	}
	if at.Before(bal.LastMovedAt) {
		at = bal.LastMovedAt
	}

	var totalQty, totalCost decimal.Decimal
	for _, slice := range consumed {
		if slice.Qty.Sign() <= 0 {
			return MovementResult{}, ErrInvalidQuantity
		}
		totalQty = totalQty.Add(slice.Qty)
		totalCost = totalCost.Add(slice.Qty.Mul(slice.Rate))
	}

	if method == MethodFIFO {
		layers, err := e.store.ListLayers(ctx, key)
		if err != nil {
			return MovementResult{}, err
		}
		headSeq := int64(1)
		if len(layers) > 0 {
			headSeq = layers[0].Seq
		}
		start := headSeq - int64(len(consumed))
		for i, slice := range consumed {
			layer := StoredLayer{Key: key, Qty: slice.Qty, Rate: slice.Rate, BatchID: batchID, Seq: start + int64(i), AcquiredAt: at}
			if err := e.store.InsertLayer(ctx, layer); err != nil {
				return MovementResult{}, err
			}
		}
	}

	bal.AvgRate = blendAverage(bal.Qty, bal.AvgRate, totalQty, totalCost)
	bal.Qty = bal.Qty.Add(totalQty)
	bal.LastMovedAt = at
	if err := e.store.UpsertBalance(ctx, bal); err != nil {
		return MovementResult{}, err
	}
	return MovementResult{
		Rate:       totalCost.Div(totalQty).Round(RateScale),
		Value:      totalCost.Round(MoneyScale),
		BalanceQty: bal.Qty,
	}, nil
}

// ReverseInward retracts the quantity an inward movement added, targeting
// the layers the original batch created. A shortfall means later movements
// already consumed part of that stock; the balance still moves by the full
// quantity and the key is flagged for rebuild.
func (e *Engine) ReverseInward(ctx context.Context, key Key, method Method, qty, rate decimal.Decimal, at time.Time, originalBatchID uuid.UUID) (MovementResult, error) {
	if qty.Sign() <= 0 {
		return MovementResult{}, ErrInvalidQuantity
	}
	bal, err := e.loadBalance(ctx, key)
	if err != nil {
		return MovementResult{}, err
	}
	if at.Before(bal.LastMovedAt) {
		at = bal.LastMovedAt
	}

	flagged := false
	if method == MethodFIFO {
		layers, err := e.store.ListLayers(ctx, key)
		if err != nil {
			return MovementResult{}, err
		}
		removed := decimal.Zero
		for _, layer := range layers {
			if layer.BatchID != originalBatchID {
				continue
			}
			if removed.GreaterThanOrEqual(qty) {
				break
			}
			take := decimal.Min(layer.Qty, qty.Sub(removed))
			if take.Equal(layer.Qty) {
				if err := e.store.DeleteLayer(ctx, layer.ID); err != nil {
					return MovementResult{}, err
				}
			} else {
				if err := e.store.UpdateLayerQty(ctx, layer.ID, layer.Qty.Sub(take)); err != nil {
					return MovementResult{}, err
				}
			}
			removed = removed.Add(take)
		}
		flagged = removed.LessThan(qty)
	} else {
		newQty := bal.Qty.Sub(qty)
		switch {
		case newQty.Sign() > 0 && bal.Qty.Sign() > 0:
			remainder := bal.Qty.Mul(bal.AvgRate).Sub(qty.Mul(rate))
			if remainder.Sign() < 0 {
				bal.AvgRate = decimal.Zero
				flagged = true
			} else {
				bal.AvgRate = remainder.Div(newQty).Round(RateScale)
			}
		case newQty.Sign() == 0:
			bal.AvgRate = decimal.Zero
		default:
			bal.AvgRate = decimal.Zero
			flagged = true
		}
	}

	bal.Qty = bal.Qty.Sub(qty)
	if bal.Qty.Sign() < 0 {
		flagged = true
	}
	if flagged {
		bal.NeedsRebuild = true
	}
	bal.LastMovedAt = at
	if err := e.store.UpsertBalance(ctx, bal); err != nil {
		return MovementResult{}, err
	}
	return MovementResult{
		Rate:        rate,
		Value:       qty.Mul(rate).Round(MoneyScale),
		BalanceQty:  bal.Qty,
		Provisional: flagged,
	}, nil
}

// Rebuild replays a key's full movement history in posting order and
// reconstructs layers, average, and the running balance, clearing the
// rebuild flag. Quantity sold while the balance was negative is carried as
// a deficit and settled against the next covering receipts, so the rebuilt
// layers agree with the running quantity.
func (e *Engine) Rebuild(ctx context.Context, key Key, method Method, history []ReplayMovement) (Balance, error) {
	if err := e.store.DeleteLayers(ctx, key); err != nil {
		return Balance{}, err
	}
	bal := Balance{Key: key}
	var queue []Layer
	var deficit decimal.Decimal
	for _, move := range history {
		switch {
		case move.Qty.Sign() > 0:
			rate := move.Rate.Round(RateScale)
			layerQty := move.Qty
			if deficit.Sign() > 0 {
				settled := decimal.Min(deficit, layerQty)
				deficit = deficit.Sub(settled)
				layerQty = layerQty.Sub(settled)
			}
			if layerQty.Sign() > 0 {
				queue = append(queue, Layer{Qty: layerQty, Rate: rate})
			}
			bal.AvgRate = blendAverage(bal.Qty, bal.AvgRate, move.Qty, move.Qty.Mul(rate))
			bal.LastRate = rate
		case move.Qty.Sign() < 0:
			remaining := move.Qty.Neg()
			for len(queue) > 0 && remaining.Sign() > 0 {
				take := decimal.Min(queue[0].Qty, remaining)
				queue[0].Qty = queue[0].Qty.Sub(take)
				if queue[0].Qty.Sign() == 0 {
					queue = queue[1:]
				}
				remaining = remaining.Sub(take)
			}
			deficit = deficit.Add(remaining)
			if method == MethodMovingAverage && bal.Qty.Sub(move.Qty.Neg()).Sign() <= 0 {
				bal.AvgRate = decimal.Zero
			}
		}
		bal.Qty = bal.Qty.Add(move.Qty)
		if move.PostingTime.After(bal.LastMovedAt) {
			bal.LastMovedAt = move.PostingTime
		}
	}
	if method == MethodFIFO {
		var totalQty, totalCost decimal.Decimal
		for i, layer := range queue {
			stored := StoredLayer{Key: key, Qty: layer.Qty, Rate: layer.Rate, Seq: int64(i + 1), AcquiredAt: bal.LastMovedAt}
			if err := e.store.InsertLayer(ctx, stored); err != nil {
				return Balance{}, err
			}
			totalQty = totalQty.Add(layer.Qty)
			totalCost = totalCost.Add(layer.Qty.Mul(layer.Rate))
		}
		if totalQty.Sign() > 0 {
			bal.AvgRate = totalCost.Div(totalQty).Round(RateScale)
		} else {
			bal.AvgRate = decimal.Zero
		}
	}
	bal.NeedsRebuild = false
	if err := e.store.UpsertBalance(ctx, bal); err != nil {
		return Balance{}, err
	}
	return bal, nil
}

func (e *Engine) loadBalance(ctx context.Context, key Key) (Balance, error) {
	bal, err := e.store.GetBalanceForUpdate(ctx, key)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return Balance{Key: key}, nil
		}
		return Balance{}, err
	}
	return bal, nil
}

// blendAverage folds added cost into a running weighted average. A balance
// at or below zero restarts the average from the incoming cost alone.
func blendAverage(currentQty, currentAvg, addQty, addCost decimal.Decimal) decimal.Decimal {
	newQty := currentQty.Add(addQty)
	if newQty.Sign() <= 0 {
		return decimal.Zero
	}
	if currentQty.Sign() <= 0 {
		if addQty.Sign() > 0 {
			return addCost.Div(addQty).Round(RateScale)
		}
		return decimal.Zero
	}
	return currentQty.Mul(currentAvg).Add(addCost).Div(newQty).Round(RateScale)
}
