package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/vantage-erp/vantage/internal/valuation"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskValuationReconcile rebuilds one stock balance flagged by a
	// provisional posting.
	TaskValuationReconcile = "valuation:reconcile"
	// TaskValuationSweep rebuilds every balance still flagged, as a catch-up
	// for reconcile tasks lost between enqueue and execution.
	TaskValuationSweep = "valuation:reconcile_sweep"
	// TaskLedgerIntegrity re-verifies checksums and balance of recent batches.
	TaskLedgerIntegrity = "ledger:integrity"
)

// ReconcilePayload identifies the stock balance a reconcile task rebuilds.
type ReconcilePayload struct {
	CompanyID   int64 `json:"company_id"`
	ItemID      int64 `json:"item_id"`
	WarehouseID int64 `json:"warehouse_id"`
}

// Key converts the payload back to a valuation key.
func (p ReconcilePayload) Key() valuation.Key {
	return valuation.Key{CompanyID: p.CompanyID, ItemID: p.ItemID, WarehouseID: p.WarehouseID}
}

// NewReconcileTask constructs an Asynq task for one balance rebuild.
func NewReconcileTask(key valuation.Key) (*asynq.Task, error) {
	payload := ReconcilePayload{CompanyID: key.CompanyID, ItemID: key.ItemID, WarehouseID: key.WarehouseID}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskValuationReconcile, body, asynq.Queue(QueueDefault)), nil
}

// NewSweepTask constructs the periodic rebuild sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskValuationSweep, nil, asynq.Queue(QueueDefault))
}

// NewIntegrityTask constructs the periodic ledger integrity task.
func NewIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil, asynq.Queue(QueueDefault))
}
