package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/panjf2000/ants/v2"

	jobmetrics "github.com/vantage-erp/vantage/internal/jobs"
	"github.com/vantage-erp/vantage/internal/valuation"
)

// ReconcileService is the slice of the document service the valuation jobs
// drive.
type ReconcileService interface {
	ListValuationRebuilds(ctx context.Context, limit int) ([]valuation.Key, error)
	ReconcileValuation(ctx context.Context, key valuation.Key) (valuation.Balance, error)
}

// Reconciler rebuilds provisional stock balances in the background. Single
// rebuilds arrive as reconcile tasks; the sweep task catches balances whose
// task was lost and fans them out over a worker pool.
type Reconciler struct {
	service ReconcileService
	pool    *ants.Pool
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	batch   int
}

// NewReconciler creates the reconciler with a pool of poolSize workers. The
// sweep lists at most batchSize flagged balances per run.
func NewReconciler(service ReconcileService, poolSize, batchSize int, metrics *jobmetrics.Metrics, logger *slog.Logger) (*Reconciler, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	return &Reconciler{service: service, pool: pool, logger: logger, metrics: metrics, batch: batchSize}, nil
}

// Close releases the worker pool.
func (r *Reconciler) Close() {
	r.pool.Release()
}

// HandleReconcile rebuilds the single balance named by the task payload.
func (r *Reconciler) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	tracker := r.metrics.Track("valuation_reconcile")
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		r.logger.Error("reconcile payload malformed", slog.Any("error", err))
		return tracker.End(asynq.SkipRetry)
	}
	key := payload.Key()
	bal, err := r.service.ReconcileValuation(ctx, key)
	if err != nil {
		r.logger.Error("valuation reconcile failed",
			slog.Int64("company_id", key.CompanyID),
			slog.Int64("item_id", key.ItemID),
			slog.Int64("warehouse_id", key.WarehouseID),
			slog.Any("error", err))
		return tracker.End(err)
	}
	r.logger.Info("valuation rebuilt",
		slog.Int64("item_id", key.ItemID),
		slog.Int64("warehouse_id", key.WarehouseID),
		slog.String("qty", bal.Qty.String()),
		slog.String("avg_rate", bal.AvgRate.String()))
	return tracker.End(nil)
}

// HandleSweep rebuilds every balance still flagged, concurrently on the pool.
func (r *Reconciler) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	tracker := r.metrics.Track("valuation_sweep")
	keys, err := r.service.ListValuationRebuilds(ctx, r.batch)
	if err != nil {
		return tracker.End(err)
	}
	if len(keys) == 0 {
		return tracker.End(nil)
	}
	r.logger.Info("rebuild sweep started", slog.Int("keys", len(keys)))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	record := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	for _, key := range keys {
		key := key
		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			if _, err := r.service.ReconcileValuation(ctx, key); err != nil {
				r.logger.Error("sweep rebuild failed",
					slog.Int64("item_id", key.ItemID),
					slog.Int64("warehouse_id", key.WarehouseID),
					slog.Any("error", err))
				record(err)
			}
		})
		if err != nil {
			wg.Done()
			record(err)
		}
	}
	wg.Wait()
	return tracker.End(firstErr)
}
