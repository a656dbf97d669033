package jobs

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/vantage-erp/vantage/internal/jobs"
	"github.com/vantage-erp/vantage/internal/ledger"
)

// IntegrityStore is the ledger surface the integrity sweep reads.
type IntegrityStore interface {
	ListBatchIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
	GetBatchByID(ctx context.Context, id uuid.UUID) (ledger.Batch, error)
}

// IntegrityChecker re-verifies recorded posting batches: every batch must
// still balance and match its stored checksum. A fault means the ledger was
// altered outside the posting path; it is logged and counted, never repaired.
type IntegrityChecker struct {
	store       IntegrityStore
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	batchLimit  int
	concurrency int
}

// NewIntegrityChecker creates a checker scanning up to batchLimit recent
// batches per run.
func NewIntegrityChecker(store IntegrityStore, batchLimit, concurrency int, metrics *jobmetrics.Metrics, logger *slog.Logger) *IntegrityChecker {
	if batchLimit <= 0 {
		batchLimit = 200
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &IntegrityChecker{store: store, logger: logger, metrics: metrics, batchLimit: batchLimit, concurrency: concurrency}
}

// HandleIntegrity runs one verification pass as an Asynq task.
func (c *IntegrityChecker) HandleIntegrity(ctx context.Context, _ *asynq.Task) error {
	tracker := c.metrics.Track("ledger_integrity")
	faults, err := c.Check(ctx)
	if err != nil {
		return tracker.End(err)
	}
	if faults > 0 {
		c.logger.Error("ledger integrity faults detected", slog.Int("faults", faults))
	}
	return tracker.End(nil)
}

// Check verifies the most recent batches and reports how many failed. Faults
// are counted, not returned as an error: a corrupt batch will not heal on
// retry.
func (c *IntegrityChecker) Check(ctx context.Context) (int, error) {
	ids, err := c.store.ListBatchIDs(ctx, c.batchLimit)
	if err != nil {
		return 0, err
	}

	faults := make(chan uuid.UUID, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			batch, err := c.store.GetBatchByID(ctx, id)
			if err != nil {
				return err
			}
			if err := batch.VerifyChecksum(); err != nil {
				c.logger.Error("batch failed verification",
					slog.String("batch_id", id.String()),
					slog.String("document_id", batch.DocumentID.String()),
					slog.Any("error", err))
				faults <- id
				return nil
			}
			if err := batch.Validate(); err != nil {
				c.logger.Error("batch no longer balances",
					slog.String("batch_id", id.String()),
					slog.String("document_id", batch.DocumentID.String()),
					slog.Any("error", err))
				faults <- id
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(faults)

	count := len(faults)
	c.metrics.AddIntegrityFaults(count)
	return count, nil
}
