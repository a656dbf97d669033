package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-erp/vantage/internal/ledger"
	"github.com/vantage-erp/vantage/internal/locks"
	"github.com/vantage-erp/vantage/internal/mappings"
	"github.com/vantage-erp/vantage/internal/observability"
	"github.com/vantage-erp/vantage/internal/outbox"
	"github.com/vantage-erp/vantage/internal/shared"
	"github.com/vantage-erp/vantage/internal/valuation"
)

// Outbox event types emitted on lifecycle transitions.
const (
	EventDocumentSubmitted = "document.submitted"
	EventDocumentCancelled = "document.cancelled"
)

// AuditRecorder persists audit trail entries. Failures never unwind a
// committed transition.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ReconcileEnqueuer schedules a valuation rebuild for a balance left
// provisional by a negative-stock posting.
type ReconcileEnqueuer interface {
	EnqueueValuationReconcile(ctx context.Context, key valuation.Key) error
}

// TransitionResult reports the outcome of a lifecycle operation.
type TransitionResult struct {
	DocumentID uuid.UUID `json:"document_id"`
	NewVersion int64     `json:"new_version"`
	BatchID    uuid.UUID `json:"batch_id"`
	NoOp       bool      `json:"no_op,omitempty"`

	// ProvisionalKeys lists balances the batch priced without sufficient
	// stock; each needs a rebuild once covering receipts arrive.
	ProvisionalKeys []valuation.Key `json:"-"`
}

type transitionEvent struct {
	Event      string    `json:"event"`
	DocumentID uuid.UUID `json:"document_id"`
	Kind       Kind      `json:"kind"`
	Number     string    `json:"number"`
	CompanyID  int64     `json:"company_id"`
	Version    int64     `json:"version"`
	BatchID    uuid.UUID `json:"batch_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Service drives the document lifecycle: drafts, submits, cancels and
// amendments. Every transition runs under the per-document guard and a
// single database transaction, so the posting batch, the status flip and
// the outbox message are atomic.
type Service struct {
	store     Store
	loader    mappings.Loader
	guard     locks.Guard
	observers *ObserverRegistry
	audit     AuditRecorder
	enqueuer  ReconcileEnqueuer
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store Store, loader mappings.Loader, guard locks.Guard, observers *ObserverRegistry, audit AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if observers == nil {
		observers = NewObserverRegistry(logger)
	}
	return &Service{
		store:     store,
		loader:    loader,
		guard:     guard,
		observers: observers,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithMetrics attaches the metrics collector.
func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

// WithEnqueuer attaches the reconcile task enqueuer.
func (s *Service) WithEnqueuer(e ReconcileEnqueuer) *Service {
	s.enqueuer = e
	return s
}

// CreateDraft validates and stores a new draft document. The number is
// assigned from the company series unless the caller supplies one. Links
// name documents this draft depends on; they block cancellation of the
// linked documents while this one is submitted.
func (s *Service) CreateDraft(ctx context.Context, doc Document, links []uuid.UUID) (Document, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	doc.Status = StatusDraft
	doc.Version = 1
	doc.Ref = DocumentRef{Kind: RefNone}
	now := s.now()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if err := doc.Validate(); err != nil {
		return Document{}, err
	}

	err := s.store.WithTx(ctx, func(tx Tx) error {
		if doc.Number == "" {
			number, err := tx.NextNumber(ctx, doc.CompanyID, doc.Kind)
			if err != nil {
				return err
			}
			doc.Number = number
		}
		if err := tx.Insert(ctx, &doc); err != nil {
			return err
		}
		for _, target := range links {
			if err := tx.InsertLink(ctx, doc.ID, target); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}

	s.auditRecord(ctx, "document.create", doc, map[string]any{"number": doc.Number})
	return doc, nil
}

// Get loads a document with its lines and taxes.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	return s.store.Get(ctx, id)
}

// Submit posts a draft: it validates the document, builds the balanced
// posting batch, moves stock, flips the status to SUBMITTED and stages the
// outbox event, all in one transaction. Submitting an already submitted
// document is a no-op that reports the recorded batch.
func (s *Service) Submit(ctx context.Context, documentID uuid.UUID, expectedVersion int64) (TransitionResult, error) {
	release, err := s.acquire(ctx, documentID)
	if err != nil {
		return TransitionResult{}, err
	}
	defer release()

	var (
		doc    Document
		batch  ledger.Batch
		result TransitionResult
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		doc, err = tx.GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}

		switch doc.Status {
		case StatusSubmitted:
			existing, err := tx.Ledger().GetBatch(ctx, documentID, ledger.KindPosting)
			if err != nil && !errors.Is(err, ledger.ErrBatchNotFound) {
				return err
			}
			result = TransitionResult{DocumentID: documentID, NewVersion: doc.Version, BatchID: existing.ID, NoOp: true}
			return nil
		case StatusCancelled:
			return fmt.Errorf("%w: cannot submit a cancelled document", ErrInvalidTransition)
		}

		if doc.Version != expectedVersion {
			return fmt.Errorf("%w: expected version %d, found %d", ErrStaleVersion, expectedVersion, doc.Version)
		}
		if err := doc.Validate(); err != nil {
			return err
		}

		snap, err := s.loader.Load(ctx, doc.CompanyID)
		if err != nil {
			return err
		}
		if err := s.observers.emitPreSubmit(ctx, &doc); err != nil {
			return err
		}

		// Balance rows are locked in key order before the builders touch
		// them, so concurrent submits over the same items cannot deadlock.
		if err := lockStockKeys(ctx, tx.Valuation(), doc.StockKeys()); err != nil {
			return err
		}

		batchID := uuid.New()
		at := s.now()
		batch, err = buildPostingBatch(ctx, &doc, snap, valuation.NewEngine(tx.Valuation()), batchID, at)
		if err != nil {
			return err
		}
		if err := batch.Validate(); err != nil {
			debit, credit := batch.Totals()
			s.logger.Error("posting batch rejected",
				slog.String("document_id", documentID.String()),
				slog.String("kind", string(doc.Kind)),
				slog.String("debit", debit.String()),
				slog.String("credit", credit.String()),
				slog.Int("rows", len(batch.Rows)),
				slog.Any("error", err))
			return err
		}
		batch.Checksum = batch.ComputeChecksum()
		if err := tx.Ledger().InsertBatch(ctx, batch); err != nil {
			return err
		}

		newVersion, err := tx.SetStatus(ctx, documentID, doc.Version, StatusSubmitted)
		if err != nil {
			return err
		}
		result = TransitionResult{
			DocumentID:      documentID,
			NewVersion:      newVersion,
			BatchID:         batchID,
			ProvisionalKeys: provisionalKeys(batch),
		}
		return s.stageEvent(ctx, tx, EventDocumentSubmitted, doc, result, at)
	})
	if err != nil {
		s.observeTransition(doc, "submit", "error")
		return TransitionResult{}, err
	}
	if result.NoOp {
		s.observeTransition(doc, "submit", "noop")
		return result, nil
	}

	doc.Status = StatusSubmitted
	doc.Version = result.NewVersion
	s.observers.emitPostSubmit(ctx, doc, result)
	s.auditRecord(ctx, "document.submit", doc, map[string]any{
		"batch_id": result.BatchID,
		"version":  result.NewVersion,
	})
	s.observeTransition(doc, "submit", "ok")
	s.metrics.ObserveBatchRows(string(ledger.KindPosting), len(batch.Rows)+len(batch.StockRows))
	s.enqueueReconciles(ctx, result.ProvisionalKeys)
	return result, nil
}

// Cancel reverses a submitted document by replaying its recorded posting
// batch with the sides swapped, then flips the status to CANCELLED.
// Cancelling an already cancelled document is a no-op. A document that
// submitted dependents still reference cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, documentID uuid.UUID, expectedVersion int64) (TransitionResult, error) {
	release, err := s.acquire(ctx, documentID)
	if err != nil {
		return TransitionResult{}, err
	}
	defer release()

	var (
		doc    Document
		batch  ledger.Batch
		result TransitionResult
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		doc, err = tx.GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}

		switch doc.Status {
		case StatusCancelled:
			existing, err := tx.Ledger().GetBatch(ctx, documentID, ledger.KindReversal)
			if err != nil && !errors.Is(err, ledger.ErrBatchNotFound) {
				return err
			}
			result = TransitionResult{DocumentID: documentID, NewVersion: doc.Version, BatchID: existing.ID, NoOp: true}
			return nil
		case StatusDraft:
			return fmt.Errorf("%w: cannot cancel a draft", ErrInvalidTransition)
		}

		if doc.Version != expectedVersion {
			return fmt.Errorf("%w: expected version %d, found %d", ErrStaleVersion, expectedVersion, doc.Version)
		}

		dependents, err := tx.ActiveDependents(ctx, documentID)
		if err != nil {
			return err
		}
		if len(dependents) > 0 {
			return &DependencyBlockError{DocumentID: documentID, Blocking: dependents}
		}

		snap, err := s.loader.Load(ctx, doc.CompanyID)
		if err != nil {
			return err
		}
		if err := s.observers.emitPreCancel(ctx, &doc); err != nil {
			return err
		}

		original, err := tx.Ledger().GetBatch(ctx, documentID, ledger.KindPosting)
		if errors.Is(err, ledger.ErrBatchNotFound) {
			return fmt.Errorf("%w: no posting recorded for document %s", ledger.ErrMissingOriginalPosting, documentID)
		}
		if err != nil {
			return err
		}

		if err := lockStockKeys(ctx, tx.Valuation(), batchStockKeys(original)); err != nil {
			return err
		}

		batchID := uuid.New()
		at := s.now()
		batch, err = buildReversalBatch(ctx, &doc, original, snap, valuation.NewEngine(tx.Valuation()), batchID, at)
		if err != nil {
			return err
		}
		if err := batch.Validate(); err != nil {
			debit, credit := batch.Totals()
			s.logger.Error("reversal batch rejected",
				slog.String("document_id", documentID.String()),
				slog.String("original_batch_id", original.ID.String()),
				slog.String("debit", debit.String()),
				slog.String("credit", credit.String()),
				slog.Any("error", err))
			return err
		}
		batch.Checksum = batch.ComputeChecksum()
		if err := tx.Ledger().InsertBatch(ctx, batch); err != nil {
			return err
		}

		newVersion, err := tx.SetStatus(ctx, documentID, doc.Version, StatusCancelled)
		if err != nil {
			return err
		}
		result = TransitionResult{
			DocumentID:      documentID,
			NewVersion:      newVersion,
			BatchID:         batchID,
			ProvisionalKeys: provisionalKeys(batch),
		}
		return s.stageEvent(ctx, tx, EventDocumentCancelled, doc, result, at)
	})
	if err != nil {
		s.observeTransition(doc, "cancel", "error")
		return TransitionResult{}, err
	}
	if result.NoOp {
		s.observeTransition(doc, "cancel", "noop")
		return result, nil
	}

	doc.Status = StatusCancelled
	doc.Version = result.NewVersion
	s.observers.emitPostCancel(ctx, doc, result)
	s.auditRecord(ctx, "document.cancel", doc, map[string]any{
		"batch_id": result.BatchID,
		"version":  result.NewVersion,
	})
	s.observeTransition(doc, "cancel", "ok")
	s.metrics.ObserveBatchRows(string(ledger.KindReversal), len(batch.Rows)+len(batch.StockRows))
	s.enqueueReconciles(ctx, result.ProvisionalKeys)
	return result, nil
}

// Amend creates a fresh draft copied from a cancelled document. The copy
// carries an AMENDED_FROM reference to the original and a numbered suffix;
// a cancelled document may be amended more than once.
func (s *Service) Amend(ctx context.Context, documentID uuid.UUID) (Document, error) {
	release, err := s.acquire(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	defer release()

	var original, amendment Document
	err = s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		original, err = tx.GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if original.Status != StatusCancelled {
			return fmt.Errorf("%w: only cancelled documents can be amended", ErrInvalidTransition)
		}

		n, err := tx.CountAmendments(ctx, documentID)
		if err != nil {
			return err
		}

		now := s.now()
		amendment = original
		amendment.ID = uuid.New()
		amendment.Number = fmt.Sprintf("%s-%d", original.Number, n+1)
		amendment.Status = StatusDraft
		amendment.Version = 1
		amendment.Ref = AmendedFrom(original.ID)
		amendment.CreatedAt = now
		amendment.UpdatedAt = now
		amendment.Lines = make([]Line, len(original.Lines))
		for i, line := range original.Lines {
			line.ID = 0
			line.DocumentID = amendment.ID
			amendment.Lines[i] = line
		}
		amendment.Taxes = make([]TaxLine, len(original.Taxes))
		for i, tax := range original.Taxes {
			tax.ID = 0
			tax.DocumentID = amendment.ID
			amendment.Taxes[i] = tax
		}
		return tx.Insert(ctx, &amendment)
	})
	if err != nil {
		s.observeTransition(original, "amend", "error")
		return Document{}, err
	}

	s.observers.emitPostAmend(ctx, original, amendment)
	s.auditRecord(ctx, "document.amend", amendment, map[string]any{
		"amended_from": original.ID,
		"number":       amendment.Number,
	})
	s.observeTransition(amendment, "amend", "ok")
	return amendment, nil
}

// Ledger returns the batches recorded for a document, posting first.
func (s *Service) Ledger(ctx context.Context, documentID uuid.UUID) ([]ledger.Batch, error) {
	var batches []ledger.Batch
	err := s.store.WithTx(ctx, func(tx Tx) error {
		for _, kind := range []ledger.BatchKind{ledger.KindPosting, ledger.KindReversal} {
			batch, err := tx.Ledger().GetBatch(ctx, documentID, kind)
			if errors.Is(err, ledger.ErrBatchNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			batches = append(batches, batch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// ReconcileValuation rebuilds one balance by replaying its full movement
// history in posting order. Used after covering receipts arrive for a
// balance that went provisional.
func (s *Service) ReconcileValuation(ctx context.Context, key valuation.Key) (valuation.Balance, error) {
	snap, err := s.loader.Load(ctx, key.CompanyID)
	if err != nil {
		return valuation.Balance{}, err
	}

	var bal valuation.Balance
	err = s.store.WithTx(ctx, func(tx Tx) error {
		history, err := tx.Ledger().ListMovementHistory(ctx, key)
		if err != nil {
			return err
		}
		bal, err = valuation.NewEngine(tx.Valuation()).Rebuild(ctx, key, snap.Settings.ValuationMethod, history)
		return err
	})
	if err != nil {
		return valuation.Balance{}, err
	}

	s.logger.Info("valuation rebuilt",
		slog.String("key", key.String()),
		slog.String("qty", bal.Qty.String()),
		slog.String("avg_rate", bal.AvgRate.String()))
	return bal, nil
}

// ListValuationRebuilds reports balances flagged for rebuild.
func (s *Service) ListValuationRebuilds(ctx context.Context, limit int) ([]valuation.Key, error) {
	keys, err := s.store.ListRebuilds(ctx, limit)
	if err != nil {
		return nil, err
	}
	s.metrics.SetRebuildBacklog(len(keys))
	return keys, nil
}

func (s *Service) acquire(ctx context.Context, documentID uuid.UUID) (func(), error) {
	start := time.Now()
	release, err := s.guard.Acquire(ctx, locks.DocumentKey(documentID))
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveLockWait(time.Since(start))
	return release, nil
}

func (s *Service) stageEvent(ctx context.Context, tx Tx, event string, doc Document, result TransitionResult, at time.Time) error {
	msg, err := outbox.NewMessage(event, doc.ID, transitionEvent{
		Event:      event,
		DocumentID: doc.ID,
		Kind:       doc.Kind,
		Number:     doc.Number,
		CompanyID:  doc.CompanyID,
		Version:    result.NewVersion,
		BatchID:    result.BatchID,
		OccurredAt: at,
	})
	if err != nil {
		return err
	}
	return tx.Outbox().Insert(ctx, msg)
}

func (s *Service) auditRecord(ctx context.Context, action string, doc Document, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "document",
		EntityID: doc.ID.String(),
		Meta:     meta,
	})
}

func (s *Service) observeTransition(doc Document, op, outcome string) {
	kind := string(doc.Kind)
	if kind == "" {
		kind = "unknown"
	}
	s.metrics.ObserveTransition(kind, op, outcome)
}

func (s *Service) enqueueReconciles(ctx context.Context, keys []valuation.Key) {
	if s.enqueuer == nil {
		return
	}
	for _, key := range keys {
		if err := s.enqueuer.EnqueueValuationReconcile(ctx, key); err != nil {
			s.logger.Warn("reconcile enqueue failed",
				slog.String("key", key.String()),
				slog.Any("error", err))
		}
	}
}

// lockStockKeys takes the balance row locks ahead of posting. Keys arrive
// sorted, which keeps lock acquisition order stable across transactions.
func lockStockKeys(ctx context.Context, store valuation.Store, keys []valuation.Key) error {
	for _, key := range keys {
		if _, err := store.GetBalanceForUpdate(ctx, key); err != nil && !errors.Is(err, valuation.ErrBalanceNotFound) {
			return err
		}
	}
	return nil
}

func batchStockKeys(batch ledger.Batch) []valuation.Key {
	seen := make(map[valuation.Key]struct{}, len(batch.StockRows))
	keys := make([]valuation.Key, 0, len(batch.StockRows))
	for _, row := range batch.StockRows {
		if _, ok := seen[row.Key]; ok {
			continue
		}
		seen[row.Key] = struct{}{}
		keys = append(keys, row.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func provisionalKeys(batch ledger.Batch) []valuation.Key {
	seen := make(map[valuation.Key]struct{})
	var keys []valuation.Key
	for _, row := range batch.StockRows {
		if !row.Provisional {
			continue
		}
		if _, ok := seen[row.Key]; ok {
			continue
		}
		seen[row.Key] = struct{}{}
		keys = append(keys, row.Key)
	}
	return keys
}
