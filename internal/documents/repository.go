package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantage-erp/vantage/internal/ledger"
	"github.com/vantage-erp/vantage/internal/outbox"
	"github.com/vantage-erp/vantage/internal/platform/db"
	"github.com/vantage-erp/vantage/internal/valuation"
)

// Store is the persistence surface the document service drives. WithTx opens
// a single transaction; every write of a transition happens through the Tx it
// yields, so the batch, the status flip and the outbox message commit or roll
// back together.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, id uuid.UUID) (Document, error)
	ListRebuilds(ctx context.Context, limit int) ([]valuation.Key, error)
}

// Tx is the repository surface available inside a document transaction.
type Tx interface {
	GetForUpdate(ctx context.Context, id uuid.UUID) (Document, error)
	Insert(ctx context.Context, doc *Document) error
	// SetStatus flips the document status if and only if the stored version
	// still equals fromVersion. It returns the incremented version, or
	// ErrStaleVersion when another writer got there first.
	SetStatus(ctx context.Context, id uuid.UUID, fromVersion int64, to Status) (int64, error)
	InsertLink(ctx context.Context, fromID, toID uuid.UUID) error
	ActiveDependents(ctx context.Context, id uuid.UUID) ([]BlockingDocument, error)
	CountAmendments(ctx context.Context, originalID uuid.UUID) (int, error)
	NextNumber(ctx context.Context, companyID int64, kind Kind) (string, error)

	Ledger() ledger.TxStore
	Valuation() valuation.Store
	Outbox() outbox.TxStore
}

// PgStore implements Store over a pgx pool.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

var _ Store = (*PgStore)(nil)

func (s *PgStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

func (s *PgStore) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	return getDocument(ctx, s.pool, id, false)
}

func (s *PgStore) ListRebuilds(ctx context.Context, limit int) ([]valuation.Key, error) {
	return valuation.NewPgStore(s.pool).ListNeedingRebuild(ctx, limit)
}

type pgTx struct {
	q db.Querier
}

var _ Tx = (*pgTx)(nil)

func (t *pgTx) GetForUpdate(ctx context.Context, id uuid.UUID) (Document, error) {
	return getDocument(ctx, t.q, id, true)
}

func (t *pgTx) Insert(ctx context.Context, doc *Document) error {
	refKind := RefNone
	var refID *uuid.UUID
	if !doc.Ref.IsZero() {
		refKind = doc.Ref.Kind
		refID = &doc.Ref.ID
	}
	_, err := t.q.Exec(ctx, `INSERT INTO documents
(id, company_id, kind, number, status, version, currency, party_id, posting_time, memo, ref_kind, ref_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		doc.ID, doc.CompanyID, doc.Kind, doc.Number, doc.Status, doc.Version, doc.Currency,
		doc.PartyID, doc.PostingTime, doc.Memo, refKind, refID, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("documents: insert document: %w", err)
	}

	for i := range doc.Lines {
		line := &doc.Lines[i]
		line.DocumentID = doc.ID
		line.Seq = i + 1
		err := t.q.QueryRow(ctx, `INSERT INTO document_lines
(document_id, seq, item_id, item_group, description, qty, rate, account_id, party_id, debit, credit, warehouse_id, source_warehouse_id, target_warehouse_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id`,
			line.DocumentID, line.Seq, line.ItemID, line.ItemGroup, line.Description,
			line.Qty, line.Rate, line.AccountID, line.PartyID, line.Debit, line.Credit,
			line.WarehouseID, line.SourceID, line.TargetID).Scan(&line.ID)
		if err != nil {
			return fmt.Errorf("documents: insert line %d: %w", line.Seq, err)
		}
	}

	for i := range doc.Taxes {
		tax := &doc.Taxes[i]
		tax.DocumentID = doc.ID
		tax.Seq = i + 1
		err := t.q.QueryRow(ctx, `INSERT INTO document_taxes
(document_id, seq, charge_type, account_id, rate, amount, description)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id`,
			tax.DocumentID, tax.Seq, tax.ChargeType, tax.AccountID, tax.Rate, tax.Amount, tax.Description).Scan(&tax.ID)
		if err != nil {
			return fmt.Errorf("documents: insert tax line %d: %w", tax.Seq, err)
		}
	}
	return nil
}

func (t *pgTx) SetStatus(ctx context.Context, id uuid.UUID, fromVersion int64, to Status) (int64, error) {
	var version int64
	err := t.q.QueryRow(ctx, `UPDATE documents
SET status = $1, version = version + 1, updated_at = NOW()
WHERE id = $2 AND version = $3
RETURNING version`, to, id, fromVersion).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrStaleVersion
	}
	if err != nil {
		return 0, fmt.Errorf("documents: set status: %w", err)
	}
	return version, nil
}

func (t *pgTx) InsertLink(ctx context.Context, fromID, toID uuid.UUID) error {
	_, err := t.q.Exec(ctx, `INSERT INTO document_links (from_id, to_id)
VALUES ($1,$2) ON CONFLICT DO NOTHING`, fromID, toID)
	if err != nil {
		return fmt.Errorf("documents: insert link: %w", err)
	}
	return nil
}

func (t *pgTx) ActiveDependents(ctx context.Context, id uuid.UUID) ([]BlockingDocument, error) {
	rows, err := t.q.Query(ctx, `SELECT d.id, d.kind, d.number, d.status
FROM document_links l
JOIN documents d ON d.id = l.from_id
WHERE l.to_id = $1 AND d.status = $2
ORDER BY d.number`, id, StatusSubmitted)
	if err != nil {
		return nil, fmt.Errorf("documents: list dependents: %w", err)
	}
	defer rows.Close()

	var blocking []BlockingDocument
	for rows.Next() {
		var b BlockingDocument
		if err := rows.Scan(&b.ID, &b.Kind, &b.Number, &b.Status); err != nil {
			return nil, fmt.Errorf("documents: scan dependent: %w", err)
		}
		blocking = append(blocking, b)
	}
	return blocking, rows.Err()
}

func (t *pgTx) CountAmendments(ctx context.Context, originalID uuid.UUID) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM documents
WHERE ref_kind = $1 AND ref_id = $2`, RefAmendedFrom, originalID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("documents: count amendments: %w", err)
	}
	return n, nil
}

func (t *pgTx) NextNumber(ctx context.Context, companyID int64, kind Kind) (string, error) {
	var (
		prefix  string
		current int64
	)
	err := t.q.QueryRow(ctx, `INSERT INTO document_series (company_id, kind, prefix, current)
VALUES ($1,$2,$3,1)
ON CONFLICT (company_id, kind) DO UPDATE SET current = document_series.current + 1
RETURNING prefix, current`, companyID, kind, numberPrefix(kind)).Scan(&prefix, &current)
	if err != nil {
		return "", fmt.Errorf("documents: next number: %w", err)
	}
	return fmt.Sprintf("%s-%05d", prefix, current), nil
}

func (t *pgTx) Ledger() ledger.TxStore { return ledger.NewPgStore(t.q) }

func (t *pgTx) Valuation() valuation.Store { return valuation.NewPgStore(t.q) }

func (t *pgTx) Outbox() outbox.TxStore { return outbox.NewPgStore(t.q) }

func numberPrefix(kind Kind) string {
	switch kind {
	case KindJournal:
		return "JV"
	case KindSalesInvoice:
		return "SINV"
	case KindPurchaseReceipt:
		return "PREC"
	case KindStockEntry:
		return "STE"
	default:
		return "DOC"
	}
}

func getDocument(ctx context.Context, q db.Querier, id uuid.UUID, forUpdate bool) (Document, error) {
	query := `SELECT id, company_id, kind, number, status, version, currency, party_id, posting_time, memo, ref_kind, ref_id, created_at, updated_at
FROM documents WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		doc     Document
		refKind RefKind
		refID   *uuid.UUID
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&doc.ID, &doc.CompanyID, &doc.Kind, &doc.Number, &doc.Status, &doc.Version,
		&doc.Currency, &doc.PartyID, &doc.PostingTime, &doc.Memo, &refKind, &refID,
		&doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("documents: get document: %w", err)
	}
	if refKind == RefAmendedFrom && refID != nil {
		doc.Ref = AmendedFrom(*refID)
	} else {
		doc.Ref = DocumentRef{Kind: RefNone}
	}

	doc.Lines, err = listLines(ctx, q, id)
	if err != nil {
		return Document{}, err
	}
	doc.Taxes, err = listTaxes(ctx, q, id)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func listLines(ctx context.Context, q db.Querier, documentID uuid.UUID) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, seq, item_id, item_group, description, qty, rate, account_id, party_id, debit, credit, warehouse_id, source_warehouse_id, target_warehouse_id
FROM document_lines WHERE document_id = $1 ORDER BY seq`, documentID)
	if err != nil {
		return nil, fmt.Errorf("documents: list lines: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		line := Line{DocumentID: documentID}
		if err := rows.Scan(&line.ID, &line.Seq, &line.ItemID, &line.ItemGroup, &line.Description,
			&line.Qty, &line.Rate, &line.AccountID, &line.PartyID, &line.Debit, &line.Credit,
			&line.WarehouseID, &line.SourceID, &line.TargetID); err != nil {
			return nil, fmt.Errorf("documents: scan line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func listTaxes(ctx context.Context, q db.Querier, documentID uuid.UUID) ([]TaxLine, error) {
	rows, err := q.Query(ctx, `SELECT id, seq, charge_type, account_id, rate, amount, description
FROM document_taxes WHERE document_id = $1 ORDER BY seq`, documentID)
	if err != nil {
		return nil, fmt.Errorf("documents: list taxes: %w", err)
	}
	defer rows.Close()

	var taxes []TaxLine
	for rows.Next() {
		tax := TaxLine{DocumentID: documentID}
		if err := rows.Scan(&tax.ID, &tax.Seq, &tax.ChargeType, &tax.AccountID, &tax.Rate, &tax.Amount, &tax.Description); err != nil {
			return nil, fmt.Errorf("documents: scan tax line: %w", err)
		}
		taxes = append(taxes, tax)
	}
	return taxes, rows.Err()
}
