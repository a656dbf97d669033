package mappings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/vantage-erp/vantage/internal/platform/db"
	"github.com/vantage-erp/vantage/internal/valuation"
)

// ErrCompanyNotFound indicates a company without a settings row.
var ErrCompanyNotFound = errors.New("mappings: company not found")

// Repository loads posting configuration from PostgreSQL.
type Repository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{q: q}
}

var _ Loader = (*Repository)(nil)

// Load reads the settings row and every account mapping for a company in a
// single pass.
func (r *Repository) Load(ctx context.Context, companyID int64) (*Snapshot, error) {
	var settings CompanySettings
	var method string
	err := r.q.QueryRow(ctx, `SELECT company_id, currency, valuation_method, allow_negative_stock, updated_at
FROM company_settings WHERE company_id=$1`, companyID).
		Scan(&settings.CompanyID, &settings.Currency, &method, &settings.AllowNegativeStock, &settings.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCompanyNotFound
		}
		return nil, err
	}
	settings.ValuationMethod = valuation.Method(method)

	rows, err := r.q.Query(ctx, `SELECT company_id, role, dimension, account_id, created_at, updated_at
FROM account_mappings WHERE company_id=$1`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accountRows []AccountMapping
	for rows.Next() {
		var row AccountMapping
		if err := rows.Scan(&row.CompanyID, &row.Role, &row.Dimension, &row.AccountID, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		accountRows = append(accountRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return NewSnapshot(settings, accountRows), nil
}
