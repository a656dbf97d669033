package mappings

import (
	"time"

	"github.com/vantage-erp/vantage/internal/valuation"
)

// Role identifies the ledger purpose an account serves within a posting.
type Role string

const (
	RoleReceivable    Role = "RECEIVABLE"
	RolePayable       Role = "PAYABLE"
	RoleIncome        Role = "INCOME"
	RoleExpense       Role = "EXPENSE"
	RoleTax           Role = "TAX"
	RoleInventory     Role = "INVENTORY"
	RoleStockReceived Role = "STOCK_RECEIVED"
	RoleCOGS          Role = "COGS"
)

// AccountMapping binds a role, scoped to a company and an optional dimension
// such as an item group, to a ledger account. An empty dimension is the
// company-wide default.
type AccountMapping struct {
	CompanyID int64
	Role      Role
	Dimension string
	AccountID int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CompanySettings carries the per-company posting knobs read at submit time.
type CompanySettings struct {
	CompanyID          int64
	Currency           string
	ValuationMethod    valuation.Method
	AllowNegativeStock bool
	UpdatedAt          time.Time
}
