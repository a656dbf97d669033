package mappings

import (
	"context"
	"fmt"
)

// MappingNotFoundError reports a role no account is mapped to.
type MappingNotFoundError struct {
	CompanyID int64
	Role      Role
	Dimension string
}

func (e *MappingNotFoundError) Error() string {
	if e.Dimension != "" {
		return fmt.Sprintf("mappings: no account for role %s dimension %q in company %d", e.Role, e.Dimension, e.CompanyID)
	}
	return fmt.Sprintf("mappings: no account for role %s in company %d", e.Role, e.CompanyID)
}

// Snapshot is an immutable read of one company's posting configuration.
// Each submit or cancel takes its own, so a call never observes settings
// changing midway.
type Snapshot struct {
	Settings CompanySettings

	accounts map[snapshotKey]int64
}

type snapshotKey struct {
	role      Role
	dimension string
}

// NewSnapshot assembles a Snapshot from a settings row and mapping rows.
func NewSnapshot(settings CompanySettings, rows []AccountMapping) *Snapshot {
	accounts := make(map[snapshotKey]int64, len(rows))
	for _, row := range rows {
		accounts[snapshotKey{row.Role, row.Dimension}] = row.AccountID
	}
	return &Snapshot{Settings: settings, accounts: accounts}
}

// Account resolves the ledger account for a role. A dimension-specific
// mapping wins; otherwise the company default applies.
func (s *Snapshot) Account(role Role, dimension string) (int64, error) {
	if id, ok := s.accounts[snapshotKey{role, dimension}]; ok {
		return id, nil
	}
	if dimension != "" {
		if id, ok := s.accounts[snapshotKey{role, ""}]; ok {
			return id, nil
		}
	}
	return 0, &MappingNotFoundError{CompanyID: s.Settings.CompanyID, Role: role, Dimension: dimension}
}

// Loader fetches a company's posting configuration.
type Loader interface {
	Load(ctx context.Context, companyID int64) (*Snapshot, error)
}
