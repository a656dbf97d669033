package mappings

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vantage-erp/vantage/internal/valuation"
)

func TestSnapshotResolvesDimensionBeforeDefault(t *testing.T) {
	snap := NewSnapshot(
		CompanySettings{CompanyID: 1, Currency: "USD", ValuationMethod: valuation.MethodFIFO},
		[]AccountMapping{
			{CompanyID: 1, Role: RoleIncome, Dimension: "", AccountID: 400},
			{CompanyID: 1, Role: RoleIncome, Dimension: "SERVICES", AccountID: 410},
			{CompanyID: 1, Role: RoleReceivable, Dimension: "", AccountID: 120},
		},
	)

	id, err := snap.Account(RoleIncome, "SERVICES")
	require.NoError(t, err)
	require.Equal(t, int64(410), id)

	id, err = snap.Account(RoleIncome, "GOODS")
	require.NoError(t, err)
	require.Equal(t, int64(400), id)

	id, err = snap.Account(RoleReceivable, "")
	require.NoError(t, err)
	require.Equal(t, int64(120), id)
}

func TestSnapshotMissingRole(t *testing.T) {
	snap := NewSnapshot(CompanySettings{CompanyID: 3}, nil)

	_, err := snap.Account(RoleCOGS, "GOODS")
	var notFound *MappingNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, int64(3), notFound.CompanyID)
	require.Equal(t, RoleCOGS, notFound.Role)
	require.Equal(t, "GOODS", notFound.Dimension)
}
