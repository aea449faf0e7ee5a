package auditledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyringSignAndVerify(t *testing.T) {
	k, err := NewKeyring()
	require.NoError(t, err)

	sig := k.Sign("root-hash")
	require.True(t, k.Verify("root-hash", sig))
	require.False(t, k.Verify("different-root", sig))
}

func TestKeyringDeriveForTenantIsDeterministic(t *testing.T) {
	k, err := NewKeyring()
	require.NoError(t, err)

	tenantA1, err := k.DeriveForTenant("tenant-a")
	require.NoError(t, err)
	tenantA2, err := k.DeriveForTenant("tenant-a")
	require.NoError(t, err)
	tenantB, err := k.DeriveForTenant("tenant-b")
	require.NoError(t, err)

	require.Equal(t, tenantA1.PublicKey(), tenantA2.PublicKey())
	require.NotEqual(t, tenantA1.PublicKey(), tenantB.PublicKey())

	sig := tenantA1.Sign("root-hash")
	require.True(t, tenantA2.Verify("root-hash", sig))
}

func TestKeyringDeriveForTenantRejectsEmptyTenant(t *testing.T) {
	k, err := NewKeyring()
	require.NoError(t, err)
	_, err = k.DeriveForTenant("")
	require.Error(t, err)
}
