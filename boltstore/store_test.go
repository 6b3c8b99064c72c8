package boltstore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/auth"
	"escrowflow/custody"
	"escrowflow/escrow/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return openTemp(t)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Deposit(context.Background(), "alice", custody.Token("USDC"), 42))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	n, err := store.Balance(context.Background(), "alice", custody.Token("USDC"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
}

func TestHistoryKeysDoNotBleedAcrossOrders(t *testing.T) {
	// "a" is a byte prefix of "a1"; the separator keeps their entries apart.
	assert.False(t, bytes.HasPrefix(historyKey("a1", 1), historyPrefix("a")))
	assert.True(t, bytes.HasPrefix(historyKey("a", 1), historyPrefix("a")))
	assert.Less(t, string(historyKey("a", 2)), string(historyKey("a", 10)))
}

func TestPrincipals(t *testing.T) {
	ctx := context.Background()
	principals := openTemp(t).Principals()

	created, err := principals.CreatePrincipal(ctx, auth.CreatePrincipalParams{ID: "alice", PasswordHash: "h", Role: auth.RoleTrader})
	require.NoError(t, err)

	_, err = principals.CreatePrincipal(ctx, auth.CreatePrincipalParams{ID: "alice", PasswordHash: "h2"})
	require.True(t, errors.Is(err, auth.ErrDuplicatePrincipal))

	got, err := principals.GetPrincipal(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = principals.GetPrincipal(ctx, "bob")
	require.ErrorIs(t, err, auth.ErrPrincipalNotFound)
}

func TestPrincipalsBackAuthService(t *testing.T) {
	ctx := context.Background()
	svc := auth.NewService(openTemp(t).Principals(), "secret")

	_, err := svc.Register(ctx, auth.RegisterRequest{ID: "victor", Password: "inspector1", Role: auth.RoleOperator})
	require.NoError(t, err)
	res, err := svc.Login(ctx, auth.LoginRequest{ID: "victor", Password: "inspector1"})
	require.NoError(t, err)

	id, role, err := svc.VerifyToken(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "victor", id)
	assert.Equal(t, auth.RoleOperator, role)
}
