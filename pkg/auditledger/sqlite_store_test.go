package auditledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	return store
}

func TestSQLiteStoreSaveAndLoadBatch(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	batch := &Batch{ID: 1, Root: "root-hash", CommittedAt: time.Now().UTC().Truncate(time.Second)}
	entries := []*Entry{{ID: "e1", TenantID: "t1", Action: "allow"}}

	require.NoError(t, store.SaveBatch(ctx, batch, entries))

	loaded, loadedEntries, err := store.LoadBatch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, batch.Root, loaded.Root)
	require.Equal(t, batch.CommittedAt, loaded.CommittedAt)
	require.Len(t, loadedEntries, 1)
	require.Equal(t, "e1", loadedEntries[0].ID)
}

func TestSQLiteStoreNextBatchIDIncrements(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := store.NextBatchID(ctx)
	require.NoError(t, err)
	second, err := store.NextBatchID(ctx)
	require.NoError(t, err)
	require.Equal(t, first+1, second)
}

func TestSQLiteStoreListBatches(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBatch(ctx, &Batch{ID: 1, Root: "r1", CommittedAt: time.Now().UTC()}, nil))
	require.NoError(t, store.SaveBatch(ctx, &Batch{ID: 2, Root: "r2", CommittedAt: time.Now().UTC()}, nil))

	ids, err := store.ListBatches(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, ids)
}
