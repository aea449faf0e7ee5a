package auditledger

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cgrhq/cgr/pkg/merkle"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	return New("0123456789abcdef", store, 100, 100, nil)
}

func TestForceCommitProducesVerifiableProof(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	var hashes []string
	for _, subj := range []string{"a", "b", "c", "d"} {
		e, err := ledger.Submit(ctx, "tenant-1", subj, "write", map[string]any{"v": subj})
		require.NoError(t, err)
		hashes = append(hashes, e.EntryHash)
	}

	batchID, err := ledger.ForceCommit(ctx)
	require.NoError(t, err)
	require.NotZero(t, batchID)

	root, ok := ledger.GetBatchRoot(batchID)
	require.True(t, ok)

	proof, ok := ledger.ProofForHash(hashes[1])
	require.True(t, ok)
	require.Len(t, proof.Path, 2)
	require.True(t, merkle.Verify(proof, root))
}

func TestVerifyEntryFailsAfterTamperedLookup(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	e, err := ledger.Submit(ctx, "tenant-1", "subject-1", "write", map[string]any{"k": "v"})
	require.NoError(t, err)
	_, err = ledger.ForceCommit(ctx)
	require.NoError(t, err)

	require.True(t, ledger.VerifyEntry(e.EntryHash))
	require.False(t, ledger.VerifyEntry("deadbeef"))
}

func TestSubmitIsNotDeduplicatedButHashIsDeterministic(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	e1, err := ledger.Submit(ctx, "tenant-1", "subject-1", "write", map[string]any{"k": "v"})
	require.NoError(t, err)
	e2, err := ledger.Submit(ctx, "tenant-1", "subject-1", "write", map[string]any{"k": "v"})
	require.NoError(t, err)

	require.NotEqual(t, e1.ID, e2.ID)
	require.Equal(t, e1.EntryHash, e2.EntryHash)
}

func TestQueueOverflowDropsOldestEntry(t *testing.T) {
	dir := ""
	tmp, err := os.MkdirTemp("", "auditledger")
	require.NoError(t, err)
	defer os.RemoveAll(tmp)
	dir = tmp

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ledger := New("0123456789abcdef", store, 1000, 2, nil)
	ctx := context.Background()

	first, err := ledger.Submit(ctx, "t", "s1", "a", nil)
	require.NoError(t, err)
	_, err = ledger.Submit(ctx, "t", "s2", "a", nil)
	require.NoError(t, err)
	_, err = ledger.Submit(ctx, "t", "s3", "a", nil)
	require.NoError(t, err)

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	require.Len(t, ledger.pending, 2)
	for _, e := range ledger.pending {
		require.NotEqual(t, first.ID, e.ID)
	}
}

func TestSingleEntryBatchRootEqualsLeafHash(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	e, err := ledger.Submit(ctx, "tenant-1", "subject-1", "write", map[string]any{"k": "v"})
	require.NoError(t, err)
	batchID, err := ledger.ForceCommit(ctx)
	require.NoError(t, err)

	root, ok := ledger.GetBatchRoot(batchID)
	require.True(t, ok)
	require.Equal(t, e.EntryHash, root)

	proof, ok := ledger.ProofForHash(e.EntryHash)
	require.True(t, ok)
	require.Empty(t, proof.Path)
}
