package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSingleLeafRootIsLeafHash(t *testing.T) {
	leaf := HashLeaf([]byte("a"))
	tree := Build([]string{leaf})
	require.Equal(t, leaf, tree.Root)

	proof, err := ProofFor(tree, 0)
	require.NoError(t, err)
	require.Empty(t, proof.Path)
	require.True(t, Verify(proof, tree.Root))
}

func TestOddLeafCountDuplicatesLast(t *testing.T) {
	leaves := []string{HashLeaf([]byte("a")), HashLeaf([]byte("b")), HashLeaf([]byte("c"))}
	tree := Build(leaves)

	for i := range leaves {
		proof, err := ProofFor(tree, i)
		require.NoError(t, err)
		require.True(t, Verify(proof, tree.Root), "leaf %d must verify", i)
	}
}

func TestFourLeafProofLengthAndVerification(t *testing.T) {
	leaves := []string{HashLeaf([]byte("a")), HashLeaf([]byte("b")), HashLeaf([]byte("c")), HashLeaf([]byte("d"))}
	tree := Build(leaves)

	proof, err := ProofFor(tree, 1) // "b"
	require.NoError(t, err)
	require.Len(t, proof.Path, 2)
	require.True(t, Verify(proof, tree.Root))
}

func TestTamperedLeafFailsVerification(t *testing.T) {
	leaves := []string{HashLeaf([]byte("a")), HashLeaf([]byte("b")), HashLeaf([]byte("c")), HashLeaf([]byte("d"))}
	tree := Build(leaves)

	proof, err := ProofFor(tree, 1)
	require.NoError(t, err)
	proof.LeafHash = HashLeaf([]byte("tampered"))
	require.False(t, Verify(proof, tree.Root))
}
