package merkle_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-engine/concord/pkg/merkle"
)

func payloads(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("entry-%d", i))
	}
	return out
}

func TestBuild_EmptyRejected(t *testing.T) {
	_, err := merkle.Build(nil)
	assert.ErrorIs(t, err, merkle.ErrEmptyTree)
}

func TestBuild_SingleLeaf(t *testing.T) {
	tree, err := merkle.Build(payloads(1))
	require.NoError(t, err)

	require.Len(t, tree.Leaves, 1)
	assert.Equal(t, tree.Leaves[0].LeafHash, tree.Root, "single-leaf root is the leaf hash")
}

func TestBuild_Deterministic(t *testing.T) {
	a, err := merkle.Build(payloads(7))
	require.NoError(t, err)
	b, err := merkle.Build(payloads(7))
	require.NoError(t, err)

	assert.Equal(t, a.Root, b.Root)
}

func TestBuild_OrderMatters(t *testing.T) {
	in := payloads(4)
	a, err := merkle.Build(in)
	require.NoError(t, err)

	swapped := [][]byte{in[1], in[0], in[2], in[3]}
	b, err := merkle.Build(swapped)
	require.NoError(t, err)

	assert.NotEqual(t, a.Root, b.Root, "leaf order must be committed by the root")
}

func TestBuild_TamperChangesRoot(t *testing.T) {
	a, err := merkle.Build(payloads(5))
	require.NoError(t, err)

	tampered := payloads(5)
	tampered[2] = []byte("entry-2 modified")
	b, err := merkle.Build(tampered)
	require.NoError(t, err)

	assert.NotEqual(t, a.Root, b.Root)
}

func TestProof_VerifiesForEveryLeaf(t *testing.T) {
	// Cover even, odd, and power-of-two leaf counts; odd counts exercise
	// the duplicate-last balancing.
	for _, n := range []int{1, 2, 3, 4, 5, 8, 13} {
		t.Run(fmt.Sprintf("leaves=%d", n), func(t *testing.T) {
			tree, err := merkle.Build(payloads(n))
			require.NoError(t, err)

			for i := 0; i < n; i++ {
				proof, err := tree.Proof(i)
				require.NoError(t, err)
				assert.True(t, merkle.Verify(*proof, tree.Root), "leaf %d proof must verify", i)
			}
		})
	}
}

func TestProof_IndexOutOfRange(t *testing.T) {
	tree, err := merkle.Build(payloads(3))
	require.NoError(t, err)

	_, err = tree.Proof(-1)
	assert.Error(t, err)
	_, err = tree.Proof(3)
	assert.Error(t, err)
}

func TestVerify_RejectsWrongRoot(t *testing.T) {
	tree, err := merkle.Build(payloads(4))
	require.NoError(t, err)
	other, err := merkle.Build(payloads(5))
	require.NoError(t, err)

	proof, err := tree.Proof(0)
	require.NoError(t, err)

	assert.False(t, merkle.Verify(*proof, other.Root))
}

func TestVerify_RejectsTamperedPath(t *testing.T) {
	tree, err := merkle.Build(payloads(6))
	require.NoError(t, err)

	proof, err := tree.Proof(2)
	require.NoError(t, err)
	require.NotEmpty(t, proof.ProofPath)

	proof.ProofPath[0].SiblingHash = tree.Leaves[0].LeafHash // wrong sibling
	assert.False(t, merkle.Verify(*proof, tree.Root))
}
