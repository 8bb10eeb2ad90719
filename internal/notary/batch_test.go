package notary

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(from, n int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		seq := uint64(from + i)
		out[i] = Entry{Seq: seq, Hash: fmt.Sprintf("%064x", seq+1)}
	}
	return out
}

func TestDeriveSealKey(t *testing.T) {
	k1, err := DeriveSealKey([]byte("seed"), "v1")
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	again, err := DeriveSealKey([]byte("seed"), " v1 ")
	require.NoError(t, err)
	assert.Equal(t, k1, again)

	k2, err := DeriveSealKey([]byte("seed"), "v2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	_, err = DeriveSealKey(nil, "v1")
	assert.Error(t, err)
	_, err = DeriveSealKey([]byte("seed"), "")
	assert.Error(t, err)
}

func TestMerkleRoot(t *testing.T) {
	single := entries(0, 1)
	root, err := MerkleRoot(single)
	require.NoError(t, err)
	assert.Equal(t, single[0].Hash, root)

	a, err := MerkleRoot(entries(0, 5))
	require.NoError(t, err)
	b, err := MerkleRoot(entries(0, 5))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	reordered := entries(0, 5)
	reordered[1], reordered[2] = reordered[2], reordered[1]
	c, err := MerkleRoot(reordered)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = MerkleRoot(nil)
	assert.Error(t, err)
	_, err = MerkleRoot([]Entry{{Seq: 1, Hash: "zz"}})
	assert.Error(t, err)
}

func TestBatchSealVerify(t *testing.T) {
	key, err := DeriveSealKey([]byte("seed"), "v1")
	require.NoError(t, err)
	other, err := DeriveSealKey([]byte("other"), "v1")
	require.NoError(t, err)

	b, err := NewBatch("batch-1", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), entries(10, 4), key, "v1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), b.First())
	assert.Equal(t, uint64(13), b.Last())
	assert.True(t, b.Verify(key))
	assert.False(t, b.Verify(other))

	tampered := b
	tampered.Entries = append([]Entry(nil), b.Entries...)
	tampered.Entries[2].Hash = fmt.Sprintf("%064x", 999)
	assert.False(t, tampered.Verify(key))

	renamed := b
	renamed.ID = "batch-2"
	assert.False(t, renamed.Verify(key))
}
