package poseidon

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitmentDeterminism(t *testing.T) {
	nullifier := big.NewInt(12345)
	secret := big.NewInt(67890)

	c1, err := Commitment(nullifier, secret, 1000000)
	require.NoError(t, err)
	c2, err := Commitment(nullifier, secret, 1000000)
	require.NoError(t, err)
	assert.Equal(t, 0, c1.Cmp(c2))

	expected, err := Hash3(nullifier, secret, big.NewInt(1000000))
	require.NoError(t, err)
	assert.Equal(t, 0, c1.Cmp(expected))
}

func TestCommitmentArgumentOrder(t *testing.T) {
	a := big.NewInt(1)
	b := big.NewInt(2)

	c1, err := Commitment(a, b, 5)
	require.NoError(t, err)
	c2, err := Commitment(b, a, 5)
	require.NoError(t, err)
	assert.NotEqual(t, 0, c1.Cmp(c2))
}

func TestNullifierHash(t *testing.T) {
	nullifier := big.NewInt(424242)
	nh, err := NullifierHash(nullifier)
	require.NoError(t, err)

	expected, err := Hash2(nullifier, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, 0, nh.Cmp(expected))
	assert.True(t, InField(nh))
}

func TestZeroHashChain(t *testing.T) {
	assert.Equal(t, 0, ZeroHash(0).Sign())
	for level := 1; level <= TreeHeight; level++ {
		h, err := Hash2(ZeroHash(level-1), ZeroHash(level-1))
		require.NoError(t, err)
		assert.Equal(t, 0, ZeroHash(level).Cmp(h), "level %d", level)
	}
}

func TestZeroHashReturnsCopy(t *testing.T) {
	z := ZeroHash(3)
	z.SetInt64(0)
	assert.NotEqual(t, 0, ZeroHash(3).Sign())
}

func TestFromBytesReducesIntoField(t *testing.T) {
	over := make([]byte, 32)
	for i := range over {
		over[i] = 0xff
	}
	v := FromBytes(over)
	assert.True(t, InField(v))

	small := FromBytes([]byte{0x01, 0x02})
	assert.Equal(t, int64(258), small.Int64())
}

func TestInField(t *testing.T) {
	assert.True(t, InField(big.NewInt(0)))
	assert.True(t, InField(new(big.Int).Sub(Q, big.NewInt(1))))
	assert.False(t, InField(Q))
	assert.False(t, InField(big.NewInt(-1)))
	assert.False(t, InField(nil))
}
