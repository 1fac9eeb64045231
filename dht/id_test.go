package dht

import (
	"math/big"
	"testing"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsDeterministic(t *testing.T) {
	a := NewID([]byte("seed"))
	b := NewID([]byte("seed"))
	c := NewID([]byte("other"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestParseIDRoundTrip(t *testing.T) {
	id := NewID([]byte("seed"))
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseIDRejectsGarbage(t *testing.T) {
	_, err := ParseID("zz")
	assert.ErrorIs(t, err, gerror.ErrBadInput)
	_, err = ParseID("abcd")
	assert.ErrorIs(t, err, gerror.ErrBadInput)
}

func TestXORIsMetric(t *testing.T) {
	a := NewID([]byte("a"))
	b := NewID([]byte("b"))
	assert.Equal(t, NodeID{}, XOR(a, a))
	assert.Equal(t, XOR(a, b), XOR(b, a))
	assert.Equal(t, b, XOR(a, XOR(a, b)))
}

func TestBucketIndexMatchesLogDistance(t *testing.T) {
	self := NodeID{}
	for i := 0; i < 500; i++ {
		other, err := RandomID()
		require.NoError(t, err)
		if other == self {
			continue
		}
		d := new(big.Int).SetBytes(other[:])
		want := 255 - d.BitLen() + 1
		assert.Equal(t, want, BucketIndex(self, other))
	}
}

func TestBucketIndexEdges(t *testing.T) {
	self := NodeID{}

	var far NodeID
	far[0] = 0x80
	assert.Equal(t, 0, BucketIndex(self, far))

	var near NodeID
	near[31] = 0x01
	assert.Equal(t, 255, BucketIndex(self, near))

	assert.Equal(t, 0, BucketIndex(self, self))
}

func TestDistanceLess(t *testing.T) {
	target := NodeID{}
	var close, far NodeID
	close[31] = 1
	far[0] = 1
	assert.True(t, DistanceLess(target, close, far))
	assert.False(t, DistanceLess(target, far, close))
	assert.False(t, DistanceLess(target, close, close))
}
