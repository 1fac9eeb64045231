package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/prover"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatorDepositFlow(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()

	tx, err := s.SubmitDeposit(ctx, prover.Proof{}, big.NewInt(101), 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, "sim-deposit-1", tx)

	count, err := s.GetLeafCount(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	leaves, err := s.FetchLeaves(ctx, 0)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, int64(101), leaves[0].Int64())

	// The returned slice is a copy.
	leaves[0].SetInt64(999)
	again, err := s.FetchLeaves(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(101), again[0].Int64())
}

func TestSimulatorRootTracksLeaves(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()

	empty, err := s.GetRoot(ctx, 0)
	require.NoError(t, err)

	_, err = s.SubmitDeposit(ctx, prover.Proof{}, big.NewInt(101), 1000, 0)
	require.NoError(t, err)
	one, err := s.GetRoot(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, 0, empty.Cmp(one))

	_, err = s.SubmitDeposit(ctx, prover.Proof{}, big.NewInt(102), 1000, 0)
	require.NoError(t, err)
	two, err := s.GetRoot(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, 0, one.Cmp(two))
}

func TestSimulatorChunkRollover(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()
	s.ChunkCapacity = 2

	_, err := s.SubmitDeposit(ctx, prover.Proof{}, big.NewInt(1), 1000, 0)
	require.NoError(t, err)
	_, err = s.SubmitDeposit(ctx, prover.Proof{}, big.NewInt(2), 1000, 0)
	require.NoError(t, err)

	current, err := s.GetCurrentChunkID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), current)

	// The filled chunk no longer accepts deposits.
	_, err = s.SubmitDeposit(ctx, prover.Proof{}, big.NewInt(3), 1000, 0)
	require.Error(t, err)
	var rejected *gerror.ChainRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "inactive_chunk", rejected.Reason)

	_, err = s.SubmitDeposit(ctx, prover.Proof{}, big.NewInt(3), 1000, 1)
	require.NoError(t, err)
	count, err := s.GetLeafCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSimulatorRejectsDuplicateNullifier(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()
	nh := big.NewInt(777)

	tx, err := s.SubmitWithdraw(ctx, prover.Proof{}, "recipient", 0, nh)
	require.NoError(t, err)
	assert.Equal(t, "sim-withdraw-1", tx)
	assert.True(t, s.HasNullifier(nh))

	_, err = s.SubmitWithdraw(ctx, prover.Proof{}, "recipient", 0, nh)
	require.Error(t, err)
	var rejected *gerror.ChainRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "duplicate_nullifier", rejected.Reason)

	assert.False(t, s.HasNullifier(big.NewInt(778)))
}
