package prover

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepositProofShape(t *testing.T) {
	p, err := NewMemory().ProveDeposit(context.Background(), DepositWitness{
		Nullifier:  big.NewInt(1),
		Secret:     big.NewInt(2),
		Amount:     1000,
		Commitment: big.NewInt(3),
	})
	require.NoError(t, err)

	assert.Equal(t, "groth16", p.Protocol)
	assert.Equal(t, "bn128", p.Curve)
	assert.Len(t, p.PiA, 3)
	assert.Len(t, p.PiB, 3)
	assert.Len(t, p.PiC, 3)
	assert.Equal(t, []string{"3", "1000"}, p.PublicSignals)
}

func TestWithdrawProofSignalOrder(t *testing.T) {
	p, err := NewMemory().ProveWithdraw(context.Background(), WithdrawWitness{
		Nullifier:     big.NewInt(1),
		Secret:        big.NewInt(2),
		Amount:        1000,
		Recipient:     "recipient-address",
		Root:          big.NewInt(5),
		NullifierHash: big.NewInt(6),
		Fee:           7,
	})
	require.NoError(t, err)

	require.Len(t, p.PublicSignals, 5)
	assert.Equal(t, "5", p.PublicSignals[0])
	assert.Equal(t, "6", p.PublicSignals[WithdrawSignalNullifierHash])
	assert.Equal(t, "recipient-address", p.PublicSignals[2])
	assert.Equal(t, "1000", p.PublicSignals[3])
	assert.Equal(t, "7", p.PublicSignals[4])
}

func TestDistinctWitnessesDistinctProofs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a, err := m.ProveWithdraw(ctx, WithdrawWitness{
		Nullifier: big.NewInt(1), Secret: big.NewInt(2), Amount: 1000,
		Recipient: "r", Root: big.NewInt(5), NullifierHash: big.NewInt(6),
	})
	require.NoError(t, err)
	b, err := m.ProveWithdraw(ctx, WithdrawWitness{
		Nullifier: big.NewInt(9), Secret: big.NewInt(2), Amount: 1000,
		Recipient: "r", Root: big.NewInt(5), NullifierHash: big.NewInt(6),
	})
	require.NoError(t, err)
	assert.NotEqual(t, a.PiA, b.PiA)

	// The same witness proves deterministically.
	again, err := m.ProveWithdraw(ctx, WithdrawWitness{
		Nullifier: big.NewInt(1), Secret: big.NewInt(2), Amount: 1000,
		Recipient: "r", Root: big.NewInt(5), NullifierHash: big.NewInt(6),
	})
	require.NoError(t, err)
	assert.Equal(t, a.PiA, again.PiA)
}
