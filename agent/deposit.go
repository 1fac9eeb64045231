package agent

import (
	"context"
	"crypto/rand"

	"github.com/cipher-network/cipher-agent/depositcode"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/cipher-network/cipher-agent/poseidon"
	"github.com/cipher-network/cipher-agent/prover"
	"github.com/pkg/errors"
)

// DepositResult is returned to the caller after the chain accepted the
// deposit and the book recorded it.
type DepositResult struct {
	TxID        string
	Commitment  string
	DepositCode string
}

// Deposit draws a fresh note, proves it, submits it to the current chunk and
// records it in the deposit book. The code is only persisted after the chain
// accepted the transaction.
func (a *Agent) Deposit(ctx context.Context, amount uint64) (*DepositResult, error) {
	var code depositcode.Code
	if _, err := rand.Read(code.Nullifier[:]); err != nil {
		return nil, errors.Wrap(err, "drawing nullifier")
	}
	if _, err := rand.Read(code.Secret[:]); err != nil {
		return nil, errors.Wrap(err, "drawing secret")
	}
	code.Amount = amount

	nullifier := poseidon.FromBytes(code.Nullifier[:])
	secret := poseidon.FromBytes(code.Secret[:])
	commitment, err := poseidon.Commitment(nullifier, secret, amount)
	if err != nil {
		return nil, err
	}

	chunkID, err := a.backend.GetCurrentChunkID(ctx)
	if err != nil {
		return nil, err
	}
	code.ChunkID = chunkID

	proof, err := a.prover.ProveDeposit(ctx, prover.DepositWitness{
		Nullifier:  nullifier,
		Secret:     secret,
		Amount:     amount,
		Commitment: commitment,
	})
	if err != nil {
		return nil, errors.Wrap(err, "proving deposit")
	}

	txID, err := a.backend.SubmitDeposit(ctx, proof, commitment, amount, chunkID)
	if err != nil {
		return nil, errors.Wrap(err, "submitting deposit")
	}

	encoded := depositcode.Encode(code)
	if _, err := a.book.Add(encoded, commitment.String(), amount, txID); err != nil {
		log.Errorf("deposit %s accepted on-chain but could not be recorded: %v", txID, err)
		return nil, errors.Wrap(err, "recording deposit")
	}
	a.unwithdrawn.Add(amount, encoded)

	log.Infof("deposit of %d units landed in chunk %d as %s", amount, chunkID, txID)
	log.Debugf("deposit code %s", log.Redacted(encoded))
	return &DepositResult{TxID: txID, Commitment: commitment.String(), DepositCode: encoded}, nil
}
