package agent

import (
	"context"
	"math/big"

	"github.com/cipher-network/cipher-agent/depositbook"
	"github.com/cipher-network/cipher-agent/depositcode"
	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/cipher-network/cipher-agent/poseidon"
	"github.com/cipher-network/cipher-agent/prover"
	"github.com/pkg/errors"
)

// premarkRef flags a deposit as spent before the relayer call goes out, so a
// crash mid-submission cannot double-spend it.
const premarkRef = "pending"

// WithdrawResult reports where the withdrawal was queued.
type WithdrawResult struct {
	QueueID   string
	Relayer   string
	Recipient string
}

// Withdraw spends one unwithdrawn deposit to recipient through the least
// loaded relayer. The deposit is pre-marked withdrawn before any network
// submission and rolled back if the submission fails.
func (a *Agent) Withdraw(ctx context.Context, amount *uint64, recipient string) (*WithdrawResult, error) {
	rec, err := a.findSpendable(amount)
	if err != nil {
		return nil, err
	}
	code, err := depositcode.Decode(rec.Code)
	if err != nil {
		return nil, errors.Wrap(err, "stored deposit code is corrupt")
	}
	if err := a.LoadTree(ctx, code.ChunkID); err != nil {
		return nil, errors.Wrapf(err, "loading tree for chunk %d", code.ChunkID)
	}

	commitment, ok := new(big.Int).SetString(rec.Commitment, 10)
	if !ok {
		return nil, errors.Wrap(gerror.ErrIntegrity, "stored commitment is not decimal")
	}
	index, err := a.leafIndex(rec, code.ChunkID, commitment)
	if err != nil {
		return nil, err
	}
	path, err := a.engine.Path(code.ChunkID, index)
	if err != nil {
		return nil, err
	}

	nullifier := poseidon.FromBytes(code.Nullifier[:])
	secret := poseidon.FromBytes(code.Secret[:])
	nullifierHash, err := poseidon.NullifierHash(nullifier)
	if err != nil {
		return nil, err
	}
	proof, err := a.prover.ProveWithdraw(ctx, prover.WithdrawWitness{
		Nullifier:     nullifier,
		Secret:        secret,
		Amount:        rec.Amount,
		Recipient:     recipient,
		Root:          path.Root,
		NullifierHash: nullifierHash,
		Siblings:      path.Siblings[:],
		Bits:          path.Bits[:],
		Fee:           0,
	})
	if err != nil {
		return nil, errors.Wrap(err, "proving withdrawal")
	}

	target := a.selectRelayer(ctx)

	if err := a.book.MarkWithdrawn(rec.Code, premarkRef); err != nil {
		return nil, err
	}
	a.unwithdrawn.Remove(rec.Amount)

	queueID, relayerName, err := a.submitWithdrawal(ctx, target, proof, recipient, rec.Amount, code.ChunkID)
	if err != nil {
		if rbErr := a.book.Rollback(rec.Code); rbErr != nil {
			log.Errorf("rollback of %s failed, deposit stays flagged: %v", rec.TxID, rbErr)
		} else {
			a.unwithdrawn.Add(rec.Amount, rec.Code)
		}
		return nil, err
	}
	if err := a.book.UpdateWithdrawRef(rec.Code, queueID); err != nil {
		log.Warnf("recording queue id for %s: %v", rec.TxID, err)
	}

	log.Infof("withdrawal queued as %s via %s", queueID, relayerName)
	return &WithdrawResult{QueueID: queueID, Relayer: relayerName, Recipient: recipient}, nil
}

// findSpendable checks the RAM cache before scanning the book.
func (a *Agent) findSpendable(amount *uint64) (depositbook.Record, error) {
	if amount != nil {
		if cached, ok := a.unwithdrawn.Get(*amount); ok {
			for _, rec := range a.book.List() {
				if rec.Code == cached && !rec.Withdrawn {
					return rec, nil
				}
			}
			a.unwithdrawn.Remove(*amount)
		}
	}
	return a.book.FindUnwithdrawn(amount)
}

// leafIndex resolves the commitment's position, reusing the recorded index
// when the book already knows it.
func (a *Agent) leafIndex(rec depositbook.Record, chunkID uint32, commitment *big.Int) (uint64, error) {
	if rec.LeafIndex != nil {
		return *rec.LeafIndex, nil
	}
	index, err := a.engine.FindLeaf(chunkID, commitment)
	if err != nil {
		return 0, errors.Wrap(err, "commitment not found in tree")
	}
	if err := a.book.SetLeafIndex(rec.Code, index); err != nil {
		log.Debugf("recording leaf index: %v", err)
	}
	return index, nil
}
