package chain

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/poseidon"
	"github.com/cipher-network/cipher-agent/prover"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

// leafAccountBytes is the fixed byte size of one on-chain leaf storage
// account: 128 leaves of 32 bytes each.
const leafAccountBytes = 128 * 32

// Client is the production chain adapter. It speaks JSON-RPC 2.0 against the
// node hosting the mixer program.
type Client struct {
	rpc            *rpc.Client
	requestTimeout time.Duration
}

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, errors.Wrap(gerror.ErrChainUnavailable, err.Error())
	}
	timeout := cfg.RequestTimeout.Duration
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{rpc: c, requestTimeout: timeout}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// call performs one RPC with the default bound applied when the caller's
// context carries no deadline, and maps transport and contract errors to the
// core's error kinds.
func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	err := c.rpc.CallContext(ctx, result, method, args...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.Wrap(gerror.ErrTimeout, method)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return gerror.NewChainRejected(rpcErr.Error())
	}
	return errors.Wrapf(gerror.ErrChainUnavailable, "%s: %s", method, err.Error())
}

// FetchLeaves walks the chunk's leaf storage accounts in order, stopping at
// the first missing account, and decodes each account as big-endian field
// elements.
func (c *Client) FetchLeaves(ctx context.Context, chunkID uint32) ([]*big.Int, error) {
	var leaves []*big.Int
	for page := uint32(0); ; page++ {
		var data *string
		if err := c.call(ctx, &data, "cipher_getLeafAccount", chunkID, page); err != nil {
			return nil, err
		}
		if data == nil || *data == "" {
			return leaves, nil
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(*data, "0x"))
		if err != nil {
			return nil, errors.Wrap(gerror.ErrIntegrity, "leaf account is not hex")
		}
		if len(raw)%32 != 0 || len(raw) > leafAccountBytes {
			return nil, errors.Wrap(gerror.ErrIntegrity, "leaf account has a partial leaf")
		}
		for off := 0; off < len(raw); off += 32 {
			v := new(big.Int).SetBytes(raw[off : off+32])
			if !poseidon.InField(v) {
				return nil, errors.Wrap(gerror.ErrIntegrity, "leaf out of field")
			}
			leaves = append(leaves, v)
		}
		if len(raw) < leafAccountBytes {
			// a short account is the last one
			return leaves, nil
		}
	}
}

// GetLeafCount reads the contract's leaf count for a chunk.
func (c *Client) GetLeafCount(ctx context.Context, chunkID uint32) (int, error) {
	var count uint64
	if err := c.call(ctx, &count, "cipher_getLeafCount", chunkID); err != nil {
		return 0, err
	}
	return int(count), nil
}

// GetRoot reads the contract's current root for a chunk.
func (c *Client) GetRoot(ctx context.Context, chunkID uint32) (*big.Int, error) {
	var root string
	if err := c.call(ctx, &root, "cipher_getRoot", chunkID); err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(root, 10)
	if !ok || !poseidon.InField(v) {
		return nil, errors.Wrap(gerror.ErrIntegrity, "root is not a field element")
	}
	return v, nil
}

// GetCurrentChunkID reads the active chunk ID.
func (c *Client) GetCurrentChunkID(ctx context.Context) (uint32, error) {
	var id uint32
	if err := c.call(ctx, &id, "cipher_getCurrentChunkId"); err != nil {
		return 0, err
	}
	return id, nil
}

type submitDepositParams struct {
	Proof      prover.Proof `json:"proof"`
	Commitment string       `json:"commitment"`
	Amount     uint64       `json:"amount"`
	ChunkID    uint32       `json:"chunkId"`
}

// SubmitDeposit sends the deposit transaction.
func (c *Client) SubmitDeposit(ctx context.Context, proof prover.Proof, commitment *big.Int, amount uint64, chunkID uint32) (string, error) {
	var txID string
	err := c.call(ctx, &txID, "cipher_submitDeposit", submitDepositParams{
		Proof:      proof,
		Commitment: commitment.String(),
		Amount:     amount,
		ChunkID:    chunkID,
	})
	return txID, err
}

type submitWithdrawParams struct {
	Proof         prover.Proof `json:"proof"`
	Recipient     string       `json:"recipient"`
	ChunkID       uint32       `json:"chunkId"`
	NullifierHash string       `json:"nullifierHash"`
}

// SubmitWithdraw sends the withdraw transaction under this agent's account.
func (c *Client) SubmitWithdraw(ctx context.Context, proof prover.Proof, recipient string, chunkID uint32, nullifierHash *big.Int) (string, error) {
	var txID string
	err := c.call(ctx, &txID, "cipher_submitWithdraw", submitWithdrawParams{
		Proof:         proof,
		Recipient:     recipient,
		ChunkID:       chunkID,
		NullifierHash: nullifierHash.String(),
	})
	return txID, err
}
