package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Client talks to the proving sidecar over HTTP. The sidecar owns the circuit
// artifacts and exposes one endpoint per circuit; a full proof takes on the
// order of seconds, so callers must not run this on an I/O handler path.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a prover client for the sidecar at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type depositRequest struct {
	Nullifier  string `json:"nullifier"`
	Secret     string `json:"secret"`
	Amount     uint64 `json:"amount"`
	Commitment string `json:"commitment"`
}

type withdrawRequest struct {
	Nullifier     string   `json:"nullifier"`
	Secret        string   `json:"secret"`
	Amount        uint64   `json:"amount"`
	Recipient     string   `json:"recipient"`
	Root          string   `json:"root"`
	NullifierHash string   `json:"nullifierHash"`
	Siblings      []string `json:"siblings"`
	Bits          []uint8  `json:"bits"`
	Fee           uint64   `json:"fee"`
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (Proof, error) {
	var proof Proof
	payload, err := json.Marshal(body)
	if err != nil {
		return proof, errors.Wrap(err, "encoding prover request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return proof, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return proof, errors.Wrap(err, "prover sidecar")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return proof, fmt.Errorf("prover sidecar returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&proof); err != nil {
		return proof, errors.Wrap(err, "decoding prover response")
	}
	return proof, nil
}

// ProveDeposit asks the sidecar for a deposit proof.
func (c *Client) ProveDeposit(ctx context.Context, w DepositWitness) (Proof, error) {
	return c.post(ctx, "/prove/deposit", depositRequest{
		Nullifier:  w.Nullifier.String(),
		Secret:     w.Secret.String(),
		Amount:     w.Amount,
		Commitment: w.Commitment.String(),
	})
}

// ProveWithdraw asks the sidecar for a withdraw proof.
func (c *Client) ProveWithdraw(ctx context.Context, w WithdrawWitness) (Proof, error) {
	siblings := make([]string, len(w.Siblings))
	for i, s := range w.Siblings {
		siblings[i] = s.String()
	}
	return c.post(ctx, "/prove/withdraw", withdrawRequest{
		Nullifier:     w.Nullifier.String(),
		Secret:        w.Secret.String(),
		Amount:        w.Amount,
		Recipient:     w.Recipient,
		Root:          w.Root.String(),
		NullifierHash: w.NullifierHash.String(),
		Siblings:      siblings,
		Bits:          w.Bits,
		Fee:           w.Fee,
	})
}
