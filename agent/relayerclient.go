package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/cipher-network/cipher-agent/prover"
	"github.com/cipher-network/cipher-agent/treeshare"
	"github.com/pkg/errors"
)

const (
	// statusProbeTimeout caps each relayer status probe.
	statusProbeTimeout = 2 * time.Second
	// submitTimeout bounds one remote withdrawal submission.
	submitTimeout = 30 * time.Second
)

// localRelayerName labels self-serviced withdrawals in results and logs.
const localRelayerName = "local"

type relayerStatus struct {
	QueueLength int `json:"queueLength"`
}

type relayerCandidate struct {
	peer  treeshare.PeerInfo
	queue int
}

// selectRelayer probes every known peer's relayer status concurrently and
// returns the one with the shortest queue. A nil result means no peer
// responded and the withdrawal should be self-serviced.
func (a *Agent) selectRelayer(ctx context.Context) *treeshare.PeerInfo {
	peers := a.peers.List()
	if len(peers) == 0 {
		return nil
	}

	var (
		mu         sync.Mutex
		candidates []relayerCandidate
		wg         sync.WaitGroup
	)
	for _, p := range peers {
		wg.Add(1)
		go func(p treeshare.PeerInfo) {
			defer wg.Done()
			queue, err := a.probeRelayer(ctx, p)
			if err != nil {
				log.Debugf("relayer probe %s: %v", p.Addr(), err)
				return
			}
			mu.Lock()
			candidates = append(candidates, relayerCandidate{peer: p, queue: queue})
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.queue < best.queue {
			best = c
		}
	}
	return &best.peer
}

func (a *Agent) probeRelayer(ctx context.Context, p treeshare.PeerInfo) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/relayer/status", p.Addr()), nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("status %d", resp.StatusCode)
	}
	var st relayerStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&st); err != nil {
		return 0, err
	}
	return st.QueueLength, nil
}

type relayerSubmitRequest struct {
	Proof     prover.Proof `json:"proof"`
	Recipient string       `json:"recipient"`
	Amount    uint64       `json:"amount"`
	ChunkID   uint32       `json:"chunkId"`
}

type relayerSubmitResponse struct {
	Success bool   `json:"success"`
	QueueID string `json:"queueId"`
	Error   string `json:"error"`
}

// submitWithdrawal hands the proof to the chosen relayer, or to the local
// queue when no peer was selected.
func (a *Agent) submitWithdrawal(ctx context.Context, target *treeshare.PeerInfo, proof prover.Proof, recipient string, amount uint64, chunkID uint32) (string, string, error) {
	if target == nil {
		if a.relayer == nil {
			return "", "", errors.Wrap(gerror.ErrCapacity, "no relayer reachable and local relaying is disabled")
		}
		queueID, _, err := a.relayer.Enqueue(proof, recipient, amount, chunkID)
		if err != nil {
			return "", "", err
		}
		return queueID, localRelayerName, nil
	}

	queueID, err := a.submitRemote(ctx, target.Addr(), proof, recipient, amount, chunkID)
	if err != nil {
		log.Warnf("relayer %s rejected withdrawal: %v", target.Addr(), err)
		if a.relayer == nil {
			return "", "", err
		}
		queueID, _, lerr := a.relayer.Enqueue(proof, recipient, amount, chunkID)
		if lerr != nil {
			return "", "", lerr
		}
		return queueID, localRelayerName, nil
	}
	return queueID, target.Addr(), nil
}

func (a *Agent) submitRemote(ctx context.Context, addr string, proof prover.Proof, recipient string, amount uint64, chunkID uint32) (string, error) {
	body, err := json.Marshal(relayerSubmitRequest{
		Proof:     proof,
		Recipient: recipient,
		Amount:    amount,
		ChunkID:   chunkID,
	})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s/relayer/submit", addr), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "posting withdrawal")
	}
	defer resp.Body.Close()
	var sr relayerSubmitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&sr); err != nil {
		return "", errors.Wrap(err, "decoding relayer response")
	}
	if resp.StatusCode != http.StatusOK || !sr.Success {
		if sr.Error != "" {
			return "", errors.Errorf("relayer refused: %s", sr.Error)
		}
		return "", errors.Errorf("relayer returned status %d", resp.StatusCode)
	}
	return sr.QueueID, nil
}
