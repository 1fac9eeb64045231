package treeshare

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/cipher-network/cipher-agent/poseidon"
	"github.com/pkg/errors"
)

// maxTreeBody caps one /tree response; a full chunk of decimal leaves plus
// its node map serializes to roughly this size.
const maxTreeBody = 256 << 20

// FetchCompleteTree pulls a chunk replica from peers, preferring those that
// advertise the chunk. The response is rebuilt from its leaves and checked
// against the claimed root before it replaces the local replica.
func (s *Service) FetchCompleteTree(ctx context.Context, chunkID uint32) error {
	peers := s.peers.List()
	var ordered []PeerInfo
	for _, p := range peers {
		if advertises(p, chunkID) {
			ordered = append(ordered, p)
		}
	}
	for _, p := range peers {
		if !advertises(p, chunkID) {
			ordered = append(ordered, p)
		}
	}
	if len(ordered) == 0 {
		return errors.Wrap(gerror.ErrNotFound, "no tree peers known")
	}

	for _, p := range ordered {
		if err := s.fetchFrom(ctx, p, chunkID); err != nil {
			log.Debugf("tree fetch from %s: %v", p.Addr(), err)
			continue
		}
		log.Infof("chunk %d replica fetched from %s", chunkID, p.Addr())
		return nil
	}
	return errors.Wrapf(gerror.ErrNotFound, "no peer served chunk %d", chunkID)
}

func advertises(p PeerInfo, chunkID uint32) bool {
	for _, c := range p.AdvertisedChunks {
		if c == chunkID {
			return true
		}
	}
	return false
}

func (s *Service) fetchFrom(ctx context.Context, p PeerInfo, chunkID uint32) error {
	url := fmt.Sprintf("http://%s/tree/%d", p.Addr(), chunkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(gerror.ErrNotFound, "peer returned %d", resp.StatusCode)
	}

	var body treeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTreeBody)).Decode(&body); err != nil {
		return errors.Wrap(gerror.ErrIntegrity, "tree response is not JSON")
	}
	if body.ChunkID != chunkID {
		return errors.Wrap(gerror.ErrIntegrity, "tree response for wrong chunk")
	}
	if body.LeafCount != len(body.Leaves) {
		return errors.Wrap(gerror.ErrIntegrity, "leaf count mismatch")
	}
	root, ok := new(big.Int).SetString(body.Root, 10)
	if !ok || !poseidon.InField(root) {
		return errors.Wrap(gerror.ErrIntegrity, "root is not a field element")
	}
	leaves := make([]*big.Int, len(body.Leaves))
	for i, l := range body.Leaves {
		v, ok := new(big.Int).SetString(l, 10)
		if !ok || !poseidon.InField(v) {
			return errors.Wrap(gerror.ErrIntegrity, "leaf is not a field element")
		}
		leaves[i] = v
	}
	return s.engine.InstallFromLeaves(chunkID, leaves, root)
}
