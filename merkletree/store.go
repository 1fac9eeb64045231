package merkletree

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/poseidon"
	"github.com/pkg/errors"
)

const (
	cacheDirPerm  = 0o700
	cacheFilePerm = 0o600
)

// snapshot is the on-disk form of a chunk replica. Leaves and root are
// decimal strings; tree flattens the sparse node map as
// "<level>:<index>:<decimal>" entries.
type snapshot struct {
	ChunkID   uint32   `json:"chunkId"`
	Leaves    []string `json:"leaves"`
	Tree      []string `json:"tree"`
	Root      string   `json:"root"`
	LeafCount int      `json:"leafCount"`
	Timestamp string   `json:"timestamp"`
}

func (e *Engine) cachePath(chunkID uint32) string {
	return filepath.Join(e.cacheDir, fmt.Sprintf("chunk-%d.json", chunkID))
}

// SaveToDisk persists the chunk replica to the cache directory with the same
// temp-file + rename discipline as the deposit book.
func (e *Engine) SaveToDisk(chunkID uint32) error {
	if e.cacheDir == "" {
		return nil
	}

	e.mu.RLock()
	t, ok := e.chunks[chunkID]
	if !ok {
		e.mu.RUnlock()
		return gerror.ErrNotFound
	}
	snap := snapshot{
		ChunkID:   chunkID,
		Leaves:    make([]string, len(t.leaves)),
		Tree:      make([]string, 0, len(t.nodes)),
		Root:      t.root.String(),
		LeafCount: len(t.leaves),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for i, l := range t.leaves {
		snap.Leaves[i] = l.String()
	}
	for k, v := range t.nodes {
		snap.Tree = append(snap.Tree, fmt.Sprintf("%d:%d:%s", k.level, k.index, v.String()))
	}
	e.mu.RUnlock()

	if err := os.MkdirAll(e.cacheDir, cacheDirPerm); err != nil {
		return errors.Wrap(err, "creating tree cache dir")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encoding tree snapshot")
	}
	path := e.cachePath(chunkID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, cacheFilePerm); err != nil {
		return errors.Wrap(err, "writing tree snapshot")
	}
	return errors.Wrap(os.Rename(tmp, path), "replacing tree snapshot")
}

// LoadFromDisk restores a chunk replica from the cache directory and returns
// its leaf count. A snapshot that carries the full node map is installed
// without rehashing; a leaves-only snapshot is rebuilt. When a root check is
// installed it must pass before the cached tree is trusted.
func (e *Engine) LoadFromDisk(chunkID uint32) (int, error) {
	if e.cacheDir == "" {
		return 0, gerror.ErrNotFound
	}
	data, err := os.ReadFile(e.cachePath(chunkID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, gerror.ErrNotFound
		}
		return 0, errors.Wrap(err, "reading tree snapshot")
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, errors.Wrap(gerror.ErrIntegrity, "tree snapshot is not valid JSON")
	}
	if snap.ChunkID != chunkID || snap.LeafCount != len(snap.Leaves) {
		return 0, errors.Wrap(gerror.ErrIntegrity, "tree snapshot metadata mismatch")
	}

	leaves, err := parseElements(snap.Leaves)
	if err != nil {
		return 0, err
	}

	if len(snap.Tree) == 0 {
		if err := e.InstallFromLeaves(chunkID, leaves, nil); err != nil {
			return 0, err
		}
		return e.afterLoad(chunkID)
	}

	t := &chunkTree{
		leaves: leaves,
		nodes:  make(map[nodeKey]*big.Int, len(snap.Tree)),
	}
	for _, entry := range snap.Tree {
		k, v, err := parseNodeEntry(entry)
		if err != nil {
			return 0, err
		}
		t.nodes[k] = v
	}
	root, ok := new(big.Int).SetString(snap.Root, 10)
	if !ok || !poseidon.InField(root) {
		return 0, errors.Wrap(gerror.ErrIntegrity, "tree snapshot root")
	}
	if t.value(Height, 0).Cmp(root) != 0 {
		return 0, errors.Wrap(gerror.ErrIntegrity, "tree snapshot root disagrees with node map")
	}
	t.root = root

	e.mu.Lock()
	e.chunks[chunkID] = t
	e.mu.Unlock()
	return e.afterLoad(chunkID)
}

// afterLoad runs the installed root check; on failure the freshly loaded
// chunk is dropped again.
func (e *Engine) afterLoad(chunkID uint32) (int, error) {
	e.mu.RLock()
	check := e.rootCheck
	t := e.chunks[chunkID]
	e.mu.RUnlock()

	if check != nil {
		if err := check(chunkID, new(big.Int).Set(t.root)); err != nil {
			e.Drop(chunkID)
			return 0, errors.Wrap(err, "cached tree failed root check")
		}
	}
	return len(t.leaves), nil
}

func parseElements(dec []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(dec))
	for i, s := range dec {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || !poseidon.InField(v) {
			return nil, errors.Wrapf(gerror.ErrIntegrity, "element %d", i)
		}
		out[i] = v
	}
	return out, nil
}

func parseNodeEntry(entry string) (nodeKey, *big.Int, error) {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) != 3 {
		return nodeKey{}, nil, errors.Wrap(gerror.ErrIntegrity, "tree snapshot node entry")
	}
	level, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || level > Height {
		return nodeKey{}, nil, errors.Wrap(gerror.ErrIntegrity, "tree snapshot node level")
	}
	index, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nodeKey{}, nil, errors.Wrap(gerror.ErrIntegrity, "tree snapshot node index")
	}
	v, ok := new(big.Int).SetString(parts[2], 10)
	if !ok || !poseidon.InField(v) {
		return nodeKey{}, nil, errors.Wrap(gerror.ErrIntegrity, "tree snapshot node value")
	}
	return nodeKey{level: uint8(level), index: index}, v, nil
}

// Snapshot returns the serializable form of a chunk replica for the tree
// sharing HTTP endpoint.
func (e *Engine) Snapshot(chunkID uint32) (leaves []string, tree []string, root string, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.chunks[chunkID]
	if !ok {
		return nil, nil, "", gerror.ErrNotFound
	}
	leaves = make([]string, len(t.leaves))
	for i, l := range t.leaves {
		leaves[i] = l.String()
	}
	tree = make([]string, 0, len(t.nodes))
	for k, v := range t.nodes {
		tree = append(tree, fmt.Sprintf("%d:%d:%s", k.level, k.index, v.String()))
	}
	return leaves, tree, t.root.String(), nil
}
