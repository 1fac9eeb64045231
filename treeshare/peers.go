package treeshare

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cipher-network/cipher-agent/dht"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/pkg/errors"
)

const (
	// peerTTL drops peers not heard from within the window.
	peerTTL = 120 * time.Second
	// DefaultBeaconPort is the well-known UDP beacon port.
	DefaultBeaconPort = 8548

	peersFileName = "known-peers.json"
)

// PeerInfo is one known tree-sharing peer.
type PeerInfo struct {
	Host             string    `json:"host"`
	Port             int       `json:"port"`
	LastSeen         time.Time `json:"lastSeen"`
	AdvertisedChunks []uint32  `json:"trees"`
}

// Addr returns the peer's HTTP base address.
func (p PeerInfo) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// PeerStore tracks tree-sharing peers learned from LAN beacons, the DHT and
// the known-peers file. Entries expire after peerTTL.
type PeerStore struct {
	mu           sync.Mutex
	peers        map[string]PeerInfo
	path         string
	allowPrivate bool
}

// NewPeerStore creates a store persisting to dir/known-peers.json.
func NewPeerStore(dir string, allowPrivate bool) *PeerStore {
	return &PeerStore{
		peers:        make(map[string]PeerInfo),
		path:         filepath.Join(dir, peersFileName),
		allowPrivate: allowPrivate,
	}
}

// Add records a peer sighting, replacing the advertised chunk set.
func (s *PeerStore) Add(host string, port int, chunks []uint32) {
	if err := dht.ValidatePeer(dht.Peer{ID: dht.NodeID{1}, Host: host, Port: port}, s.allowPrivate); err != nil {
		return
	}
	info := PeerInfo{Host: host, Port: port, LastSeen: time.Now(), AdvertisedChunks: chunks}
	s.mu.Lock()
	s.peers[info.Addr()] = info
	s.mu.Unlock()
}

// List returns live peers, freshest first.
func (s *PeerStore) List() []PeerInfo {
	s.gc()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Len returns the live peer count.
func (s *PeerStore) Len() int {
	s.gc()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// gc drops peers whose last sighting is older than peerTTL.
func (s *PeerStore) gc() {
	cutoff := time.Now().Add(-peerTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			delete(s.peers, addr)
		}
	}
}

// Load reads the known-peers file, validating every record. A missing file
// is not an error.
func (s *PeerStore) Load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reading known peers")
	}
	var stored []PeerInfo
	if err := json.Unmarshal(raw, &stored); err != nil {
		log.Warnf("known peers file is corrupt, starting empty: %v", err)
		return nil
	}
	now := time.Now()
	for _, p := range stored {
		if dht.ValidatePeer(dht.Peer{ID: dht.NodeID{1}, Host: p.Host, Port: p.Port}, s.allowPrivate) != nil {
			continue
		}
		p.LastSeen = now
		s.mu.Lock()
		s.peers[p.Addr()] = p
		s.mu.Unlock()
	}
	return nil
}

// Save rewrites the known-peers file with the live set.
func (s *PeerStore) Save() error {
	peers := s.List()
	raw, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding known peers")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return errors.Wrap(err, "writing known peers")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "renaming known peers")
}
