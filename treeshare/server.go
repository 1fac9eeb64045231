package treeshare

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cipher-network/cipher-agent/log"
	"github.com/cipher-network/cipher-agent/merkletree"
	"github.com/pkg/errors"
)

// Service is the tree-sharing HTTP surface. The relayer mounts its routes on
// the same mux, so one listener serves both.
type Service struct {
	cfg    Config
	engine *merkletree.Engine
	peers  *PeerStore
	beacon *Beacon

	mux  *http.ServeMux
	srv  *http.Server
	http *http.Client
}

// New wires the service around the shared tree engine and peer store.
func New(cfg Config, engine *merkletree.Engine, peers *PeerStore) *Service {
	s := &Service{
		cfg:    cfg,
		engine: engine,
		peers:  peers,
		mux:    http.NewServeMux(),
		http:   &http.Client{Timeout: 30 * time.Second},
	}
	s.mux.HandleFunc("/tree/", s.handleTree)
	s.mux.HandleFunc("/peers", s.handlePeers)
	s.mux.HandleFunc("/health", s.handleHealth)
	if cfg.BeaconEnabled {
		s.beacon = NewBeacon(cfg.Port, cfg.BeaconPort, engine, peers)
	}
	return s
}

// Mux exposes the shared router for additional routes.
func (s *Service) Mux() *http.ServeMux {
	return s.mux
}

// Start loads the known-peers file, binds the HTTP listener and launches the
// LAN beacon when enabled.
func (s *Service) Start() error {
	if err := s.peers.Load(); err != nil {
		return err
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "binding http listener on %s", addr)
	}
	s.srv = &http.Server{
		Handler:           corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()
	log.Infof("tree service on %s", addr)
	if s.beacon != nil {
		if err := s.beacon.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts the server down and rewrites the known-peers file.
func (s *Service) Stop(ctx context.Context) error {
	if s.beacon != nil {
		s.beacon.Stop()
	}
	if err := s.peers.Save(); err != nil {
		log.Warnf("saving known peers: %v", err)
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware answers preflights and stamps CORS headers for loopback
// origins only.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && loopbackOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type treeResponse struct {
	ChunkID   uint32   `json:"chunkId"`
	Leaves    []string `json:"leaves"`
	Tree      []string `json:"tree"`
	Root      string   `json:"root"`
	LeafCount int      `json:"leafCount"`
}

func (s *Service) handleTree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/tree/")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad chunk id")
		return
	}
	chunkID := uint32(id)
	if !s.engine.HasChunk(chunkID) {
		writeError(w, http.StatusNotFound, "Tree not found")
		return
	}
	leaves, tree, root, err := s.engine.Snapshot(chunkID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	writeJSON(w, http.StatusOK, treeResponse{
		ChunkID:   chunkID,
		Leaves:    leaves,
		Tree:      tree,
		Root:      root,
		LeafCount: len(leaves),
	})
}

func (s *Service) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	peers := s.peers.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": peers,
		"count": len(peers),
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"chunks":    s.engine.Chunks(),
		"port":      s.cfg.Port,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
