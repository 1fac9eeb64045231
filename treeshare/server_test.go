package treeshare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/merkletree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, chunkID uint32, n int) *merkletree.Engine {
	t.Helper()
	e := merkletree.New(t.TempDir())
	leaves := make([]*big.Int, n)
	for i := range leaves {
		leaves[i] = big.NewInt(int64(1000 + i))
	}
	require.NoError(t, e.Build(chunkID, leaves))
	return e
}

func newTestService(t *testing.T, engine *merkletree.Engine) *Service {
	t.Helper()
	return New(Config{Host: "127.0.0.1", Port: 8550, DataDir: t.TempDir()}, engine, NewPeerStore(t.TempDir(), false))
}

func get(s *Service, path string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestService(t, newTestEngine(t, 0, 3))
	w := get(s, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []interface{}{float64(0)}, body["chunks"])
}

func TestTreeEndpoint(t *testing.T) {
	engine := newTestEngine(t, 0, 3)
	s := newTestService(t, engine)

	w := get(s, "/tree/0")
	require.Equal(t, http.StatusOK, w.Code)

	var body treeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, uint32(0), body.ChunkID)
	assert.Equal(t, 3, body.LeafCount)
	require.Len(t, body.Leaves, 3)
	assert.Equal(t, "1000", body.Leaves[0])

	root, err := engine.Root(0)
	require.NoError(t, err)
	assert.Equal(t, root.String(), body.Root)
}

func TestTreeEndpointErrors(t *testing.T) {
	s := newTestService(t, newTestEngine(t, 0, 1))

	w := get(s, "/tree/7")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Tree not found", body["error"])

	assert.Equal(t, http.StatusBadRequest, get(s, "/tree/abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(s, "/tree/").Code)

	r := httptest.NewRequest(http.MethodPost, "/tree/0", nil)
	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPeersEndpoint(t *testing.T) {
	s := newTestService(t, newTestEngine(t, 0, 1))
	s.peers.Add("1.2.3.4", 8550, []uint32{0})

	w := get(s, "/peers")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Peers []PeerInfo `json:"peers"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Peers, 1)
	assert.Equal(t, "1.2.3.4", body.Peers[0].Host)
}

func TestCORSLoopbackOnly(t *testing.T) {
	s := newTestService(t, newTestEngine(t, 0, 1))
	h := corsMiddleware(s.mux)

	do := func(method, origin string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(method, "/health", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	w := do(http.MethodGet, "http://localhost:3000")
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(http.MethodGet, "http://127.0.0.1:3000")
	assert.Equal(t, "http://127.0.0.1:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(http.MethodGet, "http://evil.example.com")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = do(http.MethodOptions, "http://localhost:3000")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}

func serveOverTCP(t *testing.T, s *Service) PeerInfo {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: corsMiddleware(s.mux)}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return PeerInfo{Host: host, Port: port, LastSeen: time.Now()}
}

func TestFetchCompleteTreeFromPeer(t *testing.T) {
	source := newTestEngine(t, 0, 5)
	remote := newTestService(t, source)
	peer := serveOverTCP(t, remote)

	local := merkletree.New(t.TempDir())
	s := newTestService(t, local)
	s.peers.Add(peer.Host, peer.Port, []uint32{0})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.FetchCompleteTree(ctx, 0))

	want, err := source.Root(0)
	require.NoError(t, err)
	got, err := local.Root(0)
	require.NoError(t, err)
	assert.Equal(t, 0, want.Cmp(got))
	assert.Equal(t, 5, local.LeafCount(0))
}

func TestFetchPrefersAdvertisingPeer(t *testing.T) {
	source := newTestEngine(t, 0, 2)
	remote := newTestService(t, source)
	peer := serveOverTCP(t, remote)

	// The other peer also serves chunk 0 (with 3 leaves) without advertising
	// it, and is the fresher sighting, so it is listed first by the store.
	other := newTestService(t, newTestEngine(t, 0, 3))
	otherPeer := serveOverTCP(t, other)

	local := merkletree.New(t.TempDir())
	s := newTestService(t, local)
	s.peers.Add(peer.Host, peer.Port, []uint32{0})
	time.Sleep(5 * time.Millisecond)
	s.peers.Add(otherPeer.Host, otherPeer.Port, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.FetchCompleteTree(ctx, 0))
	assert.True(t, local.HasChunk(0))
	assert.Equal(t, 2, local.LeafCount(0))
}

func TestFetchRejectsTamperedRoot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tree/0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, treeResponse{
			ChunkID:   0,
			Leaves:    []string{"1000", "1001"},
			Tree:      nil,
			Root:      "12345",
			LeafCount: 2,
		})
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	local := merkletree.New(t.TempDir())
	s := newTestService(t, local)
	s.peers.Add(host, port, []uint32{0})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = s.FetchCompleteTree(ctx, 0)
	require.Error(t, err)
	assert.False(t, local.HasChunk(0))
}

func TestFetchWithoutPeers(t *testing.T) {
	s := newTestService(t, merkletree.New(t.TempDir()))
	err := s.FetchCompleteTree(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gerror.ErrNotFound), fmt.Sprintf("got %v", err))
}
