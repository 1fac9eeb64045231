package dht

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// Alpha is the lookup parallelism.
	Alpha = 3
	// MaxRounds bounds iterative lookups.
	MaxRounds = 10
	// NetworkID is the well-known key all agents announce under.
	NetworkID = "cipher-agent-mainnet-v1"
	// DefaultPort is the well-known DHT port.
	DefaultPort = 8549

	// valueTTL expires stored records; agents re-announce well inside it.
	valueTTL = 30 * time.Minute
	// maxValuesPerKey caps the per-key store, evicting the oldest.
	maxValuesPerKey = 100
)

// AgentRecord is the value an agent announces under NetworkID.
type AgentRecord struct {
	NodeID    string `json:"node_id"`
	HTTPPort  int    `json:"http_port"`
	Timestamp int64  `json:"timestamp"`
	Host      string `json:"host,omitempty"`
}

type storedValue struct {
	canonical string
	raw       json.RawMessage
	storedAt  time.Time
}

// Node is one DHT participant: a routing table, a TCP transport and a
// key/value store holding announce records.
type Node struct {
	cfg   Config
	table *Table
	tr    *transport

	valueMu sync.Mutex
	values  map[string][]storedValue
}

// New creates a node. With a non-empty seed the node ID is derived from it,
// otherwise from fresh randomness.
func New(cfg Config, seed []byte) (*Node, error) {
	var id NodeID
	var err error
	if len(seed) > 0 {
		id = NewID(seed)
	} else if id, err = RandomID(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	n := &Node{
		cfg:    cfg,
		table:  NewTable(id, cfg.AllowPrivate),
		values: make(map[string][]storedValue),
	}
	n.tr = newTransport(n.handle)
	return n, nil
}

// Start binds the DHT listener.
func (n *Node) Start() error {
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	if err := n.tr.listen(addr); err != nil {
		return err
	}
	log.Infof("dht listening on %s, node id %s", addr, n.Self())
	return nil
}

// Stop closes the listener and drains connections.
func (n *Node) Stop() {
	n.tr.close()
}

// Self returns the local node ID.
func (n *Node) Self() NodeID {
	return n.table.Self()
}

// Port returns the DHT listen port.
func (n *Node) Port() int {
	return n.cfg.Port
}

// PeerCount returns the routing-table size.
func (n *Node) PeerCount() int {
	return n.table.Len()
}

// handle processes one inbound message. The sender is touched into the
// routing table under its observed host and the port it advertises in the
// request body.
func (n *Node) handle(remoteHost string, msg Message) *Message {
	senderID, err := ParseID(msg.ID)
	if err != nil {
		return nil
	}
	if senderID != n.Self() {
		if port := advertisedPort(msg); port > 0 {
			n.table.Touch(Peer{ID: senderID, Host: remoteHost, Port: port})
		}
	}

	switch msg.Type {
	case MsgPing:
		return n.reply(MsgPong, nil)
	case MsgFindNode:
		var req findNodeData
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil
		}
		target, err := ParseID(req.Target)
		if err != nil {
			return nil
		}
		return n.reply(MsgNodes, nodesData{Nodes: toWire(n.table.Closest(target, K))})
	case MsgStore:
		var req storeData
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Key == "" {
			return nil
		}
		if !n.storeValue(req.Key, req.Value, remoteHost) {
			return nil
		}
		return n.reply(MsgStored, nil)
	case MsgFindValue:
		var req findValueData
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Key == "" {
			return nil
		}
		if vals := n.lookupValues(req.Key); len(vals) > 0 {
			return n.reply(MsgValue, valueData{Value: vals})
		}
		return n.reply(MsgNodes, nodesData{Nodes: toWire(n.table.Closest(Key(req.Key), K))})
	default:
		return nil
	}
}

func (n *Node) reply(msgType string, data interface{}) *Message {
	resp := &Message{Type: msgType, ID: n.Self().String()}
	if data != nil {
		resp.Data = marshalData(data)
	}
	return resp
}

// advertisedPort extracts the sender's server port from the request body.
func advertisedPort(msg Message) int {
	var d struct {
		Port int `json:"port"`
	}
	if msg.Data == nil || json.Unmarshal(msg.Data, &d) != nil {
		return 0
	}
	return d.Port
}

func toWire(peers []Peer) []wirePeer {
	out := make([]wirePeer, len(peers))
	for i, p := range peers {
		out[i] = wirePeer{ID: p.ID.String(), Host: p.Host, Port: p.Port}
	}
	return out
}

// storeValue records one announce value, stamped with the sender's observed
// host when the record carries none. Values are deduplicated on their
// canonical JSON form.
func (n *Node) storeValue(key string, raw json.RawMessage, observedHost string) bool {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	if h, _ := obj["host"].(string); h == "" {
		obj["host"] = observedHost
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return false
	}

	n.valueMu.Lock()
	defer n.valueMu.Unlock()
	now := time.Now()
	vals := n.values[key]
	kept := vals[:0]
	found := false
	for _, v := range vals {
		if now.Sub(v.storedAt) > valueTTL {
			continue
		}
		if v.canonical == string(canonical) {
			v.storedAt = now
			found = true
		}
		kept = append(kept, v)
	}
	if !found {
		kept = append(kept, storedValue{canonical: string(canonical), raw: canonical, storedAt: now})
	}
	for len(kept) > maxValuesPerKey {
		oldest := 0
		for i, v := range kept {
			if v.storedAt.Before(kept[oldest].storedAt) {
				oldest = i
			}
		}
		kept = append(kept[:oldest], kept[oldest+1:]...)
	}
	n.values[key] = kept
	return true
}

func (n *Node) lookupValues(key string) []json.RawMessage {
	n.valueMu.Lock()
	defer n.valueMu.Unlock()
	now := time.Now()
	var out []json.RawMessage
	kept := n.values[key][:0]
	for _, v := range n.values[key] {
		if now.Sub(v.storedAt) > valueTTL {
			continue
		}
		kept = append(kept, v)
		out = append(out, v.raw)
	}
	n.values[key] = kept
	return out
}

// ping exchanges PING/PONG with addr and returns the responder's node ID.
func (n *Node) ping(ctx context.Context, addr string) (NodeID, error) {
	resp, err := n.tr.rpc(ctx, addr, Message{
		Type: MsgPing,
		ID:   n.Self().String(),
		Data: marshalData(pingData{Port: n.cfg.Port}),
	})
	if err != nil {
		return NodeID{}, err
	}
	if resp.Type != MsgPong {
		return NodeID{}, errors.Wrapf(gerror.ErrBadInput, "unexpected %s to PING", resp.Type)
	}
	return ParseID(resp.ID)
}

// findNode asks a peer for its K closest nodes to target.
func (n *Node) findNode(ctx context.Context, p Peer, target NodeID) ([]Peer, error) {
	resp, err := n.tr.rpc(ctx, p.Addr(), Message{
		Type: MsgFindNode,
		ID:   n.Self().String(),
		Data: marshalData(findNodeData{Target: target.String(), Port: n.cfg.Port}),
	})
	if err != nil {
		return nil, err
	}
	if resp.Type != MsgNodes {
		return nil, errors.Wrapf(gerror.ErrBadInput, "unexpected %s to FIND_NODE", resp.Type)
	}
	var nd nodesData
	if err := json.Unmarshal(resp.Data, &nd); err != nil {
		return nil, errors.Wrap(gerror.ErrBadInput, "NODES payload")
	}
	return n.fromWire(nd.Nodes), nil
}

func (n *Node) fromWire(nodes []wirePeer) []Peer {
	var out []Peer
	for _, w := range nodes {
		id, err := ParseID(w.ID)
		if err != nil || id == n.Self() {
			continue
		}
		p := Peer{ID: id, Host: w.Host, Port: w.Port}
		if ValidatePeer(p, n.cfg.AllowPrivate) != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// lookup runs the iterative node search. The shortlist only grows, so the
// final K-closest cut never regresses between rounds.
func (n *Node) lookup(ctx context.Context, target NodeID) []Peer {
	type candidate struct {
		peer    Peer
		queried bool
	}
	shortlist := make(map[NodeID]*candidate)
	for _, p := range n.table.Closest(target, K) {
		shortlist[p.ID] = &candidate{peer: p}
	}

	var mu sync.Mutex
	for round := 0; round < MaxRounds; round++ {
		mu.Lock()
		var batch []Peer
		for _, c := range shortlist {
			if !c.queried {
				batch = append(batch, c.peer)
			}
		}
		sortByDistance(target, batch)
		if len(batch) > Alpha {
			batch = batch[:Alpha]
		}
		for _, p := range batch {
			shortlist[p.ID].queried = true
		}
		mu.Unlock()
		if len(batch) == 0 || ctx.Err() != nil {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, p := range batch {
			p := p
			g.Go(func() error {
				found, err := n.findNode(gctx, p, target)
				if err != nil {
					log.Debugf("lookup: %s unreachable: %v", p.Addr(), err)
					return nil
				}
				n.table.Touch(p)
				mu.Lock()
				for _, f := range found {
					if _, ok := shortlist[f.ID]; !ok {
						shortlist[f.ID] = &candidate{peer: f}
					}
				}
				mu.Unlock()
				return nil
			})
		}
		g.Wait() //nolint:errcheck
	}

	peers := make([]Peer, 0, len(shortlist))
	for _, c := range shortlist {
		peers = append(peers, c.peer)
	}
	sortByDistance(target, peers)
	if len(peers) > K {
		peers = peers[:K]
	}
	return peers
}

// Bootstrap validates and pings a seed peer, then searches for the local ID
// to populate nearby buckets.
func (n *Node) Bootstrap(ctx context.Context, seed string) error {
	host, portStr, err := net.SplitHostPort(seed)
	if err != nil {
		return errors.Wrapf(gerror.ErrBadInput, "seed %q is not host:port", seed)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Wrapf(gerror.ErrBadInput, "seed %q port", seed)
	}
	if err := ValidatePeer(Peer{ID: NodeID{1}, Host: host, Port: port}, n.cfg.AllowPrivate); err != nil {
		return err
	}
	id, err := n.ping(ctx, seed)
	if err != nil {
		return errors.Wrapf(err, "bootstrap ping %s", seed)
	}
	n.table.Touch(Peer{ID: id, Host: host, Port: port})
	n.lookup(ctx, n.Self())
	log.Infof("dht bootstrapped from %s, %d peers known", seed, n.table.Len())
	return nil
}

// Announce publishes this agent's HTTP endpoint under NetworkID to the K
// nodes closest to the network key. Individual store failures are absorbed.
func (n *Node) Announce(ctx context.Context, httpPort int, publicHost string) error {
	record := AgentRecord{
		NodeID:    n.Self().String(),
		HTTPPort:  httpPort,
		Timestamp: time.Now().Unix(),
		Host:      publicHost,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "encoding announce record")
	}
	// The local store participates like any other replica, so an isolated
	// node still resolves its own record.
	selfHost := record.Host
	if selfHost == "" {
		selfHost = "127.0.0.1"
	}
	n.storeValue(NetworkID, raw, selfHost)

	targets := n.lookup(ctx, Key(NetworkID))
	if len(targets) == 0 {
		log.Debugf("no peers to announce to")
		return nil
	}

	var stored int32
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range targets {
		p := p
		g.Go(func() error {
			resp, err := n.tr.rpc(gctx, p.Addr(), Message{
				Type: MsgStore,
				ID:   n.Self().String(),
				Data: marshalData(storeData{Key: NetworkID, Value: raw, Port: n.cfg.Port}),
			})
			if err != nil || resp.Type != MsgStored {
				log.Debugf("announce to %s failed: %v", p.Addr(), err)
				return nil
			}
			atomic.AddInt32(&stored, 1)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	log.Infof("announced to %d/%d peers", atomic.LoadInt32(&stored), len(targets))
	return nil
}

// FindAgents queries the K nodes closest to the network key and returns the
// distinct announce records they hold.
func (n *Node) FindAgents(ctx context.Context) ([]AgentRecord, error) {
	var mu sync.Mutex
	seen := make(map[string]AgentRecord)
	for _, raw := range n.lookupValues(NetworkID) {
		var rec AgentRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.NodeID == "" {
			continue
		}
		seen[string(raw)] = rec
	}

	targets := n.lookup(ctx, Key(NetworkID))
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range targets {
		p := p
		g.Go(func() error {
			resp, err := n.tr.rpc(gctx, p.Addr(), Message{
				Type: MsgFindValue,
				ID:   n.Self().String(),
				Data: marshalData(findValueData{Key: NetworkID, Port: n.cfg.Port}),
			})
			if err != nil || resp.Type != MsgValue {
				return nil
			}
			var vd valueData
			if err := json.Unmarshal(resp.Data, &vd); err != nil {
				return nil
			}
			for _, raw := range vd.Value {
				var obj map[string]interface{}
				if err := json.Unmarshal(raw, &obj); err != nil {
					continue
				}
				canonical, err := json.Marshal(obj)
				if err != nil {
					continue
				}
				var rec AgentRecord
				if err := json.Unmarshal(raw, &rec); err != nil || rec.NodeID == "" {
					continue
				}
				mu.Lock()
				seen[string(canonical)] = rec
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	out := make([]AgentRecord, 0, len(seen))
	for _, rec := range seen {
		out = append(out, rec)
	}
	return out, nil
}
