package agent

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	"github.com/cipher-network/cipher-agent/chain"
	"github.com/cipher-network/cipher-agent/depositbook"
	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/dht"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/cipher-network/cipher-agent/merkletree"
	"github.com/cipher-network/cipher-agent/poseidon"
	"github.com/cipher-network/cipher-agent/prover"
	"github.com/cipher-network/cipher-agent/relayer"
	"github.com/cipher-network/cipher-agent/treeshare"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const (
	// defaultReannounce re-publishes the DHT record.
	defaultReannounce = 5 * time.Minute
	// rootCheckTimeout bounds the chain root verification of loaded caches.
	rootCheckTimeout = 10 * time.Second
	// unwithdrawnCacheSize bounds the amount-to-code RAM cache.
	unwithdrawnCacheSize = 128
)

// Agent owns the lifecycle of every subsystem and drives deposits and
// withdrawals over them.
type Agent struct {
	cfg     Config
	wallet  *Wallet
	book    *depositbook.Book
	engine  *merkletree.Engine
	backend chain.Backend
	prover  prover.Prover
	node    *dht.Node
	peers   *treeshare.PeerStore
	share   *treeshare.Service
	relayer *relayer.Service

	// unwithdrawn caches the most recent known spendable code per amount.
	unwithdrawn *lru.Cache[uint64, string]

	stop chan struct{}
	wg   sync.WaitGroup
}

// New assembles an agent around the given chain backend and prover. Nothing
// touches the network until Start.
func New(cfg Config, backend chain.Backend, prv prover.Prover) (*Agent, error) {
	wallet, err := LoadOrCreateWallet(cfg.DataDir, cfg.WalletPath)
	if err != nil {
		return nil, err
	}
	book, err := depositbook.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	engine := merkletree.New(filepath.Join(cfg.DataDir, "trees"))
	node, err := dht.New(cfg.DHT, wallet.NodeSeed())
	if err != nil {
		return nil, err
	}
	peers := treeshare.NewPeerStore(cfg.DataDir, cfg.Share.AllowPrivate)
	shareCfg := cfg.Share
	shareCfg.DataDir = cfg.DataDir
	share := treeshare.New(shareCfg, engine, peers)
	cache, err := lru.New[uint64, string](unwithdrawnCacheSize)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:         cfg,
		wallet:      wallet,
		book:        book,
		engine:      engine,
		backend:     backend,
		prover:      prv,
		node:        node,
		peers:       peers,
		share:       share,
		unwithdrawn: cache,
		stop:        make(chan struct{}),
	}
	if cfg.Relayer.Enabled {
		a.relayer = relayer.New(cfg.Relayer, backend)
		a.relayer.Register(share.Mux())
	}
	engine.SetRootCheck(a.verifyRoot)
	return a, nil
}

// verifyRoot confirms a locally loaded root against the contract.
func (a *Agent) verifyRoot(chunkID uint32, root *big.Int) error {
	ctx, cancel := context.WithTimeout(context.Background(), rootCheckTimeout)
	defer cancel()
	onchain, err := a.backend.GetRoot(ctx, chunkID)
	if err != nil {
		return errors.Wrapf(err, "root check for chunk %d", chunkID)
	}
	if onchain.Cmp(root) != 0 {
		return errors.Wrapf(gerror.ErrIntegrity, "chunk %d root diverges from chain", chunkID)
	}
	return nil
}

// Start brings the subsystems up in dependency order and launches the
// background timers. It returns once the agent is serving.
func (a *Agent) Start(ctx context.Context) error {
	poseidon.Warm()

	if err := a.node.Start(); err != nil {
		return err
	}
	for _, seed := range a.cfg.DHT.Seeds {
		if err := a.node.Bootstrap(ctx, seed); err != nil {
			log.Warnf("bootstrap %s: %v", seed, err)
		}
	}
	if err := a.node.Announce(ctx, a.cfg.Share.Port, a.cfg.PublicHost); err != nil {
		log.Warnf("initial announce: %v", err)
	}
	if err := a.share.Start(); err != nil {
		a.node.Stop()
		return err
	}
	a.refreshPeers(ctx)

	a.wg.Add(1)
	go a.reannounceLoop()
	if a.cfg.TreeRefreshInterval.Duration > 0 {
		a.wg.Add(1)
		go a.treeRefreshLoop()
	}
	if a.cfg.Mix.Enabled {
		a.wg.Add(1)
		go a.runMixLoop()
	}
	log.Infof("agent up: dht port %d, http port %d", a.node.Port(), a.cfg.Share.Port)
	return nil
}

// Stop winds the agent down in reverse start order.
func (a *Agent) Stop() {
	close(a.stop)
	a.wg.Wait()
	if a.relayer != nil {
		a.relayer.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.share.Stop(ctx); err != nil {
		log.Warnf("stopping http server: %v", err)
	}
	a.node.Stop()
	if err := a.book.Close(); err != nil {
		log.Warnf("closing deposit book: %v", err)
	}
}

// stopped reports whether shutdown has begun.
func (a *Agent) stopped() bool {
	select {
	case <-a.stop:
		return true
	default:
		return false
	}
}

// refreshPeers folds DHT announce records into the tree-sharing peer set.
func (a *Agent) refreshPeers(ctx context.Context) {
	records, err := a.node.FindAgents(ctx)
	if err != nil {
		log.Debugf("find agents: %v", err)
		return
	}
	self := a.node.Self().String()
	for _, rec := range records {
		if rec.NodeID == self || rec.Host == "" {
			continue
		}
		a.peers.Add(rec.Host, rec.HTTPPort, nil)
	}
}

func (a *Agent) reannounceLoop() {
	defer a.wg.Done()
	interval := a.cfg.ReannounceInterval.Duration
	if interval == 0 {
		interval = defaultReannounce
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := a.node.Announce(ctx, a.cfg.Share.Port, a.cfg.PublicHost); err != nil {
				log.Debugf("reannounce: %v", err)
			}
			a.refreshPeers(ctx)
			cancel()
		}
	}
}

func (a *Agent) treeRefreshLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.TreeRefreshInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			chunkID, err := a.backend.GetCurrentChunkID(ctx)
			if err == nil {
				if err := a.LoadTree(ctx, chunkID); err != nil {
					log.Debugf("background tree refresh: %v", err)
				}
			}
			cancel()
		}
	}
}

// Status is a point-in-time health snapshot.
type Status struct {
	Deposits     int      `json:"deposits"`
	Unwithdrawn  int      `json:"unwithdrawn"`
	Chunks       []uint32 `json:"chunks"`
	Peers        int      `json:"peers"`
	RelayerQueue int      `json:"relayerQueue"`
}

// Status reports deposit counts, held chunks and peer visibility.
func (a *Agent) Status() Status {
	total, unwithdrawn := a.book.Count()
	st := Status{
		Deposits:    total,
		Unwithdrawn: unwithdrawn,
		Chunks:      a.engine.Chunks(),
		Peers:       a.peers.Len(),
	}
	if a.relayer != nil {
		st.RelayerQueue = a.relayer.QueueLength()
	}
	return st
}

// LoadTree brings the chunk replica in line with the chain, trying the
// cheapest source first: matching memory, incremental update, disk cache,
// a peer replica, then a full rebuild from chain leaves.
func (a *Agent) LoadTree(ctx context.Context, chunkID uint32) error {
	count, err := a.backend.GetLeafCount(ctx, chunkID)
	if err != nil {
		return err
	}

	if a.engine.HasChunk(chunkID) {
		held := a.engine.LeafCount(chunkID)
		if held == count {
			return nil
		}
		if held < count {
			err := a.updateFromChain(ctx, chunkID)
			if err == nil {
				return nil
			}
			log.Debugf("incremental update of chunk %d: %v", chunkID, err)
		}
	}

	if held, err := a.engine.LoadFromDisk(chunkID); err == nil {
		if held == count {
			return nil
		}
		uerr := a.updateFromChain(ctx, chunkID)
		if uerr == nil {
			return nil
		}
		log.Debugf("updating cached chunk %d: %v", chunkID, uerr)
	} else {
		log.Debugf("disk cache for chunk %d: %v", chunkID, err)
	}

	if err := a.share.FetchCompleteTree(ctx, chunkID); err == nil {
		if a.engine.LeafCount(chunkID) == count {
			a.saveTree(chunkID)
			return nil
		}
		if err := a.updateFromChain(ctx, chunkID); err == nil {
			return nil
		}
	} else {
		log.Debugf("peer fetch for chunk %d: %v", chunkID, err)
	}

	return a.rebuildFromChain(ctx, chunkID)
}

// updateFromChain applies the chain's leaf sequence over the held prefix.
func (a *Agent) updateFromChain(ctx context.Context, chunkID uint32) error {
	leaves, err := a.backend.FetchLeaves(ctx, chunkID)
	if err != nil {
		return err
	}
	if err := a.engine.Update(chunkID, leaves); err != nil {
		return err
	}
	a.saveTree(chunkID)
	return nil
}

// rebuildFromChain discards local state and rebuilds from the full on-chain
// leaf sequence.
func (a *Agent) rebuildFromChain(ctx context.Context, chunkID uint32) error {
	leaves, err := a.backend.FetchLeaves(ctx, chunkID)
	if err != nil {
		return err
	}
	if err := a.engine.Build(chunkID, leaves); err != nil {
		return err
	}
	a.saveTree(chunkID)
	log.Infof("chunk %d rebuilt from chain, %d leaves", chunkID, len(leaves))
	return nil
}

func (a *Agent) saveTree(chunkID uint32) {
	if err := a.engine.SaveToDisk(chunkID); err != nil {
		log.Warnf("caching chunk %d: %v", chunkID, err)
	}
}

// Peers exposes the tree-sharing peer store.
func (a *Agent) Peers() *treeshare.PeerStore {
	return a.peers
}

// Book exposes the deposit book.
func (a *Agent) Book() *depositbook.Book {
	return a.book
}

// Engine exposes the tree engine.
func (a *Agent) Engine() *merkletree.Engine {
	return a.engine
}

var errStopped = errors.New("agent is stopping")
