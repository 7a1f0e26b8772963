package core

// peer_management.go – the peer registry and its lifecycle: announce and
// gossip learning, heartbeat eviction, the periodic gossip loop and lazy
// chain catch-up. Transport errors on per-peer calls are absorbed here and
// only ever influence liveness.

import (
	"context"
	"crypto/ed25519"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// PeerMesh owns the peer registry. Consensus reaches peers only through its
// broadcast and send methods; inbound traffic re-enters the node through the
// enqueue callback registered through SetEnqueue.
type PeerMesh struct {
	nctx   *NodeContext
	ledger *Ledger

	mu    sync.RWMutex
	peers map[string]*PeerRecord
	keys  map[string]ed25519.PublicKey
	seeds []string

	client     *http.Client
	fetchLimit *rate.Limiter
	rng        *rand.Rand
	enqueue    func(InboundMsg) bool

	stop chan struct{}
	done chan struct{}
}

// NewPeerMesh constructs the mesh around the local identity.
func NewPeerMesh(nctx *NodeContext, ledger *Ledger) *PeerMesh {
	return &PeerMesh{
		nctx:       nctx,
		ledger:     ledger,
		peers:      make(map[string]*PeerRecord),
		keys:       make(map[string]ed25519.PublicKey),
		client:     &http.Client{Timeout: nctx.Config.Mesh.RequestTimeout},
		fetchLimit: rate.NewLimiter(rate.Every(nctx.Config.Mesh.GossipInterval), 2),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetEnqueue registers the consensus inbound callback. Registered once at
// wiring time, before any traffic flows.
func (pm *PeerMesh) SetEnqueue(fn func(InboundMsg) bool) { pm.enqueue = fn }

// Register folds an announce record into the registry and returns the
// sender's ledger address.
func (pm *PeerMesh) Register(msg AnnounceMsg) (string, error) {
	pub, err := ParsePublicKeyPEM(msg.PublicKeyPEM)
	if err != nil {
		return "", Errf(ErrMalformedInput, "announce public key: %v", err)
	}
	addr, err := AddressOf(pub)
	if err != nil {
		return "", Errf(ErrMalformedInput, "announce address: %v", err)
	}
	hex := addr.Hex()
	if hex == pm.nctx.AddressHex {
		return hex, nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	rec, ok := pm.peers[hex]
	if !ok {
		rec = &PeerRecord{}
		pm.peers[hex] = rec
		log.WithFields(log.Fields{"peer": msg.ID, "addr": addr.Short()}).Info("peer registered")
	}
	rec.ID = msg.ID
	rec.URL = msg.URL
	rec.PublicKeyPEM = msg.PublicKeyPEM
	rec.PublicKeyHash = msg.PublicKeyHash
	rec.LastSeen = time.Now()
	pm.keys[hex] = pub
	return hex, nil
}

// Touch refreshes a peer's liveness after any successful exchange.
func (pm *PeerMesh) Touch(addrHex string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if rec, ok := pm.peers[addrHex]; ok {
		rec.LastSeen = time.Now()
	}
}

// Evict removes peers whose lastSeen is older than the heartbeat timeout.
func (pm *PeerMesh) Evict() {
	cutoff := time.Now().Add(-pm.nctx.Config.Mesh.HeartbeatTimeout)
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for addr, rec := range pm.peers {
		if rec.LastSeen.Before(cutoff) {
			delete(pm.peers, addr)
			delete(pm.keys, addr)
			log.WithField("peer", rec.ID).Info("peer evicted")
		}
	}
}

// Peers returns a copy of the registry records.
func (pm *PeerMesh) Peers() []PeerRecord {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]PeerRecord, 0, len(pm.peers))
	for _, rec := range pm.peers {
		out = append(out, *rec)
	}
	return out
}

// PeerCount reports the registry size, excluding self.
func (pm *PeerMesh) PeerCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

// Summaries lists self plus every peer for /peers.
func (pm *PeerMesh) Summaries() []PeerSummary {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]PeerSummary, 0, len(pm.peers)+1)
	out = append(out, PeerSummary{
		ID:            pm.nctx.Name,
		URL:           pm.nctx.PublicURL,
		PublicKeyHash: pm.nctx.PubKeyHash,
	})
	for _, rec := range pm.peers {
		out = append(out, PeerSummary{ID: rec.ID, URL: rec.URL, PublicKeyHash: rec.PublicKeyHash})
	}
	return out
}

// announceRecords is the gossip form of the registry: self plus peers.
func (pm *PeerMesh) announceRecords() []AnnounceMsg {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]AnnounceMsg, 0, len(pm.peers)+1)
	out = append(out, AnnounceMsg{
		ID:            pm.nctx.Name,
		URL:           pm.nctx.PublicURL,
		PublicKeyPEM:  pm.nctx.PubKeyPEM,
		PublicKeyHash: pm.nctx.PubKeyHash,
	})
	for _, rec := range pm.peers {
		out = append(out, AnnounceMsg{
			ID:            rec.ID,
			URL:           rec.URL,
			PublicKeyPEM:  rec.PublicKeyPEM,
			PublicKeyHash: rec.PublicKeyHash,
		})
	}
	return out
}

// FoldGossip merges a gossip payload: the sender stays live and its peer
// list joins the registry.
func (pm *PeerMesh) FoldGossip(msg GossipMsg) {
	pm.Touch(msg.From)
	for _, ann := range msg.Peers {
		if _, err := pm.Register(ann); err != nil {
			log.WithField("id", ann.ID).Debug("gossip peer rejected")
		}
	}
}

// ValidatorSet returns the sorted addresses of self plus every known peer —
// the quorum denominator for the current epoch.
func (pm *PeerMesh) ValidatorSet() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	set := make([]string, 0, len(pm.peers)+1)
	set = append(set, pm.nctx.AddressHex)
	for addr := range pm.peers {
		set = append(set, addr)
	}
	sort.Strings(set)
	return set
}

// ResolvePubKey returns the known public key for addr, covering self and
// registered peers.
func (pm *PeerMesh) ResolvePubKey(addrHex string) (ed25519.PublicKey, bool) {
	if addrHex == pm.nctx.AddressHex {
		return pm.nctx.PubKey, true
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	pub, ok := pm.keys[addrHex]
	return pub, ok
}

// URLOf returns the transport URL for addr.
func (pm *PeerMesh) URLOf(addrHex string) (string, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	rec, ok := pm.peers[addrHex]
	if !ok {
		return "", false
	}
	return rec.URL, true
}

// SetEffectiveness mirrors committed scores onto the registry for /health.
func (pm *PeerMesh) SetEffectiveness(scores map[string]float64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for addr, rec := range pm.peers {
		if v, ok := scores[addr]; ok {
			rec.Effectiveness = v
		}
	}
}

// Bootstrap announces the local node to a bootstrap peer and adopts its
// chain when longer. The bootstrap URL stays in the seed list until its
// identity arrives via gossip, so every gossip round keeps reaching it.
func (pm *PeerMesh) Bootstrap(ctx context.Context, peerURL string) error {
	pm.mu.Lock()
	pm.seeds = append(pm.seeds, peerURL)
	pm.mu.Unlock()
	if err := pm.SendAnnounce(ctx, peerURL); err != nil {
		return err
	}
	chain, err := pm.FetchChain(ctx, peerURL)
	if err != nil {
		return err
	}
	if len(chain) > pm.ledger.Length() {
		pm.post(InboundMsg{Kind: MsgChainAdopt, Payload: chain})
	}
	return nil
}

// unresolvedSeeds lists seed URLs not yet backed by a registered peer.
func (pm *PeerMesh) unresolvedSeeds() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	known := make(map[string]struct{}, len(pm.peers))
	for _, rec := range pm.peers {
		known[rec.URL] = struct{}{}
	}
	var out []string
	for _, seed := range pm.seeds {
		if _, ok := known[seed]; !ok {
			out = append(out, seed)
		}
	}
	return out
}

// GossipLoop drives the periodic peer refresh until Stop. Each round touches
// every peer; with a small probability (rate limited) it fetches the peer's
// chain and, when longer, hands it to the consensus loop for adoption.
func (pm *PeerMesh) GossipLoop() {
	defer close(pm.done)
	ticker := time.NewTicker(pm.nctx.Config.Mesh.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pm.stop:
			return
		case <-ticker.C:
			pm.gossipRound()
		}
	}
}

func (pm *PeerMesh) gossipRound() {
	chainLen := pm.ledger.Length()
	_, lastHash := pm.ledger.Head()
	msg := GossipMsg{
		From:          pm.nctx.AddressHex,
		ChainLength:   chainLen,
		LastBlockHash: lastHash,
		Peers:         pm.announceRecords(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), pm.nctx.Config.Mesh.RequestTimeout)
	defer cancel()
	for _, seed := range pm.unresolvedSeeds() {
		if err := pm.SendGossip(ctx, seed, msg); err != nil {
			log.WithField("seed", seed).Debug("seed gossip failed")
		}
	}
	for _, rec := range pm.Peers() {
		addr := addrFromPEM(rec.PublicKeyPEM)
		if err := pm.SendGossip(ctx, rec.URL, msg); err != nil {
			continue
		}
		pm.Touch(addr)
		if pm.rng.Float64() < pm.nctx.Config.Mesh.ChainFetchProb && pm.fetchLimit.Allow() {
			chain, err := pm.FetchChain(ctx, rec.URL)
			if err == nil && len(chain) > pm.ledger.Length() {
				pm.post(InboundMsg{Kind: MsgChainAdopt, Payload: chain})
			}
		}
	}
	pm.Evict()
}

// CatchUp fetches chains from every peer and hands the longest one to the
// consensus loop. Used when a proposal references an unknown ancestor.
func (pm *PeerMesh) CatchUp() {
	ctx, cancel := context.WithTimeout(context.Background(), pm.nctx.Config.Mesh.RequestTimeout)
	defer cancel()
	var best []*Block
	for _, rec := range pm.Peers() {
		chain, err := pm.FetchChain(ctx, rec.URL)
		if err != nil {
			continue
		}
		if len(chain) > len(best) {
			best = chain
		}
	}
	if len(best) > pm.ledger.Length() {
		pm.post(InboundMsg{Kind: MsgChainAdopt, Payload: best})
	}
}

func (pm *PeerMesh) post(msg InboundMsg) {
	if pm.enqueue == nil {
		return
	}
	if !pm.enqueue(msg) {
		log.WithField("kind", msg.Kind).Warn("consensus inbox full, message dropped")
	}
}

// Stop terminates the gossip loop.
func (pm *PeerMesh) Stop() {
	close(pm.stop)
	<-pm.done
}
