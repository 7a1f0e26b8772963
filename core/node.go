package core

// node.go – assembly of one daemon identity: key material, ledger, pools,
// mesh, consensus and the serving surface, all hanging off a single
// NodeContext created at startup.

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/AnonMoon64/Anvil/pkg/config"
)

// Node is one running identity on the mesh.
type Node struct {
	nctx     *NodeContext
	ledger   *Ledger
	pool     *TxPool
	receipts *ReceiptEngine
	mesh     *PeerMesh
	cons     *Consensus
	server   *Server

	serveErr chan error
}

// NewNode loads or creates the node identity under the configured data
// directory and wires every component. It refuses to start on a corrupt
// chain file.
func NewNode(name string, port int, publicURL string, cfg *config.Config) (*Node, error) {
	dataDir := filepath.Join(cfg.Node.DataDir, name)
	pub, priv, err := LoadOrCreateKeyPair(dataDir)
	if err != nil {
		return nil, err
	}
	pubPEM, err := PublicKeyToPEM(pub)
	if err != nil {
		return nil, err
	}
	pubB64, err := PublicKeyB64(pub)
	if err != nil {
		return nil, err
	}
	pubHash, err := PublicKeyHashHex(pub)
	if err != nil {
		return nil, err
	}
	addr, err := AddressOf(pub)
	if err != nil {
		return nil, err
	}

	nctx := &NodeContext{
		Name:       name,
		Port:       port,
		PublicURL:  strings.TrimRight(publicURL, "/"),
		DataDir:    dataDir,
		Config:     cfg,
		PrivKey:    priv,
		PubKey:     pub,
		PubKeyPEM:  pubPEM,
		PubKeyB64:  pubB64,
		PubKeyHash: pubHash,
		Address:    addr,
		AddressHex: addr.Hex(),
		Metrics:    NewMetrics(name),
		Log:        log.WithField("node", name),
	}

	ledger, err := NewLedger(dataDir)
	if err != nil {
		return nil, err
	}
	pool := NewTxPool()
	pool.MarkChain(ledger.Tail(ChainServeLimit))
	mesh := NewPeerMesh(nctx, ledger)
	receipts := NewReceiptEngine(nctx, mesh)
	cons := NewConsensus(nctx, ledger, pool, receipts, mesh)
	mesh.SetEnqueue(cons.Enqueue)
	server := NewServer(nctx, ledger, pool, receipts, mesh, cons)

	nctx.Log.WithFields(log.Fields{
		"address": addr.Hex(),
		"url":     nctx.PublicURL,
	}).Info("node initialised")

	return &Node{
		nctx:     nctx,
		ledger:   ledger,
		pool:     pool,
		receipts: receipts,
		mesh:     mesh,
		cons:     cons,
		server:   server,
		serveErr: make(chan error, 1),
	}, nil
}

// Start brings up the serving surface, the consensus loop and the gossip
// loop, then announces to the bootstrap peer when one is given.
func (n *Node) Start(bootstrapURL string) {
	go func() {
		if err := n.server.ListenAndServe(); err != nil {
			n.serveErr <- WrapErr(ErrPersistence, err, "mesh listen")
		}
	}()
	go n.cons.Run()
	go n.mesh.GossipLoop()

	if bootstrapURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), n.nctx.Config.Mesh.RequestTimeout)
		defer cancel()
		if err := n.mesh.Bootstrap(ctx, bootstrapURL); err != nil {
			n.nctx.Log.WithError(err).Warn("bootstrap incomplete, relying on gossip")
		}
	}
}

// ServeErr delivers a fatal serving error, if one occurs.
func (n *Node) ServeErr() <-chan error { return n.serveErr }

// Stop shuts the loops down and drains the HTTP server.
func (n *Node) Stop(ctx context.Context) error {
	n.cons.Stop()
	n.mesh.Stop()
	return n.server.Shutdown(ctx)
}

// Address returns the node's ledger address in wire form.
func (n *Node) Address() string { return n.nctx.AddressHex }

// Ledger exposes the chain for inspection.
func (n *Node) Ledger() *Ledger { return n.ledger }

// Server exposes the wire surface.
func (n *Node) Server() *Server { return n.server }

// String identifies the node in logs.
func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.nctx.Name, n.nctx.Address.Short())
}
